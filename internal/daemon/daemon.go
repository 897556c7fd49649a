// Package daemon wires every component into the running node: the Core
// surface cmd/clipsyncd drives. Grounded on the teacher's runServer
// (cmd/suffuse/server.go) — load config, construct the hub-equivalent
// (PeerManager + SyncCoordinator), start local clipboard integration and
// federation-equivalent (Discovery) as goroutines, serve the listener — but
// re-targeted onto ClipSync's authenticated mesh instead of suffuse's
// single-hub/upstream topology: every trusted peer is a full participant,
// not a client of one server.
package daemon

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/clipsync/clipsync/internal/audit"
	"github.com/clipsync/clipsync/internal/clipboard"
	"github.com/clipsync/clipsync/internal/clipsyncerr"
	"github.com/clipsync/clipsync/internal/config"
	"github.com/clipsync/clipsync/internal/discovery"
	"github.com/clipsync/clipsync/internal/history"
	"github.com/clipsync/clipsync/internal/identity"
	"github.com/clipsync/clipsync/internal/peers"
	"github.com/clipsync/clipsync/internal/syncer"
	"github.com/clipsync/clipsync/internal/transport"
	"github.com/clipsync/clipsync/internal/trust"
)

// PeerSummary is a read-only view of one known peer, for Core.Peers.
type PeerSummary struct {
	PeerID      string
	Name        string
	Fingerprint string
	State       peers.State
	LastSeen    time.Time
}

// StatusSnapshot is a read-only view of the node's own state, for Core.Status.
type StatusSnapshot struct {
	SelfID         string
	Fingerprint    string
	ListenAddr     string
	PeersConnected int
	PeersTotal     int
}

// TrustPrompt asks the operator (CLI, in practice) to accept or reject a
// newly discovered peer's key (spec §4.5's TOFU decision point).
type TrustPrompt struct {
	PeerID      string
	Fingerprint string
	Name        string
	Resolve     func(accept bool)
}

// RunHandle is returned by Start; Wait blocks until the node has stopped.
type RunHandle struct {
	node *Node
}

// Wait blocks until the node's background goroutines have exited.
func (h *RunHandle) Wait() { h.node.wg.Wait() }

// Node implements the Core interface (spec §8): the running daemon,
// reachable from cmd/clipsyncd and, in tests, directly.
type Node struct {
	cfg     config.Config
	self    *identity.Identity
	trust   *trust.Store
	history *history.Store
	peerMgr *peers.Manager
	clip    clipboard.Provider
	coord   *syncer.Coordinator
	log     *audit.Log
	disco   *discovery.Discovery

	listener net.Listener
	httpSrv  *http.Server

	mu       sync.Mutex
	sessions map[string]*transport.Session

	trustPrompts chan TrustPrompt

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an unstarted Node.
func New() *Node {
	return &Node{
		sessions:     make(map[string]*transport.Session),
		trustPrompts: make(chan TrustPrompt, 8),
	}
}

// Start loads every component from cfg and begins serving: the transport
// listener, discovery, and the sync coordinator's local watch loop.
func (n *Node) Start(ctx context.Context, cfg config.Config) (*RunHandle, error) {
	const op = "daemon.Start"
	n.cfg = cfg

	self, err := identity.Load(cfg.SSHKeyPath)
	if err != nil {
		return nil, err
	}
	n.self = self

	ts, err := trust.Open(cfg.TrustedDevicesPath(), cfg.AuthorizedKeysPath)
	if err != nil {
		return nil, err
	}
	n.trust = ts

	hist, err := history.Open(cfg)
	if err != nil {
		return nil, err
	}
	n.history = hist

	n.log = audit.NewLog(256)
	n.clip = clipboard.NewMemory()
	n.peerMgr = peers.New(self.PeerID, n.onPeerEvent)
	n.coord = syncer.New(self.PeerID, n.clip, n.history, n, cfg, n.log)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindConfigInvalid, op, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err))
	}
	n.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/clipsync", n.handleIncoming)
	n.httpSrv = &http.Server{Handler: mux}

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var listenPort int
	fmt.Sscanf(portStr, "%d", &listenPort)
	n.disco = discovery.New(self, self.PeerID, cfg, n.peerMgr, listenPort)

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(3)
	go func() { defer n.wg.Done(); n.serveHTTP() }()
	go func() { defer n.wg.Done(); n.disco.Run(runCtx) }()
	go func() { defer n.wg.Done(); n.coord.Run(runCtx) }()
	go n.log.Metrics().ServeMetrics(runCtx, metricsAddr(cfg.ListenAddr))

	slog.Info("clipsync node started", "listen_addr", ln.Addr().String(), "fingerprint", self.Fingerprint)
	return &RunHandle{node: n}, nil
}

func metricsAddr(listenAddr string) string {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil || host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, "9484")
}

func (n *Node) serveHTTP() {
	if err := n.httpSrv.Serve(n.listener); err != nil && err != http.ErrServerClosed {
		slog.Error("daemon: transport listener stopped", "err", err)
	}
}

func (n *Node) handleIncoming(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("daemon: websocket upgrade failed", "err", err)
		return
	}
	sess, err := transport.Accept(conn, n.self, n.self.PeerID, n, n)
	if err != nil {
		n.log.RecordErr(err, "")
		slog.Warn("daemon: inbound handshake failed", "err", err)
		return
	}
	n.registerSession(sess)
}

// IsAuthorized implements transport.AuthResolver: a fingerprint is
// authorized once TrustStore has recorded it as trusted (spec §4.5/§4.8).
func (n *Node) IsAuthorized(fingerprint string) bool {
	return n.trust.IsTrusted(fingerprint)
}

// HandleStreamPayload implements transport.Handler by delegating to the
// sync coordinator, the sole owner of clipboard-apply semantics.
func (n *Node) HandleStreamPayload(peerID string, p transport.StreamPayload) {
	n.coord.HandleStreamPayload(peerID, p)
}

// HandleSessionClosed implements transport.Handler: audits the closure via
// the coordinator, drops the session from the live table, and schedules a
// reconnect attempt through PeerManager's backoff (spec §4.7).
func (n *Node) HandleSessionClosed(peerID string, err error) {
	n.coord.HandleSessionClosed(peerID, err)
	n.removeSession(peerID)

	delay := n.peerMgr.MarkFailed(peerID)
	d, ok := n.peerMgr.Get(peerID)
	if !ok || len(d.Addresses) == 0 {
		return
	}
	time.AfterFunc(delay, func() { n.connectPeer(d) })
}

func (n *Node) registerSession(sess *transport.Session) {
	n.mu.Lock()
	n.sessions[sess.PeerID()] = sess
	n.mu.Unlock()
	n.peerMgr.MarkConnected(sess.PeerID())
	_ = n.trust.Touch(sess.Fingerprint())
}

func (n *Node) removeSession(peerID string) {
	n.mu.Lock()
	delete(n.sessions, peerID)
	n.mu.Unlock()
}

// ConnectedSenders implements syncer.SessionRegistry.
func (n *Node) ConnectedSenders() []syncer.Sender {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]syncer.Sender, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	return out
}

// onPeerEvent reacts to PeerManager state transitions: prompting for trust
// decisions, and dialing out once a peer becomes Trusted (spec §4.6/§4.7).
func (n *Node) onPeerEvent(ev peers.Event) {
	switch ev.Kind {
	case peers.EventDiscovered:
		if ev.Peer.Static || n.trust.IsTrusted(ev.Peer.Fingerprint) {
			n.peerMgr.ResolveTrust(ev.Peer.PeerID, true)
			return
		}
		n.peerMgr.RequireTrustDecision(ev.Peer.PeerID)
	case peers.EventTrustPrompt:
		peerID := ev.Peer.PeerID
		select {
		case n.trustPrompts <- TrustPrompt{
			PeerID:      peerID,
			Fingerprint: ev.Peer.Fingerprint,
			Name:        ev.Peer.Name,
			Resolve:     func(accept bool) { n.resolveTrust(ev.Peer, accept) },
		}:
		default:
			slog.Warn("daemon: trust prompt queue full, dropping", "peer", peerID)
		}
	case peers.EventTrusted:
		go n.connectPeer(ev.Peer)
	}
}

// resolveTrust persists the operator's (or static-config's) trust decision
// and tells PeerManager to proceed, matching the authorized_keys line
// format trust.Store.Trust expects.
func (n *Node) resolveTrust(d peers.Descriptor, accept bool) {
	if accept {
		sshPub, err := ssh.NewPublicKey(ed25519.PublicKey(d.PublicKey))
		if err != nil {
			slog.Warn("daemon: peer public key invalid, rejecting", "peer", d.PeerID, "err", err)
			n.peerMgr.ResolveTrust(d.PeerID, false)
			return
		}
		keyLine := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(sshPub)), "\n")
		line := fmt.Sprintf("%s ClipSync: %s (%s)", keyLine, d.Name, d.PeerID)
		if err := n.trust.Trust(d.Fingerprint, line, d.Name); err != nil {
			slog.Warn("daemon: trust persist failed", "peer", d.PeerID, "err", err)
		}
	}
	n.peerMgr.ResolveTrust(d.PeerID, accept)
}

// connectPeer dials a freshly trusted peer if this node is the designated
// initiator (lower peer id — spec §4.7), retrying with PeerManager's
// backoff on failure.
func (n *Node) connectPeer(d peers.Descriptor) {
	if len(d.Addresses) == 0 {
		return
	}
	shouldInitiate := n.peerMgr.BeginConnect(d.PeerID)
	if !shouldInitiate {
		return
	}

	addr := d.Addresses[0].String()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	sess, err := transport.Dial(ctx, addr, n.self, n.self.PeerID, n, n)
	cancel()
	if err != nil {
		n.log.RecordErr(err, d.PeerID)
		delay := n.peerMgr.MarkFailed(d.PeerID)
		time.AfterFunc(delay, func() { n.connectPeer(d) })
		return
	}
	n.registerSession(sess)
}

// Status implements Core.Status.
func (n *Node) Status() StatusSnapshot {
	all := n.peerMgr.All()
	connected := n.peerMgr.Connected()
	return StatusSnapshot{
		SelfID:         n.self.PeerID,
		Fingerprint:    n.self.Fingerprint,
		ListenAddr:     n.listener.Addr().String(),
		PeersConnected: len(connected),
		PeersTotal:     len(all),
	}
}

// Peers implements Core.Peers.
func (n *Node) Peers() []PeerSummary {
	all := n.peerMgr.All()
	out := make([]PeerSummary, 0, len(all))
	for _, d := range all {
		out = append(out, PeerSummary{
			PeerID: d.PeerID, Name: d.Name, Fingerprint: d.Fingerprint,
			State: d.State, LastSeen: d.LastSeen,
		})
	}
	return out
}

// History implements Core.History.
func (n *Node) History(limit int) ([]history.Entry, error) {
	entries, err := n.history.Recent(context.Background(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]history.Entry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out, nil
}

// ForceSync implements Core.ForceSync.
func (n *Node) ForceSync() error {
	return n.coord.ForceSync(context.Background())
}

// SetClipboard implements Core.SetClipboard.
func (n *Node) SetClipboard(p clipboard.Payload) error {
	return n.clip.Write(context.Background(), p)
}

// ReadClipboard implements Core.ReadClipboard.
func (n *Node) ReadClipboard() (clipboard.Payload, error) {
	p, _, err := n.clip.Read(context.Background())
	return p, err
}

// TrustPrompts implements Core.TrustPrompts.
func (n *Node) TrustPrompts() <-chan TrustPrompt { return n.trustPrompts }

// Stop implements Core.Stop: tears down the listener and every background
// goroutine, and closes the history store.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.httpSrv.Shutdown(ctx)
	}
	n.mu.Lock()
	for _, s := range n.sessions {
		_ = s.Close("shutting down")
	}
	n.mu.Unlock()
	n.self.Zeroize()
	return n.history.Close()
}
