// Package discovery implements Discovery: announcing this node and finding
// peers on the local network. mDNS (github.com/libp2p/zeroconf/v2) is the
// primary mechanism; a UDP broadcast fallback covers networks where
// multicast is filtered. Static peers from configuration are injected as
// synthetic discoveries that never expire (spec §4.6). Grounded on the
// teacher's plain net.Listener style in cmd/suffuse/server.go — no example
// in the retrieval pack exercises zeroconf directly (only transitively via
// libp2p's go.mod), so the announce/browse calls follow zeroconf's own
// documented API rather than a pack usage site.
package discovery

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/libp2p/zeroconf/v2"
	"golang.org/x/crypto/ssh"

	"github.com/clipsync/clipsync/internal/config"
	"github.com/clipsync/clipsync/internal/identity"
	"github.com/clipsync/clipsync/internal/peers"
)

const (
	serviceType = "_clipsync._tcp"
	domain      = "local."

	broadcastMagic    = "CLIPSYNC1"
	broadcastPort     = 48484
	broadcastInterval = 30 * time.Second
)

// Discovery owns both the mDNS and UDP-broadcast announce/browse loops and
// reports every sighting to PeerManager via Observe.
type Discovery struct {
	self     *identity.Identity
	selfID   string
	cfg      config.Config
	peerMgr  *peers.Manager
	listenPort int
}

// New returns a Discovery for the node described by self/selfID/cfg,
// reporting sightings into peerMgr. listenPort is this node's transport
// listen port, advertised to other nodes via mDNS TXT records and the
// broadcast packet.
func New(self *identity.Identity, selfID string, cfg config.Config, peerMgr *peers.Manager, listenPort int) *Discovery {
	return &Discovery{self: self, selfID: selfID, cfg: cfg, peerMgr: peerMgr, listenPort: listenPort}
}

// Run starts mDNS announce+browse, the UDP broadcast fallback, static peer
// injection, and the lost-peer sweep. Blocks until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	d.injectStatic()

	server, err := d.announceMDNS()
	if err != nil {
		slog.Warn("discovery: mDNS announce unavailable, relying on broadcast fallback", "err", err)
	} else {
		defer server.Shutdown()
	}

	go d.browseMDNS(ctx)
	go d.broadcastLoop(ctx)
	go d.listenBroadcast(ctx)
	go d.sweepLoop(ctx)

	<-ctx.Done()
}

func (d *Discovery) injectStatic() {
	for _, sp := range d.cfg.StaticPeers {
		addr, err := netip.ParseAddrPort(sp.Address)
		if err != nil {
			slog.Warn("discovery: invalid static peer address", "name", sp.Name, "address", sp.Address, "err", err)
			continue
		}
		d.peerMgr.InjectStatic(peers.Descriptor{
			PeerID:    sp.Name,
			Name:      sp.Name,
			Addresses: []netip.AddrPort{addr},
		})
	}
}

// announceMDNS registers this node's service on the local segment, with TXT
// records carrying the identity material other nodes need to recognize and
// authenticate it (spec §4.6/§6). pubkey is the OpenSSH one-line form
// ("ssh-ed25519 <base64>"), per spec.
func (d *Discovery) announceMDNS() (*zeroconf.Server, error) {
	pubLine, err := encodePublicKey(d.self.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("discovery: encode public key: %w", err)
	}
	txt := []string{
		"id=" + d.selfID,
		"pubkey=" + pubLine,
		"fingerprint=" + d.self.Fingerprint,
		"version=1",
		"platform=" + platformName(),
	}
	return zeroconf.Register(d.cfg.AdvertiseName, serviceType, domain, d.listenPort, txt, nil)
}

// browseMDNS resolves peers continuously, restarting the lookup whenever it
// returns (zeroconf.Browse's result channel closes at the end of one
// lookup cycle).
func (d *Discovery) browseMDNS(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		entries := make(chan *zeroconf.ServiceEntry, 8)
		go func() {
			for e := range entries {
				d.observeMDNSEntry(e)
			}
		}()
		if err := zeroconf.Browse(ctx, serviceType, domain, entries); err != nil {
			slog.Warn("discovery: mDNS browse failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (d *Discovery) observeMDNSEntry(e *zeroconf.ServiceEntry) {
	fields := parseTXT(e.Text)
	peerID := fields["id"]
	if peerID == "" || peerID == d.selfID {
		return
	}

	var addrs []netip.AddrPort
	for _, ip := range e.AddrIPv4 {
		if a, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, netip.AddrPortFrom(a, uint16(e.Port)))
		}
	}
	for _, ip := range e.AddrIPv6 {
		if a, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, netip.AddrPortFrom(a, uint16(e.Port)))
		}
	}

	d.peerMgr.Observe(peers.Descriptor{
		PeerID:      peerID,
		Fingerprint: fields["fingerprint"],
		PublicKey:   decodePublicKey(fields["pubkey"]),
		Name:        e.Instance,
		Platform:    fields["platform"],
		Version:     fields["version"],
		Addresses:   addrs,
		Source:      peers.SourceMDNS,
	})
}

// broadcastLoop sends this node's announcement over UDP broadcast every
// broadcastInterval, for networks that filter mDNS multicast (spec §4.6
// expansion: UDP broadcast fallback).
func (d *Discovery) broadcastLoop(ctx context.Context) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		slog.Warn("discovery: broadcast socket unavailable", "err", err)
		return
	}
	defer conn.Close()

	pkt := d.broadcastPacket()
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: broadcastPort}

	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()
	for {
		if _, err := conn.WriteToUDP(pkt, dst); err != nil {
			slog.Debug("discovery: broadcast send failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// listenBroadcast receives other nodes' broadcast packets and reports them
// to PeerManager, same as an mDNS sighting but sourced as
// SourceBroadcastFallback.
func (d *Discovery) listenBroadcast(ctx context.Context) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: broadcastPort})
	if err != nil {
		slog.Warn("discovery: broadcast listener unavailable", "err", err)
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // closed by ctx.Done goroutine above, or fatal
		}
		d.handleBroadcastPacket(buf[:n], src)
	}
}

func (d *Discovery) handleBroadcastPacket(pkt []byte, src *net.UDPAddr) {
	fields, ok := decodeBroadcastPacket(pkt)
	if !ok {
		return
	}
	peerID := fields["id"]
	if peerID == "" || peerID == d.selfID {
		return
	}
	addr, ok := netip.AddrFromSlice(src.IP.To4())
	if !ok {
		return
	}
	port := d.listenPort
	if fields["port"] != "" {
		fmt.Sscanf(fields["port"], "%d", &port)
	}

	d.peerMgr.Observe(peers.Descriptor{
		PeerID:      peerID,
		Fingerprint: fields["fingerprint"],
		PublicKey:   decodePublicKey(fields["pubkey"]),
		Platform:    fields["platform"],
		Version:     fields["version"],
		Addresses:   []netip.AddrPort{netip.AddrPortFrom(addr, uint16(port))},
		Source:      peers.SourceBroadcastFallback,
	})
}

// sweepLoop periodically asks PeerManager to mark silent peers Lost, per
// the configured timeout (spec §4.6: "5 minutes of silence ⇒ Lost").
func (d *Discovery) sweepLoop(ctx context.Context) {
	timeout := d.cfg.LostPeerTimeout
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.peerMgr.SweepLost(timeout)
		}
	}
}

func (d *Discovery) broadcastPacket() []byte {
	pubLine, err := encodePublicKey(d.self.PublicKey)
	if err != nil {
		slog.Warn("discovery: encode public key for broadcast failed", "err", err)
		pubLine = ""
	}
	fields := fmt.Sprintf("id=%s\x01pubkey=%s\x01fingerprint=%s\x01version=1\x01platform=%s\x01port=%d",
		d.selfID, pubLine, d.self.Fingerprint, platformName(), d.listenPort)
	pkt := make([]byte, 0, len(broadcastMagic)+len(fields))
	pkt = append(pkt, []byte(broadcastMagic)...)
	pkt = append(pkt, []byte(fields)...)
	return pkt
}

func decodeBroadcastPacket(pkt []byte) (map[string]string, bool) {
	if len(pkt) < len(broadcastMagic) || string(pkt[:len(broadcastMagic)]) != broadcastMagic {
		return nil, false
	}
	body := string(pkt[len(broadcastMagic):])
	fields := map[string]string{}
	start := 0
	for i := 0; i <= len(body); i++ {
		if i == len(body) || body[i] == '\x01' {
			kv := body[start:i]
			for j := 0; j < len(kv); j++ {
				if kv[j] == '=' {
					fields[kv[:j]] = kv[j+1:]
					break
				}
			}
			start = i + 1
		}
	}
	return fields, true
}

func parseTXT(records []string) map[string]string {
	fields := make(map[string]string, len(records))
	for _, r := range records {
		for i := 0; i < len(r); i++ {
			if r[i] == '=' {
				fields[r[:i]] = r[i+1:]
				break
			}
		}
	}
	return fields
}

// encodePublicKey renders pub in the OpenSSH one-line authorized_keys form
// ("ssh-ed25519 <base64>"), matching spec's TXT record format and the
// trust package's own public-key representation.
func encodePublicKey(pub ed25519.PublicKey) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(sshPub)), "\n"), nil
}

// decodePublicKey parses an OpenSSH one-line public key back into raw
// Ed25519 key bytes, returning nil on any malformed or non-Ed25519 input.
func decodePublicKey(s string) []byte {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
	if err != nil {
		return nil
	}
	cryptoPub, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil
	}
	edPub, ok := cryptoPub.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil
	}
	return edPub
}

func platformName() string {
	return "linux" // TODO(clipsyncd): populate from runtime.GOOS once non-headless backends land
}
