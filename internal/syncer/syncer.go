// Package syncer implements SyncCoordinator: the single actor that watches
// the local clipboard, applies the safety filter, records to history, and
// fans payloads out to every connected peer, while applying incoming
// payloads from peers back to the local clipboard without re-broadcasting
// them. Grounded on the teacher's localpeer.Peer.Run (paired watch/apply
// loops under one goroutine pair) and federation.Upstream (loop prevention
// via origin comparison, generalized here from a sentinel peer id to a
// per-message origin_node check against the local identity, per spec §4.9).
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clipsync/clipsync/internal/audit"
	"github.com/clipsync/clipsync/internal/clipboard"
	"github.com/clipsync/clipsync/internal/config"
	"github.com/clipsync/clipsync/internal/history"
	"github.com/clipsync/clipsync/internal/safety"
	"github.com/clipsync/clipsync/internal/transport"
)

// seenCacheSize bounds the de-loop LRU of recently observed payload
// fingerprints, large enough to absorb a burst of re-announcements from
// several peers without growing unbounded. seenWindow is paired with it
// (spec §4.9 step 3): a fingerprint only suppresses a later observation if
// it was added within the last 10s, so a legitimate resync of identical
// content past that window is not silently dropped.
const (
	seenCacheSize = 64
	seenWindow    = 10 * time.Second
)

// Sender is the subset of PeerManager + transport.Session the coordinator
// needs to fan a payload out to every connected peer, kept abstract so
// tests can substitute a fake without a real transport session.
type Sender interface {
	PeerID() string
	Send(p transport.StreamPayload) (dropped bool, err error)
}

// SessionRegistry resolves the live Sender set at fan-out time. Implemented
// by the daemon wiring layer, which tracks Session objects keyed by peer id
// alongside PeerManager's Descriptor state.
type SessionRegistry interface {
	ConnectedSenders() []Sender
}

// Coordinator is the sole owner of the clipboard synchronization loop: one
// local-watch goroutine and one apply path invoked from transport's Handler
// callback (spec §3 ownership rules — neither ClipboardProvider nor
// Transport touch each other directly, only through this type).
type Coordinator struct {
	selfNodeID string
	clip       clipboard.Provider
	history    *history.Store
	sessions   SessionRegistry
	safetyCfg  safety.Config
	log        *audit.Log

	mu   sync.Mutex
	seen *lruSet
}

// New returns a Coordinator for selfNodeID (the local identity's peer id,
// used to recognize and drop self-originated echoes).
func New(selfNodeID string, clip clipboard.Provider, hist *history.Store, sessions SessionRegistry, cfg config.Config, log *audit.Log) *Coordinator {
	return &Coordinator{
		selfNodeID: selfNodeID,
		clip:       clip,
		history:    hist,
		sessions:   sessions,
		safetyCfg:  safety.DefaultConfig(cfg.MaxSize),
		log:        log,
		seen:       newLRUSet(seenCacheSize),
	}
}

// Run starts the local clipboard watch loop. Blocks until ctx is cancelled;
// call in a goroutine alongside Discovery and Transport.
func (c *Coordinator) Run(ctx context.Context) {
	watchCh := c.clip.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watchCh:
			if !ok {
				return
			}
			c.observeLocal(ctx, ev.Payload)
		}
	}
}

// observeLocal runs one locally observed clipboard change through the
// safety filter, records it to history, tags it with origin, and fans it
// out to every connected peer (spec §4.9 steps 1–5).
func (c *Coordinator) observeLocal(ctx context.Context, p clipboard.Payload) {
	if c.markSeen(p.Fingerprint) {
		return // already synced this exact content, e.g. our own echo
	}

	verdict, reason := safety.Classify(c.safetyCfg, p.MIMEType, p.Bytes, "")
	switch verdict {
	case safety.SkipSecret:
		c.log.Record(audit.Event{Kind: audit.EventFilterSkipped, Reason: string(reason), MIMEType: p.MIMEType})
		return
	case safety.SkipTooLarge:
		c.log.Record(audit.Event{Kind: audit.EventPayloadTooLarge, MIMEType: p.MIMEType, Size: int64(len(p.Bytes))})
		return
	}

	if p.OriginNode == "" {
		p.OriginNode = c.selfNodeID
	}
	if p.OriginTimestamp == 0 {
		p.OriginTimestamp = time.Now().UnixMilli()
	}

	if _, err := c.history.Insert(ctx, history.Payload{
		MIMEType: p.MIMEType, Bytes: p.Bytes, OriginNode: p.OriginNode, OriginTimestamp: p.OriginTimestamp,
	}); err != nil {
		slog.Warn("syncer: history insert failed", "err", err)
	}
	c.log.Record(audit.Event{Kind: audit.EventApplied, MIMEType: p.MIMEType, Size: int64(len(p.Bytes))})

	c.broadcast(p)
}

// broadcast fans p out to every connected peer, honoring the drop-oldest
// backpressure policy each Session implements internally (spec §5).
func (c *Coordinator) broadcast(p clipboard.Payload) {
	payload := transport.StreamPayload{
		MIMEType:        p.MIMEType,
		Bytes:           p.Bytes,
		OriginNode:      p.OriginNode,
		OriginTimestamp: p.OriginTimestamp,
	}
	for _, s := range c.sessions.ConnectedSenders() {
		dropped, err := s.Send(payload)
		if err != nil {
			slog.Warn("syncer: send failed", "peer", s.PeerID(), "err", err)
			continue
		}
		if dropped {
			c.log.Record(audit.Event{Kind: audit.EventBackpressureDrop, PeerID: s.PeerID()})
		} else {
			c.log.Record(audit.Event{Kind: audit.EventSent, PeerID: s.PeerID(), MIMEType: p.MIMEType, Size: int64(len(p.Bytes))})
		}
	}
}

// HandleStreamPayload implements transport.Handler: applies a fully
// reassembled payload received from peerID to the local clipboard. Per
// spec §4.9, a payload whose origin_node is our own identity is dropped
// (it is our own update reflected back by another peer) and an applied
// payload is never re-broadcast to other peers.
func (c *Coordinator) HandleStreamPayload(peerID string, sp transport.StreamPayload) {
	if sp.OriginNode == c.selfNodeID {
		return
	}
	fp := clipboard.NewPayload(sp.MIMEType, sp.Bytes, sp.OriginNode, sp.OriginTimestamp).Fingerprint
	if c.markSeen(fp) {
		return
	}

	ctx := context.Background()
	if _, err := c.history.Insert(ctx, history.Payload{
		MIMEType: sp.MIMEType, Bytes: sp.Bytes, OriginNode: sp.OriginNode, OriginTimestamp: sp.OriginTimestamp,
	}); err != nil {
		slog.Warn("syncer: history insert failed", "peer", peerID, "err", err)
	}

	if err := c.clip.Write(ctx, clipboard.Payload{
		MIMEType: sp.MIMEType, Bytes: sp.Bytes, OriginNode: sp.OriginNode, OriginTimestamp: sp.OriginTimestamp,
	}); err != nil {
		slog.Warn("syncer: clipboard write failed", "peer", peerID, "err", err)
		return
	}
	c.log.Record(audit.Event{Kind: audit.EventApplied, PeerID: peerID, MIMEType: sp.MIMEType, Size: int64(len(sp.Bytes))})
}

// HandleSessionClosed implements transport.Handler, logging session loss;
// PeerManager (driven by the daemon wiring layer) owns the reconnection
// decision, not the coordinator.
func (c *Coordinator) HandleSessionClosed(peerID string, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	c.log.Record(audit.Event{Kind: audit.EventSessionClosed, PeerID: peerID, Reason: reason})
}

// ForceSync re-reads the current clipboard contents and pushes them to
// every connected peer unconditionally, bypassing the debounce window (the
// safety filter and de-loop cache still apply) — spec §6 Core.ForceSync.
func (c *Coordinator) ForceSync(ctx context.Context) error {
	p, ok, err := c.clip.Read(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	c.observeLocal(ctx, p)
	return nil
}

// markSeen reports whether fingerprint was already recorded as synced
// within the bounded window, recording it if not (spec §4.9's "de-loop via
// bounded LRU of seen fingerprints").
func (c *Coordinator) markSeen(fingerprint [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen.Contains(fingerprint) {
		return true
	}
	c.seen.Add(fingerprint)
	return false
}

// lruSet is a small fixed-capacity set of [32]byte keys evicted in FIFO
// order once full, each entry additionally expiring after window elapses —
// good enough for de-looping a handful of peers' worth of recent activity
// without unbounded growth, while still letting a later legitimate resync
// of identical content through once the window has passed.
type lruSet struct {
	cap    int
	window time.Duration
	order  [][32]byte
	set    map[[32]byte]time.Time
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{cap: capacity, window: seenWindow, set: make(map[[32]byte]time.Time, capacity)}
}

// Contains reports whether k was added within the last window; an entry
// still occupying a capacity slot but older than window is treated as
// absent.
func (l *lruSet) Contains(k [32]byte) bool {
	addedAt, ok := l.set[k]
	if !ok {
		return false
	}
	return time.Since(addedAt) <= l.window
}

func (l *lruSet) Add(k [32]byte) {
	now := time.Now()
	if _, ok := l.set[k]; ok {
		l.set[k] = now
		return
	}
	if len(l.order) >= l.cap {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.set, oldest)
	}
	l.order = append(l.order, k)
	l.set[k] = now
}
