// Package peers implements PeerManager: the sole owner of PeerDescriptors,
// tracking each peer through its lifecycle state machine (Discovered →
// TrustPending/Trusted → Connecting → Connected → Failed/Lost) and driving
// reconnection backoff. Grounded on the teacher's hub.Hub for the
// "single map guarded by one lock, peers looked up by id" shape, generalized
// from a flat registry into a state machine since ClipSync peers — unlike
// suffuse's always-connected TCP peers — go through trust and reconnection.
package peers

import (
	"math/rand"
	"net/netip"
	"sync"
	"time"
)

// State is one node in the per-peer lifecycle state machine (spec §4.7).
type State string

const (
	StateDiscovered   State = "discovered"
	StateTrustPending State = "trust_pending"
	StateTrusted      State = "trusted"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
	StateLost         State = "lost"
	StateRejected     State = "rejected" // user resolved the trust prompt with "n"
)

// Source identifies how a peer was first observed.
type Source string

const (
	SourceMDNS             Source = "mdns"
	SourceStaticConfig     Source = "static-config"
	SourceBroadcastFallback Source = "broadcast-fallback"
)

// Descriptor is everything PeerManager knows about one remote node.
// PeerManager is its sole owner; other components look it up by PeerID and
// never mutate the value they're handed.
type Descriptor struct {
	PeerID      string
	Fingerprint string
	PublicKey   []byte
	Name        string
	Platform    string
	Version     string
	Addresses   []netip.AddrPort
	Source      Source

	State               State
	LastSeen            time.Time
	ConsecutiveFailures int

	// Static is true for peers injected from configuration: they are never
	// expired by the lost-timeout sweep.
	Static bool

	// backoff tracks this peer's own reconnect delay sequence.
	backoff backoffState
}

// Backoff parameters (spec §4.7): base 500ms, factor 2, cap 30s, ±20% jitter.
const (
	backoffBase   = 500 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 30 * time.Second
	backoffJitter = 0.20
)

type backoffState struct {
	current time.Duration
}

// Next returns the next backoff delay and advances the sequence, applying
// ±20% jitter around the (capped) current value. Reset returns the sequence
// to the base delay, per "reset to base after any successful connection".
func (b *backoffState) Next() time.Duration {
	if b.current == 0 {
		b.current = backoffBase
	}
	delay := b.current
	jittered := jitter(delay, backoffJitter)

	next := time.Duration(float64(b.current) * backoffFactor)
	if next > backoffCap {
		next = backoffCap
	}
	b.current = next

	return jittered
}

func (b *backoffState) Reset() { b.current = 0 }

func jitter(d time.Duration, frac float64) time.Duration {
	delta := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * delta // nolint:gosec // jitter need not be cryptographic
	jittered := float64(d) + offset
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

// Manager owns the live peer set. A reader-writer lock guards it: Discovery
// and Transport callbacks write, the SyncCoordinator and CLI status handler
// read (spec §5).
type Manager struct {
	mu      sync.RWMutex
	peers   map[string]*Descriptor
	selfID  string
	onEvent func(Event)
}

// EventKind classifies a Manager state-change notification.
type EventKind string

const (
	EventDiscovered   EventKind = "discovered"
	EventTrustPrompt  EventKind = "trust_prompt"
	EventTrusted      EventKind = "trusted"
	EventRejected     EventKind = "rejected"
	EventConnecting   EventKind = "connecting"
	EventConnected    EventKind = "connected"
	EventFailed       EventKind = "failed"
	EventLost         EventKind = "lost"
)

// Event is emitted on every peer state transition.
type Event struct {
	Kind EventKind
	Peer Descriptor
}

// New returns an empty Manager for a node whose own peer id is selfID (used
// to break initiator ties — see Connecting).
func New(selfID string, onEvent func(Event)) *Manager {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Manager{peers: make(map[string]*Descriptor), selfID: selfID, onEvent: onEvent}
}

// Observe records a newly discovered (or re-discovered) peer. If the peer
// already exists, its LastSeen, addresses and advisory fields are refreshed
// without disturbing its current lifecycle state.
func (m *Manager) Observe(d Descriptor) {
	m.mu.Lock()
	existing, ok := m.peers[d.PeerID]
	if !ok {
		d.State = StateDiscovered
		d.LastSeen = time.Now()
		m.peers[d.PeerID] = &d
		m.mu.Unlock()
		m.onEvent(Event{Kind: EventDiscovered, Peer: d})
		return
	}
	existing.LastSeen = time.Now()
	existing.Addresses = d.Addresses
	existing.Name = d.Name
	existing.Platform = d.Platform
	existing.Version = d.Version
	m.mu.Unlock()
}

// Get returns a copy of the descriptor for peerID.
func (m *Manager) Get(peerID string) (Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.peers[peerID]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// All returns a snapshot of every known peer.
func (m *Manager) All() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Descriptor, 0, len(m.peers))
	for _, d := range m.peers {
		out = append(out, *d)
	}
	return out
}

// Connected returns a snapshot of every peer currently in StateConnected.
func (m *Manager) Connected() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Descriptor
	for _, d := range m.peers {
		if d.State == StateConnected {
			out = append(out, *d)
		}
	}
	return out
}

// RequireTrustDecision transitions a Discovered peer to TrustPending and
// emits a trust-prompt event for the CLI to resolve.
func (m *Manager) RequireTrustDecision(peerID string) {
	m.transition(peerID, StateTrustPending, EventTrustPrompt)
}

// ResolveTrust applies the user's (or static-config's) trust decision.
// accept=true moves the peer to Trusted; accept=false moves it to Rejected,
// where it stays until Forget is called. "defer"/ignore is represented by
// the caller simply not calling ResolveTrust — the peer is re-prompted on
// next Observe-triggered RequireTrustDecision.
func (m *Manager) ResolveTrust(peerID string, accept bool) {
	if accept {
		m.transition(peerID, StateTrusted, EventTrusted)
	} else {
		m.transition(peerID, StateRejected, EventRejected)
	}
}

// Forget removes a rejected peer from the rejected set so it can be
// re-evaluated (re-prompted) on next discovery.
func (m *Manager) Forget(peerID string) {
	m.mu.Lock()
	delete(m.peers, peerID)
	m.mu.Unlock()
}

// BeginConnect transitions a Trusted (or Failed, on retry) peer to
// Connecting. ShouldInitiate reports whether this node should dial out:
// per spec, the side with the lower peer_id initiates so only one direction
// completes.
func (m *Manager) BeginConnect(peerID string) (shouldInitiate bool) {
	m.transition(peerID, StateConnecting, EventConnecting)
	return m.selfID < peerID
}

// MarkConnected transitions a Connecting peer to Connected and resets its
// backoff sequence, per "reset to base after any successful connection".
func (m *Manager) MarkConnected(peerID string) {
	m.mu.Lock()
	if d, ok := m.peers[peerID]; ok {
		d.State = StateConnected
		d.ConsecutiveFailures = 0
		d.backoff.Reset()
		d.LastSeen = time.Now()
	}
	d, ok := m.peers[peerID]
	m.mu.Unlock()
	if ok {
		m.onEvent(Event{Kind: EventConnected, Peer: *d})
	}
}

// MarkFailed transitions a peer to Failed, incrementing its failure count
// and returning the next backoff delay to wait before retrying.
func (m *Manager) MarkFailed(peerID string) time.Duration {
	m.mu.Lock()
	d, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return backoffBase
	}
	d.State = StateFailed
	d.ConsecutiveFailures++
	delay := d.backoff.Next()
	snap := *d
	m.mu.Unlock()
	m.onEvent(Event{Kind: EventFailed, Peer: snap})
	return delay
}

// SweepLost marks any non-static peer whose LastSeen exceeds lostTimeout as
// Lost and removes it from the active set, retaining nothing — per spec,
// the TrustRecord (owned by the trust package, not here) is what survives.
func (m *Manager) SweepLost(lostTimeout time.Duration) []Descriptor {
	now := time.Now()
	m.mu.Lock()
	var lost []Descriptor
	for id, d := range m.peers {
		if d.Static {
			continue
		}
		if d.State == StateConnected || d.State == StateConnecting {
			continue
		}
		if now.Sub(d.LastSeen) > lostTimeout {
			snap := *d
			snap.State = StateLost
			lost = append(lost, snap)
			delete(m.peers, id)
		}
	}
	m.mu.Unlock()
	for _, d := range lost {
		m.onEvent(Event{Kind: EventLost, Peer: d})
	}
	return lost
}

// InjectStatic registers a statically configured peer as a synthetic
// Discovered event, marked Static so it is never expired (spec §4.6).
func (m *Manager) InjectStatic(d Descriptor) {
	d.Source = SourceStaticConfig
	d.Static = true
	m.Observe(d)
}

func (m *Manager) transition(peerID string, state State, kind EventKind) {
	m.mu.Lock()
	d, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	d.State = state
	d.LastSeen = time.Now()
	snap := *d
	m.mu.Unlock()
	m.onEvent(Event{Kind: kind, Peer: snap})
}
