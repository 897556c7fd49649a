// Package clipboard defines the abstract, platform-neutral clipboard
// provider interface the sync coordinator depends on. Concrete native
// backends (macOS/Windows/X11/Wayland) are out of scope for this
// repository (spec §1); this package ships two backends that satisfy the
// full contract without touching a real OS clipboard: an in-memory
// provider (used by tests and as the reference implementation of the
// debounce/event contract) and a headless no-op provider, adapted from
// the teacher's clip.Backend / headlessBackend pairing but re-typed onto
// clipboard.Payload.
package clipboard

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"
)

// Payload is a single clipboard snapshot with a MIME type.
type Payload struct {
	Fingerprint     [32]byte
	MIMEType        string
	Bytes           []byte
	OriginNode      string
	OriginTimestamp int64
}

// NewPayload computes Fingerprint from bytes and fills in the rest.
func NewPayload(mimeType string, data []byte, originNode string, originTimestampMS int64) Payload {
	return Payload{
		Fingerprint:     sha256.Sum256(data),
		MIMEType:        mimeType,
		Bytes:           data,
		OriginNode:      originNode,
		OriginTimestamp: originTimestampMS,
	}
}

// Event carries a newly observed clipboard payload from Watch.
type Event struct {
	Payload Payload
}

// Provider is the interface every platform clipboard backend implements.
// Watch's channel is lazy, infinite, and non-restartable: callers obtain
// it once and range over it for the provider's lifetime.
type Provider interface {
	// Name returns a human-readable backend name.
	Name() string
	// Read returns the current clipboard contents, or a zero Payload if
	// the clipboard is empty or holds an unsupported type.
	Read(ctx context.Context) (Payload, bool, error)
	// Write sets the clipboard contents.
	Write(ctx context.Context, p Payload) error
	// Watch returns a channel of newly observed payloads. The stream MUST
	// debounce changes less than debounceWindow apart — implementations
	// that can only poll should poll no faster than minPollInterval.
	Watch(ctx context.Context) <-chan Event
	// Close releases backend resources.
	Close()
}

// DebounceWindow is the minimum spacing between consecutive Watch events,
// per spec §4.3.
const DebounceWindow = 100 * time.Millisecond

// MinPollInterval is the fastest a polling backend may sample the
// clipboard, to avoid interfering with password managers that briefly
// place secrets on the clipboard.
const MinPollInterval = 200 * time.Millisecond

// DefaultPollInterval is used when reactive watch is unavailable.
const DefaultPollInterval = time.Second

// ── in-memory provider ──────────────────────────────────────────────────

// Memory is an in-process Provider backed by a single payload slot. It is
// the reference implementation of the debounce contract and is what the
// sync coordinator's tests exercise directly; it's also a safe default for
// headless environments that still want local-loopback behavior.
type Memory struct {
	mu   sync.RWMutex
	last Payload
	has  bool

	watchCh chan Event

	debounceMu sync.Mutex
	lastEmit   time.Time
}

// NewMemory returns an empty in-memory clipboard.
func NewMemory() *Memory {
	return &Memory{watchCh: make(chan Event, 16)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Read(_ context.Context) (Payload, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.has, nil
}

func (m *Memory) Write(_ context.Context, p Payload) error {
	m.mu.Lock()
	m.last = p
	m.has = true
	m.mu.Unlock()
	return nil
}

// Set simulates an external actor (e.g. the user) changing the clipboard,
// publishing a debounced Watch event. Intended for tests.
func (m *Memory) Set(p Payload) {
	m.mu.Lock()
	m.last = p
	m.has = true
	m.mu.Unlock()

	m.debounceMu.Lock()
	defer m.debounceMu.Unlock()
	now := time.Now()
	if now.Sub(m.lastEmit) < DebounceWindow {
		return
	}
	m.lastEmit = now
	select {
	case m.watchCh <- Event{Payload: p}:
	default:
	}
}

func (m *Memory) Watch(_ context.Context) <-chan Event { return m.watchCh }
func (m *Memory) Close()                               {}

// ── headless provider ────────────────────────────────────────────────────

// Headless is a no-op Provider for environments without any clipboard at
// all (containers, CI, servers). It never produces Watch events and
// silently discards writes, matching the teacher's headlessBackend.
type Headless struct {
	watchCh chan Event
}

// NewHeadless returns a Headless provider.
func NewHeadless() *Headless { return &Headless{watchCh: make(chan Event)} }

func (h *Headless) Name() string                             { return "headless (no-op)" }
func (h *Headless) Read(_ context.Context) (Payload, bool, error) { return Payload{}, false, nil }
func (h *Headless) Write(_ context.Context, _ Payload) error      { return nil }
func (h *Headless) Watch(_ context.Context) <-chan Event          { return h.watchCh }
func (h *Headless) Close()                                       {}
