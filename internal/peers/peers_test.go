package peers

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents() (*Manager, func() []Event) {
	var events []Event
	m := New("self-id", func(e Event) { events = append(events, e) })
	return m, func() []Event { return events }
}

func addr(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	require.NoError(t, err)
	return ap
}

func TestObserve_NewPeerEmitsDiscovered(t *testing.T) {
	m, events := collectEvents()
	m.Observe(Descriptor{PeerID: "peer-a", Addresses: []netip.AddrPort{addr(t, "10.0.0.1:8484")}})

	got, ok := m.Get("peer-a")
	require.True(t, ok)
	assert.Equal(t, StateDiscovered, got.State)

	evs := events()
	require.Len(t, evs, 1)
	assert.Equal(t, EventDiscovered, evs[0].Kind)
}

func TestObserve_ExistingPeerRefreshesWithoutStateChange(t *testing.T) {
	m, events := collectEvents()
	m.Observe(Descriptor{PeerID: "peer-a", Name: "old-name"})
	m.RequireTrustDecision("peer-a")

	m.Observe(Descriptor{PeerID: "peer-a", Name: "new-name"})

	got, ok := m.Get("peer-a")
	require.True(t, ok)
	assert.Equal(t, StateTrustPending, got.State, "re-observing must not disturb lifecycle state")
	assert.Equal(t, "new-name", got.Name)
	assert.Len(t, events(), 2) // discovered, trust_prompt — no event from the refresh
}

func TestTrustLifecycle_AcceptMovesToTrusted(t *testing.T) {
	m, _ := collectEvents()
	m.Observe(Descriptor{PeerID: "peer-a"})
	m.RequireTrustDecision("peer-a")
	m.ResolveTrust("peer-a", true)

	got, ok := m.Get("peer-a")
	require.True(t, ok)
	assert.Equal(t, StateTrusted, got.State)
}

func TestTrustLifecycle_RejectMovesToRejected(t *testing.T) {
	m, _ := collectEvents()
	m.Observe(Descriptor{PeerID: "peer-a"})
	m.ResolveTrust("peer-a", false)

	got, ok := m.Get("peer-a")
	require.True(t, ok)
	assert.Equal(t, StateRejected, got.State)
}

func TestBeginConnect_LowerPeerIDInitiates(t *testing.T) {
	m := New("m", nil)
	m.Observe(Descriptor{PeerID: "z-peer"}) // "m" < "z-peer"
	assert.True(t, m.BeginConnect("z-peer"))

	m2 := New("z-peer", nil)
	m2.Observe(Descriptor{PeerID: "a-peer"}) // "z-peer" > "a-peer"
	assert.False(t, m2.BeginConnect("a-peer"))
}

func TestMarkConnected_ResetsBackoffAndFailureCount(t *testing.T) {
	m, _ := collectEvents()
	m.Observe(Descriptor{PeerID: "peer-a"})
	m.MarkFailed("peer-a")
	m.MarkFailed("peer-a")

	d, _ := m.Get("peer-a")
	assert.Equal(t, 2, d.ConsecutiveFailures)

	m.MarkConnected("peer-a")
	d, _ = m.Get("peer-a")
	assert.Equal(t, StateConnected, d.State)
	assert.Equal(t, 0, d.ConsecutiveFailures)
}

func TestMarkFailed_BackoffGrowsAndStaysWithinJitterBounds(t *testing.T) {
	m, _ := collectEvents()
	m.Observe(Descriptor{PeerID: "peer-a"})

	d1 := m.MarkFailed("peer-a")
	assert.InDelta(t, float64(backoffBase), float64(d1), float64(backoffBase)*backoffJitter+1)

	d2 := m.MarkFailed("peer-a")
	assert.Greater(t, d2, time.Duration(0))
}

func TestMarkFailed_UnknownPeerReturnsBaseDelay(t *testing.T) {
	m, _ := collectEvents()
	assert.Equal(t, backoffBase, m.MarkFailed("ghost"))
}

func TestSweepLost_RemovesSilentNonStaticPeers(t *testing.T) {
	m, events := collectEvents()
	m.Observe(Descriptor{PeerID: "peer-a"})

	// Force LastSeen into the past by sweeping with a zero timeout.
	lost := m.SweepLost(0)
	require.Len(t, lost, 1)
	assert.Equal(t, StateLost, lost[0].State)

	_, ok := m.Get("peer-a")
	assert.False(t, ok)

	var sawLost bool
	for _, e := range events() {
		if e.Kind == EventLost {
			sawLost = true
		}
	}
	assert.True(t, sawLost)
}

func TestSweepLost_NeverExpiresStaticPeers(t *testing.T) {
	m, _ := collectEvents()
	m.InjectStatic(Descriptor{PeerID: "static-a"})

	lost := m.SweepLost(0)
	assert.Empty(t, lost)

	_, ok := m.Get("static-a")
	assert.True(t, ok)
}

func TestSweepLost_SkipsConnectedAndConnectingPeers(t *testing.T) {
	m, _ := collectEvents()
	m.Observe(Descriptor{PeerID: "peer-a"})
	m.MarkConnected("peer-a")

	lost := m.SweepLost(0)
	assert.Empty(t, lost)
}

func TestInjectStatic_IsSourceStaticConfig(t *testing.T) {
	m, _ := collectEvents()
	m.InjectStatic(Descriptor{PeerID: "static-a"})

	d, ok := m.Get("static-a")
	require.True(t, ok)
	assert.True(t, d.Static)
	assert.Equal(t, SourceStaticConfig, d.Source)
}
