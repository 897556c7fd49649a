package audit

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsync/clipsync/internal/clipsyncerr"
)

func TestRecord_RingEvictsOldestOnceFull(t *testing.T) {
	l := NewLog(2)
	l.Record(Event{Kind: EventSent, PeerID: "a"})
	l.Record(Event{Kind: EventSent, PeerID: "b"})
	l.Record(Event{Kind: EventSent, PeerID: "c"})

	recent := l.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].PeerID)
	assert.Equal(t, "c", recent[1].PeerID)
}

func TestRecent_ZeroOrNegativeReturnsAll(t *testing.T) {
	l := NewLog(10)
	l.Record(Event{Kind: EventSent})
	l.Record(Event{Kind: EventApplied})
	assert.Len(t, l.Recent(0), 2)
	assert.Len(t, l.Recent(-1), 2)
}

func TestRecord_UpdatesMatchingCounter(t *testing.T) {
	l := NewLog(10)
	l.Record(Event{Kind: EventFilterSkipped, Reason: "secret_detected"})

	assert.Equal(t, float64(1), testutil.ToFloat64(l.Metrics().FilterSkipsTotal.WithLabelValues("secret_detected")))
}

func TestRecord_PayloadTooLargeUsesFixedReasonLabel(t *testing.T) {
	l := NewLog(10)
	l.Record(Event{Kind: EventPayloadTooLarge})
	assert.Equal(t, float64(1), testutil.ToFloat64(l.Metrics().FilterSkipsTotal.WithLabelValues("too_large")))
}

func TestRecord_BackpressureDropIncrementsCounter(t *testing.T) {
	l := NewLog(10)
	l.Record(Event{Kind: EventBackpressureDrop, PeerID: "peer-a"})
	assert.Equal(t, float64(1), testutil.ToFloat64(l.Metrics().BackpressureDropsTotal))
}

func TestRecordErr_OnlyRecordsAuditedKinds(t *testing.T) {
	l := NewLog(10)

	l.RecordErr(clipsyncerr.New(clipsyncerr.KindPayloadTooLarge, "op", assertErr{}), "peer-a")
	assert.Len(t, l.Recent(10), 1)

	l.RecordErr(assertErr{}, "peer-a") // not a *clipsyncerr.Error at all
	assert.Len(t, l.Recent(10), 1, "non-audited/non-taxonomy errors must not be recorded")
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
