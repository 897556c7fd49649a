// Package audit implements the Metrics/Audit component: structured event
// emission for the CLI's status/logs surface, plus the Prometheus metrics
// that back it. Grounded on the IAmSoThirsty-Project-AI observability
// package's pattern of a dedicated (non-global) prometheus.Registry exposed
// over a loopback-only HTTP endpoint, generalized from its security-agent
// metric set to ClipSync's peers/frames/filter/stream counters.
//
// Per spec §7, nothing routed through this package ever carries clipboard
// plaintext — only fingerprints, sizes, MIME types, peer ids, and reasons.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clipsync/clipsync/internal/clipsyncerr"
)

// EventKind classifies a structured audit event.
type EventKind string

const (
	EventFilterSkipped   EventKind = "FilterSkipped"
	EventPayloadTooLarge EventKind = "PayloadTooLarge"
	EventStreamAborted   EventKind = "StreamAborted"
	EventBackpressureDrop EventKind = "BackpressureDrop"
	EventSessionClosed   EventKind = "SessionClosed"
	EventApplied         EventKind = "Applied"
	EventSent            EventKind = "Sent"
)

// Event is one structured, plaintext-free occurrence worth surfacing to the
// CLI's status/logs view.
type Event struct {
	Kind       EventKind
	Time       time.Time
	PeerID     string
	Fingerprint string
	MIMEType   string
	Size       int64
	Reason     string
}

// Log is a bounded in-memory ring of recent audit events, exposed via
// Recent for the CLI's "logs" verb, and the sink every component reports
// through.
type Log struct {
	metrics *Metrics

	mu     sync.Mutex
	events []Event
	cap    int
}

// NewLog returns a Log retaining up to capacity events, backed by a fresh
// Metrics instance.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 256
	}
	return &Log{metrics: NewMetrics(), cap: capacity}
}

// Metrics exposes the underlying Prometheus collectors, e.g. for a status
// command that wants raw counter values rather than the audit log.
func (l *Log) Metrics() *Metrics { return l.metrics }

// Record appends ev to the ring (evicting the oldest if full), logs it via
// slog at a level appropriate to its kind, and updates the matching
// Prometheus counter.
func (l *Log) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	l.mu.Lock()
	l.events = append(l.events, ev)
	if len(l.events) > l.cap {
		l.events = l.events[len(l.events)-l.cap:]
	}
	l.mu.Unlock()

	l.metrics.observe(ev)

	attrs := []any{"kind", ev.Kind, "peer", ev.PeerID, "mime", ev.MIMEType, "size", ev.Size}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	if ev.Fingerprint != "" {
		attrs = append(attrs, "fingerprint", ev.Fingerprint)
	}
	switch ev.Kind {
	case EventFilterSkipped, EventPayloadTooLarge, EventBackpressureDrop:
		slog.Info("audit", attrs...)
	case EventStreamAborted, EventSessionClosed:
		slog.Warn("audit", attrs...)
	default:
		slog.Debug("audit", attrs...)
	}
}

// Recent returns the n most recently recorded events, newest last.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	out := make([]Event, n)
	copy(out, l.events[len(l.events)-n:])
	return out
}

// RecordErr records an audited clipsyncerr.Error (one whose Kind satisfies
// clipsyncerr.Audited) as an Event, deriving EventKind from its taxonomy
// kind. No-op for non-audited errors.
func (l *Log) RecordErr(err error, peerID string) {
	if se, ok := err.(*clipsyncerr.Error); ok && clipsyncerr.Audited(se.Kind) {
		kind := EventFilterSkipped
		if se.Kind == clipsyncerr.KindPayloadTooLarge {
			kind = EventPayloadTooLarge
		}
		l.Record(Event{Kind: kind, PeerID: peerID, Reason: string(se.Kind)})
	}
}

// Metrics holds the Prometheus collectors for ClipSync's core components,
// registered on a dedicated registry (never the global one), matching the
// teacher-adjacent observability package's isolation convention.
type Metrics struct {
	registry *prometheus.Registry

	PeersConnected   prometheus.Gauge
	PeersTotal       *prometheus.GaugeVec // by state
	FramesSentTotal  *prometheus.CounterVec
	FramesRecvTotal  *prometheus.CounterVec
	FilterSkipsTotal *prometheus.CounterVec // by reason
	StreamAbortsTotal *prometheus.CounterVec // by reason
	HistoryInsertsTotal prometheus.Counter
	BackpressureDropsTotal prometheus.Counter
	HandshakeFailuresTotal *prometheus.CounterVec
}

// NewMetrics creates and registers every ClipSync Prometheus metric.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clipsync", Subsystem: "peers", Name: "connected",
			Help: "Number of peers currently in the Connected state.",
		}),
		PeersTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clipsync", Subsystem: "peers", Name: "by_state",
			Help: "Number of known peers, by lifecycle state.",
		}, []string{"state"}),
		FramesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clipsync", Subsystem: "transport", Name: "frames_sent_total",
			Help: "Total wire frames sent, by type.",
		}, []string{"type"}),
		FramesRecvTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clipsync", Subsystem: "transport", Name: "frames_received_total",
			Help: "Total wire frames received, by type.",
		}, []string{"type"}),
		FilterSkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clipsync", Subsystem: "safety", Name: "filter_skips_total",
			Help: "Total clipboard payloads skipped by the safety filter, by reason.",
		}, []string{"reason"}),
		StreamAbortsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clipsync", Subsystem: "transport", Name: "stream_aborts_total",
			Help: "Total chunked streams aborted, by reason.",
		}, []string{"reason"}),
		HistoryInsertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clipsync", Subsystem: "history", Name: "inserts_total",
			Help: "Total entries inserted into the encrypted history ring.",
		}),
		BackpressureDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clipsync", Subsystem: "transport", Name: "backpressure_drops_total",
			Help: "Total outbound clipboard updates dropped due to per-peer queue overflow.",
		}),
		HandshakeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clipsync", Subsystem: "transport", Name: "handshake_failures_total",
			Help: "Total handshake failures, by cause.",
		}, []string{"cause"}),
	}

	reg.MustRegister(
		m.PeersConnected, m.PeersTotal, m.FramesSentTotal, m.FramesRecvTotal,
		m.FilterSkipsTotal, m.StreamAbortsTotal, m.HistoryInsertsTotal,
		m.BackpressureDropsTotal, m.HandshakeFailuresTotal,
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *Metrics) observe(ev Event) {
	switch ev.Kind {
	case EventFilterSkipped:
		m.FilterSkipsTotal.WithLabelValues(ev.Reason).Inc()
	case EventPayloadTooLarge:
		m.FilterSkipsTotal.WithLabelValues("too_large").Inc()
	case EventStreamAborted:
		m.StreamAbortsTotal.WithLabelValues(ev.Reason).Inc()
	case EventBackpressureDrop:
		m.BackpressureDropsTotal.Inc()
	case EventApplied:
		m.HistoryInsertsTotal.Inc()
	}
}

// ServeMetrics starts a loopback-bound Prometheus /metrics HTTP endpoint.
// Blocks until ctx is cancelled; run it in a goroutine.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("audit: metrics server on %s: %w", addr, err)
	}
	return nil
}
