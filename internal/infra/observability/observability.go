// Package observability holds the engine's Prometheus metrics and a small
// in-memory tracer for recent ledger and lifecycle operations.
//
// Every coin movement, purchase and result report gets:
//   - a counter bucketed by outcome
//   - a span in the tracer ring buffer (exposed for debugging over HTTP)
package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Trace Spans
// ═══════════════════════════════════════════════════════════════════════════

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// Span represents one engine operation (grant, transfer, buy, report).
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 1_000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 1_000,
	}
}

// Tracer keeps the most recent spans in memory. A nil *Tracer is valid and
// records nothing.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a span; the caller must call EndSpan.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) *Span {
	if t == nil || !t.enabled {
		return &Span{Operation: operation}
	}
	return &Span{
		TraceID:   traceIDFromContext(ctx),
		SpanID:    generateID(),
		Operation: operation,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if t == nil || !t.enabled || span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
		TraceErrors.Inc()
	}
	TracesRecorded.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the most recent spans.
func (t *Tracer) Spans(limit int) []Span {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const traceIDKey contextKey = "gridcoin-trace-id"

// WithTraceID returns a context carrying the trace ID (usually the HTTP
// request ID).
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		return v
	}
	return generateID()
}

var spanCounter atomic.Int64

func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Ledger ─────────────────────────────────────────────────────────────────

// LedgerOperations counts grants and transfers by outcome kind.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gridcoin",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Ledger operations by operation and outcome.",
}, []string{"op", "outcome"})

// CoinsMoved sums committed coin values by operation.
var CoinsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gridcoin",
	Subsystem: "ledger",
	Name:      "coins_total",
	Help:      "Coins granted or transferred by committed transactions.",
}, []string{"op"})

// TxDuration observes store transaction latency, including lock waits.
var TxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "gridcoin",
	Subsystem: "store",
	Name:      "tx_duration_seconds",
	Help:      "Duration of store transactions by outcome.",
	Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
}, []string{"outcome"})

// ─── Purchases ──────────────────────────────────────────────────────────────

// Purchases counts reservation finalizations by outcome.
var Purchases = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gridcoin",
	Subsystem: "purchase",
	Name:      "finalized_total",
	Help:      "Reservations finalized, by outcome (committed, cancelled, failed).",
}, []string{"outcome"})

// OpenReservations tracks reservations that are neither ended nor cancelled.
var OpenReservations = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "gridcoin",
	Subsystem: "purchase",
	Name:      "open_reservations",
	Help:      "Reservations begun but not yet finalized.",
})

// ─── Results ────────────────────────────────────────────────────────────────

// ResultEvents counts status reports by reported state and outcome
// (created, changed, duplicate, stale, failed).
var ResultEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gridcoin",
	Subsystem: "results",
	Name:      "events_total",
	Help:      "Result status reports by state and outcome.",
}, []string{"state", "outcome"})

// ResultGrants counts grants triggered by validation.
var ResultGrants = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gridcoin",
	Subsystem: "results",
	Name:      "grants_total",
	Help:      "Coin grants triggered by validated results.",
})

// FriendCacheLookups counts friend-count cache lookups by result (hit, miss).
var FriendCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gridcoin",
	Subsystem: "cache",
	Name:      "friend_lookups_total",
	Help:      "Friend-count cache lookups by result.",
}, []string{"result"})

// ─── Notifications ──────────────────────────────────────────────────────────

// NotifierDeliveries counts deliveries per event type and outcome.
var NotifierDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gridcoin",
	Subsystem: "notifier",
	Name:      "deliveries_total",
	Help:      "Event deliveries to subscribers by type and outcome.",
}, []string{"type", "outcome"})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gridcoin",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gridcoin",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
