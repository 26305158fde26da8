package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce       sync.Once
	metricsInitErr    error
	connectCounter    metric.Int64Counter
	disconnectCounter metric.Int64Counter
	connectHistogram  metric.Float64Histogram
	decisionCounter   metric.Int64Counter
)

// Connect outcomes.
const (
	OutcomeConnected = "connected"
	OutcomeDenied    = "denied"
	OutcomeFailed    = "failed"
)

// ConnectMetrics captures one SecureTransport.Connect call.
type ConnectMetrics struct {
	Peer      string
	Outcome   string
	ErrorCode int
	Duration  time.Duration
}

// RecordConnect emits counters and histograms for a connect attempt.
func RecordConnect(ctx context.Context, m ConnectMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("peer.address", m.Peer),
		attribute.String("connect.outcome", m.Outcome),
	}
	if m.ErrorCode != 0 {
		attrs = append(attrs, attribute.Int("error.code", m.ErrorCode))
	}

	connectCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.Duration > 0 {
		connectHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

// RecordDisconnect counts a disconnect call.
func RecordDisconnect(ctx context.Context, peer string, ok bool) {
	if err := ensureMetrics(); err != nil {
		return
	}
	disconnectCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("peer.address", peer),
		attribute.Bool("disconnect.ok", ok),
	))
}

// RecordPolicyDecision counts an engine decision taken for a transport
// operation.
func RecordPolicyDecision(ctx context.Context, operation, action string, cached bool) {
	if err := ensureMetrics(); err != nil {
		return
	}
	decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy.operation", operation),
		attribute.String("policy.action", action),
		attribute.Bool("policy.cached", cached),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(instrumentationName)

		connectCounter, metricsInitErr = meter.Int64Counter(
			"transport.connect.attempts_total",
			metric.WithDescription("Connect calls partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		disconnectCounter, metricsInitErr = meter.Int64Counter(
			"transport.disconnect.total",
			metric.WithDescription("Disconnect calls partitioned by result"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		decisionCounter, metricsInitErr = meter.Int64Counter(
			"transport.policy.decisions_total",
			metric.WithDescription("Policy decisions taken for transport operations"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		connectHistogram, metricsInitErr = meter.Float64Histogram(
			"transport.connect.duration_ms",
			metric.WithDescription("Observed connect latency including policy and pool admission"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordPolicyEvent attaches a policy decision to the span without leaking
// context field values.
func RecordPolicyEvent(span trace.Span, action, decidingSet string, matchedRules int, cached bool) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("policy.action", action),
		attribute.Int("policy.matched_rules", matchedRules),
		attribute.Bool("policy.cached", cached),
	}
	if decidingSet != "" {
		attrs = append(attrs, attribute.String("policy.deciding_set", decidingSet))
	}

	span.AddEvent("policy.decision", trace.WithAttributes(attrs...))
}
