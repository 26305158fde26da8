package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRecordConnect(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
	})

	ResetMetricsForTest()

	RecordConnect(ctx, ConnectMetrics{
		Peer:     "10.0.0.7:7000",
		Outcome:  OutcomeConnected,
		Duration: 150 * time.Millisecond,
	})
	RecordConnect(ctx, ConnectMetrics{
		Peer:      "10.0.0.8:7000",
		Outcome:   OutcomeDenied,
		ErrorCode: 2006,
	})
	RecordPolicyDecision(ctx, "connect", "deny", false)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	attempts, ok := metrics["transport.connect.attempts_total"]
	if !ok {
		t.Fatalf("missing transport.connect.attempts_total metric")
	}
	attemptData, ok := attempts.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for attempts metric")
	}
	if len(attemptData.DataPoints) != 2 {
		t.Fatalf("expected 2 datapoints, got %d", len(attemptData.DataPoints))
	}
	for _, dp := range attemptData.DataPoints {
		outcome, _ := dp.Attributes.Value(attribute.Key("connect.outcome"))
		code, hasCode := dp.Attributes.Value(attribute.Key("error.code"))
		switch outcome.AsString() {
		case OutcomeConnected:
			if hasCode {
				t.Fatalf("successful connect should not carry an error code")
			}
		case OutcomeDenied:
			if !hasCode || code.AsInt64() != 2006 {
				t.Fatalf("expected error.code 2006, got %v", code)
			}
		default:
			t.Fatalf("unexpected outcome %q", outcome.AsString())
		}
	}

	hist, ok := metrics["transport.connect.duration_ms"]
	if !ok {
		t.Fatalf("missing transport.connect.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if len(histData.DataPoints) != 1 || histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected one latency sample of 150ms, got %+v", histData.DataPoints)
	}

	decisions, ok := metrics["transport.policy.decisions_total"]
	if !ok {
		t.Fatalf("missing transport.policy.decisions_total metric")
	}
	decisionData := decisions.Data.(metricdata.Sum[int64])
	if value, ok := decisionData.DataPoints[0].Attributes.Value(attribute.Key("policy.action")); !ok || value.AsString() != "deny" {
		t.Fatalf("expected policy.action deny, got %v", value)
	}
}

func TestRecordPolicyEvent(t *testing.T) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "connect")
	RecordPolicyEvent(span, "quarantine", "lan-guard", 2, true)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 policy event, got %d", len(events))
	}
	event := events[0]
	if event.Name != "policy.decision" {
		t.Fatalf("unexpected event name %q", event.Name)
	}

	attrs := attribute.NewSet(event.Attributes...)
	if value, ok := attrs.Value(attribute.Key("policy.action")); !ok || value.AsString() != "quarantine" {
		t.Fatalf("expected action quarantine, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("policy.deciding_set")); !ok || value.AsString() != "lan-guard" {
		t.Fatalf("expected deciding set lan-guard, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("policy.matched_rules")); !ok || value.AsInt64() != 2 {
		t.Fatalf("expected matched rules 2, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "bey-transport"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestResourceAttributes(t *testing.T) {
	attrs := attribute.NewSet(resourceAttributes(Config{
		DeviceID:     "bey-42",
		ResourceTags: map[string]string{"site": "lab"},
	})...)
	if value, ok := attrs.Value("service.name"); !ok || value.AsString() != "bey-transport" {
		t.Fatalf("expected default service name, got %v", value)
	}
	if value, ok := attrs.Value("device.id"); !ok || value.AsString() != "bey-42" {
		t.Fatalf("expected device.id bey-42, got %v", value)
	}
	if value, ok := attrs.Value("site"); !ok || value.AsString() != "lab" {
		t.Fatalf("expected site tag, got %v", value)
	}
}
