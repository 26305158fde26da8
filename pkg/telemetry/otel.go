package telemetry

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/polisai/bey-transport/pkg/config"
	"github.com/polisai/bey-transport/pkg/policy"
)

const instrumentationName = "github.com/polisai/bey-transport"

// Config describes the telemetry bootstrap options.
type Config struct {
	ServiceName  string
	Endpoint     string
	Environment  string
	DeviceID     string
	Insecure     bool
	Headers      map[string]string
	ResourceTags map[string]string
}

// ConfigFrom maps the file configuration onto bootstrap options.
func ConfigFrom(cfg config.TelemetryConfig, deviceID string) Config {
	return Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
		DeviceID:    deviceID,
		Insecure:    cfg.Insecure,
	}
}

// SetupProvider initialises the process-wide OpenTelemetry tracer provider using
// the supplied configuration and returns a shutdown function that callers must
// invoke during graceful termination to flush buffered spans.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		// No endpoint configured, return no-op shutdown
		return func(context.Context) error { return nil }, nil
	}

	clientOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	} else {
		clientOpts = append(clientOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	clientOpts = append(clientOpts, otlptracegrpc.WithDialOption(
		grpc.WithReturnConnectionError(), //nolint:staticcheck // Requested alternative to grpc.WithBlock for connection errors.
	))

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(resourceAttributes(cfg)...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithMaxExportBatchSize(100), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

func resourceAttributes(cfg Config) []attribute.KeyValue {
	name := cfg.ServiceName
	if name == "" {
		name = "bey-transport"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.DeviceID != "" {
		attrs = append(attrs, attribute.String("device.id", cfg.DeviceID))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	for _, k := range slices.Sorted(maps.Keys(cfg.ResourceTags)) {
		attrs = append(attrs, attribute.String(k, cfg.ResourceTags[k]))
	}
	return attrs
}

// Tracer returns the tracer used by the transport.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// sensitiveFields are policy context fields never exported verbatim.
var sensitiveFields = []string{"token", "secret", "password", "authorization", "private_key", "credential"}

// PolicyAttributes converts a policy context into span attributes. Built-in
// attributes are exported as-is. Scalar fields are exported under
// "policy.field.<name>"; fields whose name looks sensitive are replaced by a
// correlation hash and structured values are skipped.
func PolicyAttributes(pc policy.Context) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("policy.requester_id", pc.RequesterID),
		attribute.String("policy.resource", pc.Resource),
		attribute.String("policy.operation", pc.Operation),
	}
	if len(pc.Tags) > 0 {
		attrs = append(attrs, attribute.StringSlice("policy.tags", pc.Tags))
	}

	for _, name := range slices.Sorted(maps.Keys(pc.Fields)) {
		key := "policy.field." + name
		value := pc.Fields[name]
		if sensitive(name) {
			attrs = append(attrs, attribute.String(key, hashValue(fmt.Sprint(value))))
			continue
		}
		switch v := value.(type) {
		case string:
			attrs = append(attrs, attribute.String(key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		case int:
			attrs = append(attrs, attribute.Int(key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		}
	}
	return attrs
}

func sensitive(name string) bool {
	lower := strings.ToLower(name)
	return slices.ContainsFunc(sensitiveFields, func(s string) bool {
		return strings.Contains(lower, s)
	})
}

// hashValue produces a deterministic hex hash for correlation tracking.
func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	return fmt.Sprintf("[REDACTED:hash:%016x]", xxhash.Sum64String(s))
}
