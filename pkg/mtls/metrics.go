package mtls

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "bey.transport.mtls"

var (
	metricsOnce    sync.Once
	metricsInitErr error
	metricsInst    *MetricsCollector
)

// MetricsCollector records mTLS lifecycle metrics.
type MetricsCollector struct {
	configGenerations metric.Int64Counter
	cacheLookups      metric.Int64Counter
	renewals          metric.Int64Counter
	verifications     metric.Int64Counter
	connections       metric.Int64Counter
}

// GetMetricsCollector returns the collector bound to the global meter provider.
func GetMetricsCollector() (*MetricsCollector, error) {
	metricsOnce.Do(func() {
		metricsInst, metricsInitErr = NewMetricsCollector(otel.GetMeterProvider())
	})
	return metricsInst, metricsInitErr
}

// NewMetricsCollector creates instruments on provider.
func NewMetricsCollector(provider metric.MeterProvider) (*MetricsCollector, error) {
	meter := provider.Meter(meterName)
	collector := &MetricsCollector{}

	var err error
	collector.configGenerations, err = meter.Int64Counter(
		"mtls_config_generations_total",
		metric.WithDescription("TLS configurations generated from freshly issued certificates"),
		metric.WithUnit("{config}"),
	)
	if err != nil {
		return nil, err
	}

	collector.cacheLookups, err = meter.Int64Counter(
		"mtls_config_cache_lookups_total",
		metric.WithDescription("TLS configuration cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	collector.renewals, err = meter.Int64Counter(
		"mtls_certificate_renewals_total",
		metric.WithDescription("Certificate renewal attempts by result"),
		metric.WithUnit("{renewal}"),
	)
	if err != nil {
		return nil, err
	}

	collector.verifications, err = meter.Int64Counter(
		"mtls_certificate_verifications_total",
		metric.WithDescription("Peer certificate verifications by result"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, err
	}

	collector.connections, err = meter.Int64Counter(
		"mtls_connections_total",
		metric.WithDescription("Mutually authenticated connections by result"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	return collector, nil
}

func (c *MetricsCollector) recordGeneration(ctx context.Context, kind configKind) {
	if c == nil {
		return
	}
	c.configGenerations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (c *MetricsCollector) recordCacheLookup(ctx context.Context, hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (c *MetricsCollector) recordRenewal(ctx context.Context, success bool) {
	if c == nil {
		return
	}
	c.renewals.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func (c *MetricsCollector) recordVerification(ctx context.Context, valid bool) {
	if c == nil {
		return
	}
	c.verifications.Add(ctx, 1, metric.WithAttributes(attribute.Bool("valid", valid)))
}

func (c *MetricsCollector) recordConnection(ctx context.Context, success bool) {
	if c == nil {
		return
	}
	c.connections.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}
