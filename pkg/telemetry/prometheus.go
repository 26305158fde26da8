package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/bey-transport/pkg/mtls"
	"github.com/polisai/bey-transport/pkg/policy"
	"github.com/polisai/bey-transport/pkg/pool"
)

// StatsSource exposes the snapshots scraped on every collection.
type StatsSource interface {
	PoolStats() pool.Stats
	MtlsStats() mtls.Stats
	PolicyStats() policy.Stats
}

// PoolMetrics holds the Prometheus metrics of a transport instance. Pool
// events are counted as they are observed; gauges and cumulative counters
// are read from StatsSource at scrape time.
type PoolMetrics struct {
	events        *prometheus.CounterVec
	errors        *prometheus.CounterVec
	capacityDelta prometheus.Gauge

	registry *prometheus.Registry
}

// NewPoolMetrics creates a private registry with the transport collectors and
// the Go runtime collectors.
func NewPoolMetrics(source StatsSource) *PoolMetrics {
	registry := prometheus.NewRegistry()

	m := &PoolMetrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bey_pool_events_total",
				Help: "Pool lifecycle events by type",
			},
			[]string{"type"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bey_pool_errors_total",
				Help: "Pool events carrying an error, by type and error code",
			},
			[]string{"type", "code"},
		),
		capacityDelta: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bey_pool_adaptive_capacity_delta",
				Help: "Change of max_connections applied by the last adaptive sizing step",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.events,
		m.errors,
		m.capacityDelta,
		newStatsCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Observe records one pool event.
func (m *PoolMetrics) Observe(ev pool.Event) {
	m.events.WithLabelValues(string(ev.Type)).Inc()
	if ev.Err != nil {
		m.errors.WithLabelValues(string(ev.Type), errorCodeLabel(ev.Err)).Inc()
	}
	if ev.Type == pool.EventAdaptiveSizing {
		m.capacityDelta.Set(float64(ev.NewMax - ev.OldMax))
	}
}

// Run observes events until the channel closes or ctx is done.
func (m *PoolMetrics) Run(ctx context.Context, events <-chan pool.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *PoolMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *PoolMetrics) Registry() *prometheus.Registry {
	return m.registry
}
