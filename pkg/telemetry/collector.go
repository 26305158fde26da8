package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/polisai/bey-transport/pkg/domain"
	"github.com/polisai/bey-transport/pkg/policy"
)

// statsCollector turns StatsSource snapshots into const metrics so counters
// stay owned by the components that maintain them.
type statsCollector struct {
	source StatsSource

	poolConnections *prometheus.Desc
	poolPending     *prometheus.Desc
	poolMax         *prometheus.Desc
	poolUtilization *prometheus.Desc
	poolOps         *prometheus.Desc

	mtlsGenerations   *prometheus.Desc
	mtlsCacheLookups  *prometheus.Desc
	mtlsRenewals      *prometheus.Desc
	mtlsVerifications *prometheus.Desc
	mtlsConnections   *prometheus.Desc
	mtlsCached        *prometheus.Desc

	policyEvaluations *prometheus.Desc
	policyCache       *prometheus.Desc
	policyErrors      *prometheus.Desc
	policyDecisions   *prometheus.Desc
	policySets        *prometheus.Desc
}

func newStatsCollector(source StatsSource) *statsCollector {
	return &statsCollector{
		source:          source,
		poolConnections: prometheus.NewDesc("bey_pool_connections", "Pooled connections by state", []string{"state"}, nil),
		poolPending:     prometheus.NewDesc("bey_pool_pending_requests", "Acquisitions waiting for a connection", nil, nil),
		poolMax:         prometheus.NewDesc("bey_pool_max_connections", "Current global connection limit", nil, nil),
		poolUtilization: prometheus.NewDesc("bey_pool_utilization_ratio", "Active connections over max_connections", nil, nil),
		poolOps:         prometheus.NewDesc("bey_pool_operations_total", "Cumulative pool operations by kind", []string{"kind"}, nil),

		mtlsGenerations:   prometheus.NewDesc("bey_mtls_config_generations_total", "TLS configurations generated", nil, nil),
		mtlsCacheLookups:  prometheus.NewDesc("bey_mtls_config_cache_lookups_total", "TLS configuration cache lookups by result", []string{"result"}, nil),
		mtlsRenewals:      prometheus.NewDesc("bey_mtls_renewals_total", "Certificate renewals by result", []string{"result"}, nil),
		mtlsVerifications: prometheus.NewDesc("bey_mtls_verifications_total", "Peer certificate verifications by result", []string{"result"}, nil),
		mtlsConnections:   prometheus.NewDesc("bey_mtls_connections_total", "mTLS connection attempts by result", []string{"result"}, nil),
		mtlsCached:        prometheus.NewDesc("bey_mtls_cached_configs", "TLS configurations currently cached", nil, nil),

		policyEvaluations: prometheus.NewDesc("bey_policy_evaluations_total", "Policy engine evaluations", nil, nil),
		policyCache:       prometheus.NewDesc("bey_policy_cache_lookups_total", "Decision cache lookups by result", []string{"result"}, nil),
		policyErrors:      prometheus.NewDesc("bey_policy_errors_total", "Evaluations rejected for malformed policy", nil, nil),
		policyDecisions:   prometheus.NewDesc("bey_policy_decisions_total", "Decisions by final action", []string{"action"}, nil),
		policySets:        prometheus.NewDesc("bey_policy_registered_sets", "Registered policy sets", nil, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.poolConnections, c.poolPending, c.poolMax, c.poolUtilization, c.poolOps,
		c.mtlsGenerations, c.mtlsCacheLookups, c.mtlsRenewals, c.mtlsVerifications, c.mtlsConnections, c.mtlsCached,
		c.policyEvaluations, c.policyCache, c.policyErrors, c.policyDecisions, c.policySets,
	} {
		ch <- d
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	ps := c.source.PoolStats()
	gauge(c.poolConnections, float64(ps.ActiveConnections), "active")
	gauge(c.poolConnections, float64(ps.IdleConnections), "idle")
	gauge(c.poolPending, float64(ps.PendingRequests))
	gauge(c.poolMax, float64(ps.MaxConnections))
	gauge(c.poolUtilization, ps.UtilizationRate)
	counter(c.poolOps, ps.Created, "created")
	counter(c.poolOps, ps.Destroyed, "destroyed")
	counter(c.poolOps, ps.Reused, "reused")
	counter(c.poolOps, ps.Timeouts, "timeout")
	counter(c.poolOps, ps.DialErrors, "dial_error")
	counter(c.poolOps, ps.PoolFullRejections, "pool_full")
	counter(c.poolOps, ps.HealthCheckFailures, "health_check_failed")

	ms := c.source.MtlsStats()
	counter(c.mtlsGenerations, ms.ConfigGenerations)
	counter(c.mtlsCacheLookups, ms.ConfigCacheHits, "hit")
	counter(c.mtlsCacheLookups, ms.ConfigCacheMisses, "miss")
	counter(c.mtlsRenewals, ms.CertificateRenewals-ms.RenewalFailures, "success")
	counter(c.mtlsRenewals, ms.RenewalFailures, "failure")
	counter(c.mtlsVerifications, ms.CertificateVerifications-ms.VerificationFailures, "valid")
	counter(c.mtlsVerifications, ms.VerificationFailures, "invalid")
	counter(c.mtlsConnections, ms.ConnectionsEstablished, "established")
	counter(c.mtlsConnections, ms.ConnectionsFailed, "failed")
	gauge(c.mtlsCached, float64(ms.CachedConfigs))

	st := c.source.PolicyStats()
	counter(c.policyEvaluations, st.Evaluations)
	counter(c.policyCache, st.CacheHits, "hit")
	counter(c.policyCache, st.CacheMisses, "miss")
	counter(c.policyErrors, st.Errors)
	for _, action := range policy.Actions() {
		counter(c.policyDecisions, st.Decisions[action], string(action))
	}
	gauge(c.policySets, float64(st.RegisteredSets))
}

func errorCodeLabel(err error) string {
	code := domain.CodeOf(err)
	if code == 0 {
		return "unknown"
	}
	return strconv.Itoa(int(code))
}
