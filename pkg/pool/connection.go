package pool

import (
	"net"
	"time"
)

// HealthStatus is the last known health of a pooled connection.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthWarning   HealthStatus = "warning"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
	HealthChecking  HealthStatus = "checking"
)

const (
	// ewmaAlpha weights the newest sample in latency and error averages.
	ewmaAlpha = 0.2
	// qualityLatencyScale is the latency at which quality halves.
	qualityLatencyScale = 100 * time.Millisecond
)

// ConnectionInfo is a snapshot of a pooled connection.
type ConnectionInfo struct {
	ID                string        `json:"id"`
	RemoteAddr        string        `json:"remote_addr"`
	CreatedAt         time.Time     `json:"created_at"`
	LastUsed          time.Time     `json:"last_used"`
	UsageCount        uint64        `json:"usage_count"`
	Active            bool          `json:"active"`
	HealthStatus      HealthStatus  `json:"health_status"`
	ErrorCount        int           `json:"error_count"`
	TotalResponseTime time.Duration `json:"total_response_time"`
	AvgResponseTime   time.Duration `json:"avg_response_time"`
	ActiveRequests    int           `json:"active_requests"`
	Weight            int           `json:"weight"`
	QualityScore      float64       `json:"quality_score"`
	LastHealthCheck   time.Time     `json:"last_health_check,omitzero"`
	IsWarmup          bool          `json:"is_warmup"`
}

// pooledConn is the authoritative record of a connection. Every field except
// conn, id, addr and createdAt is guarded by the owning group's mutex.
type pooledConn struct {
	conn      net.Conn
	id        string
	addr      string
	createdAt time.Time

	lastUsed          time.Time
	checkedOutAt      time.Time
	usageCount        uint64
	active            bool
	health            HealthStatus
	errorCount        int
	healthFailures    int
	totalResponseTime time.Duration
	latencyEWMA       float64 // nanoseconds
	errorEWMA         float64
	activeRequests    int
	lastHealthCheck   time.Time
	isWarmup          bool
	failed            bool
}

func newPooledConn(conn net.Conn, id, addr string, now time.Time, warmup bool) *pooledConn {
	return &pooledConn{
		conn:      conn,
		id:        id,
		addr:      addr,
		createdAt: now,
		lastUsed:  now,
		health:    HealthHealthy,
		isWarmup:  warmup,
	}
}

// checkout marks c lent to a caller.
func (c *pooledConn) checkout(now time.Time) {
	c.active = true
	c.activeRequests = 1
	c.checkedOutAt = now
	c.failed = false
	c.isWarmup = false
}

// checkin records the finished use and refreshes the quality estimate.
func (c *pooledConn) checkin(now time.Time, failed bool) {
	elapsed := now.Sub(c.checkedOutAt)
	if elapsed < 0 {
		elapsed = 0
	}
	c.active = false
	c.activeRequests = 0
	c.lastUsed = now
	c.usageCount++
	c.totalResponseTime += elapsed

	errSample := 0.0
	if failed {
		c.errorCount++
		errSample = 1
	}
	if c.usageCount == 1 {
		c.latencyEWMA = float64(elapsed)
		c.errorEWMA = errSample
		return
	}
	c.latencyEWMA = ewmaAlpha*float64(elapsed) + (1-ewmaAlpha)*c.latencyEWMA
	c.errorEWMA = ewmaAlpha*errSample + (1-ewmaAlpha)*c.errorEWMA
}

// quality is in (0, 1]; it halves at qualityLatencyScale and falls linearly
// with the error rate.
func (c *pooledConn) quality() float64 {
	latency := c.latencyEWMA / float64(qualityLatencyScale)
	return (1 / (1 + latency)) * (1 - 0.9*c.errorEWMA)
}

// weight feeds the weighted round robin balancer.
func (c *pooledConn) weight() int {
	return max(1, int(c.quality()*10+0.5))
}

func (c *pooledConn) info() ConnectionInfo {
	info := ConnectionInfo{
		ID:                c.id,
		RemoteAddr:        c.addr,
		CreatedAt:         c.createdAt,
		LastUsed:          c.lastUsed,
		UsageCount:        c.usageCount,
		Active:            c.active,
		HealthStatus:      c.health,
		ErrorCount:        c.errorCount,
		TotalResponseTime: c.totalResponseTime,
		ActiveRequests:    c.activeRequests,
		Weight:            c.weight(),
		QualityScore:      c.quality(),
		LastHealthCheck:   c.lastHealthCheck,
		IsWarmup:          c.isWarmup,
	}
	if c.usageCount > 0 {
		info.AvgResponseTime = c.totalResponseTime / time.Duration(c.usageCount)
	}
	return info
}
