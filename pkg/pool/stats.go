package pool

import (
	"slices"
	"strings"

	"github.com/polisai/bey-transport/internal/governance"
	"github.com/polisai/bey-transport/pkg/config"
)

// Stats is a point-in-time view of the pool.
type Stats struct {
	TotalConnections    int                        `json:"total_connections"`
	ActiveConnections   int                        `json:"active_connections"`
	IdleConnections     int                        `json:"idle_connections"`
	PendingRequests     int                        `json:"pending_requests"`
	MaxConnections      int                        `json:"max_connections"`
	UtilizationRate     float64                    `json:"utilization_rate"`
	Addresses           int                        `json:"addresses"`
	Strategy            config.LoadBalanceStrategy `json:"strategy"`
	Created             uint64                     `json:"created"`
	Destroyed           uint64                     `json:"destroyed"`
	Reused              uint64                     `json:"reused"`
	Timeouts            uint64                     `json:"timeouts"`
	DialErrors          uint64                     `json:"dial_errors"`
	PoolFullRejections  uint64                     `json:"pool_full_rejections"`
	HealthCheckFailures uint64                     `json:"health_check_failures"`
	DroppedEvents       uint64                     `json:"dropped_events"`
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	groups := p.groups.all()
	idle := 0
	for _, g := range groups {
		g.mu.Lock()
		idle += len(g.idle)
		g.mu.Unlock()
	}

	maxConns := p.maxConns.Load()
	active := p.active.Load()
	return Stats{
		TotalConnections:    int(p.total.Load()),
		ActiveConnections:   int(active),
		IdleConnections:     idle,
		PendingRequests:     int(p.pending.Load()),
		MaxConnections:      int(maxConns),
		UtilizationRate:     float64(active) / float64(maxConns),
		Addresses:           len(groups),
		Strategy:            p.Strategy(),
		Created:             p.created.Load(),
		Destroyed:           p.destroyed.Load(),
		Reused:              p.reused.Load(),
		Timeouts:            p.timeouts.Load(),
		DialErrors:          p.dialErrors.Load(),
		PoolFullRejections:  p.fullRejections.Load(),
		HealthCheckFailures: p.healthFailures.Load(),
		DroppedEvents:       p.events.droppedEvents(),
	}
}

// Connections returns snapshots of every connection to addr, idle ones first
// in recency order.
func (p *Pool) Connections(addr string) []ConnectionInfo {
	g, ok := p.groups.get(addr)
	if !ok {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	infos := make([]ConnectionInfo, 0, len(g.idle)+len(g.active))
	for _, c := range g.idle {
		infos = append(infos, c.info())
	}
	active := make([]ConnectionInfo, 0, len(g.active))
	for _, c := range g.active {
		active = append(active, c.info())
	}
	slices.SortFunc(active, func(a, b ConnectionInfo) int { return strings.Compare(a.ID, b.ID) })
	return append(infos, active...)
}

// Addresses returns the addresses with a live group, sorted.
func (p *Pool) Addresses() []string {
	groups := p.groups.all()
	addrs := make([]string, 0, len(groups))
	for _, g := range groups {
		addrs = append(addrs, g.addr)
	}
	slices.Sort(addrs)
	return addrs
}

// Breakers returns dial circuit breaker state per address.
func (p *Pool) Breakers() map[string]governance.BreakerStats {
	return p.breakers.Stats()
}
