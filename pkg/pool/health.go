package pool

import (
	"context"
	"log/slog"

	"github.com/polisai/bey-transport/pkg/domain"
)

// CheckHealth probes every idle connection once and returns how many were
// evicted. Probes run outside group locks; a connection under probe is not
// lent out.
func (p *Pool) CheckHealth(ctx context.Context) int {
	evicted := 0
	for _, g := range p.groups.all() {
		g.mu.Lock()
		var targets []*pooledConn
		for _, c := range g.idle {
			if c.health == HealthChecking {
				continue
			}
			c.health = HealthChecking
			targets = append(targets, c)
		}
		g.mu.Unlock()

		for _, c := range targets {
			if p.probe(ctx, g, c) {
				evicted++
			}
		}
	}
	return evicted
}

// probe checks one connection and reports whether it was evicted.
func (p *Pool) probe(ctx context.Context, g *group, c *pooledConn) bool {
	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	err := p.checker(checkCtx, c.conn)
	cancel()

	now := p.now()
	g.mu.Lock()
	c.lastHealthCheck = now
	if err == nil {
		c.health = HealthHealthy
		c.healthFailures = 0
		served := false
		// A waiter may have queued while every idle connection was under probe.
		if g.pending.Len() > 0 && g.removeIdleLocked(c) {
			served = g.offerLocked(c, now)
		}
		g.mu.Unlock()
		if served {
			p.active.Add(1)
			p.reused.Add(1)
			p.emit(Event{Type: EventConnectionReused, Addr: g.addr, ConnectionID: c.id})
		}
		return false
	}

	c.healthFailures++
	if failures := c.healthFailures; failures < maxHealthFailures {
		c.health = HealthWarning
		g.mu.Unlock()
		p.logger.Debug("Health check failed", "addr", g.addr, "connection_id", c.id, "failures", failures, "error", err)
		return false
	}
	c.health = HealthUnhealthy
	removed := g.removeIdleLocked(c)
	waiting := g.pending.Len() > 0
	g.mu.Unlock()
	if !removed {
		return false
	}

	p.healthFailures.Add(1)
	failure := domain.NewErrorWithCause(domain.CodeHealthCheckFailed, "health check failed", err).
		WithContext("addr", g.addr).
		WithContext("connection_id", c.id)
	p.emit(Event{Type: EventHealthCheckFailed, Addr: g.addr, ConnectionID: c.id, Err: failure})
	p.logger.LogAttrs(ctx, slog.LevelWarn, "Evicting unhealthy connection",
		slog.String("event", "health_check_failed"),
		slog.String("addr", g.addr),
		slog.String("connection_id", c.id),
		slog.Any("error", err),
	)
	p.destroy(c, "unhealthy")
	if waiting {
		p.replenish(g)
	}
	return true
}
