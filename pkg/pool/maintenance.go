package pool

import (
	"context"
	"math"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ReapIdle closes connections idle past idle_timeout, skipping warmup
// connections that have never been used, and drops empty groups that have
// been quiet for as long. It returns the number of closed connections.
func (p *Pool) ReapIdle() int {
	now := p.now()
	reaped := 0
	for _, g := range p.groups.all() {
		g.mu.Lock()
		var expired []*pooledConn
		kept := g.idle[:0]
		for _, c := range g.idle {
			if !c.isWarmup && c.health != HealthChecking && now.Sub(c.lastUsed) > p.cfg.IdleTimeout {
				expired = append(expired, c)
				continue
			}
			kept = append(kept, c)
		}
		clear(g.idle[len(kept):])
		g.idle = kept

		if g.drainableLocked(now, p.cfg.IdleTimeout) {
			g.removed = true
			p.groups.delete(g)
			p.groupBalancer.forget(g.addr)
			p.breakers.Remove(g.addr)
		}
		g.mu.Unlock()

		for _, c := range expired {
			p.destroy(c, "idle_timeout")
		}
		reaped += len(expired)
	}
	return reaped
}

// AdjustSize applies one adaptive sizing step. Capacity grows by a quarter
// after utilization stays above the threshold for sustainTicks calls, up to
// sizingCeilingFactor times the configured max, and shrinks symmetrically
// toward the configured max when utilization stays below half the threshold.
// It reports whether max_connections changed.
func (p *Pool) AdjustSize() bool {
	if !p.cfg.EnableAdaptiveSizing {
		return false
	}
	p.sizingMu.Lock()
	defer p.sizingMu.Unlock()

	current := p.maxConns.Load()
	utilization := float64(p.active.Load()) / float64(current)
	threshold := p.cfg.UtilizationThreshold

	switch {
	case utilization > threshold:
		p.highTicks++
		p.lowTicks = 0
	case utilization < threshold/2:
		p.lowTicks++
		p.highTicks = 0
	default:
		p.highTicks, p.lowTicks = 0, 0
	}

	next := current
	ceiling := p.baseMax * sizingCeilingFactor
	if p.highTicks >= sustainTicks && current < ceiling {
		next = min(ceiling, max(current+1, int64(math.Ceil(float64(current)*1.25))))
		p.highTicks = 0
	}
	if p.lowTicks >= sustainTicks && current > p.baseMax {
		next = max(p.baseMax, int64(math.Floor(float64(current)*0.8)))
		p.lowTicks = 0
	}
	if next == current {
		return false
	}

	p.maxConns.Store(next)
	p.emit(Event{Type: EventAdaptiveSizing, OldMax: int(current), NewMax: int(next)})
	p.logger.Info("Adjusted pool capacity", "old_max", current, "new_max", next, "utilization", utilization)
	return true
}

func (p *Pool) startWarmup(g *group) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.warmup(p.ctx, g)
	}()
}

// warmup eagerly opens warmup_connections for a new group. Failures are
// logged by dial and otherwise ignored.
func (p *Pool) warmup(ctx context.Context, g *group) int {
	want := min(p.cfg.WarmupConnections, p.cfg.MaxConnectionsPerAddr)
	p.emit(Event{Type: EventWarmupStarted, Addr: g.addr, Count: want})

	var established atomic.Int64
	var eg errgroup.Group
	for range want {
		eg.Go(func() error {
			if !p.reserveSlot() {
				return nil
			}
			g.mu.Lock()
			if g.removed || g.liveLocked() >= p.cfg.MaxConnectionsPerAddr {
				g.mu.Unlock()
				p.total.Add(-1)
				return nil
			}
			g.dialing++
			g.mu.Unlock()

			c, err := p.dial(ctx, g.addr, true)

			g.mu.Lock()
			g.dialing--
			if err != nil {
				g.mu.Unlock()
				p.total.Add(-1)
				return nil
			}
			served := g.offerLocked(c, p.now())
			g.mu.Unlock()
			if served {
				p.active.Add(1)
			}
			established.Add(1)
			return nil
		})
	}
	_ = eg.Wait()

	count := int(established.Load())
	p.emit(Event{Type: EventWarmupCompleted, Addr: g.addr, Count: count})
	p.logger.Debug("Warmup completed", "addr", g.addr, "requested", want, "established", count)
	return count
}
