package pool

import (
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/polisai/bey-transport/pkg/config"
)

const arenaShards = 32

// group is the per-address bucket of connections and waiters. All fields
// below mu are guarded by it.
type group struct {
	addr     string
	balancer *balancer

	mu       sync.Mutex
	idle     []*pooledConn // most recently used first
	active   map[string]*pooledConn
	dialing  int
	pending  waitQueue
	seq      uint64
	lastUsed time.Time
	weight   int
	removed  bool
}

func newGroup(addr string, strategy config.LoadBalanceStrategy, now time.Time) *group {
	return &group{
		addr:     addr,
		balancer: newBalancer(strategy),
		active:   make(map[string]*pooledConn),
		lastUsed: now,
		weight:   1,
	}
}

// liveLocked counts connections that occupy a per-address slot.
func (g *group) liveLocked() int {
	return len(g.idle) + len(g.active) + g.dialing
}

// takeIdleLocked removes and returns a healthy idle connection chosen by the
// balancer, or nil.
func (g *group) takeIdleLocked(routingKey string) *pooledConn {
	var eligible []int
	var cands []candidate
	for i, c := range g.idle {
		if c.health != HealthHealthy {
			continue
		}
		eligible = append(eligible, i)
		cands = append(cands, candidate{
			key:     c.id,
			active:  c.activeRequests,
			usage:   c.usageCount,
			latency: time.Duration(c.latencyEWMA),
			weight:  c.weight(),
		})
	}
	chosen := g.balancer.pick(cands, routingKey)
	if chosen < 0 {
		return nil
	}
	i := eligible[chosen]
	c := g.idle[i]
	g.idle = slices.Delete(g.idle, i, i+1)
	return c
}

// pushIdleLocked returns c to the front of the recency deque.
func (g *group) pushIdleLocked(c *pooledConn) {
	g.idle = slices.Insert(g.idle, 0, c)
}

func (g *group) removeIdleLocked(c *pooledConn) bool {
	i := slices.Index(g.idle, c)
	if i < 0 {
		return false
	}
	g.idle = slices.Delete(g.idle, i, i+1)
	return true
}

// lendLocked checks c out to a caller.
func (g *group) lendLocked(c *pooledConn, now time.Time) {
	c.checkout(now)
	g.active[c.id] = c
	g.lastUsed = now
}

// offerLocked hands c to the next waiter, or parks it idle. It reports
// whether a waiter was served.
func (g *group) offerLocked(c *pooledConn, now time.Time) bool {
	if w := g.pending.pop(); w != nil {
		g.lendLocked(c, now)
		w.ch <- c
		return true
	}
	g.pushIdleLocked(c)
	return false
}

func (g *group) enqueueLocked(priority int) *waiter {
	g.seq++
	w := &waiter{priority: priority, seq: g.seq, ch: make(chan *pooledConn, 1)}
	g.pending.push(w)
	return w
}

// drainableLocked reports whether the group holds nothing and may be dropped.
func (g *group) drainableLocked(now time.Time, retention time.Duration) bool {
	return len(g.idle) == 0 && len(g.active) == 0 && g.dialing == 0 &&
		g.pending.Len() == 0 && now.Sub(g.lastUsed) > retention
}

// groupCandidate summarises the group for address-level balancing.
func (g *group) candidateLocked() candidate {
	var latency float64
	var measured int
	var usage uint64
	for _, c := range g.idle {
		usage += c.usageCount
		if c.usageCount > 0 {
			latency += c.latencyEWMA
			measured++
		}
	}
	for _, c := range g.active {
		usage += c.usageCount
		if c.usageCount > 0 {
			latency += c.latencyEWMA
			measured++
		}
	}
	if measured > 0 {
		latency /= float64(measured)
	}
	return candidate{
		key:     g.addr,
		active:  len(g.active) + g.pending.Len(),
		usage:   usage,
		latency: time.Duration(latency),
		weight:  g.weight,
	}
}

type shard struct {
	mu     sync.RWMutex
	groups map[string]*group
}

// arena shards groups by address so unrelated addresses never contend on one
// lock.
type arena struct {
	shards [arenaShards]shard
}

func newArena() *arena {
	a := &arena{}
	for i := range a.shards {
		a.shards[i].groups = make(map[string]*group)
	}
	return a
}

func (a *arena) shardFor(addr string) *shard {
	return &a.shards[xxhash.Sum64String(addr)%arenaShards]
}

func (a *arena) get(addr string) (*group, bool) {
	s := a.shardFor(addr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[addr]
	return g, ok
}

// getOrCreate reports whether the group was created by this call.
func (a *arena) getOrCreate(addr string, create func() *group) (*group, bool) {
	if g, ok := a.get(addr); ok {
		return g, false
	}
	s := a.shardFor(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[addr]; ok {
		return g, false
	}
	g := create()
	s.groups[addr] = g
	return g, true
}

// delete removes g if it is still the group registered for its address.
func (a *arena) delete(g *group) {
	s := a.shardFor(g.addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups[g.addr] == g {
		delete(s.groups, g.addr)
	}
}

// all returns a snapshot of every group.
func (a *arena) all() []*group {
	var groups []*group
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.RLock()
		for _, g := range s.groups {
			groups = append(groups, g)
		}
		s.mu.RUnlock()
	}
	return groups
}
