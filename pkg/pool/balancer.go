package pool

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/polisai/bey-transport/pkg/config"
)

// candidate is what a balancer sees of a connection or an address group.
type candidate struct {
	key     string
	active  int
	usage   uint64
	latency time.Duration
	weight  int
}

// balancer picks one candidate per call. It keeps the round robin cursor and
// the smooth weighted round robin state for one selection domain.
type balancer struct {
	mu       sync.Mutex
	strategy config.LoadBalanceStrategy
	cursor   uint64
	current  map[string]int
}

func newBalancer(strategy config.LoadBalanceStrategy) *balancer {
	return &balancer{strategy: strategy, current: make(map[string]int)}
}

func (b *balancer) setStrategy(strategy config.LoadBalanceStrategy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.strategy != strategy {
		b.strategy = strategy
		clear(b.current)
	}
}

// pick returns the index of the chosen candidate, or -1 when there is none.
// routingKey is only used by the consistent hash strategy.
func (b *balancer) pick(cands []candidate, routingKey string) int {
	if len(cands) == 0 {
		return -1
	}
	if len(cands) == 1 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.strategy {
	case config.StrategyRoundRobin:
		i := int(b.cursor % uint64(len(cands)))
		b.cursor++
		return i
	case config.StrategyLeastConnections, config.StrategyLeastActiveRequests:
		return leastActive(cands)
	case config.StrategyResponseTimeWeighted:
		return fastest(cands)
	case config.StrategyRandom:
		return rand.IntN(len(cands)) //nolint:gosec // load spreading, not security
	case config.StrategyConsistentHash:
		return rendezvous(cands, routingKey)
	case config.StrategyWeightedRoundRobin:
		return b.smoothWeighted(cands)
	default:
		return leastActive(cands)
	}
}

// leastActive prefers fewer active requests, then lower usage, then order.
func leastActive(cands []candidate) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		c, cur := cands[i], cands[best]
		if c.active < cur.active || (c.active == cur.active && c.usage < cur.usage) {
			best = i
		}
	}
	return best
}

// fastest prefers the lowest average latency. Unmeasured candidates count as
// fastest so new connections get traffic.
func fastest(cands []candidate) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		if cands[i].latency < cands[best].latency {
			best = i
		}
	}
	return best
}

// rendezvous is highest-random-weight hashing: a key keeps its candidate
// while that candidate stays in the set.
func rendezvous(cands []candidate, routingKey string) int {
	best := 0
	var bestScore uint64
	for i, c := range cands {
		score := xxhash.Sum64String(routingKey + "\x00" + c.key)
		if i == 0 || score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// smoothWeighted is the nginx smooth weighted round robin. Keys missing from
// cands keep their current weight: a busy connection is skipped, not reset.
// State is dropped only through forget.
func (b *balancer) smoothWeighted(cands []candidate) int {
	total := 0
	best := -1
	for i, c := range cands {
		w := max(c.weight, 1)
		total += w
		b.current[c.key] += w
		if best < 0 || b.current[c.key] > b.current[cands[best].key] {
			best = i
		}
	}
	b.current[cands[best].key] -= total
	return best
}

// forget drops the weighted state of a key that left the selection domain.
func (b *balancer) forget(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.current, key)
}
