package mtls

import (
	"container/list"
	"crypto/tls"
	"sync"
	"time"
)

type configKind string

const (
	kindServer configKind = "server"
	kindClient configKind = "client"
)

type cacheKey struct {
	kind   configKind
	peerID string
}

type cacheEntry struct {
	key       cacheKey
	config    *tls.Config
	cert      *Certificate
	createdAt time.Time
	expiresAt time.Time
}

// configCache is an LRU of generated TLS configurations with a fixed TTL.
type configCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	order   *list.List
	entries map[cacheKey]*list.Element
}

func newConfigCache(capacity int, ttl time.Duration) *configCache {
	return &configCache{
		max:     capacity,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[cacheKey]*list.Element, capacity),
	}
}

// get returns a live entry. Expired entries are dropped.
func (c *configCache) get(key cacheKey, now time.Time) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if !now.Before(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry, true
}

func (c *configCache) put(key cacheKey, config *tls.Config, cert *Certificate, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &cacheEntry{key: key, config: config, cert: cert, createdAt: now, expiresAt: now.Add(c.ttl)}
	if elem, ok := c.entries[key]; ok {
		elem.Value = entry
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(entry)
	for c.order.Len() > c.max {
		tail := c.order.Back()
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(*cacheEntry).key)
	}
}

// replace swaps the config of an existing entry without touching its
// recency. It reports false when the entry has been evicted meanwhile.
func (c *configCache) replace(key cacheKey, config *tls.Config, cert *Certificate, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	elem.Value = &cacheEntry{key: key, config: config, cert: cert, createdAt: now, expiresAt: now.Add(c.ttl)}
	return true
}

func (c *configCache) keys() []cacheKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]cacheKey, 0, len(c.entries))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*cacheEntry).key)
	}
	return keys
}

func (c *configCache) remove(peerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, kind := range []configKind{kindServer, kindClient} {
		key := cacheKey{kind: kind, peerID: peerID}
		if elem, ok := c.entries[key]; ok {
			c.order.Remove(elem)
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *configCache) clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.order.Len()
	c.order.Init()
	c.entries = make(map[cacheKey]*list.Element, c.max)
	return n
}

func (c *configCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *configCache) removeIf(match func(*cacheEntry) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*cacheEntry)
		if match(entry) {
			c.order.Remove(elem)
			delete(c.entries, entry.key)
			removed++
		}
		elem = next
	}
	return removed
}

func (c *configCache) each(fn func(*cacheEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		fn(elem.Value.(*cacheEntry))
	}
}
