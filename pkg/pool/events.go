package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/bey-transport/pkg/config"
)

// EventType names a pool lifecycle event.
type EventType string

const (
	EventConnectionCreated   EventType = "connection_created"
	EventConnectionDestroyed EventType = "connection_destroyed"
	EventConnectionReused    EventType = "connection_reused"
	EventConnectionTimeout   EventType = "connection_timeout"
	EventConnectionError     EventType = "connection_error"
	EventPoolFull            EventType = "pool_full"
	EventWarmupStarted       EventType = "warmup_started"
	EventWarmupCompleted     EventType = "warmup_completed"
	EventHealthCheckFailed   EventType = "health_check_failed"
	EventLoadBalanceChanged  EventType = "load_balance_changed"
	EventAdaptiveSizing      EventType = "adaptive_sizing"
)

// Event is published on every pool state change. Only the fields relevant to
// Type are set.
type Event struct {
	Type         EventType
	Time         time.Time
	Addr         string
	ConnectionID string
	Err          error
	Count        int

	OldStrategy config.LoadBalanceStrategy
	NewStrategy config.LoadBalanceStrategy
	OldMax      int
	NewMax      int
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// eventBus fans events out to subscribers without blocking the publisher.
type eventBus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[*subscriber]struct{})}
}

func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// publish drops the event for subscribers whose buffer is full.
func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// droppedEvents sums events lost to full buffers across live subscribers.
func (b *eventBus) droppedEvents() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total uint64
	for sub := range b.subs {
		total += sub.dropped.Load()
	}
	return total
}
