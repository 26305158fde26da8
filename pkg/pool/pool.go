package pool

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/polisai/bey-transport/internal/governance"
	"github.com/polisai/bey-transport/pkg/config"
	"github.com/polisai/bey-transport/pkg/domain"
)

const (
	// maxHealthFailures consecutive failed probes evict an idle connection.
	maxHealthFailures = 3
	// sizingCeilingFactor bounds adaptive growth relative to the configured max.
	sizingCeilingFactor = 4
	// sustainTicks is how many consecutive stats intervals a utilization
	// reading must hold before the pool resizes.
	sustainTicks = 2
)

// Option customises a Pool.
type Option func(*Pool)

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithHealthChecker replaces DefaultHealthChecker.
func WithHealthChecker(checker HealthChecker) Option {
	return func(p *Pool) { p.checker = checker }
}

// WithBreakerConfig sets the per-address dial circuit breaker thresholds.
func WithBreakerConfig(cfg governance.BreakerConfig) Option {
	return func(p *Pool) { p.breakerCfg = cfg }
}

// WithClock overrides the time source used for idle and sizing decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithRetryInterval sets the initial backoff between dial retries.
func WithRetryInterval(d time.Duration) Option {
	return func(p *Pool) { p.retryInterval = d }
}

// Pool keeps reusable connections grouped by remote address.
type Pool struct {
	cfg           config.PoolConfig
	dialer        Dialer
	checker       HealthChecker
	logger        *slog.Logger
	now           func() time.Time
	breakerCfg    governance.BreakerConfig
	breakers      *governance.BreakerSet
	retryInterval time.Duration

	groups        *arena
	events        *eventBus
	groupBalancer *balancer

	strategyMu sync.RWMutex
	strategy   config.LoadBalanceStrategy

	baseMax  int64
	maxConns atomic.Int64
	total    atomic.Int64 // live connections plus dials in flight
	active   atomic.Int64
	pending  atomic.Int64

	sizingMu  sync.Mutex
	highTicks int
	lowTicks  int

	created        atomic.Uint64
	destroyed      atomic.Uint64
	reused         atomic.Uint64
	timeouts       atomic.Uint64
	dialErrors     atomic.Uint64
	fullRejections atomic.Uint64
	healthFailures atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closed    atomic.Bool
}

// New creates a pool. Background loops run only after Start.
func New(cfg config.PoolConfig, dialer Dialer, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, domain.NewError(domain.CodeInitFailed, "pool dialer is required")
	}

	p := &Pool{
		cfg:           cfg,
		dialer:        dialer,
		checker:       DefaultHealthChecker,
		now:           time.Now,
		breakerCfg:    governance.DefaultBreakerConfig(),
		retryInterval: 50 * time.Millisecond,
		groups:        newArena(),
		events:        newEventBus(),
		strategy:      cfg.LoadBalanceStrategy,
		groupBalancer: newBalancer(cfg.LoadBalanceStrategy),
		baseMax:       int64(cfg.MaxConnections),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pool")
	p.maxConns.Store(p.baseMax)
	p.breakers = governance.NewBreakerSet(p.breakerCfg,
		governance.WithClock(p.now),
		governance.WithStateChangeHook(func(addr string, from, to governance.BreakerState) {
			p.logger.Warn("Dial circuit state changed", "addr", addr, "from", from, "to", to)
		}),
	)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// Config returns the configuration the pool was built with.
func (p *Pool) Config() config.PoolConfig {
	return p.cfg
}

// Acquire returns a connection to addr. Higher priority waiters are served
// first when the address is at capacity.
func (p *Pool) Acquire(ctx context.Context, addr string, priority int) (*Lease, error) {
	key := routingKeyFrom(ctx, addr)
	for {
		if p.closed.Load() {
			return nil, errPoolClosed()
		}
		g, created := p.groups.getOrCreate(addr, func() *group {
			return newGroup(addr, p.Strategy(), p.now())
		})
		if created && p.cfg.EnableWarmup && p.cfg.WarmupConnections > 0 {
			p.startWarmup(g)
		}
		lease, err := p.acquireFrom(ctx, g, key, priority)
		if errors.Is(err, errGroupRemoved) {
			continue
		}
		return lease, err
	}
}

var errGroupRemoved = errors.New("address group removed")

func (p *Pool) acquireFrom(ctx context.Context, g *group, key string, priority int) (*Lease, error) {
	g.mu.Lock()
	if g.removed {
		g.mu.Unlock()
		return nil, errGroupRemoved
	}
	now := p.now()

	if c := g.takeIdleLocked(key); c != nil {
		g.lendLocked(c, now)
		g.mu.Unlock()
		p.active.Add(1)
		p.reused.Add(1)
		p.emit(Event{Type: EventConnectionReused, Addr: g.addr, ConnectionID: c.id})
		return p.newLease(g, c), nil
	}

	if g.liveLocked() < p.cfg.MaxConnectionsPerAddr {
		if !p.reserveSlot() {
			g.mu.Unlock()
			return nil, p.poolFull(g.addr)
		}
		g.dialing++
		g.lastUsed = now
		g.mu.Unlock()

		c, err := p.dial(ctx, g.addr, false)

		g.mu.Lock()
		g.dialing--
		if err != nil {
			g.mu.Unlock()
			p.total.Add(-1)
			return nil, err
		}
		g.lendLocked(c, p.now())
		g.mu.Unlock()
		p.active.Add(1)
		return p.newLease(g, c), nil
	}

	// The address is at capacity. Waiting only makes sense while the pool
	// still has global room; otherwise fail fast.
	if p.total.Load() >= p.maxConns.Load() {
		g.mu.Unlock()
		return nil, p.poolFull(g.addr)
	}
	if p.cfg.MaxRequestQueue == 0 || p.pending.Load() >= int64(p.cfg.MaxRequestQueue) {
		g.mu.Unlock()
		return nil, p.poolFull(g.addr)
	}
	w := g.enqueueLocked(priority)
	p.pending.Add(1)
	g.mu.Unlock()

	return p.wait(ctx, g, w)
}

func (p *Pool) wait(ctx context.Context, g *group, w *waiter) (*Lease, error) {
	timer := time.NewTimer(p.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case c := <-w.ch:
		p.pending.Add(-1)
		return p.handOff(g, c)
	case <-timer.C:
		return p.abandon(ctx, g, w, true)
	case <-ctx.Done():
		return p.abandon(ctx, g, w, false)
	}
}

func (p *Pool) handOff(g *group, c *pooledConn) (*Lease, error) {
	if c == nil {
		return nil, errPoolClosed()
	}
	return p.newLease(g, c), nil
}

// abandon deregisters a waiter whose deadline or context fired. When a
// hand-off won the race the connection is kept on timeout and given back on
// cancellation.
func (p *Pool) abandon(ctx context.Context, g *group, w *waiter, timedOut bool) (*Lease, error) {
	g.mu.Lock()
	removed := g.pending.remove(w)
	g.mu.Unlock()
	p.pending.Add(-1)

	if !removed {
		lease, err := p.handOff(g, <-w.ch)
		if err != nil || timedOut {
			return lease, err
		}
		lease.Release()
		return nil, ctx.Err()
	}

	if !timedOut {
		return nil, ctx.Err()
	}
	p.timeouts.Add(1)
	p.emit(Event{Type: EventConnectionTimeout, Addr: g.addr})
	return nil, domain.NewError(domain.CodeConnectionTimeout, "timed out waiting for a pooled connection").
		WithContext("addr", g.addr).
		WithContext("timeout", p.cfg.ConnectTimeout.String())
}

// reserveSlot claims one unit of global capacity.
func (p *Pool) reserveSlot() bool {
	for {
		cur := p.total.Load()
		if cur >= p.maxConns.Load() {
			return false
		}
		if p.total.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// dial opens a connection with retries under the address breaker. The
// caller holds a reserved slot.
func (p *Pool) dial(ctx context.Context, addr string, warmup bool) (*pooledConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	breaker := p.breakers.For(addr)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.retryInterval
	policy.MaxInterval = p.cfg.ConnectTimeout

	conn, err := backoff.Retry(dialCtx, func() (net.Conn, error) {
		var conn net.Conn
		err := breaker.Do(dialCtx, func(ctx context.Context) error {
			var err error
			conn, err = p.dialer.Dial(ctx, addr)
			return err
		})
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return conn, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(p.cfg.MaxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Debug("Retrying dial", "addr", addr, "error", err, "backoff", next)
		}),
	)
	if err != nil {
		p.dialErrors.Add(1)
		wrapped := wrapDialError(addr, err)
		p.emit(Event{Type: EventConnectionError, Addr: addr, Err: wrapped})
		p.logger.LogAttrs(ctx, slog.LevelWarn, "Failed to create connection",
			slog.String("event", "connection_error"),
			slog.String("addr", addr),
			slog.Any("error", wrapped),
		)
		return nil, wrapped
	}

	c := newPooledConn(conn, uuid.NewString(), addr, p.now(), warmup)
	p.created.Add(1)
	p.emit(Event{Type: EventConnectionCreated, Addr: addr, ConnectionID: c.id})
	p.logger.LogAttrs(ctx, slog.LevelDebug, "Created connection",
		slog.String("event", "connection_created"),
		slog.String("addr", addr),
		slog.String("connection_id", c.id),
		slog.Bool("warmup", warmup),
	)
	return c, nil
}

// retryable rejects failures a retry cannot fix.
func retryable(err error) bool {
	switch domain.CategoryOf(err) {
	case domain.CategoryCertificate, domain.CategoryConfiguration:
		return false
	}
	return !domain.IsCode(err, domain.CodeCircuitOpen) &&
		!errors.Is(err, context.Canceled)
}

func wrapDialError(addr string, err error) error {
	var te *domain.TransportError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewErrorWithCause(domain.CodeConnectionTimeout, "dial timed out", err).
			WithContext("addr", addr)
	}
	return domain.NewErrorWithCause(domain.CodeConnectionCreationFailed, "failed to create connection", err).
		WithContext("addr", addr)
}

func (p *Pool) poolFull(addr string) error {
	p.fullRejections.Add(1)
	p.emit(Event{Type: EventPoolFull, Addr: addr})
	return domain.NewError(domain.CodePoolFull, "connection pool is full").
		WithContext("addr", addr).
		WithContext("max_connections", p.maxConns.Load()).
		WithContext("max_connections_per_addr", p.cfg.MaxConnectionsPerAddr)
}

func errPoolClosed() error {
	return domain.NewError(domain.CodePoolClosed, "connection pool is closed")
}

// release returns a lent connection. Broken or over-used connections are
// retired; healthy ones go to the next waiter or back to the idle deque.
func (p *Pool) release(g *group, c *pooledConn, failed bool) {
	now := p.now()

	g.mu.Lock()
	delete(g.active, c.id)
	c.checkin(now, failed)
	g.lastUsed = now

	retire := p.closed.Load() || !p.cfg.EnableConnectionReuse || c.health == HealthUnhealthy ||
		(p.cfg.MigrationThreshold > 0 && c.errorCount >= p.cfg.MigrationThreshold)
	if !retire {
		served := g.offerLocked(c, now)
		g.mu.Unlock()
		if served {
			p.reused.Add(1)
			p.emit(Event{Type: EventConnectionReused, Addr: g.addr, ConnectionID: c.id})
			return
		}
		p.active.Add(-1)
		return
	}
	waiting := g.pending.Len() > 0
	g.mu.Unlock()

	p.active.Add(-1)
	p.destroy(c, "retired")
	if waiting {
		p.replenish(g)
	}
}

// destroy closes a connection that has already left its group.
func (p *Pool) destroy(c *pooledConn, reason string) {
	_ = c.conn.Close()
	if g, ok := p.groups.get(c.addr); ok {
		g.balancer.forget(c.id)
	}
	p.total.Add(-1)
	p.destroyed.Add(1)
	p.emit(Event{Type: EventConnectionDestroyed, Addr: c.addr, ConnectionID: c.id})
	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "Destroyed connection",
		slog.String("event", "connection_destroyed"),
		slog.String("addr", c.addr),
		slog.String("connection_id", c.id),
		slog.String("reason", reason),
	)
}

// replenish dials a replacement for a retired connection so queued waiters
// are not left to time out.
func (p *Pool) replenish(g *group) {
	if p.closed.Load() || !p.reserveSlot() {
		return
	}
	g.mu.Lock()
	if g.removed || g.pending.Len() == 0 || g.liveLocked() >= p.cfg.MaxConnectionsPerAddr {
		g.mu.Unlock()
		p.total.Add(-1)
		return
	}
	g.dialing++
	g.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		c, err := p.dial(p.ctx, g.addr, false)

		g.mu.Lock()
		g.dialing--
		if err != nil {
			g.mu.Unlock()
			p.total.Add(-1)
			return
		}
		served := g.offerLocked(c, p.now())
		g.mu.Unlock()
		if served {
			p.active.Add(1)
		}
	}()
}

// With acquires a connection for addr, runs fn and always releases. An error
// from fn marks the connection as failed.
func (p *Pool) With(ctx context.Context, addr string, fn func(*Lease) error) error {
	lease, err := p.Acquire(ctx, addr, 0)
	if err != nil {
		return err
	}
	defer lease.Release()
	if err := fn(lease); err != nil {
		lease.MarkFailed()
		return err
	}
	return nil
}

// AcquireAny balances across candidate addresses with the current strategy
// and falls back to the remaining ones when the choice cannot be dialled.
func (p *Pool) AcquireAny(ctx context.Context, candidates []string, priority int) (*Lease, error) {
	if len(candidates) == 0 {
		return nil, domain.NewError(domain.CodeNotFound, "no candidate addresses")
	}
	remaining := append([]string(nil), candidates...)
	key := routingKeyFrom(ctx, "")

	var lastErr error
	for len(remaining) > 0 {
		cands := make([]candidate, len(remaining))
		for i, addr := range remaining {
			cands[i] = candidate{key: addr, weight: 1}
			if g, ok := p.groups.get(addr); ok {
				g.mu.Lock()
				cands[i] = g.candidateLocked()
				g.mu.Unlock()
			}
		}
		i := p.groupBalancer.pick(cands, key)
		lease, err := p.Acquire(ctx, remaining[i], priority)
		if err == nil {
			return lease, nil
		}
		lastErr = err
		if ctx.Err() != nil || domain.IsCode(err, domain.CodePoolClosed) {
			return nil, err
		}
		remaining = append(remaining[:i], remaining[i+1:]...)
	}
	return nil, lastErr
}

// Strategy returns the active load-balancing strategy.
func (p *Pool) Strategy() config.LoadBalanceStrategy {
	p.strategyMu.RLock()
	defer p.strategyMu.RUnlock()
	return p.strategy
}

// SetStrategy switches the load-balancing strategy for every group.
func (p *Pool) SetStrategy(strategy config.LoadBalanceStrategy) error {
	parsed, err := config.ParseLoadBalanceStrategy(string(strategy))
	if err != nil {
		return domain.NewErrorWithCause(domain.CodeInvalidConfig, "invalid load balance strategy", err)
	}

	p.strategyMu.Lock()
	old := p.strategy
	p.strategy = parsed
	p.strategyMu.Unlock()
	if old == parsed {
		return nil
	}

	p.groupBalancer.setStrategy(parsed)
	for _, g := range p.groups.all() {
		g.balancer.setStrategy(parsed)
	}
	p.emit(Event{Type: EventLoadBalanceChanged, OldStrategy: old, NewStrategy: parsed})
	p.logger.Info("Load balance strategy changed", "old", old, "new", parsed)
	return nil
}

// SetAddressWeight sets the weight used when balancing across addresses.
func (p *Pool) SetAddressWeight(addr string, weight int) {
	g, _ := p.groups.getOrCreate(addr, func() *group {
		return newGroup(addr, p.Strategy(), p.now())
	})
	g.mu.Lock()
	g.weight = max(weight, 1)
	g.mu.Unlock()
}

// Subscribe returns a channel of pool events and a cancel function. Events
// are dropped for a subscriber whose buffer is full.
func (p *Pool) Subscribe(buffer int) (<-chan Event, func()) {
	return p.events.subscribe(buffer)
}

func (p *Pool) emit(ev Event) {
	ev.Time = p.now()
	p.events.publish(ev)
}

// Start launches the health checker and the maintenance loop.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(2)
		go p.loop(p.cfg.HealthCheckInterval, func() { p.CheckHealth(p.ctx) })
		go p.loop(p.cfg.StatsUpdateInterval, func() {
			p.AdjustSize()
			p.ReapIdle()
		})
	})
}

func (p *Pool) loop(interval time.Duration, tick func()) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// Close stops background work, wakes waiters and closes idle connections.
// Connections still lent out are closed when released.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	p.wg.Wait()

	for _, g := range p.groups.all() {
		g.mu.Lock()
		idle := g.idle
		g.idle = nil
		for w := g.pending.pop(); w != nil; w = g.pending.pop() {
			w.ch <- nil
		}
		g.mu.Unlock()
		for _, c := range idle {
			p.destroy(c, "pool_closed")
		}
	}
	p.events.close()
	p.logger.Info("Connection pool closed")
	return nil
}

// Lease is a connection lent by the pool. It must be released exactly once;
// extra Release calls are no-ops.
type Lease struct {
	pool     *Pool
	group    *group
	conn     *pooledConn
	failed   atomic.Bool
	released atomic.Bool
}

func (p *Pool) newLease(g *group, c *pooledConn) *Lease {
	return &Lease{pool: p, group: g, conn: c}
}

// Conn returns the underlying connection.
func (l *Lease) Conn() net.Conn { return l.conn.conn }

// ID returns the pooled connection id.
func (l *Lease) ID() string { return l.conn.id }

// Addr returns the remote address the connection belongs to.
func (l *Lease) Addr() string { return l.conn.addr }

// MarkFailed records an error for this use; it counts toward retiring the
// connection.
func (l *Lease) MarkFailed() { l.failed.Store(true) }

// Info returns a snapshot of the connection.
func (l *Lease) Info() ConnectionInfo {
	l.group.mu.Lock()
	defer l.group.mu.Unlock()
	return l.conn.info()
}

// Release returns the connection to the pool.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.release(l.group, l.conn, l.failed.Load())
}
