package governance

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/bey-transport/pkg/domain"
)

// BreakerState represents the state of a dial circuit breaker.
type BreakerState string

const (
	// StateClosed allows dials.
	StateClosed BreakerState = "closed"
	// StateOpen rejects dials until the open timeout elapses.
	StateOpen BreakerState = "open"
	// StateHalfOpen lets a limited number of probe dials through.
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig defines thresholds for dial circuit breaking.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed dials that opens
	// the circuit. Zero disables the consecutive check.
	FailureThreshold int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenProbes is the number of successful probes that close the circuit.
	HalfOpenProbes int
	// Window is the look-back duration for the failure rate.
	Window time.Duration
	// BucketCount is the number of buckets approximating the rolling window.
	BucketCount int
	// FailureRateThreshold is the percentage (0-100) of failed dials within
	// Window that opens the circuit. Zero disables rate evaluation.
	FailureRateThreshold float64
	// MinSamples guards rate evaluation on sparse traffic.
	MinSamples int
}

// DefaultBreakerConfig returns the defaults used by the connection pool.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:     5,
		OpenTimeout:          30 * time.Second,
		HalfOpenProbes:       1,
		Window:               60 * time.Second,
		BucketCount:          6,
		FailureRateThreshold: 80,
		MinSamples:           10,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.FailureThreshold < 0 {
		c.FailureThreshold = 0
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.BucketCount <= 0 {
		c.BucketCount = 6
	}
	if c.FailureRateThreshold < 0 {
		c.FailureRateThreshold = 0
	}
	if c.MinSamples < 0 {
		c.MinSamples = 0
	}
	return c
}

type bucket struct {
	start    time.Time
	attempts int
	failures int
}

// Breaker guards dials to one remote address.
type Breaker struct {
	addr string
	cfg  BreakerConfig
	now  func() time.Time

	onChange func(addr string, from, to BreakerState)

	mu                   sync.Mutex
	state                BreakerState
	buckets              []bucket
	bucketDuration       time.Duration
	current              int
	consecutiveFailures  int
	consecutiveSuccesses int
	probesInFlight       int
	openUntil            time.Time
	lastStateChange      time.Time
	totalAttempts        int
	totalFailures        int
}

func newBreaker(addr string, cfg BreakerConfig, now func() time.Time, onChange func(string, BreakerState, BreakerState)) *Breaker {
	cfg = cfg.normalized()
	bucketDuration := cfg.Window / time.Duration(cfg.BucketCount)
	if bucketDuration <= 0 {
		bucketDuration = time.Second
	}
	return &Breaker{
		addr:            addr,
		cfg:             cfg,
		now:             now,
		onChange:        onChange,
		state:           StateClosed,
		buckets:         make([]bucket, cfg.BucketCount),
		bucketDuration:  bucketDuration,
		lastStateChange: now(),
	}
}

// Allow reports whether a dial may proceed. Every nil return must be followed
// by exactly one Record call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateOpen:
		if now.Before(b.openUntil) {
			return b.openErrorLocked()
		}
		b.transitionLocked(StateHalfOpen, now)
		b.probesInFlight++
		return nil
	case StateHalfOpen:
		if b.probesInFlight < b.cfg.HalfOpenProbes {
			b.probesInFlight++
			return nil
		}
		return b.openErrorLocked()
	default:
		return nil
	}
}

// Record registers the outcome of an allowed dial.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.rotateLocked(now)
	slot := &b.buckets[b.current]
	slot.attempts++
	b.totalAttempts++

	if err == nil {
		b.consecutiveSuccesses++
		b.consecutiveFailures = 0
	} else {
		slot.failures++
		b.totalFailures++
		b.consecutiveFailures++
		b.consecutiveSuccesses = 0
	}

	switch b.state {
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		if err != nil {
			b.transitionLocked(StateOpen, now)
			return
		}
		if b.consecutiveSuccesses >= b.cfg.HalfOpenProbes {
			b.transitionLocked(StateClosed, now)
		}
	case StateClosed:
		if err == nil {
			return
		}
		if b.cfg.FailureThreshold > 0 && b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen, now)
			return
		}
		b.evaluateRateLocked(now)
	}
}

// Do runs dial under the breaker.
func (b *Breaker) Do(ctx context.Context, dial func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.Allow(); err != nil {
		return err
	}
	err := dial(ctx)
	b.Record(err)
	return err
}

func (b *Breaker) openErrorLocked() error {
	return domain.NewError(domain.CodeCircuitOpen, "dial circuit open").
		WithContext("addr", b.addr).
		WithContext("retry_after", b.openUntil.Sub(b.now()).Round(time.Millisecond).String())
}

func (b *Breaker) evaluateRateLocked(now time.Time) {
	if b.cfg.FailureRateThreshold <= 0 {
		return
	}
	attempts, failures := b.windowLocked(now)
	if attempts == 0 || attempts < b.cfg.MinSamples {
		return
	}
	if float64(failures)/float64(attempts)*100 >= b.cfg.FailureRateThreshold {
		b.transitionLocked(StateOpen, now)
	}
}

func (b *Breaker) windowLocked(now time.Time) (attempts, failures int) {
	for _, slot := range b.buckets {
		if slot.attempts == 0 || slot.start.IsZero() || now.Sub(slot.start) > b.cfg.Window {
			continue
		}
		attempts += slot.attempts
		failures += slot.failures
	}
	return attempts, failures
}

func (b *Breaker) rotateLocked(now time.Time) {
	start := b.buckets[b.current].start
	if start.IsZero() {
		b.buckets[b.current].start = now.Truncate(b.bucketDuration)
		return
	}
	steps := int(now.Sub(start) / b.bucketDuration)
	if steps <= 0 {
		return
	}
	// Idle gaps longer than the window reset every bucket.
	steps = min(steps, len(b.buckets))
	for range steps {
		start = start.Add(b.bucketDuration)
		b.current = (b.current + 1) % len(b.buckets)
		b.buckets[b.current] = bucket{start: start}
	}
	if now.Sub(start) >= b.bucketDuration {
		b.buckets[b.current].start = now.Truncate(b.bucketDuration)
	}
}

func (b *Breaker) resetBucketsLocked(now time.Time) {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
	b.current = 0
	b.buckets[0].start = now.Truncate(b.bucketDuration)
}

func (b *Breaker) transitionLocked(to BreakerState, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastStateChange = now
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.probesInFlight = 0

	switch to {
	case StateOpen:
		b.openUntil = now.Add(b.cfg.OpenTimeout)
		b.resetBucketsLocked(now)
	case StateHalfOpen, StateClosed:
		b.openUntil = time.Time{}
		b.resetBucketsLocked(now)
	}
	if b.onChange != nil {
		b.onChange(b.addr, from, to)
	}
}

// State returns the current state. An open breaker whose timeout has
// elapsed still reports open until the next Allow.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerStats exposes breaker status for one address.
type BreakerStats struct {
	Addr            string    `json:"addr"`
	State           string    `json:"state"`
	Attempts        int       `json:"attempts"`
	Failures        int       `json:"failures"`
	FailureRate     float64   `json:"failure_rate"`
	LastStateChange time.Time `json:"last_state_change"`
	OpenUntil       time.Time `json:"open_until,omitzero"`
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	attempts, failures := b.windowLocked(b.now())
	rate := 0.0
	if attempts > 0 {
		rate = float64(failures) / float64(attempts) * 100
	}
	return BreakerStats{
		Addr:            b.addr,
		State:           string(b.state),
		Attempts:        b.totalAttempts,
		Failures:        b.totalFailures,
		FailureRate:     rate,
		LastStateChange: b.lastStateChange,
		OpenUntil:       b.openUntil,
	}
}

// Reset closes the breaker and forgets its history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.transitionLocked(StateClosed, now)
	b.totalAttempts = 0
	b.totalFailures = 0
	b.resetBucketsLocked(now)
}

// BreakerSet holds one breaker per remote address.
type BreakerSet struct {
	cfg      BreakerConfig
	now      func() time.Time
	onChange func(addr string, from, to BreakerState)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// BreakerSetOption customises a BreakerSet.
type BreakerSetOption func(*BreakerSet)

// WithClock overrides the time source.
func WithClock(now func() time.Time) BreakerSetOption {
	return func(s *BreakerSet) { s.now = now }
}

// WithStateChangeHook is called, under the breaker lock, on every transition.
func WithStateChangeHook(fn func(addr string, from, to BreakerState)) BreakerSetOption {
	return func(s *BreakerSet) { s.onChange = fn }
}

// NewBreakerSet creates an empty set using cfg for every address.
func NewBreakerSet(cfg BreakerConfig, opts ...BreakerSetOption) *BreakerSet {
	s := &BreakerSet{
		cfg:      cfg.normalized(),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// For returns the breaker for addr, creating it if needed.
func (s *BreakerSet) For(addr string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[addr]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[addr]; ok {
		return b
	}
	b = newBreaker(addr, s.cfg, s.now, s.onChange)
	s.breakers[addr] = b
	return b
}

// Remove forgets the breaker for addr.
func (s *BreakerSet) Remove(addr string) {
	s.mu.Lock()
	delete(s.breakers, addr)
	s.mu.Unlock()
}

// Stats returns statistics for every tracked address.
func (s *BreakerSet) Stats() map[string]BreakerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(s.breakers))
	for addr, b := range s.breakers {
		stats[addr] = b.Stats()
	}
	return stats
}

// ResetAll closes every breaker.
func (s *BreakerSet) ResetAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.breakers {
		b.Reset()
	}
}
