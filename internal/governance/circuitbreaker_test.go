package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/bey-transport/pkg/domain"
)

var errRefused = errors.New("connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSet(cfg BreakerConfig) (*BreakerSet, *fakeClock, *[]string) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	var transitions []string
	set := NewBreakerSet(cfg,
		WithClock(clock.Now),
		WithStateChangeHook(func(addr string, from, to BreakerState) {
			transitions = append(transitions, addr+":"+string(from)+"->"+string(to))
		}),
	)
	return set, clock, &transitions
}

func fail(ctx context.Context) error { return errRefused }
func succeed(ctx context.Context) error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 3
	cfg.FailureRateThreshold = 0
	set, _, transitions := newTestSet(cfg)
	breaker := set.For("10.0.0.5:7000")
	ctx := context.Background()

	for range 2 {
		assert.ErrorIs(t, breaker.Do(ctx, fail), errRefused)
	}
	assert.NoError(t, breaker.Do(ctx, succeed), "a success resets the streak")
	for range 3 {
		assert.ErrorIs(t, breaker.Do(ctx, fail), errRefused)
	}
	assert.Equal(t, StateOpen, breaker.State())

	err := breaker.Do(ctx, succeed)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeCircuitOpen))
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, []string{"10.0.0.5:7000:closed->open"}, *transitions)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.OpenTimeout = 10 * time.Second
	set, clock, transitions := newTestSet(cfg)
	breaker := set.For("peer")
	ctx := context.Background()

	require.Error(t, breaker.Do(ctx, fail))
	require.Equal(t, StateOpen, breaker.State())

	clock.Advance(11 * time.Second)
	require.NoError(t, breaker.Allow())
	assert.Equal(t, StateHalfOpen, breaker.State())
	assert.True(t, domain.IsCode(breaker.Allow(), domain.CodeCircuitOpen), "one probe at a time")

	breaker.Record(errRefused)
	assert.Equal(t, StateOpen, breaker.State(), "a failed probe reopens")

	clock.Advance(11 * time.Second)
	require.NoError(t, breaker.Do(ctx, succeed))
	assert.Equal(t, StateClosed, breaker.State())

	assert.Equal(t, []string{
		"peer:closed->open",
		"peer:open->half-open",
		"peer:half-open->open",
		"peer:open->half-open",
		"peer:half-open->closed",
	}, *transitions)
}

func TestBreakerFailureRate(t *testing.T) {
	cfg := BreakerConfig{
		OpenTimeout:          time.Second,
		Window:               10 * time.Second,
		BucketCount:          5,
		FailureRateThreshold: 50,
		MinSamples:           4,
	}
	set, clock, _ := newTestSet(cfg)
	breaker := set.For("peer")
	ctx := context.Background()

	require.NoError(t, breaker.Do(ctx, succeed))
	require.Error(t, breaker.Do(ctx, fail))
	require.NoError(t, breaker.Do(ctx, succeed))
	assert.Equal(t, StateClosed, breaker.State(), "below min samples")

	clock.Advance(time.Second)
	require.Error(t, breaker.Do(ctx, fail))
	assert.Equal(t, StateOpen, breaker.State(), "2 of 4 dials failed")
}

func TestBreakerWindowForgetsOldFailures(t *testing.T) {
	cfg := BreakerConfig{
		Window:               10 * time.Second,
		BucketCount:          5,
		FailureRateThreshold: 50,
		MinSamples:           3,
	}
	set, clock, _ := newTestSet(cfg)
	breaker := set.For("peer")
	ctx := context.Background()

	require.Error(t, breaker.Do(ctx, fail))
	require.Error(t, breaker.Do(ctx, fail))

	clock.Advance(time.Minute)
	require.NoError(t, breaker.Do(ctx, succeed))
	require.NoError(t, breaker.Do(ctx, succeed))
	require.Error(t, breaker.Do(ctx, fail))
	assert.Equal(t, StateClosed, breaker.State())

	stats := breaker.Stats()
	assert.Equal(t, 5, stats.Attempts)
	assert.Equal(t, 3, stats.Failures)
	assert.InDelta(t, 33.3, stats.FailureRate, 0.1)
}

func TestBreakerDoHonoursContext(t *testing.T) {
	set, _, _ := newTestSet(DefaultBreakerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := set.For("peer").Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Zero(t, set.For("peer").Stats().Attempts)
}

func TestBreakerSetIsolatesAddresses(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	set, _, _ := newTestSet(cfg)
	ctx := context.Background()

	require.Error(t, set.For("a").Do(ctx, fail))
	assert.Equal(t, StateOpen, set.For("a").State())
	assert.Equal(t, StateClosed, set.For("b").State())
	assert.Same(t, set.For("a"), set.For("a"))

	stats := set.Stats()
	assert.Len(t, stats, 2)
	assert.Equal(t, "open", stats["a"].State)

	set.ResetAll()
	assert.Equal(t, StateClosed, set.For("a").State())
	assert.Zero(t, set.For("a").Stats().Attempts)

	set.Remove("a")
	assert.Len(t, set.Stats(), 1)
}
