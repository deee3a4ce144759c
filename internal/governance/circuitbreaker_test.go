package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

var errStore = errors.New("store unavailable")

func fail(context.Context) error { return errStore }
func ok(context.Context) error   { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newCircuitBreaker(BreakerConfig{MaxFailures: 3, Cooldown: time.Second}, clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(ctx, fail), errStore)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, 1, cb.Stats().Rejected)
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, ok))
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newCircuitBreaker(BreakerConfig{MaxFailures: 1, Cooldown: time.Second, HalfOpenProbes: 1}, clock.Now)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newCircuitBreaker(BreakerConfig{MaxFailures: 1, Cooldown: time.Second}, clock.Now)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)
	require.ErrorIs(t, cb.Execute(ctx, fail), errStore)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerIgnoresUnclassifiedErrors(t *testing.T) {
	notFound := errors.New("not found")
	cb := NewCircuitBreaker(BreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, notFound) },
	})
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return notFound }), notFound)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerSkipsCancelledContext(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, cb.Execute(ctx, ok), context.Canceled)
	assert.Equal(t, 0, cb.Stats().Failures)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerSetSharesPerName(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{MaxFailures: 1})
	a := set.Get("audit")
	assert.Same(t, a, set.Get("audit"))
	assert.NotSame(t, a, set.Get("rollback"))

	_ = a.Execute(context.Background(), fail)
	stats := set.Stats()
	assert.Equal(t, string(StateOpen), stats["audit"].State)
	assert.Equal(t, string(StateClosed), stats["rollback"].State)
}

func TestBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1})
	_ = cb.Execute(context.Background(), fail)
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Stats().Failures)
}
