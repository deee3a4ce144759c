package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/hexaflow/internal/governance"
	"github.com/polisai/hexaflow/pkg/domain"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAcquireRelease(t *testing.T) {
	m := NewManager(Config{})

	lease, err := m.Acquire("orders", "run-1", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, lease.ID)
	assert.Equal(t, domain.PipelineID("orders"), lease.PipelineID)
	assert.Equal(t, "run-1", lease.Holder)

	_, err = m.Acquire("orders", "run-2", time.Minute)
	require.ErrorIs(t, err, domain.ErrBusy)

	require.NoError(t, m.Release("orders", lease.ID))
	_, ok := m.Holder("orders")
	assert.False(t, ok)

	_, err = m.Acquire("orders", "run-2", time.Minute)
	require.NoError(t, err)
}

func TestDistinctIdentitiesDoNotContend(t *testing.T) {
	m := NewManager(Config{Shards: 1})
	_, err := m.Acquire("a", "run-1", time.Minute)
	require.NoError(t, err)
	_, err = m.Acquire("b", "run-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
}

func TestReleaseMismatchIsNotHeld(t *testing.T) {
	m := NewManager(Config{})
	lease, err := m.Acquire("orders", "run-1", time.Minute)
	require.NoError(t, err)

	require.ErrorIs(t, m.Release("orders", "someone-else"), domain.ErrNotHeld)
	require.ErrorIs(t, m.Release("unknown", lease.ID), domain.ErrNotHeld)

	require.NoError(t, m.Release("orders", lease.ID))
	require.ErrorIs(t, m.Release("orders", lease.ID), domain.ErrNotHeld)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	clock := newManualClock()
	m := NewManager(Config{Now: clock.Now})

	first, err := m.Acquire("orders", "run-1", time.Second)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, ok := m.Holder("orders")
	assert.False(t, ok)

	second, err := m.Acquire("orders", "run-2", time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	require.ErrorIs(t, m.Release("orders", first.ID), domain.ErrNotHeld)
	require.NoError(t, m.Release("orders", second.ID))
}

func TestRenewExtendsExpiry(t *testing.T) {
	clock := newManualClock()
	m := NewManager(Config{Now: clock.Now})

	lease, err := m.Acquire("orders", "run-1", time.Second)
	require.NoError(t, err)

	clock.Advance(800 * time.Millisecond)
	renewed, err := m.Renew("orders", lease.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Second), renewed.ExpiresAt)

	clock.Advance(800 * time.Millisecond)
	_, err = m.Acquire("orders", "run-2", time.Second)
	require.ErrorIs(t, err, domain.ErrBusy)
}

func TestRenewExpiredLeaseFails(t *testing.T) {
	clock := newManualClock()
	m := NewManager(Config{Now: clock.Now})

	lease, err := m.Acquire("orders", "run-1", time.Second)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	_, err = m.Renew("orders", lease.ID, time.Second)
	require.ErrorIs(t, err, domain.ErrNotHeld)
}

func TestNonPositiveTTLRejected(t *testing.T) {
	m := NewManager(Config{})
	_, err := m.Acquire("orders", "run-1", 0)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestAcquireWaitTimesOutBusy(t *testing.T) {
	m := NewManager(Config{Backoff: governance.BackoffConfig{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}})
	_, err := m.Acquire("orders", "run-1", time.Minute)
	require.NoError(t, err)

	_, err = m.AcquireWait(context.Background(), "orders", "run-2", time.Minute, 20*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrBusy)
}

func TestAcquireWaitSucceedsAfterRelease(t *testing.T) {
	m := NewManager(Config{Backoff: governance.BackoffConfig{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}})
	held, err := m.Acquire("orders", "run-1", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = m.Release("orders", held.ID)
	}()

	lease, err := m.AcquireWait(context.Background(), "orders", "run-2", time.Minute, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "run-2", lease.Holder)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m := NewManager(Config{})
	const workers = 64

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := m.Acquire("orders", "worker", time.Minute); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

// TestLeaseExclusivityProperty drives random acquire/release/renew/advance
// sequences against a model and checks that no identity ever has two live
// leases and that the manager agrees with the model on every step.
func TestLeaseExclusivityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := newManualClock()
		m := NewManager(Config{Shards: rapid.IntRange(1, 4).Draw(t, "shards"), Now: clock.Now})
		ids := []domain.PipelineID{"a", "b", "c"}
		const ttl = 10 * time.Second

		model := map[domain.PipelineID]Lease{}
		live := func(id domain.PipelineID) (Lease, bool) {
			l, ok := model[id]
			if !ok || l.Expired(clock.Now()) {
				return Lease{}, false
			}
			return l, true
		}

		t.Repeat(map[string]func(*rapid.T){
			"acquire": func(t *rapid.T) {
				id := rapid.SampledFrom(ids).Draw(t, "id")
				lease, err := m.Acquire(id, "h", ttl)
				if _, held := live(id); held {
					if err == nil {
						t.Fatalf("second live lease granted on %s", id)
					}
					return
				}
				if err != nil {
					t.Fatalf("acquire on free %s: %v", id, err)
				}
				model[id] = lease
			},
			"release": func(t *rapid.T) {
				id := rapid.SampledFrom(ids).Draw(t, "id")
				l, ok := model[id]
				if !ok {
					return
				}
				if err := m.Release(id, l.ID); err != nil {
					t.Fatalf("release own lease on %s: %v", id, err)
				}
				delete(model, id)
			},
			"renew": func(t *rapid.T) {
				id := rapid.SampledFrom(ids).Draw(t, "id")
				l, ok := live(id)
				if !ok {
					return
				}
				renewed, err := m.Renew(id, l.ID, ttl)
				if err != nil {
					t.Fatalf("renew live lease on %s: %v", id, err)
				}
				model[id] = renewed
			},
			"advance": func(t *rapid.T) {
				clock.Advance(time.Duration(rapid.IntRange(1, 15).Draw(t, "secs")) * time.Second)
			},
			"": func(t *rapid.T) {
				for _, id := range ids {
					want, wantOK := live(id)
					got, gotOK := m.Holder(id)
					if wantOK != gotOK || (wantOK && want.ID != got.ID) {
						t.Fatalf("holder mismatch on %s: model=%v manager=%v", id, want, got)
					}
				}
			},
		})
	})
}
