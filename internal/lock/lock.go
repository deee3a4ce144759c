// Package lock provides per-identity exclusive leases for pipeline runs.
//
// The lease table is split into shards chosen by hashing the pipeline
// identity, so contention on one identity never serializes unrelated ones.
// Leases carry a TTL: a holder that crashes blocks other runs for at most one
// TTL, after which the lease may be reclaimed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/polisai/hexaflow/internal/governance"
	"github.com/polisai/hexaflow/pkg/domain"
)

// DefaultShards is the shard count used when Config.Shards is zero.
const DefaultShards = 32

// Lease is an exclusive claim on one pipeline identity.
type Lease struct {
	ID         string
	PipelineID domain.PipelineID
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease has lapsed at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Config configures a Manager.
type Config struct {
	Shards  int
	Backoff governance.BackoffConfig
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Manager hands out leases. It is safe for concurrent use.
type Manager struct {
	shards  []*shard
	backoff *governance.BackoffPolicy
	now     func() time.Time
}

type shard struct {
	mu     sync.Mutex
	leases map[domain.PipelineID]Lease
}

// NewManager creates a lease manager.
func NewManager(cfg Config) *Manager {
	n := cfg.Shards
	if n <= 0 {
		n = DefaultShards
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		shards:  make([]*shard, n),
		backoff: governance.NewBackoffPolicy(cfg.Backoff),
		now:     now,
	}
	for i := range m.shards {
		m.shards[i] = &shard{leases: make(map[domain.PipelineID]Lease)}
	}
	return m
}

func (m *Manager) shardFor(id domain.PipelineID) *shard {
	return m.shards[xxhash.Sum64String(string(id))%uint64(len(m.shards))]
}

// Acquire grants a lease on id to holder without waiting. It returns an error
// wrapping domain.ErrBusy if a live lease exists.
func (m *Manager) Acquire(id domain.PipelineID, holder string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, domain.NewValidationError("lease ttl must be positive")
	}
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	if cur, ok := s.leases[id]; ok {
		if !cur.Expired(now) {
			return Lease{}, fmt.Errorf("pipeline %q held by %q until %s: %w",
				id, cur.Holder, cur.ExpiresAt.Format(time.RFC3339Nano), domain.ErrBusy)
		}
	}

	lease := Lease{
		ID:         uuid.NewString(),
		PipelineID: id,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	s.leases[id] = lease
	return lease, nil
}

// AcquireWait retries Acquire with backoff until it succeeds, wait elapses or
// ctx ends. Exhausting wait yields an error wrapping domain.ErrBusy.
func (m *Manager) AcquireWait(ctx context.Context, id domain.PipelineID, holder string, ttl, wait time.Duration) (Lease, error) {
	var lease Lease
	var lastErr error
	err := m.backoff.Wait(ctx, wait, func() (bool, error) {
		l, err := m.Acquire(id, holder, ttl)
		switch {
		case err == nil:
			lease = l
			return true, nil
		case errors.Is(err, domain.ErrBusy):
			lastErr = err
			return false, nil
		default:
			return false, err
		}
	})
	if errors.Is(err, governance.ErrWaitExceeded) {
		return Lease{}, fmt.Errorf("waited %s: %w", wait, lastErr)
	}
	if err != nil {
		return Lease{}, err
	}
	return lease, nil
}

// Release frees the lease on id if leaseID still owns it. A mismatched or
// already reclaimed lease returns an error wrapping domain.ErrNotHeld.
func (m *Manager) Release(id domain.PipelineID, leaseID string) error {
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[id]
	if !ok || cur.ID != leaseID {
		return fmt.Errorf("release %q with lease %s: %w", id, leaseID, domain.ErrNotHeld)
	}
	delete(s.leases, id)
	return nil
}

// Renew extends a live lease to now+ttl. An expired lease cannot be renewed,
// since another run may already be entitled to it.
func (m *Manager) Renew(id domain.PipelineID, leaseID string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, domain.NewValidationError("lease ttl must be positive")
	}
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	cur, ok := s.leases[id]
	if !ok || cur.ID != leaseID || cur.Expired(now) {
		return Lease{}, fmt.Errorf("renew %q with lease %s: %w", id, leaseID, domain.ErrNotHeld)
	}
	cur.ExpiresAt = now.Add(ttl)
	s.leases[id] = cur
	return cur, nil
}

// Holder returns the live lease on id, if any.
func (m *Manager) Holder(id domain.PipelineID) (Lease, bool) {
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[id]
	if !ok || cur.Expired(m.now()) {
		return Lease{}, false
	}
	return cur, true
}

// Len returns the number of live leases.
func (m *Manager) Len() int {
	now := m.now()
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for _, l := range s.leases {
			if !l.Expired(now) {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}
