package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/hexaflow/internal/governance"
	"github.com/polisai/hexaflow/pkg/domain"
)

var errDiskFull = errors.New("disk full")

type flakyStore struct {
	*MemoryStore
	auditErr error
	calls    int
}

func (f *flakyStore) PersistAuditEntry(ctx context.Context, entry domain.AuditEntry) error {
	f.calls++
	if f.auditErr != nil {
		return f.auditErr
	}
	return f.MemoryStore.PersistAuditEntry(ctx, entry)
}

func TestGuardedOpensAfterFailures(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), auditErr: errDiskFull}
	g := NewGuarded(inner, governance.BreakerConfig{MaxFailures: 2, Cooldown: time.Hour, HalfOpenProbes: 1})
	ctx := context.Background()
	entry := sampleEntry("orders.ingest", 1, "read", domain.OutcomeSuccess)

	require.ErrorIs(t, g.PersistAuditEntry(ctx, entry), errDiskFull)
	require.ErrorIs(t, g.PersistAuditEntry(ctx, entry), errDiskFull)
	require.ErrorIs(t, g.PersistAuditEntry(ctx, entry), governance.ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls)

	// Breakers are per operation.
	require.NoError(t, g.Put(ctx, "ns", "k", []byte("v")))
	stats := g.Breakers().Stats()
	assert.Equal(t, string(governance.StateOpen), stats[BreakerAudit].State)
	assert.Equal(t, string(governance.StateClosed), stats[BreakerSink].State)
}

func TestGuardedNotFoundDoesNotTrip(t *testing.T) {
	g := NewGuarded(NewMemoryStore(), governance.BreakerConfig{MaxFailures: 1, Cooldown: time.Hour})
	ctx := context.Background()

	for range 3 {
		_, err := g.LoadPipelineDefinition(ctx, "missing")
		require.ErrorIs(t, err, domain.ErrNotFound)
	}
	assert.Equal(t, governance.StateClosed, g.Breakers().Get(BreakerLoad).State())
}

func TestGuardedPassesThrough(t *testing.T) {
	inner := NewMemoryStore()
	g := NewGuarded(inner, governance.BreakerConfig{})
	ctx := context.Background()

	def := sampleDefinition("billing.charge")
	require.NoError(t, g.PutPipelineDefinition(ctx, def))
	got, err := g.LoadPipelineDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)

	require.NoError(t, g.PersistRollbackPoint(ctx, domain.RollbackRecord{ID: "rp", RunID: "run-1"}))
	points, err := inner.RollbackPoints(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, points, 1)

	require.NoError(t, g.DiscardRollbackPoints(ctx, "run-1"))
	points, err = inner.RollbackPoints(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, points)
	assert.Equal(t, governance.StateClosed, g.Breakers().Get(BreakerDiscard).State())
}

var _ domain.Persistence = (*Guarded)(nil)
var _ domain.RollbackPruner = (*Guarded)(nil)
var _ Store = (*SQLiteStore)(nil)
var _ Store = (*MemoryStore)(nil)
