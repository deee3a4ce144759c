package storage

import (
	"context"
	"errors"

	"github.com/polisai/hexaflow/internal/governance"
	"github.com/polisai/hexaflow/pkg/domain"
)

// Breaker names used by Guarded, one per persistence operation.
const (
	BreakerLoad     = "load_definition"
	BreakerAudit    = "persist_audit_entry"
	BreakerRollback = "persist_rollback_point"
	BreakerDiscard  = "discard_rollback_points"
	BreakerSink     = "sink_put"
)

// Guarded wraps a Store so that a failing backend trips a per-operation
// circuit breaker and later calls fail fast with governance.ErrCircuitOpen.
// Lookups that miss (domain.ErrNotFound) never count as failures.
type Guarded struct {
	Store
	breakers *governance.BreakerSet
}

// NewGuarded wraps store. A zero config uses governance.DefaultBreakerConfig.
func NewGuarded(store Store, config governance.BreakerConfig) *Guarded {
	if config.MaxFailures == 0 {
		config = governance.DefaultBreakerConfig()
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool {
			return !errors.Is(err, domain.ErrNotFound)
		}
	}
	return &Guarded{Store: store, breakers: governance.NewBreakerSet(config)}
}

// Breakers exposes the breaker set for stats.
func (g *Guarded) Breakers() *governance.BreakerSet {
	return g.breakers
}

// LoadPipelineDefinition implements domain.Persistence.
func (g *Guarded) LoadPipelineDefinition(ctx context.Context, id domain.PipelineID) (domain.PipelineDefinition, error) {
	var def domain.PipelineDefinition
	err := g.breakers.Get(BreakerLoad).Execute(ctx, func(ctx context.Context) error {
		var err error
		def, err = g.Store.LoadPipelineDefinition(ctx, id)
		return err
	})
	return def, err
}

// PersistAuditEntry implements domain.Persistence.
func (g *Guarded) PersistAuditEntry(ctx context.Context, entry domain.AuditEntry) error {
	return g.breakers.Get(BreakerAudit).Execute(ctx, func(ctx context.Context) error {
		return g.Store.PersistAuditEntry(ctx, entry)
	})
}

// PersistRollbackPoint implements domain.Persistence.
func (g *Guarded) PersistRollbackPoint(ctx context.Context, record domain.RollbackRecord) error {
	return g.breakers.Get(BreakerRollback).Execute(ctx, func(ctx context.Context) error {
		return g.Store.PersistRollbackPoint(ctx, record)
	})
}

// DiscardRollbackPoints implements domain.RollbackPruner.
func (g *Guarded) DiscardRollbackPoints(ctx context.Context, runID string) error {
	return g.breakers.Get(BreakerDiscard).Execute(ctx, func(ctx context.Context) error {
		return g.Store.DiscardRollbackPoints(ctx, runID)
	})
}

// Put implements domain.Sink.
func (g *Guarded) Put(ctx context.Context, namespace, key string, value []byte) error {
	return g.breakers.Get(BreakerSink).Execute(ctx, func(ctx context.Context) error {
		return g.Store.Put(ctx, namespace, key, value)
	})
}
