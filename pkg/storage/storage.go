// Package storage provides the persistence collaborator of the execution
// core: pipeline definitions, audit entries, rollback points and the
// key-value sink written by forward stages.
package storage

import (
	"context"

	"github.com/polisai/hexaflow/pkg/domain"
)

// Store is the full persistence surface. The executor only needs
// domain.Persistence; the CLI and config loader use the rest.
type Store interface {
	domain.Persistence
	domain.RollbackPruner
	domain.Sink

	PutPipelineDefinition(ctx context.Context, def domain.PipelineDefinition) error
	AuditEntries(ctx context.Context, id domain.PipelineID) ([]domain.AuditEntry, error)
	RollbackPoints(ctx context.Context, runID string) ([]domain.RollbackRecord, error)
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Close() error
}
