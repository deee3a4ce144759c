package domain

import (
	"context"
	"time"
)

// RollbackRecord is the persisted form of a rollback point.
type RollbackRecord struct {
	ID         string     `json:"id"`
	PipelineID PipelineID `json:"pipeline_id"`
	RunID      string     `json:"run_id"`
	Stage      string     `json:"stage"`
	Version    uint64     `json:"version"`
	Context    []byte     `json:"context"` // JSON-encoded PipelineContext
	CreatedAt  time.Time  `json:"created_at"`
}

// Persistence is the storage collaborator consumed by the executor.
type Persistence interface {
	LoadPipelineDefinition(ctx context.Context, id PipelineID) (PipelineDefinition, error)
	PersistAuditEntry(ctx context.Context, entry AuditEntry) error
	PersistRollbackPoint(ctx context.Context, record RollbackRecord) error
}

// RollbackPruner is implemented by persistence that can drop the rollback
// points of a finished run. The executor calls it once per run after the
// run settled.
type RollbackPruner interface {
	DiscardRollbackPoints(ctx context.Context, runID string) error
}

// Publisher receives execution events. Publication is fire-and-forget from
// the executor's perspective: a returned error is logged, never propagated.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Authorizer decides whether actor may run the pipeline. It returns an error
// wrapping ErrDenied to refuse.
type Authorizer interface {
	Authorize(ctx context.Context, id PipelineID, actor string) error
}

// Sink is the key-value destination used by forward stages.
type Sink interface {
	Put(ctx context.Context, namespace, key string, value []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, id PipelineID, actor string) error

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, id PipelineID, actor string) error {
	return f(ctx, id, actor)
}
