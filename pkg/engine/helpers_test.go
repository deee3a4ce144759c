package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/polisai/hexaflow/internal/audit"
	"github.com/polisai/hexaflow/internal/lock"
	"github.com/polisai/hexaflow/internal/rollback"
	"github.com/polisai/hexaflow/pkg/domain"
	"github.com/polisai/hexaflow/pkg/stage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testDeps struct {
	locks    *lock.Manager
	rollback *rollback.Manager
	audit    *audit.Trail
}

func newTestExecutor(t *testing.T, mutate ...func(*Config)) (*Executor, testDeps) {
	t.Helper()
	deps := testDeps{
		locks:    lock.NewManager(lock.Config{}),
		rollback: rollback.NewManager(),
		audit:    audit.NewTrail(),
	}
	cfg := Config{
		Locks:    deps.locks,
		Rollback: deps.rollback,
		Audit:    deps.audit,
		Logger:   quietLogger(),
		LockTTL:  time.Minute,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewExecutor(cfg), deps
}

func feed(name string, value any, opts ...stage.Option) stage.Stage {
	return stage.NewFeed(name, func(context.Context, domain.PipelineContext) (any, error) {
		return value, nil
	}, opts...)
}

func gate(name string, pass bool, opts ...stage.Option) stage.Stage {
	return stage.NewFilter(name, func(context.Context, domain.PipelineContext) (bool, error) {
		return pass, nil
	}, opts...)
}

func format(name string, fn func(any) any, opts ...stage.Option) stage.Stage {
	return stage.NewFormat(name, func(_ context.Context, pc domain.PipelineContext) (any, error) {
		return fn(pc.Payload), nil
	}, opts...)
}

func failing(name string, err error, opts ...stage.Option) stage.Stage {
	return stage.NewFunction(name, func(context.Context, domain.PipelineContext) (any, error) {
		return nil, err
	}, 0, opts...)
}

func forward(name string, opts ...stage.Option) stage.Stage {
	return stage.NewForward(name, func(context.Context, domain.PipelineContext) error { return nil }, opts...)
}

func observe(name string) stage.Stage {
	return stage.NewFeedback(name, func(context.Context, domain.PipelineContext) error { return nil })
}

func outcomes(entries []domain.AuditEntry) []domain.AuditOutcome {
	out := make([]domain.AuditOutcome, len(entries))
	for i, e := range entries {
		out[i] = e.Outcome
	}
	return out
}

func stageNames(entries []domain.AuditEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Stage
	}
	return out
}

// memoryPersistence records collaborator calls and can be told to fail.
type memoryPersistence struct {
	mu          sync.Mutex
	definitions map[domain.PipelineID]domain.PipelineDefinition
	entries     []domain.AuditEntry
	points      []domain.RollbackRecord
	failWrites  error
}

func (p *memoryPersistence) LoadPipelineDefinition(_ context.Context, id domain.PipelineID) (domain.PipelineDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	def, ok := p.definitions[id]
	if !ok {
		return domain.PipelineDefinition{}, domain.ErrNotFound
	}
	return def, nil
}

func (p *memoryPersistence) PersistAuditEntry(_ context.Context, entry domain.AuditEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWrites != nil {
		return p.failWrites
	}
	p.entries = append(p.entries, entry)
	return nil
}

func (p *memoryPersistence) PersistRollbackPoint(_ context.Context, record domain.RollbackRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWrites != nil {
		return p.failWrites
	}
	p.points = append(p.points, record)
	return nil
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

var errRejected = errors.New("order rejected")
