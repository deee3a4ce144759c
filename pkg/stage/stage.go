// Package stage defines the six fixed pipeline stage kinds and the pipeline
// instance that binds an ordered list of them to one identity.
//
// Stage is a sealed interface: only the Feed, Filter, Format, Function,
// Forward and Feedback types in this package implement it. Each carries its
// own configuration and a single Execute operation.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/polisai/hexaflow/pkg/domain"
)

// Stage is one unit of work in a pipeline instance. Execute consumes a
// snapshot of the context and returns the stage output, which becomes the new
// payload, or a failure.
type Stage interface {
	Name() string
	Kind() domain.StageKind
	// NonIdempotent marks stages whose effects require a rollback point.
	NonIdempotent() bool
	Execute(ctx context.Context, pc domain.PipelineContext) (any, error)

	sealed()
}

// Option customises a stage at construction.
type Option func(*base)

// NonIdempotent flags the stage so the executor snapshots the context before it runs.
func NonIdempotent() Option {
	return func(b *base) { b.nonIdempotent = true }
}

type base struct {
	name          string
	nonIdempotent bool
}

func newBase(name string, opts []Option) base {
	b := base{name: name}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b base) Name() string        { return b.name }
func (b base) NonIdempotent() bool { return b.nonIdempotent }
func (b base) sealed()             {}

// SourceFunc produces the ingested payload for a feed stage.
type SourceFunc func(ctx context.Context, pc domain.PipelineContext) (any, error)

// PredicateFunc decides whether a run may continue past a filter stage.
type PredicateFunc func(ctx context.Context, pc domain.PipelineContext) (bool, error)

// TransformFunc maps the current payload to a new one.
type TransformFunc func(ctx context.Context, pc domain.PipelineContext) (any, error)

// RouteFunc delivers the payload to a destination.
type RouteFunc func(ctx context.Context, pc domain.PipelineContext) error

// ObserveFunc inspects the context after the work is done.
type ObserveFunc func(ctx context.Context, pc domain.PipelineContext) error

// Feed ingests data from an external source.
type Feed struct {
	base
	source SourceFunc
}

// NewFeed constructs a feed stage.
func NewFeed(name string, source SourceFunc, opts ...Option) *Feed {
	return &Feed{base: newBase(name, opts), source: source}
}

// Kind implements Stage.
func (*Feed) Kind() domain.StageKind { return domain.KindFeed }

// Execute implements Stage.
func (s *Feed) Execute(ctx context.Context, pc domain.PipelineContext) (any, error) {
	return s.source(ctx, pc)
}

// Filter gates the run. A false predicate halts the run without failing it.
type Filter struct {
	base
	predicate PredicateFunc
}

// NewFilter constructs a filter stage.
func NewFilter(name string, predicate PredicateFunc, opts ...Option) *Filter {
	return &Filter{base: newBase(name, opts), predicate: predicate}
}

// Kind implements Stage.
func (*Filter) Kind() domain.StageKind { return domain.KindFilter }

// Execute implements Stage. It returns domain.ErrHalt when the gate is closed.
func (s *Filter) Execute(ctx context.Context, pc domain.PipelineContext) (any, error) {
	pass, err := s.predicate(ctx, pc)
	if err != nil {
		return nil, err
	}
	if !pass {
		return pc.Payload, domain.ErrHalt
	}
	return pc.Payload, nil
}

// Format normalizes, transforms and validates the payload.
type Format struct {
	base
	transform TransformFunc
}

// NewFormat constructs a format stage.
func NewFormat(name string, transform TransformFunc, opts ...Option) *Format {
	return &Format{base: newBase(name, opts), transform: transform}
}

// Kind implements Stage.
func (*Format) Kind() domain.StageKind { return domain.KindFormat }

// Execute implements Stage.
func (s *Format) Execute(ctx context.Context, pc domain.PipelineContext) (any, error) {
	return s.transform(ctx, pc)
}

// DefaultFunctionBudget applies to function stages built without a budget.
const DefaultFunctionBudget = 30 * time.Second

// Function executes business logic within a time budget.
type Function struct {
	base
	fn     TransformFunc
	budget time.Duration
}

// NewFunction constructs a function stage. A budget <= 0 is replaced by
// DefaultFunctionBudget.
func NewFunction(name string, fn TransformFunc, budget time.Duration, opts ...Option) *Function {
	if budget <= 0 {
		budget = DefaultFunctionBudget
	}
	return &Function{base: newBase(name, opts), fn: fn, budget: budget}
}

// Kind implements Stage.
func (*Function) Kind() domain.StageKind { return domain.KindFunction }

// Budget returns the execution budget.
func (s *Function) Budget() time.Duration { return s.budget }

type functionResult struct {
	value any
	err   error
}

// Execute implements Stage. When the budget elapses it returns a Timeout
// stage error immediately; the function keeps its cancelled context and its
// late result is dropped. A panic becomes an Infrastructure stage error.
func (s *Function) Execute(ctx context.Context, pc domain.PipelineContext) (any, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	done := make(chan functionResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- functionResult{err: domain.Infrastructure(fmt.Errorf("stage panicked: %v", rec))}
			}
		}()
		value, err := s.fn(runCtx, pc)
		done <- functionResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, domain.Timeout(fmt.Errorf("function exceeded %s budget: %w", s.budget, res.err))
		}
		return res.value, res.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, domain.Timeout(fmt.Errorf("function exceeded %s budget", s.budget))
		}
		return nil, domain.Cancelled(runCtx.Err())
	}
}

// Forward routes the payload onward and passes it through unchanged.
type Forward struct {
	base
	route RouteFunc
}

// NewForward constructs a forward stage.
func NewForward(name string, route RouteFunc, opts ...Option) *Forward {
	return &Forward{base: newBase(name, opts), route: route}
}

// Kind implements Stage.
func (*Forward) Kind() domain.StageKind { return domain.KindForward }

// Execute implements Stage.
func (s *Forward) Execute(ctx context.Context, pc domain.PipelineContext) (any, error) {
	if err := s.route(ctx, pc); err != nil {
		return nil, err
	}
	return pc.Payload, nil
}

// ToSink returns a RouteFunc writing the JSON-encoded payload to sink under
// namespace. key derives the entry key from the context; nil uses the run ID.
func ToSink(sink domain.Sink, namespace string, key func(domain.PipelineContext) string) RouteFunc {
	return func(ctx context.Context, pc domain.PipelineContext) error {
		data, err := json.Marshal(pc.Payload)
		if err != nil {
			return domain.BusinessRule(fmt.Errorf("encode payload: %w", err))
		}
		k := pc.RunID
		if key != nil {
			k = key(pc)
		}
		if err := sink.Put(ctx, namespace, k, data); err != nil {
			return domain.Infrastructure(fmt.Errorf("forward to %s/%s: %w", namespace, k, err))
		}
		return nil
	}
}

// Feedback observes the finished work. It never changes the payload.
type Feedback struct {
	base
	observe ObserveFunc
}

// NewFeedback constructs a feedback stage.
func NewFeedback(name string, observe ObserveFunc, opts ...Option) *Feedback {
	return &Feedback{base: newBase(name, opts), observe: observe}
}

// Kind implements Stage.
func (*Feedback) Kind() domain.StageKind { return domain.KindFeedback }

// Execute implements Stage.
func (s *Feedback) Execute(ctx context.Context, pc domain.PipelineContext) (any, error) {
	if err := s.observe(ctx, pc); err != nil {
		return nil, err
	}
	return pc.Payload, nil
}
