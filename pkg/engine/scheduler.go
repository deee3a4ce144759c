package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/polisai/hexaflow/pkg/domain"
	"github.com/polisai/hexaflow/pkg/graph"
	"github.com/polisai/hexaflow/pkg/stage"
)

// DefaultMaxParallel bounds concurrent runs within one wave.
const DefaultMaxParallel = 8

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Executor    *Executor
	MaxParallel int
	Logger      *slog.Logger
}

// Scheduler runs batches of interdependent pipelines in dependency waves.
type Scheduler struct {
	exec        *Executor
	maxParallel int
	logger      *slog.Logger
}

// NewScheduler creates a scheduler over exec.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := cfg.MaxParallel
	if n <= 0 {
		n = DefaultMaxParallel
	}
	return &Scheduler{exec: cfg.Executor, maxParallel: n, logger: logger}
}

// BatchReport summarises a batch.
type BatchReport struct {
	// Order is the validated topological order of the batch.
	Order []domain.PipelineID
	// Waves lists the identities started together, in dispatch order.
	Waves [][]domain.PipelineID
	// Outcomes holds the outcome of every pipeline that ran.
	Outcomes map[domain.PipelineID]domain.RunOutcome
	// Skipped lists pipelines not run because a dependency did not complete,
	// or because the batch context ended first.
	Skipped []domain.PipelineID
}

// Succeeded reports whether every pipeline in the batch ran and completed.
func (r BatchReport) Succeeded() bool {
	if len(r.Skipped) > 0 {
		return false
	}
	for _, o := range r.Outcomes {
		if !o.State.Succeeded() {
			return false
		}
	}
	return true
}

// Plan builds the dependency graph for insts and validates it. Instances are
// declared in slice order, which breaks ties between equally ready pipelines.
func Plan(insts []*stage.Instance) (*graph.Graph, []domain.PipelineID, error) {
	ids := make([]domain.PipelineID, 0, len(insts))
	known := make(map[domain.PipelineID]struct{}, len(insts))
	for _, inst := range insts {
		if inst == nil {
			return nil, nil, domain.NewValidationError("batch contains a nil pipeline instance")
		}
		if _, dup := known[inst.ID]; dup {
			return nil, nil, domain.NewValidationError(fmt.Sprintf("pipeline %q declared twice in batch", inst.ID))
		}
		known[inst.ID] = struct{}{}
		ids = append(ids, inst.ID)
	}

	var edges []graph.Edge
	for _, inst := range insts {
		for _, dep := range inst.DependsOn {
			if _, ok := known[dep]; !ok {
				return nil, nil, domain.NewValidationError(fmt.Sprintf("pipeline %q depends on unknown pipeline %q", inst.ID, dep))
			}
			edges = append(edges, graph.Edge{From: inst.ID, To: dep})
		}
	}

	g := graph.Load(ids, edges)
	order, err := g.Validate()
	if err != nil {
		return nil, nil, err
	}
	return g, order, nil
}

// RunBatch validates the batch once, then repeatedly runs the ready set in
// parallel until every pipeline has run or been skipped. A pipeline never
// starts before all of its dependencies completed. The error is non-nil for
// an invalid batch or when ctx ends before the batch finishes.
func (s *Scheduler) RunBatch(ctx context.Context, insts []*stage.Instance, opts ...RunOption) (BatchReport, error) {
	g, order, err := Plan(insts)
	if err != nil {
		return BatchReport{}, err
	}

	byID := make(map[domain.PipelineID]*stage.Instance, len(insts))
	for _, inst := range insts {
		byID[inst.ID] = inst
	}

	report := BatchReport{
		Order:    order,
		Outcomes: make(map[domain.PipelineID]domain.RunOutcome, len(insts)),
	}
	settled := graph.NewSet()
	skipped := graph.NewSet()

	for len(settled) < len(insts) {
		if err := ctx.Err(); err != nil {
			for _, id := range g.Nodes() {
				if !settled.Has(id) {
					skipped.Add(id)
				}
			}
			report.Skipped = orderedMembers(order, skipped)
			return report, err
		}

		wave := g.ReadySet(settled)
		if len(wave) == 0 {
			// Unreachable for a validated graph.
			return report, fmt.Errorf("batch stalled with %d pipelines pending", len(insts)-len(settled))
		}
		report.Waves = append(report.Waves, wave)

		// Identities left undispatched when ctx ends stay pending and are
		// reported as skipped on the next pass.
		var (
			mu         sync.Mutex
			wg         sync.WaitGroup
			sem        = semaphore.NewWeighted(int64(s.maxParallel))
			dispatched = make([]domain.PipelineID, 0, len(wave))
		)
		for _, id := range wave {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			dispatched = append(dispatched, id)
			inst := byID[id]
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				outcome := s.exec.Run(ctx, inst, opts...)
				mu.Lock()
				report.Outcomes[id] = outcome
				mu.Unlock()
			}()
		}
		wg.Wait()

		for _, id := range dispatched {
			settled.Add(id)
			outcome := report.Outcomes[id]
			if outcome.State.Succeeded() {
				continue
			}
			for dep := range g.Downstream(id) {
				if !settled.Has(dep) {
					settled.Add(dep)
					skipped.Add(dep)
				}
			}
			s.logger.Warn("pipeline did not complete; skipping dependents",
				"pipeline_id", id,
				"state", outcome.State,
			)
		}
	}

	report.Skipped = orderedMembers(order, skipped)
	return report, nil
}

func orderedMembers(order []domain.PipelineID, set graph.Set) []domain.PipelineID {
	var out []domain.PipelineID
	for _, id := range order {
		if set.Has(id) {
			out = append(out, id)
		}
	}
	return out
}
