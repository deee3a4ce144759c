package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/hexaflow/internal/audit"
	"github.com/polisai/hexaflow/internal/lock"
	"github.com/polisai/hexaflow/internal/rollback"
	"github.com/polisai/hexaflow/internal/trigger"
	"github.com/polisai/hexaflow/pkg/domain"
	"github.com/polisai/hexaflow/pkg/stage"
	"github.com/polisai/hexaflow/pkg/telemetry"
)

const (
	// DefaultLockTTL bounds how long a crashed run can block its identity.
	DefaultLockTTL = 30 * time.Second
)

// Collaborator operation names used in errors, logs and metrics.
const (
	opPersistAudit    = "persist_audit_entry"
	opPersistRollback = "persist_rollback_point"
	opDiscardRollback = "discard_rollback_points"
	opPublish         = "publish"
)

// Config holds the dependencies of an Executor. Only nil-safe collaborators
// are optional: Persistence, Publisher, Authorizer, Triggers, Registry and
// Metrics.
type Config struct {
	Locks    *lock.Manager
	Rollback *rollback.Manager
	Audit    *audit.Trail

	Persistence domain.Persistence
	Publisher   domain.Publisher
	Authorizer  domain.Authorizer
	// Triggers admits runs by identity state and condition and counts the
	// runs it admitted. Nil admits every run.
	Triggers *trigger.Manager
	// Registry binds loaded definitions for RunByID.
	Registry *stage.Registry
	Metrics  *telemetry.Prometheus
	Logger   *slog.Logger

	// LockTTL is the lease lifetime; the executor renews it every LockTTL/2.
	LockTTL time.Duration
	// LockWait bounds how long Run waits for a held identity before returning
	// Busy. Zero means a single attempt.
	LockWait time.Duration
	// Now overrides the clock used for audit timestamps.
	Now func() time.Time
}

// Executor runs pipeline instances through their stages under a per-identity
// lease, recording every stage transition and rolling back on failure.
type Executor struct {
	locks       *lock.Manager
	rollback    *rollback.Manager
	audit       *audit.Trail
	persistence domain.Persistence
	publisher   domain.Publisher
	authorizer  domain.Authorizer
	triggers    *trigger.Manager
	registry    *stage.Registry
	metrics     *telemetry.Prometheus
	logger      *slog.Logger
	lockTTL     time.Duration
	lockWait    time.Duration
	now         func() time.Time
}

// NewExecutor creates an executor, creating any missing core component.
func NewExecutor(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locks := cfg.Locks
	if locks == nil {
		locks = lock.NewManager(lock.Config{})
	}
	rb := cfg.Rollback
	if rb == nil {
		rb = rollback.NewManager()
	}
	trail := cfg.Audit
	if trail == nil {
		trail = audit.NewTrail()
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Executor{
		locks:       locks,
		rollback:    rb,
		audit:       trail,
		persistence: cfg.Persistence,
		publisher:   cfg.Publisher,
		authorizer:  cfg.Authorizer,
		triggers:    cfg.Triggers,
		registry:    cfg.Registry,
		metrics:     cfg.Metrics,
		logger:      logger,
		lockTTL:     ttl,
		lockWait:    cfg.LockWait,
		now:         now,
	}
}

// Audit returns the trail the executor appends to.
func (e *Executor) Audit() *audit.Trail { return e.audit }

// Locks returns the lease manager guarding pipeline identities.
func (e *Executor) Locks() *lock.Manager { return e.locks }

// Triggers returns the trigger manager, or nil when every run is admitted.
func (e *Executor) Triggers() *trigger.Manager { return e.triggers }

// RunOption customises a single run.
type RunOption func(*runOptions)

type runOptions struct {
	actor    string
	input    any
	hasInput bool
	metadata map[string]string
}

// WithActor names the caller passed to the Authorizer.
func WithActor(actor string) RunOption {
	return func(o *runOptions) { o.actor = actor }
}

// WithInput seeds the run's initial payload, overriding Instance.Input.
func WithInput(input any) RunOption {
	return func(o *runOptions) {
		o.input = input
		o.hasInput = true
	}
}

// WithMetadata adds a key to the context metadata.
func WithMetadata(key, value string) RunOption {
	return func(o *runOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]string)
		}
		o.metadata[key] = value
	}
}

// run is the mutable state of one in-flight run.
type run struct {
	inst    *stage.Instance
	pc      domain.PipelineContext
	outcome domain.RunOutcome
	collab  []error
	span    trace.Span
	// executed is set once stages start; only such runs count as trigger executions.
	executed bool
	// persisted counts rollback points handed to persistence.
	persisted int
}

// begin opens the run span and the outcome every exit path settles.
func (e *Executor) begin(ctx context.Context, id domain.PipelineID) (context.Context, *run) {
	r := &run{}
	r.outcome.PipelineID = id
	r.outcome.RunID = uuid.NewString()
	r.outcome.StartedAt = e.now()
	ctx, r.span = telemetry.Tracer().Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.id", string(id)),
		attribute.String("run.id", r.outcome.RunID),
	))
	return ctx, r
}

// Run executes inst and returns its terminal outcome. It never returns a
// non-terminal state and never leaves the identity's lease held.
func (e *Executor) Run(ctx context.Context, inst *stage.Instance, opts ...RunOption) domain.RunOutcome {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	var id domain.PipelineID
	if inst != nil {
		id = inst.ID
	}
	ctx, r := e.begin(ctx, id)
	r.inst = inst
	defer r.span.End()

	if err := inst.Validate(); err != nil {
		r.outcome.State = domain.RunValidationError
		r.outcome.Err = err
		return e.finish(ctx, r)
	}

	input := inst.Input
	if o.hasInput {
		input = o.input
	}

	if e.triggers != nil {
		if err := e.triggers.Admit(ctx, inst.ID, input); err != nil {
			r.outcome.State = domain.RunFailed
			r.outcome.ErrorKind = domain.NotTriggeredError
			r.outcome.Err = err
			e.logger.Info("pipeline run not triggered",
				"pipeline_id", inst.ID,
				"run_id", r.outcome.RunID,
				"error", err,
			)
			return e.finish(ctx, r)
		}
	}

	lease, err := e.locks.AcquireWait(ctx, inst.ID, r.outcome.RunID, e.lockTTL, e.lockWait)
	if err != nil {
		r.outcome.State = domain.RunBusy
		r.outcome.Err = err
		telemetry.RecordLockBusy(ctx, inst.ID)
		e.logger.Info("pipeline busy",
			"pipeline_id", inst.ID,
			"run_id", r.outcome.RunID,
			"error", err,
		)
		return e.finish(ctx, r)
	}

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			if err := e.locks.Release(inst.ID, lease.ID); err != nil {
				e.logger.Error("lease release failed",
					"pipeline_id", inst.ID,
					"run_id", r.outcome.RunID,
					"lease_id", lease.ID,
					"error", err,
				)
			}
		})
	}
	defer release()

	stopKeepalive := e.keepalive(lease)
	defer stopKeepalive()
	defer e.metrics.RunStarted()()

	e.logger.Info("executing pipeline",
		"pipeline_id", inst.ID,
		"run_id", r.outcome.RunID,
		"stages", len(inst.Stages),
	)

	r.pc = domain.NewPipelineContext(inst.ID, r.outcome.RunID, domain.CloneValue(input))
	for k, v := range o.metadata {
		r.pc.Metadata[k] = v
	}
	if o.actor != "" {
		r.pc.Metadata["actor"] = o.actor
	}

	if e.authorizer != nil {
		if err := e.authorizer.Authorize(ctx, inst.ID, o.actor); err != nil {
			if !errors.Is(err, domain.ErrDenied) {
				err = fmt.Errorf("%w: %w", domain.ErrDenied, err)
			}
			r.outcome.State = domain.RunFailed
			r.outcome.ErrorKind = domain.DeniedError
			r.outcome.Err = err
			r.outcome.Context = r.pc
			e.logger.Warn("pipeline run denied",
				"pipeline_id", inst.ID,
				"run_id", r.outcome.RunID,
				"actor", o.actor,
				"error", err,
			)
			stopKeepalive()
			release()
			return e.finish(ctx, r)
		}
	}

	r.executed = true
	e.executeStages(ctx, r)

	discarded := e.rollback.DiscardRun(r.outcome.RunID)
	e.discardPersistedPoints(ctx, r)
	stopKeepalive()
	release()

	e.logger.Info("pipeline run finished",
		"pipeline_id", inst.ID,
		"run_id", r.outcome.RunID,
		"state", r.outcome.State,
		"halted", r.outcome.Halted,
		"rollback_points_discarded", discarded,
	)
	return e.finish(ctx, r)
}

// RunByID loads the definition for id through the persistence collaborator,
// binds it with the registry and runs it. The error is non-nil only when the
// definition could not be loaded.
func (e *Executor) RunByID(ctx context.Context, id domain.PipelineID, opts ...RunOption) (domain.RunOutcome, error) {
	if e.persistence == nil || e.registry == nil {
		return domain.RunOutcome{}, errors.New("run by id requires persistence and a stage registry")
	}
	if err := id.Validate(); err != nil {
		return e.Run(ctx, &stage.Instance{ID: id}, opts...), nil
	}

	def, err := e.persistence.LoadPipelineDefinition(ctx, id)
	if err != nil {
		return domain.RunOutcome{}, fmt.Errorf("load pipeline %q: %w", id, err)
	}
	inst, err := e.registry.Bind(def)
	if err != nil {
		ctx, r := e.begin(ctx, id)
		defer r.span.End()
		r.outcome.State = domain.RunValidationError
		r.outcome.Err = err
		e.logger.Warn("pipeline definition does not bind",
			"pipeline_id", id,
			"run_id", r.outcome.RunID,
			"error", err,
		)
		return e.finish(ctx, r), nil
	}
	return e.Run(ctx, inst, opts...), nil
}

func (e *Executor) executeStages(ctx context.Context, r *run) {
	stages := r.inst.Stages
	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			now := e.now()
			e.fail(ctx, r, st, now, now, &domain.StageError{Stage: st.Name(), Kind: domain.CancelledError, Err: err})
			return
		}

		if st.NonIdempotent() {
			point, err := e.rollback.Snapshot(r.pc, st.Name())
			if err != nil {
				now := e.now()
				e.fail(ctx, r, st, now, now, domain.AsStageError(st.Name(), domain.Infrastructure(err)))
				return
			}
			e.persistRollbackPoint(ctx, r, point)
		}

		started := e.now()
		out, err := e.invoke(ctx, r, st)
		ended := e.now()

		halted := errors.Is(err, domain.ErrHalt)
		if err != nil && !halted {
			e.fail(ctx, r, st, started, ended, domain.AsStageError(st.Name(), err))
			return
		}

		r.pc.Advance(st.Name(), out)
		e.record(ctx, r, domain.AuditEntry{
			Stage:     st.Name(),
			Kind:      st.Kind(),
			StartedAt: started,
			EndedAt:   ended,
			Outcome:   domain.OutcomeSuccess,
		})

		if halted {
			r.outcome.Halted = true
			e.logger.Info("pipeline halted by gate",
				"pipeline_id", r.inst.ID,
				"run_id", r.outcome.RunID,
				"stage", st.Name(),
			)
			for _, rest := range stages[i+1:] {
				now := e.now()
				e.record(ctx, r, domain.AuditEntry{
					Stage:     rest.Name(),
					Kind:      rest.Kind(),
					StartedAt: now,
					EndedAt:   now,
					Outcome:   domain.OutcomeSkipped,
				})
			}
			break
		}
	}

	r.outcome.State = domain.RunCompleted
	r.outcome.Context = r.pc
}

// invoke runs one stage in its own span. Stages see a context that is never
// cancelled so a run is only interrupted between stages; panics become
// infrastructure failures.
func (e *Executor) invoke(ctx context.Context, r *run, st stage.Stage) (out any, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("pipeline.id", string(r.inst.ID)),
		attribute.String("stage.name", st.Name()),
		attribute.String("stage.kind", string(st.Kind())),
		attribute.Bool("stage.non_idempotent", st.NonIdempotent()),
		attribute.Int64("context.version", int64(r.pc.Version)),
	))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = domain.Infrastructure(fmt.Errorf("stage panicked: %v", rec))
		}
		if err != nil && !errors.Is(err, domain.ErrHalt) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return st.Execute(context.WithoutCancel(ctx), r.pc.Clone())
}

// fail records the failing stage and settles the run as Failed or
// FailedRolledBack. The most recent rollback point of the run wins.
func (e *Executor) fail(ctx context.Context, r *run, st stage.Stage, started, ended time.Time, se *domain.StageError) {
	e.record(ctx, r, domain.AuditEntry{
		Stage:     st.Name(),
		Kind:      st.Kind(),
		StartedAt: started,
		EndedAt:   ended,
		Outcome:   domain.OutcomeFailure,
		ErrorKind: se.Kind,
		Error:     se.Error(),
	})

	r.outcome.FailedStage = st.Name()
	r.outcome.ErrorKind = se.Kind
	r.outcome.Err = se
	r.outcome.State = domain.RunFailed
	r.outcome.Context = r.pc

	logArgs := []any{
		"pipeline_id", r.inst.ID,
		"run_id", r.outcome.RunID,
		"stage", st.Name(),
		"error_kind", se.Kind,
		"error", se.Err,
	}

	if point, ok := e.rollback.Latest(r.outcome.RunID); ok {
		restored, err := e.rollback.Restore(point.ID)
		if err != nil {
			e.logger.Error("rollback restore failed", append(logArgs, "rollback_point", point.ID, "restore_error", err)...)
		} else {
			r.pc = restored
			r.outcome.Context = restored
			r.outcome.State = domain.RunFailedRolledBack
			r.outcome.RolledBackTo = restored.Version
			telemetry.RecordRollback(ctx, r.inst.ID, point.Stage)
			logArgs = append(logArgs, "rolled_back_to", restored.Version)
		}
	}

	e.logger.Warn("stage failed", logArgs...)
}

// record appends entry to the trail and mirrors it to the collaborators.
func (e *Executor) record(ctx context.Context, r *run, entry domain.AuditEntry) {
	entry.PipelineID = r.inst.ID
	entry.RunID = r.outcome.RunID
	entry = e.audit.Append(entry)
	r.outcome.Entries = append(r.outcome.Entries, entry)

	telemetry.RecordStageEvent(r.span, entry)
	telemetry.RecordStageMetrics(ctx, telemetry.StageMetrics{
		PipelineID: entry.PipelineID,
		Stage:      entry.Stage,
		Kind:       entry.Kind,
		Outcome:    entry.Outcome,
		ErrorKind:  entry.ErrorKind,
		Duration:   entry.Duration(),
	})
	e.metrics.RecordStage(entry)

	if e.persistence != nil {
		if err := e.persistence.PersistAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
			e.collaboratorFailed(r, opPersistAudit, err)
		}
	}

	e.publish(ctx, domain.Event{
		Type:       domain.EventStageTransitioned,
		PipelineID: entry.PipelineID,
		RunID:      entry.RunID,
		Stage:      entry.Stage,
		Outcome:    entry.Outcome,
		Version:    r.pc.Version,
		Error:      entry.Error,
		At:         entry.EndedAt,
	})
}

func (e *Executor) persistRollbackPoint(ctx context.Context, r *run, point rollback.Point) {
	if e.persistence == nil {
		return
	}
	r.persisted++
	if err := e.persistence.PersistRollbackPoint(context.WithoutCancel(ctx), point.Record()); err != nil {
		e.collaboratorFailed(r, opPersistRollback, err)
	}
}

// discardPersistedPoints drops the run's persisted rollback points once the
// run settled, when persistence supports it.
func (e *Executor) discardPersistedPoints(ctx context.Context, r *run) {
	pruner, ok := e.persistence.(domain.RollbackPruner)
	if !ok || r.persisted == 0 {
		return
	}
	if err := pruner.DiscardRollbackPoints(context.WithoutCancel(ctx), r.outcome.RunID); err != nil {
		e.collaboratorFailed(r, opDiscardRollback, err)
	}
}

func (e *Executor) collaboratorFailed(r *run, op string, err error) {
	r.collab = append(r.collab, domain.Collaborator(op, err))
	e.metrics.RecordCollaboratorError(op)
	e.logger.Error("collaborator call failed",
		"pipeline_id", r.outcome.PipelineID,
		"run_id", r.outcome.RunID,
		"operation", op,
		"error", err,
	)
}

func (e *Executor) publish(ctx context.Context, event domain.Event) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.metrics.RecordCollaboratorError(opPublish)
		e.logger.Warn("event publication failed",
			"pipeline_id", event.PipelineID,
			"run_id", event.RunID,
			"event", event.Type,
			"error", err,
		)
	}
}

// finish stamps the outcome, emits run-level telemetry and events, and returns it.
func (e *Executor) finish(ctx context.Context, r *run) domain.RunOutcome {
	r.outcome.EndedAt = e.now()
	r.outcome.CollaboratorErr = errors.Join(r.collab...)

	r.span.SetAttributes(
		attribute.String("run.state", string(r.outcome.State)),
		attribute.Bool("run.halted", r.outcome.Halted),
	)
	if r.outcome.Err != nil && !r.outcome.State.Succeeded() {
		r.span.RecordError(r.outcome.Err)
		r.span.SetStatus(codes.Error, r.outcome.Err.Error())
	}

	telemetry.RecordRunOutcome(ctx, r.outcome.PipelineID, r.outcome.State)
	e.metrics.RecordRun(r.outcome)

	switch r.outcome.State {
	case domain.RunCompleted:
		e.publish(ctx, e.runEvent(domain.EventRunCompleted, r))
	case domain.RunFailed, domain.RunFailedRolledBack:
		e.publish(ctx, e.runEvent(domain.EventRunFailed, r))
	}

	if r.executed && e.triggers != nil {
		status, suspended := e.triggers.Record(r.outcome.PipelineID, r.outcome.State.Succeeded())
		if suspended {
			e.logger.Warn("pipeline suspended",
				"pipeline_id", r.outcome.PipelineID,
				"run_id", r.outcome.RunID,
				"reason", status.Reason,
			)
			e.publish(ctx, domain.Event{
				Type:       domain.EventTriggerSuspended,
				PipelineID: r.outcome.PipelineID,
				RunID:      r.outcome.RunID,
				State:      r.outcome.State,
				Error:      status.Reason,
				At:         status.EnteredAt,
			})
		}
	}
	return r.outcome
}

func (e *Executor) runEvent(t domain.EventType, r *run) domain.Event {
	ev := domain.Event{
		Type:       t,
		PipelineID: r.outcome.PipelineID,
		RunID:      r.outcome.RunID,
		Stage:      r.outcome.FailedStage,
		State:      r.outcome.State,
		Version:    r.outcome.Context.Version,
		At:         r.outcome.EndedAt,
	}
	if r.outcome.Err != nil {
		ev.Error = r.outcome.Err.Error()
	}
	return ev
}

// keepalive renews lease every TTL/2 until the returned stop function is
// called. Renewal failures are logged; the run is not interrupted.
func (e *Executor) keepalive(lease lock.Lease) func() {
	interval := e.lockTTL / 2
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := e.locks.Renew(lease.PipelineID, lease.ID, e.lockTTL); err != nil {
					e.logger.Warn("lease renewal failed",
						"pipeline_id", lease.PipelineID,
						"lease_id", lease.ID,
						"error", err,
					)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
