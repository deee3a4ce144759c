package domain

import "time"

// RunState is the terminal state of a pipeline run.
type RunState string

const (
	// RunCompleted means every stage succeeded or a gate halted the run.
	RunCompleted RunState = "completed"
	// RunFailed means a stage failed and no rollback point was available.
	RunFailed RunState = "failed"
	// RunFailedRolledBack means a stage failed and the context was restored.
	RunFailedRolledBack RunState = "failed_rolled_back"
	// RunBusy means the identity lock could not be acquired within the wait bound.
	RunBusy RunState = "busy"
	// RunValidationError means the instance was malformed; nothing executed.
	RunValidationError RunState = "validation_error"
)

// Terminal reports whether s is one of the terminal states. Every state a run
// can report is terminal; there are no transitions out of them.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunFailedRolledBack, RunBusy, RunValidationError:
		return true
	default:
		return false
	}
}

// Succeeded reports whether the run completed.
func (s RunState) Succeeded() bool {
	return s == RunCompleted
}

// RunOutcome is the structured result of Executor.Run.
type RunOutcome struct {
	PipelineID  PipelineID
	RunID       string
	State       RunState
	FailedStage string
	ErrorKind   StageErrorKind
	Err         error
	// CollaboratorErr collects persistence failures observed during the run.
	// They never change State.
	CollaboratorErr error
	Halted          bool
	RolledBackTo    uint64 // context version restored on FailedRolledBack
	Context         PipelineContext
	Entries         []AuditEntry
	StartedAt       time.Time
	EndedAt         time.Time
}

// Duration returns the wall-clock duration of the run.
func (o RunOutcome) Duration() time.Duration {
	return o.EndedAt.Sub(o.StartedAt)
}
