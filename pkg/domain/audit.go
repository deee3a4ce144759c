package domain

import "time"

// AuditOutcome is the result recorded for one stage transition.
type AuditOutcome string

const (
	// OutcomeSuccess means the stage completed and the context advanced.
	OutcomeSuccess AuditOutcome = "success"
	// OutcomeFailure means the stage produced a StageError.
	OutcomeFailure AuditOutcome = "failure"
	// OutcomeSkipped means the stage was not executed because a gate halted the run.
	OutcomeSkipped AuditOutcome = "skipped"
)

// AuditEntry is an immutable record of one stage transition.
type AuditEntry struct {
	PipelineID PipelineID     `json:"pipeline_id"`
	RunID      string         `json:"run_id"`
	Seq        uint64         `json:"seq"` // per-identity emission order, assigned on append
	Stage      string         `json:"stage"`
	Kind       StageKind      `json:"kind"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	Outcome    AuditOutcome   `json:"outcome"`
	ErrorKind  StageErrorKind `json:"error_kind,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Duration returns the time spent in the stage.
func (e AuditEntry) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}
