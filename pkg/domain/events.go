package domain

import "time"

// EventType names an execution event.
type EventType string

const (
	// EventRunCompleted is emitted when a run reaches RunCompleted.
	EventRunCompleted EventType = "run.completed"
	// EventRunFailed is emitted when a run reaches RunFailed or RunFailedRolledBack.
	EventRunFailed EventType = "run.failed"
	// EventStageTransitioned is emitted after each audited stage transition.
	EventStageTransitioned EventType = "stage.transitioned"
	// EventTriggerSuspended is emitted when repeated failures suspend an identity.
	EventTriggerSuspended EventType = "trigger.suspended"
)

// Event is a message published by the executor. Stage and Outcome are set for
// stage transitions; State is set for run events.
type Event struct {
	Type       EventType    `json:"type"`
	PipelineID PipelineID   `json:"pipeline_id"`
	RunID      string       `json:"run_id"`
	Stage      string       `json:"stage,omitempty"`
	Outcome    AuditOutcome `json:"outcome,omitempty"`
	State      RunState     `json:"state,omitempty"`
	Version    uint64       `json:"version"`
	Error      string       `json:"error,omitempty"`
	At         time.Time    `json:"at"`
}
