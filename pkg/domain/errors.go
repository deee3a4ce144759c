package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy of the execution core.
var (
	// ErrValidation marks a malformed pipeline definition. Fatal, never retried.
	ErrValidation = errors.New("validation error")
	// ErrBusy reports lock contention for a pipeline identity. Callers may retry with backoff.
	ErrBusy = errors.New("pipeline busy")
	// ErrCycle reports a dependency graph that is not acyclic.
	ErrCycle = errors.New("dependency cycle")
	// ErrNotHeld reports a lease release or renewal by a caller that no longer holds it.
	ErrNotHeld = errors.New("lease not held")
	// ErrDenied is returned by an Authorizer that refuses a run.
	ErrDenied = errors.New("authorization denied")
	// ErrHalt is returned by a gate stage to end a run early without failing it.
	ErrHalt = errors.New("pipeline halted by gate")
	// ErrNotFound is returned by lookups for unknown pipelines, snapshots or handlers.
	ErrNotFound = errors.New("not found")
	// ErrNotTriggered refuses a run whose identity is not active or whose
	// trigger condition does not hold.
	ErrNotTriggered = errors.New("pipeline not triggered")
)

// StageErrorKind classifies why a stage failed.
type StageErrorKind string

const (
	// BusinessRuleError is a deliberate rejection by stage logic.
	BusinessRuleError StageErrorKind = "business_rule"
	// InfrastructureError is a failure of something the stage depends on.
	InfrastructureError StageErrorKind = "infrastructure"
	// TimeoutError is an exhausted execution budget.
	TimeoutError StageErrorKind = "timeout"
	// CancelledError is a run cancelled between stages.
	CancelledError StageErrorKind = "cancelled"
	// DeniedError is a run refused by the Authorizer before any stage ran.
	DeniedError StageErrorKind = "denied"
	// NotTriggeredError is a run refused by its trigger before the lease was taken.
	NotTriggeredError StageErrorKind = "not_triggered"
)

// StageError is the terminal failure signal produced by a stage.
type StageError struct {
	Stage string
	Kind  StageErrorKind
	Err   error
}

func (e *StageError) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString("stage ")
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// BusinessRule wraps err as a business-rule stage failure.
func BusinessRule(err error) *StageError {
	return &StageError{Kind: BusinessRuleError, Err: err}
}

// Infrastructure wraps err as an infrastructure stage failure.
func Infrastructure(err error) *StageError {
	return &StageError{Kind: InfrastructureError, Err: err}
}

// Timeout reports an exhausted stage budget.
func Timeout(err error) *StageError {
	return &StageError{Kind: TimeoutError, Err: err}
}

// Cancelled reports a run cancelled before the named stage started.
func Cancelled(err error) *StageError {
	return &StageError{Kind: CancelledError, Err: err}
}

// AsStageError classifies an arbitrary stage failure. Typed stage errors keep
// their kind; context errors map to Timeout and Cancelled; everything else is
// an infrastructure failure. The stage name is filled in when missing.
func AsStageError(stage string, err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		out := *se
		if out.Stage == "" {
			out.Stage = stage
		}
		return &out
	}
	kind := InfrastructureError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = TimeoutError
	case errors.Is(err, context.Canceled):
		kind = CancelledError
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// ValidationError describes why a pipeline definition was rejected.
type ValidationError struct {
	Reason string
}

// NewValidationError constructs a ValidationError.
func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// CycleError carries the identities forming a dependency cycle, first node repeated last.
type CycleError struct {
	Path []PipelineID
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = string(id)
	}
	if len(parts) == 0 {
		return ErrCycle.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCycle.Error(), strings.Join(parts, " -> "))
}

// Is lets errors.Is(err, ErrCycle) match.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// DomainError wraps collaborator errors with the operation that failed.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Collaborator wraps err as a DomainError for the named collaborator operation.
func Collaborator(op string, err error) *DomainError {
	return &DomainError{
		Err:     err,
		Code:    op,
		Message: fmt.Sprintf("%s: %v", op, err),
	}
}
