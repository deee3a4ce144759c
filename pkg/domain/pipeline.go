package domain

import (
	"fmt"
	"strings"
	"time"
)

// StageKind is one of the six fixed lifecycle phases.
type StageKind string

const (
	// KindFeed ingests data from an external source.
	KindFeed StageKind = "feed"
	// KindFilter gates the run on a precondition.
	KindFilter StageKind = "filter"
	// KindFormat normalizes and validates the payload.
	KindFormat StageKind = "format"
	// KindFunction executes business logic within a time budget.
	KindFunction StageKind = "function"
	// KindForward routes results to a store, topic or service.
	KindForward StageKind = "forward"
	// KindFeedback observes the run (log, trace, notify).
	KindFeedback StageKind = "feedback"
)

var stageKindOrder = map[StageKind]int{
	KindFeed:     1,
	KindFilter:   2,
	KindFormat:   3,
	KindFunction: 4,
	KindForward:  5,
	KindFeedback: 6,
}

// StageKinds returns the six kinds in lifecycle order.
func StageKinds() []StageKind {
	return []StageKind{KindFeed, KindFilter, KindFormat, KindFunction, KindForward, KindFeedback}
}

// Order returns the 1-based lifecycle position of the kind, or 0 if unknown.
func (k StageKind) Order() int {
	return stageKindOrder[k]
}

// Valid reports whether k is one of the six kinds.
func (k StageKind) Valid() bool {
	_, ok := stageKindOrder[k]
	return ok
}

// ParseStageKind parses a kind name case-insensitively.
func ParseStageKind(raw string) (StageKind, error) {
	kind := StageKind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", NewValidationError(fmt.Sprintf("unknown stage kind %q", raw))
	}
	return kind, nil
}

// PipelineDefinition is the declarative, persisted form of a pipeline. The
// stage package binds it to executable stages.
type PipelineDefinition struct {
	ID        PipelineID        `json:"id" yaml:"id"`
	DependsOn []PipelineID      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Stages    []StageDefinition `json:"stages" yaml:"stages"`
	Labels    map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// StageDefinition declares one stage of a pipeline definition.
type StageDefinition struct {
	Name          string         `json:"name" yaml:"name"`
	Kind          StageKind      `json:"kind" yaml:"kind"`
	Handler       string         `json:"handler" yaml:"handler"` // registry key, optionally "name@version"
	NonIdempotent bool           `json:"non_idempotent,omitempty" yaml:"non_idempotent,omitempty"`
	Budget        time.Duration  `json:"budget,omitempty" yaml:"budget,omitempty"` // function stages only
	Config        map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}
