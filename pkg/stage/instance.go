package stage

import (
	"fmt"

	"github.com/polisai/hexaflow/pkg/domain"
)

// Instance is an ordered sequence of concrete stages bound to one identity.
type Instance struct {
	ID        domain.PipelineID
	Stages    []Stage
	DependsOn []domain.PipelineID
	// Input seeds the payload of a run's version-zero context.
	Input any
}

// NewInstance constructs an instance.
func NewInstance(id domain.PipelineID, stages ...Stage) *Instance {
	return &Instance{ID: id, Stages: stages}
}

// After declares the pipelines this instance depends on.
func (i *Instance) After(deps ...domain.PipelineID) *Instance {
	i.DependsOn = append(i.DependsOn, deps...)
	return i
}

// Validate reports a *domain.ValidationError for a nil or empty instance, a
// malformed identity, or nil, unnamed or duplicated stages.
func (i *Instance) Validate() error {
	if i == nil {
		return domain.NewValidationError("pipeline instance is nil")
	}
	if err := i.ID.Validate(); err != nil {
		return err
	}
	if len(i.Stages) == 0 {
		return domain.NewValidationError(fmt.Sprintf("pipeline %q has no stages", i.ID))
	}
	seen := make(map[string]struct{}, len(i.Stages))
	for idx, s := range i.Stages {
		if s == nil {
			return domain.NewValidationError(fmt.Sprintf("pipeline %q stage %d is nil", i.ID, idx))
		}
		name := s.Name()
		if name == "" {
			return domain.NewValidationError(fmt.Sprintf("pipeline %q stage %d has no name", i.ID, idx))
		}
		if _, dup := seen[name]; dup {
			return domain.NewValidationError(fmt.Sprintf("pipeline %q has duplicate stage %q", i.ID, name))
		}
		seen[name] = struct{}{}
		if !s.Kind().Valid() {
			return domain.NewValidationError(fmt.Sprintf("pipeline %q stage %q has unknown kind %q", i.ID, name, s.Kind()))
		}
	}
	for _, dep := range i.DependsOn {
		if err := dep.Validate(); err != nil {
			return err
		}
		if dep == i.ID {
			return domain.NewValidationError(fmt.Sprintf("pipeline %q depends on itself", i.ID))
		}
	}
	return nil
}
