package config

import (
	"fmt"
	"time"

	"github.com/polisai/hexaflow/internal/trigger"
	"github.com/polisai/hexaflow/pkg/domain"
)

// PipelineSpec is the file form of a pipeline definition.
type PipelineSpec struct {
	ID        string            `yaml:"id" json:"id"`
	DependsOn []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Trigger   TriggerSpec       `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	Stages    []StageSpec       `yaml:"stages" json:"stages"`
}

// TriggerSpec declares when a pipeline may start. State is one of active,
// inactive, suspended or archived; empty leaves the current state alone.
// When is a Rego query over the run input, e.g. `input.qty > 0`.
type TriggerSpec struct {
	State string `yaml:"state,omitempty" json:"state,omitempty"`
	When  string `yaml:"when,omitempty" json:"when,omitempty"`
}

// StageSpec is the file form of a stage definition. Budget accepts Go
// duration strings such as "250ms".
type StageSpec struct {
	Name          string         `yaml:"name" json:"name"`
	Kind          string         `yaml:"kind" json:"kind"`
	Handler       string         `yaml:"handler" json:"handler"`
	NonIdempotent bool           `yaml:"non_idempotent,omitempty" json:"non_idempotent,omitempty"`
	Budget        string         `yaml:"budget,omitempty" json:"budget,omitempty"`
	Config        map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// ToDomain converts the file form to a domain definition, normalising stage kinds.
func (s PipelineSpec) ToDomain() (domain.PipelineDefinition, error) {
	def := domain.PipelineDefinition{
		ID:     domain.PipelineID(s.ID),
		Labels: s.Labels,
	}
	if err := def.ID.Validate(); err != nil {
		return domain.PipelineDefinition{}, err
	}
	if _, err := trigger.ParseState(s.Trigger.State); err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("pipeline %q: %w", s.ID, err)
	}
	for _, dep := range s.DependsOn {
		def.DependsOn = append(def.DependsOn, domain.PipelineID(dep))
	}
	if len(s.Stages) == 0 {
		return domain.PipelineDefinition{}, domain.NewValidationError(fmt.Sprintf("pipeline %q has no stages", s.ID))
	}
	for _, st := range s.Stages {
		sd, err := st.ToDomain()
		if err != nil {
			return domain.PipelineDefinition{}, fmt.Errorf("pipeline %q: %w", s.ID, err)
		}
		def.Stages = append(def.Stages, sd)
	}
	return def, nil
}

// ToDomain converts StageSpec to domain.StageDefinition.
func (s StageSpec) ToDomain() (domain.StageDefinition, error) {
	kind, err := domain.ParseStageKind(s.Kind)
	if err != nil {
		return domain.StageDefinition{}, fmt.Errorf("stage %q: %w", s.Name, err)
	}
	if s.Name == "" {
		return domain.StageDefinition{}, domain.NewValidationError("stage name is required")
	}
	if s.Handler == "" {
		return domain.StageDefinition{}, domain.NewValidationError(fmt.Sprintf("stage %q: handler is required", s.Name))
	}
	var budget time.Duration
	if s.Budget != "" {
		budget, err = time.ParseDuration(s.Budget)
		if err != nil || budget < 0 {
			return domain.StageDefinition{}, domain.NewValidationError(fmt.Sprintf("stage %q: invalid budget %q", s.Name, s.Budget))
		}
	}
	return domain.StageDefinition{
		Name:          s.Name,
		Kind:          kind,
		Handler:       s.Handler,
		NonIdempotent: s.NonIdempotent,
		Budget:        budget,
		Config:        s.Config,
	}, nil
}

// Definitions converts every declared pipeline, rejecting duplicate identities.
func (c *Config) Definitions() ([]domain.PipelineDefinition, error) {
	defs := make([]domain.PipelineDefinition, 0, len(c.Pipelines))
	seen := make(map[domain.PipelineID]struct{}, len(c.Pipelines))
	for _, spec := range c.Pipelines {
		def, err := spec.ToDomain()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[def.ID]; dup {
			return nil, domain.NewValidationError(fmt.Sprintf("duplicate pipeline %q", def.ID))
		}
		seen[def.ID] = struct{}{}
		defs = append(defs, def)
	}
	return defs, nil
}
