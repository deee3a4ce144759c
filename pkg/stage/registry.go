package stage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/polisai/hexaflow/pkg/domain"
)

// Handler is the Go function bound to a declarative stage. Its result is
// interpreted by kind: feed, format and function results become the payload;
// a filter result must be a bool; forward and feedback results are ignored.
type Handler func(ctx context.Context, pc domain.PipelineContext, config map[string]any) (any, error)

// Registry stores canonical handlers and alias mappings, so definitions can
// name a handler as "name", "name@version" or any registered alias.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	aliases  map[string]string
	budget   time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		aliases:  make(map[string]string),
		budget:   DefaultFunctionBudget,
	}
}

// SetFunctionBudget sets the budget bound to function stages whose
// definition declares none. A value <= 0 restores DefaultFunctionBudget.
func (r *Registry) SetFunctionBudget(d time.Duration) {
	if d <= 0 {
		d = DefaultFunctionBudget
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.budget = d
}

// FunctionBudget returns the budget bound to function stages without one.
func (r *Registry) FunctionBudget() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.budget
}

// Register adds or replaces a handler. The bare name always aliases the first
// registered version.
func (r *Registry) Register(name, version string, handler Handler, aliases ...string) {
	canonical := canonicalKey(name, version)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[canonical] = handler
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	name = strings.TrimSpace(name)
	if _, exists := r.aliases[name]; !exists {
		r.aliases[name] = canonical
	}
}

// Resolve looks up a handler and returns its canonical key.
func (r *Registry) Resolve(raw string) (Handler, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, version := parseHandlerRef(raw)
	canonical := canonicalKey(name, version)
	if h, ok := r.handlers[canonical]; ok {
		return h, canonical, true
	}
	if alias, ok := r.aliases[strings.TrimSpace(raw)]; ok {
		if h, ok := r.handlers[alias]; ok {
			return h, alias, true
		}
	}
	if version == "" {
		if alias, ok := r.aliases[name]; ok {
			if h, ok := r.handlers[alias]; ok {
				return h, alias, true
			}
		}
	}
	return nil, "", false
}

// Bind turns a definition into an executable instance.
func (r *Registry) Bind(def domain.PipelineDefinition) (*Instance, error) {
	if err := def.ID.Validate(); err != nil {
		return nil, err
	}
	stages := make([]Stage, 0, len(def.Stages))
	for _, sd := range def.Stages {
		s, err := r.bindStage(sd)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", def.ID, err)
		}
		stages = append(stages, s)
	}
	inst := &Instance{
		ID:        def.ID,
		Stages:    stages,
		DependsOn: append([]domain.PipelineID(nil), def.DependsOn...),
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	return inst, nil
}

func (r *Registry) bindStage(sd domain.StageDefinition) (Stage, error) {
	kind, err := domain.ParseStageKind(string(sd.Kind))
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", sd.Name, err)
	}
	handler, _, ok := r.Resolve(sd.Handler)
	if !ok {
		return nil, domain.NewValidationError(fmt.Sprintf("stage %q: no handler registered for %q", sd.Name, sd.Handler))
	}
	if sd.Budget != 0 && kind != domain.KindFunction {
		return nil, domain.NewValidationError(fmt.Sprintf("stage %q: budget is only valid for function stages", sd.Name))
	}

	var opts []Option
	if sd.NonIdempotent {
		opts = append(opts, NonIdempotent())
	}
	cfg := sd.Config

	switch kind {
	case domain.KindFeed:
		return NewFeed(sd.Name, func(ctx context.Context, pc domain.PipelineContext) (any, error) {
			return handler(ctx, pc, cfg)
		}, opts...), nil
	case domain.KindFilter:
		name := sd.Name
		return NewFilter(sd.Name, func(ctx context.Context, pc domain.PipelineContext) (bool, error) {
			out, err := handler(ctx, pc, cfg)
			if err != nil {
				return false, err
			}
			pass, ok := out.(bool)
			if !ok {
				return false, domain.BusinessRule(fmt.Errorf("filter %q handler returned %T, want bool", name, out))
			}
			return pass, nil
		}, opts...), nil
	case domain.KindFormat:
		return NewFormat(sd.Name, func(ctx context.Context, pc domain.PipelineContext) (any, error) {
			return handler(ctx, pc, cfg)
		}, opts...), nil
	case domain.KindFunction:
		budget := sd.Budget
		if budget == 0 {
			budget = r.FunctionBudget()
		}
		return NewFunction(sd.Name, func(ctx context.Context, pc domain.PipelineContext) (any, error) {
			return handler(ctx, pc, cfg)
		}, budget, opts...), nil
	case domain.KindForward:
		return NewForward(sd.Name, func(ctx context.Context, pc domain.PipelineContext) error {
			_, err := handler(ctx, pc, cfg)
			return err
		}, opts...), nil
	default:
		return NewFeedback(sd.Name, func(ctx context.Context, pc domain.PipelineContext) error {
			_, err := handler(ctx, pc, cfg)
			return err
		}, opts...), nil
	}
}

func parseHandlerRef(raw string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func canonicalKey(name, version string) string {
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if version == "" {
		return name
	}
	return name + "@" + version
}
