package config

import (
	"context"
	"fmt"
	"time"

	"github.com/polisai/hexaflow/pkg/domain"
)

// Snapshot is the immutable result of one successful load.
type Snapshot struct {
	Generation  int64
	ReceivedAt  time.Time
	Config      *Config
	Definitions []domain.PipelineDefinition
}

// NewSnapshot converts cfg into a snapshot.
func NewSnapshot(generation int64, cfg *Config, at time.Time) (Snapshot, error) {
	defs, err := cfg.Definitions()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Generation: generation, ReceivedAt: at, Config: cfg, Definitions: defs}, nil
}

// DefinitionWriter stores pipeline definitions.
type DefinitionWriter interface {
	PutPipelineDefinition(ctx context.Context, def domain.PipelineDefinition) error
}

// Store writes every definition in the snapshot to w.
func (s Snapshot) Store(ctx context.Context, w DefinitionWriter) error {
	for _, def := range s.Definitions {
		if err := w.PutPipelineDefinition(ctx, def); err != nil {
			return fmt.Errorf("store definition %q: %w", def.ID, err)
		}
	}
	return nil
}
