package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/polisai/hexaflow/pkg/domain"
)

// LogPublisher writes each event as a structured log record. Failed runs are
// logged at warn level, everything else at info.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher; a nil logger uses slog.Default.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish implements domain.Publisher.
func (p *LogPublisher) Publish(ctx context.Context, event domain.Event) error {
	attrs := []slog.Attr{
		slog.String("event", string(event.Type)),
		slog.String("pipeline_id", event.PipelineID.String()),
		slog.String("run_id", event.RunID),
		slog.Uint64("version", event.Version),
	}
	if event.Stage != "" {
		attrs = append(attrs, slog.String("stage", event.Stage), slog.String("outcome", string(event.Outcome)))
	}
	if event.State != "" {
		attrs = append(attrs, slog.String("state", string(event.State)))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}

	level := slog.LevelInfo
	if event.Type == domain.EventRunFailed {
		level = slog.LevelWarn
	}
	p.logger.LogAttrs(ctx, level, "pipeline event", attrs...)
	return nil
}

// Multi publishes to every publisher and joins their errors.
type Multi []domain.Publisher

// Publish implements domain.Publisher.
func (m Multi) Publish(ctx context.Context, event domain.Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
