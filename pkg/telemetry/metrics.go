package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/hexaflow/pkg/domain"
)

// InstrumentationName is the tracer and meter name used by the core.
const InstrumentationName = "hexaflow.pipeline"

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	stageExecutionCounter metric.Int64Counter
	stageLatencyHistogram metric.Float64Histogram
	runOutcomeCounter     metric.Int64Counter
	lockBusyCounter       metric.Int64Counter
	rollbackCounter       metric.Int64Counter
)

// Tracer returns the core's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StageMetrics captures the fields recorded for one stage execution.
type StageMetrics struct {
	PipelineID domain.PipelineID
	Stage      string
	Kind       domain.StageKind
	Outcome    domain.AuditOutcome
	ErrorKind  domain.StageErrorKind
	Duration   time.Duration
}

// RecordStageMetrics emits the execution counter and latency histogram for a stage.
func RecordStageMetrics(ctx context.Context, m StageMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", string(m.PipelineID)),
		attribute.String("stage.name", m.Stage),
		attribute.String("stage.kind", string(m.Kind)),
		attribute.String("stage.outcome", string(m.Outcome)),
	}
	if m.ErrorKind != "" {
		attrs = append(attrs, attribute.String("stage.error_kind", string(m.ErrorKind)))
	}

	stageExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.Outcome != domain.OutcomeSkipped {
		stageLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

// RecordRunOutcome counts a finished run by terminal state.
func RecordRunOutcome(ctx context.Context, id domain.PipelineID, state domain.RunState) {
	if err := ensureMetrics(); err != nil {
		return
	}
	runOutcomeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline.id", string(id)),
		attribute.String("run.state", string(state)),
	))
}

// RecordLockBusy counts a run refused because its identity was held.
func RecordLockBusy(ctx context.Context, id domain.PipelineID) {
	if err := ensureMetrics(); err != nil {
		return
	}
	lockBusyCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("pipeline.id", string(id))))
}

// RecordRollback counts a context restored from a rollback point.
func RecordRollback(ctx context.Context, id domain.PipelineID, stage string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	rollbackCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline.id", string(id)),
		attribute.String("stage.name", stage),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(InstrumentationName)

		stageExecutionCounter, metricsInitErr = meter.Int64Counter(
			"hexaflow.stage.executions_total",
			metric.WithDescription("Pipeline stage executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"hexaflow.stage.duration_ms",
			metric.WithDescription("Observed stage execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		runOutcomeCounter, metricsInitErr = meter.Int64Counter(
			"hexaflow.run.outcomes_total",
			metric.WithDescription("Pipeline runs partitioned by terminal state"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		lockBusyCounter, metricsInitErr = meter.Int64Counter(
			"hexaflow.lock.busy_total",
			metric.WithDescription("Runs refused because another run held the pipeline lease"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		rollbackCounter, metricsInitErr = meter.Int64Counter(
			"hexaflow.rollback.restores_total",
			metric.WithDescription("Contexts restored from rollback points"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordStageEvent attaches a stage transition event to span.
func RecordStageEvent(span trace.Span, entry domain.AuditEntry) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("stage.name", entry.Stage),
		attribute.String("stage.kind", string(entry.Kind)),
		attribute.String("stage.outcome", string(entry.Outcome)),
	}
	if entry.ErrorKind != "" {
		attrs = append(attrs, attribute.String("stage.error_kind", string(entry.ErrorKind)))
	}
	span.AddEvent("stage.transition", trace.WithAttributes(attrs...))
}
