package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/hexaflow/pkg/domain"
)

// Prometheus holds the scrape-side metrics of the execution core. A nil
// *Prometheus is valid and records nothing.
type Prometheus struct {
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stagesTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	locksBusy     *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
	runsActive    prometheus.Gauge
	configReloads *prometheus.CounterVec
	collabErrors  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheus creates a registry holding every core metric plus the Go
// runtime and process collectors.
func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	m := &Prometheus{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hexaflow_runs_total",
				Help: "Pipeline runs by terminal state",
			},
			[]string{"pipeline", "state"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hexaflow_run_duration_seconds",
				Help:    "Pipeline run wall-clock duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pipeline"},
		),
		stagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hexaflow_stage_executions_total",
				Help: "Stage transitions by kind and outcome",
			},
			[]string{"pipeline", "kind", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hexaflow_stage_duration_seconds",
				Help:    "Stage execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pipeline", "kind"},
		),
		locksBusy: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hexaflow_lock_busy_total",
				Help: "Runs refused because the pipeline lease was held",
			},
			[]string{"pipeline"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hexaflow_rollback_restores_total",
				Help: "Contexts restored from rollback points",
			},
			[]string{"pipeline"},
		),
		runsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hexaflow_runs_active",
				Help: "Runs currently holding a pipeline lease",
			},
		),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hexaflow_config_reloads_total",
				Help: "Definition file reloads by status",
			},
			[]string{"status"},
		),
		collabErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hexaflow_collaborator_errors_total",
				Help: "Failed calls to persistence and publication collaborators",
			},
			[]string{"operation"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.stagesTotal,
		m.stageDuration,
		m.locksBusy,
		m.rollbacks,
		m.runsActive,
		m.configReloads,
		m.collabErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordRun records a finished run.
func (m *Prometheus) RecordRun(outcome domain.RunOutcome) {
	if m == nil {
		return
	}
	id := string(outcome.PipelineID)
	m.runsTotal.WithLabelValues(id, string(outcome.State)).Inc()
	if !outcome.StartedAt.IsZero() {
		m.runDuration.WithLabelValues(id).Observe(outcome.Duration().Seconds())
	}
	if outcome.State == domain.RunBusy {
		m.locksBusy.WithLabelValues(id).Inc()
	}
	if outcome.State == domain.RunFailedRolledBack {
		m.rollbacks.WithLabelValues(id).Inc()
	}
}

// RecordStage records one audited stage transition.
func (m *Prometheus) RecordStage(entry domain.AuditEntry) {
	if m == nil {
		return
	}
	id := string(entry.PipelineID)
	m.stagesTotal.WithLabelValues(id, string(entry.Kind), string(entry.Outcome)).Inc()
	if entry.Outcome != domain.OutcomeSkipped {
		m.stageDuration.WithLabelValues(id, string(entry.Kind)).Observe(entry.Duration().Seconds())
	}
}

// RunStarted increments the active-run gauge and returns its matching decrement.
func (m *Prometheus) RunStarted() func() {
	if m == nil {
		return func() {}
	}
	m.runsActive.Inc()
	return m.runsActive.Dec
}

// RecordConfigReload records a definition reload attempt.
func (m *Prometheus) RecordConfigReload(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordCollaboratorError counts a failed collaborator call.
func (m *Prometheus) RecordCollaboratorError(operation string) {
	if m == nil {
		return
	}
	m.collabErrors.WithLabelValues(operation).Inc()
}

// Handler returns the scrape handler for the registry.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Prometheus) Registry() *prometheus.Registry {
	return m.registry
}
