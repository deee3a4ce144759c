// Package telemetry wires OpenTelemetry tracing and metrics, plus a
// Prometheus registry, for the pipeline execution core.
//
// Metric instruments are created lazily and once per process against the
// global MeterProvider. Tests swap the provider and call ResetMetricsForTest.
package telemetry
