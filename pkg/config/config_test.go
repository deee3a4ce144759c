package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/hexaflow/pkg/domain"
)

const sampleConfig = `
engine:
  lock_ttl: 45s
  lock_wait: 200ms
  max_parallel: 4
  sqlite_path: /var/lib/hexaflow/state.db
  policy_file: authz.rego
  function_budget: 10s
  max_failures: 3

telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  sample_ratio: 0.5

logging:
  level: DEBUG
  format: json

pipelines:
  - id: orders.ingest
    stages:
      - name: read
        kind: feed
        handler: static
        config:
          value: {"sku": "A-1", "qty": 2}
      - name: shape
        kind: Format
        handler: uppercase
  - id: billing.charge
    depends_on: [orders.ingest]
    labels:
      team: billing
    trigger:
      state: suspended
      when: input.amount > 0
    stages:
      - name: charge
        kind: function
        handler: charge@v2
        budget: 250ms
        non_idempotent: true
`

func TestParseSampleConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Engine.LockTTL)
	assert.Equal(t, 200*time.Millisecond, cfg.Engine.LockWait)
	assert.Equal(t, 4, cfg.Engine.MaxParallel)
	assert.Equal(t, DefaultActor, cfg.Engine.Actor)
	assert.Equal(t, 10*time.Second, cfg.Engine.FunctionBudget)
	assert.Equal(t, 3, cfg.Engine.MaxFailures)
	assert.Equal(t, TriggerSpec{State: "suspended", When: "input.amount > 0"}, cfg.Pipelines[1].Trigger)
	assert.Equal(t, TriggerSpec{}, cfg.Pipelines[0].Trigger)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.InDelta(t, 0.5, cfg.Telemetry.SampleRatio, 1e-9)

	defs, err := cfg.Definitions()
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, domain.PipelineID("orders.ingest"), defs[0].ID)
	assert.Equal(t, domain.KindFormat, defs[0].Stages[1].Kind)
	assert.Equal(t, map[string]any{"sku": "A-1", "qty": 2}, defs[0].Stages[0].Config["value"])

	charge := defs[1]
	assert.Equal(t, []domain.PipelineID{"orders.ingest"}, charge.DependsOn)
	assert.Equal(t, "billing", charge.Labels["team"])
	assert.Equal(t, 250*time.Millisecond, charge.Stages[0].Budget)
	assert.True(t, charge.Stages[0].NonIdempotent)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("pipelines: []\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultLockTTL, cfg.Engine.LockTTL)
	assert.Equal(t, DefaultMaxParallel, cfg.Engine.MaxParallel)
	assert.Equal(t, DefaultFunctionBudget, cfg.Engine.FunctionBudget)
	assert.Zero(t, cfg.Engine.MaxFailures)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.InDelta(t, 1.0, cfg.Telemetry.SampleRatio, 1e-9)
}

func TestParseJSONFallback(t *testing.T) {
	cfg, err := Parse([]byte(`{"engine": {"max_parallel": 2}, "pipelines": [{"id": "a", "stages": [{"name": "s", "kind": "feed", "handler": "static"}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.MaxParallel)
	assert.Len(t, cfg.Pipelines, 1)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"negative ttl", "engine:\n  lock_ttl: -1s\n", "lock_ttl"},
		{"bad log level", "logging:\n  level: loud\n", "invalid log level"},
		{"bad sample ratio", "telemetry:\n  sample_ratio: 2\n", "sample_ratio"},
		{"unknown kind", "pipelines:\n  - id: a\n    stages:\n      - {name: s, kind: fetch, handler: h}\n", "unknown stage kind"},
		{"bad identity", "pipelines:\n  - id: 'a b'\n    stages:\n      - {name: s, kind: feed, handler: h}\n", "invalid character"},
		{"no stages", "pipelines:\n  - id: a\n", "no stages"},
		{"missing handler", "pipelines:\n  - id: a\n    stages:\n      - {name: s, kind: feed}\n", "handler is required"},
		{"bad budget", "pipelines:\n  - id: a\n    stages:\n      - {name: s, kind: function, handler: h, budget: soon}\n", "invalid budget"},
		{"duplicate pipeline", "pipelines:\n  - id: a\n    stages: [{name: s, kind: feed, handler: h}]\n  - id: a\n    stages: [{name: s, kind: feed, handler: h}]\n", "duplicate pipeline"},
		{"negative function budget", "engine:\n  function_budget: -1s\n", "function_budget"},
		{"negative max failures", "engine:\n  max_failures: -2\n", "max_failures"},
		{"unknown trigger state", "pipelines:\n  - id: a\n    trigger: {state: paused}\n    stages: [{name: s, kind: feed, handler: h}]\n", "unknown trigger state"},
		{"not yaml or json", "engine: [", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HEXAFLOW_LOCK_TTL", "5s")
	t.Setenv("HEXAFLOW_LOCK_WAIT", "1s")
	t.Setenv("HEXAFLOW_MAX_PARALLEL", "3")
	t.Setenv("HEXAFLOW_SQLITE_PATH", "/tmp/hf.db")
	t.Setenv("HEXAFLOW_POLICY_FILE", "/etc/hexaflow/authz.rego")
	t.Setenv("HEXAFLOW_ACTOR", "cron")
	t.Setenv("HEXAFLOW_FUNCTION_BUDGET", "2s")
	t.Setenv("HEXAFLOW_MAX_FAILURES", "5")
	t.Setenv("HEXAFLOW_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("HEXAFLOW_OTLP_INSECURE", "true")
	t.Setenv("HEXAFLOW_METRICS_ADDR", ":9091")
	t.Setenv("HEXAFLOW_LOG_LEVEL", "warn")
	t.Setenv("HEXAFLOW_LOG_FORMAT", "json")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Engine.LockTTL)
	assert.Equal(t, time.Second, cfg.Engine.LockWait)
	assert.Equal(t, 3, cfg.Engine.MaxParallel)
	assert.Equal(t, "/tmp/hf.db", cfg.Engine.SQLitePath)
	assert.Equal(t, "/etc/hexaflow/authz.rego", cfg.Engine.PolicyFile)
	assert.Equal(t, "cron", cfg.Engine.Actor)
	assert.Equal(t, 2*time.Second, cfg.Engine.FunctionBudget)
	assert.Equal(t, 5, cfg.Engine.MaxFailures)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, ":9091", cfg.Telemetry.MetricsAddress)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestEnvOverrideIgnoresMalformedValues(t *testing.T) {
	t.Setenv("HEXAFLOW_LOCK_TTL", "forever")
	t.Setenv("HEXAFLOW_MAX_PARALLEL", "many")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultLockTTL, cfg.Engine.LockTTL)
	assert.Equal(t, DefaultMaxParallel, cfg.Engine.MaxParallel)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hexaflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Pipelines, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

type recordingWriter struct {
	ids []domain.PipelineID
	err error
}

func (w *recordingWriter) PutPipelineDefinition(_ context.Context, def domain.PipelineDefinition) error {
	if w.err != nil {
		return w.err
	}
	w.ids = append(w.ids, def.ID)
	return nil
}

func TestSnapshotStore(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	snap, err := NewSnapshot(1, cfg, time.Unix(0, 0))
	require.NoError(t, err)

	w := &recordingWriter{}
	require.NoError(t, snap.Store(context.Background(), w))
	assert.Equal(t, []domain.PipelineID{"orders.ingest", "billing.charge"}, w.ids)

	w.err = assert.AnError
	require.ErrorIs(t, snap.Store(context.Background(), w), assert.AnError)
}
