package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/hexaflow/pkg/domain"
	"github.com/polisai/hexaflow/pkg/logging"
	"github.com/polisai/hexaflow/pkg/storage"
)

const pipelinesYAML = `
engine:
  lock_wait: 100ms
logging:
  level: error
pipelines:
  - id: orders.ingest
    stages:
      - name: read
        kind: feed
        handler: static
        config:
          value: {"sku": "a-1", "qty": 3}
      - name: gate
        kind: filter
        handler: threshold
        config:
          field: qty
          min: 1
      - name: shape
        kind: format
        handler: uppercase
      - name: save
        kind: forward
        handler: sink
        non_idempotent: true
        config:
          namespace: orders
      - name: note
        kind: feedback
        handler: log
  - id: orders.report
    depends_on: [orders.ingest]
    stages:
      - name: read
        kind: feed
        handler: static
        config:
          value: "done"
`

const cyclicYAML = `
pipelines:
  - id: a
    depends_on: [c]
    stages: [{name: s, kind: feed, handler: static, config: {value: 1}}]
  - id: b
    depends_on: [a]
    stages: [{name: s, kind: feed, handler: static, config: {value: 1}}]
  - id: c
    depends_on: [b]
    stages: [{name: s, kind: feed, handler: static, config: {value: 1}}]
`

const failingYAML = `
logging:
  level: error
pipelines:
  - id: billing.charge
    stages:
      - name: read
        kind: feed
        handler: static
        config:
          value: {"amount": 10}
      - name: reserve
        kind: function
        handler: set
        non_idempotent: true
        config:
          fields: {"reserved": true}
      - name: charge
        kind: function
        handler: fail
        budget: 1s
        config:
          message: card declined
  - id: billing.notify
    depends_on: [billing.charge]
    stages:
      - name: read
        kind: feed
        handler: static
        config:
          value: 1
`

const gatedYAML = `
logging:
  level: error
pipelines:
  - id: orders.gated
    stages:
      - name: read
        kind: feed
        handler: input
      - name: gate
        kind: filter
        handler: threshold
        config:
          field: qty
          min: 1
      - name: shape
        kind: format
        handler: uppercase
`

const denyPolicy = `package hexaflow.authz

default allow := false

allow if input.actor == "ops"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommandStructure(t *testing.T) {
	cmd := newRootCmd()
	assert.Equal(t, "hexaflow", cmd.Use)

	names := make([]string, 0)
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Subset(t, names, []string{"validate", "run", "audit"})

	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))

	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	for _, flag := range []string{"file", "db", "metrics-addr", "actor", "policy", "input", "events", "watch"} {
		assert.NotNil(t, run.Flags().Lookup(flag), flag)
	}
}

func TestValidatePrintsOrder(t *testing.T) {
	path := writeFile(t, "pipelines.yaml", pipelinesYAML)

	out, err := execute(t, "validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 pipelines valid")
	assert.Contains(t, out, "order: orders.ingest -> orders.report")
}

func TestValidateReportsCycle(t *testing.T) {
	path := writeFile(t, "pipelines.yaml", cyclicYAML)

	_, err := execute(t, "validate", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle: a -> c -> b -> a")
}

func TestValidateUnknownHandler(t *testing.T) {
	path := writeFile(t, "pipelines.yaml", `
pipelines:
  - id: x
    stages: [{name: s, kind: feed, handler: missing}]
`)
	_, err := execute(t, "validate", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no handler registered for "missing"`)
}

func TestValidateRequiresFile(t *testing.T) {
	_, err := execute(t, "validate")
	require.Error(t, err)
}

func TestRunThenAudit(t *testing.T) {
	path := writeFile(t, "pipelines.yaml", pipelinesYAML)
	db := filepath.Join(t.TempDir(), "state.db")

	out, err := execute(t, "run", "-f", path, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "orders.ingest")
	assert.Contains(t, out, "orders.report")
	assert.Equal(t, 2, strings.Count(out, string(domain.RunCompleted)))

	store, err := storage.OpenSQLite(db, logging.Discard())
	require.NoError(t, err)
	def, err := store.LoadPipelineDefinition(context.Background(), "orders.ingest")
	require.NoError(t, err)
	assert.Len(t, def.Stages, 5)
	entries, err := store.AuditEntries(context.Background(), "orders.ingest")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	require.NoError(t, store.Close())

	out, err = execute(t, "audit", "--db", db, "orders.ingest")
	require.NoError(t, err)
	for _, stageName := range []string{"read", "gate", "shape", "save", "note"} {
		assert.Contains(t, out, stageName)
	}
	assert.Contains(t, out, string(domain.OutcomeSuccess))

	out, err = execute(t, "audit", "--db", db, "--run", entries[0].RunID, "orders.ingest")
	require.NoError(t, err)
	assert.Contains(t, out, entries[0].RunID)

	_, err = execute(t, "audit", "--db", db, "orders.unknown")
	require.Error(t, err)
}

func TestRunFailureRollsBackAndSkipsDependents(t *testing.T) {
	path := writeFile(t, "pipelines.yaml", failingYAML)

	out, err := execute(t, "run", "-f", path)
	require.ErrorIs(t, err, errBatchFailed)
	assert.Contains(t, out, string(domain.RunFailedRolledBack))
	assert.Contains(t, out, "card declined")
	assert.Contains(t, out, "rolled back to version")
	assert.Contains(t, out, "billing.notify  skipped")
}

func TestRunGateHalts(t *testing.T) {
	path := writeFile(t, "pipelines.yaml", gatedYAML)

	out, err := execute(t, "run", "-f", path, "--input", `{"qty": 0}`)
	require.NoError(t, err)
	assert.Contains(t, out, "halted by filter")

	out, err = execute(t, "run", "-f", path, "--input", `{"qty": 2, "sku": "b-7"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `payload keys ["qty","sku"]`)
}

func TestRunRejectsBadInput(t *testing.T) {
	path := writeFile(t, "pipelines.yaml", pipelinesYAML)

	_, err := execute(t, "run", "-f", path, "--input", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --input")
}

func TestRunPolicyDenies(t *testing.T) {
	path := writeFile(t, "pipelines.yaml", pipelinesYAML)
	pol := writeFile(t, "authz.rego", denyPolicy)

	out, err := execute(t, "run", "-f", path, "--policy", pol, "--actor", "intern")
	require.ErrorIs(t, err, errBatchFailed)
	assert.Contains(t, out, string(domain.DeniedError))

	out, err = execute(t, "run", "-f", path, "--policy", pol, "--actor", "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, string(domain.RunCompleted)))
}

func TestRunPrintsEvents(t *testing.T) {
	path := writeFile(t, "pipelines.yaml", pipelinesYAML)

	out, err := execute(t, "run", "-f", path, "--events")
	require.NoError(t, err)

	counts := make(map[domain.EventType]int)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var ev domain.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		counts[ev.Type]++
	}
	assert.Equal(t, 6, counts[domain.EventStageTransitioned])
	assert.Equal(t, 2, counts[domain.EventRunCompleted])
}

func TestRunServesMetrics(t *testing.T) {
	path := writeFile(t, "pipelines.yaml", pipelinesYAML)

	_, err := execute(t, "run", "-f", path, "--metrics-addr", "127.0.0.1:0")
	require.NoError(t, err)
}

const triggeredYAML = `
logging:
  level: error
pipelines:
  - id: orders.paused
    trigger:
      state: suspended
    stages: [{name: read, kind: feed, handler: static, config: {value: 1}}]
  - id: orders.after
    depends_on: [orders.paused]
    stages: [{name: read, kind: feed, handler: static, config: {value: 1}}]
  - id: billing.charge
    trigger:
      when: input.amount > 0
    stages: [{name: read, kind: feed, handler: input}]
`

func TestRunHonoursTriggers(t *testing.T) {
	path := writeFile(t, "pipelines.yaml", triggeredYAML)

	out, err := execute(t, "run", "-f", path, "--input", `{"amount": 0}`)
	require.ErrorIs(t, err, errBatchFailed)
	assert.Contains(t, out, `"orders.paused" is suspended`)
	assert.Contains(t, out, "orders.after    skipped")
	assert.Contains(t, out, `condition for "billing.charge" does not hold`)

	out, err = execute(t, "run", "-f", path, "--input", `{"amount": 5}`)
	require.ErrorIs(t, err, errBatchFailed)
	assert.Contains(t, out, `"orders.paused" is suspended`)
	assert.Contains(t, out, `payload keys ["amount"]`)
}

func TestRunRejectsBadTriggerQuery(t *testing.T) {
	path := writeFile(t, "pipelines.yaml", `
pipelines:
  - id: a
    trigger: {when: "input.qty >"}
    stages: [{name: s, kind: feed, handler: static, config: {value: 1}}]
`)
	_, err := execute(t, "run", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `pipeline "a" trigger`)
}

func TestRunAppliesEngineFunctionBudget(t *testing.T) {
	path := writeFile(t, "pipelines.yaml", `
engine:
  function_budget: 20ms
logging:
  level: error
pipelines:
  - id: slow
    stages:
      - {name: read, kind: feed, handler: static, config: {value: 1}}
      - {name: wait, kind: function, handler: sleep, config: {duration: 5s}}
`)
	out, err := execute(t, "run", "-f", path)
	require.ErrorIs(t, err, errBatchFailed)
	assert.Contains(t, out, "stage wait failed (timeout)")
}
