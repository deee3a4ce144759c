package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/hexaflow/pkg/domain"
)

func fixedClock() func() time.Time {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestParseState(t *testing.T) {
	tests := []struct {
		raw  string
		want State
	}{
		{"", Active},
		{"active", Active},
		{" Suspended ", Suspended},
		{"INACTIVE", Inactive},
		{"archived", Archived},
	}
	for _, tt := range tests {
		got, err := ParseState(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseState("executing")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Inactive, Active, true},
		{Inactive, Suspended, false},
		{Inactive, Archived, true},
		{Active, Suspended, true},
		{Active, Inactive, true},
		{Suspended, Active, true},
		{Suspended, Inactive, true},
		{Suspended, Archived, true},
		{Archived, Active, false},
		{Archived, Inactive, false},
		{Archived, Archived, true},
		{Active, Active, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestUnknownIdentityIsActive(t *testing.T) {
	m := NewManager(Config{})
	assert.Equal(t, Active, m.Status("orders").State)
	require.NoError(t, m.Admit(context.Background(), "orders", nil))
	assert.Empty(t, m.List())
}

func TestAdmitRefusesNonActiveStates(t *testing.T) {
	m := NewManager(Config{Now: fixedClock()})
	ctx := context.Background()

	require.NoError(t, m.Deactivate("orders"))
	err := m.Admit(ctx, "orders", nil)
	require.ErrorIs(t, err, domain.ErrNotTriggered)
	assert.Contains(t, err.Error(), "inactive")

	require.NoError(t, m.Activate("orders"))
	require.NoError(t, m.Suspend("orders", "maintenance"))
	st := m.Status("orders")
	assert.Equal(t, Suspended, st.State)
	assert.Equal(t, Active, st.Previous)
	assert.Equal(t, "maintenance", st.Reason)
	require.ErrorIs(t, m.Admit(ctx, "orders", nil), domain.ErrNotTriggered)

	require.NoError(t, m.Resume("orders"))
	require.NoError(t, m.Admit(ctx, "orders", nil))

	require.NoError(t, m.Archive("orders"))
	require.ErrorIs(t, m.Admit(ctx, "orders", nil), domain.ErrNotTriggered)
	require.ErrorIs(t, m.Activate("orders"), ErrInvalidTransition)
	require.ErrorIs(t, m.Resume("orders"), ErrInvalidTransition)
}

func TestResumeRequiresSuspended(t *testing.T) {
	m := NewManager(Config{})
	require.ErrorIs(t, m.Resume("orders"), ErrInvalidTransition)
}

func TestAdmitEvaluatesCondition(t *testing.T) {
	m := NewManager(Config{})
	ctx := context.Background()
	m.SetCondition("orders", ConditionFunc(func(_ context.Context, input any) (bool, error) {
		obj, ok := input.(map[string]any)
		if !ok {
			return false, errors.New("want an object")
		}
		return obj["qty"] != nil, nil
	}))

	require.NoError(t, m.Admit(ctx, "orders", map[string]any{"qty": 1}))
	err := m.Admit(ctx, "orders", map[string]any{})
	require.ErrorIs(t, err, domain.ErrNotTriggered)
	assert.Contains(t, err.Error(), "does not hold")
	require.ErrorIs(t, m.Admit(ctx, "orders", "raw"), domain.ErrNotTriggered)

	m.SetCondition("orders", nil)
	require.NoError(t, m.Admit(ctx, "orders", "raw"))
}

func TestRecordCountsAndAutoSuspends(t *testing.T) {
	m := NewManager(Config{MaxFailures: 2, Now: fixedClock()})

	st, suspended := m.Record("orders", false)
	assert.False(t, suspended)
	assert.Equal(t, uint64(1), st.Executions)
	assert.Equal(t, uint64(1), st.Failures)

	st, suspended = m.Record("orders", true)
	assert.False(t, suspended)
	assert.Zero(t, st.Failures, "success resets consecutive failures")
	assert.False(t, st.LastRunAt.IsZero())

	m.Record("orders", false)
	st, suspended = m.Record("orders", false)
	assert.True(t, suspended)
	assert.Equal(t, Suspended, st.State)
	assert.Equal(t, "2 consecutive failures", st.Reason)
	assert.Equal(t, uint64(4), st.Executions)

	require.NoError(t, m.Resume("orders"))
	assert.Zero(t, m.Status("orders").Failures)
}

func TestRecordWithoutThresholdNeverSuspends(t *testing.T) {
	m := NewManager(Config{})
	for range 10 {
		m.Record("orders", false)
	}
	st := m.Status("orders")
	assert.Equal(t, Active, st.State)
	assert.Equal(t, uint64(10), st.Failures)
}

func TestListIsOrdered(t *testing.T) {
	m := NewManager(Config{})
	require.NoError(t, m.Suspend("b", "x"))
	require.NoError(t, m.Deactivate("a"))
	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, domain.PipelineID("a"), list[0].PipelineID)
	assert.Equal(t, domain.PipelineID("b"), list[1].PipelineID)
}

func TestArchivedIsTerminalProperty(t *testing.T) {
	states := []State{Inactive, Active, Suspended, Archived}
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(Config{MaxFailures: 3})
		archived := false
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for range steps {
			if rapid.Bool().Draw(t, "record") {
				m.Record("p", rapid.Bool().Draw(t, "ok"))
			} else {
				target := rapid.SampledFrom(states).Draw(t, "target")
				_, _ = m.Transition("p", target, "step")
			}
			st := m.Status("p")
			if archived && st.State != Archived {
				t.Fatalf("left archived for %s", st.State)
			}
			archived = st.State == Archived
			admitErr := m.Admit(context.Background(), "p", nil)
			if (st.State == Active) != (admitErr == nil) {
				t.Fatalf("state %s admit err %v", st.State, admitErr)
			}
		}
	})
}
