// Package trigger tracks whether each pipeline identity may be started.
//
// Every identity has a lifecycle state. Only Active identities are admitted;
// Archived is terminal. An identity may also carry a condition evaluated
// against the run input. Admitted runs are counted, and an identity that
// fails MaxFailures times in a row is suspended until it is resumed.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polisai/hexaflow/pkg/domain"
)

// State is the lifecycle state of a pipeline identity.
type State string

const (
	// Inactive identities are declared but not started.
	Inactive State = "inactive"
	// Active identities are admitted.
	Active State = "active"
	// Suspended identities are paused, by an operator or after repeated failures.
	Suspended State = "suspended"
	// Archived identities are retired for good.
	Archived State = "archived"
)

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid trigger transition")

// ParseState parses a state name case-insensitively. The empty string is Active.
func ParseState(raw string) (State, error) {
	switch s := State(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return Active, nil
	case Inactive, Active, Suspended, Archived:
		return s, nil
	default:
		return "", domain.NewValidationError(fmt.Sprintf("unknown trigger state %q", raw))
	}
}

// CanTransitionTo reports whether s may move to target. Staying put is
// always allowed except out of Archived, which only stays Archived.
func (s State) CanTransitionTo(target State) bool {
	if s == target {
		return true
	}
	switch s {
	case Inactive:
		return target == Active || target == Archived
	case Active:
		return target == Inactive || target == Suspended || target == Archived
	case Suspended:
		return target == Active || target == Inactive || target == Archived
	default:
		return false
	}
}

// Status is the snapshot of one identity.
type Status struct {
	PipelineID domain.PipelineID `json:"pipeline_id"`
	State      State             `json:"state"`
	Previous   State             `json:"previous,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	EnteredAt  time.Time         `json:"entered_at"`
	// Executions counts admitted runs that executed stages.
	Executions uint64 `json:"executions"`
	// Failures counts consecutive failed runs; a completed run resets it.
	Failures  uint64    `json:"failures"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
}

// Condition decides whether a run fires for its input.
// *policy.Predicate satisfies it.
type Condition interface {
	Eval(ctx context.Context, input any) (bool, error)
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(ctx context.Context, input any) (bool, error)

// Eval calls f.
func (f ConditionFunc) Eval(ctx context.Context, input any) (bool, error) {
	return f(ctx, input)
}

// Config configures a Manager.
type Config struct {
	// MaxFailures suspends an identity after that many consecutive failed
	// runs. Zero never suspends.
	MaxFailures uint64
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Manager holds the trigger state of every identity it has seen. Unknown
// identities are Active. It is safe for concurrent use.
type Manager struct {
	mu          sync.RWMutex
	entries     map[domain.PipelineID]*entry
	maxFailures uint64
	now         func() time.Time
}

type entry struct {
	status    Status
	condition Condition
}

// NewManager creates a manager in which every identity starts Active.
func NewManager(cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		entries:     make(map[domain.PipelineID]*entry),
		maxFailures: cfg.MaxFailures,
		now:         now,
	}
}

// SetMaxFailures changes the auto-suspend threshold for later failures.
func (m *Manager) SetMaxFailures(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxFailures = n
}

// caller holds m.mu.
func (m *Manager) entryFor(id domain.PipelineID) *entry {
	e, ok := m.entries[id]
	if !ok {
		e = &entry{status: Status{PipelineID: id, State: Active, EnteredAt: m.now()}}
		m.entries[id] = e
	}
	return e
}

// Status returns the current status of id.
func (m *Manager) Status(id domain.PipelineID) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[id]; ok {
		return e.status
	}
	return Status{PipelineID: id, State: Active}
}

// List returns every known status ordered by identity.
func (m *Manager) List() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineID < out[j].PipelineID })
	return out
}

// Transition moves id to target. Moving back to Active clears the
// consecutive failure count.
func (m *Manager) Transition(id domain.PipelineID, target State, reason string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryFor(id)
	err := m.transition(e, target, reason)
	return e.status, err
}

// caller holds m.mu.
func (m *Manager) transition(e *entry, target State, reason string) error {
	from := e.status.State
	if !from.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s for %q", ErrInvalidTransition, from, target, e.status.PipelineID)
	}
	if from == target {
		return nil
	}
	e.status.Previous = from
	e.status.State = target
	e.status.Reason = reason
	e.status.EnteredAt = m.now()
	if target == Active {
		e.status.Failures = 0
	}
	return nil
}

// Activate moves id to Active.
func (m *Manager) Activate(id domain.PipelineID) error {
	_, err := m.Transition(id, Active, "activated")
	return err
}

// Deactivate moves id to Inactive.
func (m *Manager) Deactivate(id domain.PipelineID) error {
	_, err := m.Transition(id, Inactive, "deactivated")
	return err
}

// Suspend pauses id.
func (m *Manager) Suspend(id domain.PipelineID, reason string) error {
	_, err := m.Transition(id, Suspended, reason)
	return err
}

// Resume reactivates a suspended id.
func (m *Manager) Resume(id domain.PipelineID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryFor(id)
	if e.status.State != Suspended {
		return fmt.Errorf("%w: %q is %s, not suspended", ErrInvalidTransition, id, e.status.State)
	}
	return m.transition(e, Active, "resumed")
}

// Archive retires id; no later transition is allowed.
func (m *Manager) Archive(id domain.PipelineID) error {
	_, err := m.Transition(id, Archived, "archived")
	return err
}

// SetCondition attaches cond to id. A nil cond removes it.
func (m *Manager) SetCondition(id domain.PipelineID, cond Condition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entryFor(id).condition = cond
}

// Admit returns nil when a run of id with input may start. Refusals wrap
// domain.ErrNotTriggered.
func (m *Manager) Admit(ctx context.Context, id domain.PipelineID, input any) error {
	m.mu.RLock()
	var (
		state = Active
		cond  Condition
	)
	if e, ok := m.entries[id]; ok {
		state = e.status.State
		cond = e.condition
	}
	m.mu.RUnlock()

	if state != Active {
		return fmt.Errorf("%w: %q is %s", domain.ErrNotTriggered, id, state)
	}
	if cond == nil {
		return nil
	}
	held, err := cond.Eval(ctx, input)
	if err != nil {
		return fmt.Errorf("%w: condition for %q: %w", domain.ErrNotTriggered, id, err)
	}
	if !held {
		return fmt.Errorf("%w: condition for %q does not hold", domain.ErrNotTriggered, id)
	}
	return nil
}

// Record counts one executed run of id. It returns the updated status and
// whether this failure suspended the identity.
func (m *Manager) Record(id domain.PipelineID, succeeded bool) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryFor(id)
	e.status.Executions++
	e.status.LastRunAt = m.now()
	if succeeded {
		e.status.Failures = 0
		return e.status, false
	}
	e.status.Failures++
	if m.maxFailures == 0 || e.status.Failures < m.maxFailures || e.status.State != Active {
		return e.status, false
	}
	reason := fmt.Sprintf("%d consecutive failures", e.status.Failures)
	if err := m.transition(e, Suspended, reason); err != nil {
		return e.status, false
	}
	return e.status, true
}
