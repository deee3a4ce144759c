// Package rollback keeps point-in-time snapshots of pipeline contexts so a
// failed run can be restored to the state before its last non-idempotent
// stage.
package rollback

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/hexaflow/pkg/domain"
)

// Point is an immutable snapshot of a context at one version.
type Point struct {
	ID         string
	PipelineID domain.PipelineID
	RunID      string
	Stage      string
	Version    uint64
	// Data is the JSON encoding of the context, suitable for persistence.
	Data      []byte
	CreatedAt time.Time

	ctx domain.PipelineContext
}

// Record converts the point to its persisted form.
func (p Point) Record() domain.RollbackRecord {
	return domain.RollbackRecord{
		ID:         p.ID,
		PipelineID: p.PipelineID,
		RunID:      p.RunID,
		Stage:      p.Stage,
		Version:    p.Version,
		Context:    append([]byte(nil), p.Data...),
		CreatedAt:  p.CreatedAt,
	}
}

// Manager stores snapshots keyed by point ID and indexes them per run.
// It is safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	points map[string]Point
	runs   map[string][]string
	now    func() time.Time
}

// NewManager creates an empty rollback manager.
func NewManager() *Manager {
	return &Manager{
		points: make(map[string]Point),
		runs:   make(map[string][]string),
		now:    time.Now,
	}
}

// Snapshot records pc before stage runs and returns the stored point. The
// stored context is a deep copy, so later mutation of pc never reaches it.
func (m *Manager) Snapshot(pc domain.PipelineContext, stage string) (Point, error) {
	data, err := json.Marshal(pc)
	if err != nil {
		return Point{}, fmt.Errorf("encode rollback point for %q: %w", pc.PipelineID, err)
	}

	p := Point{
		ID:         uuid.NewString(),
		PipelineID: pc.PipelineID,
		RunID:      pc.RunID,
		Stage:      stage,
		Version:    pc.Version,
		Data:       data,
		CreatedAt:  m.now(),
		ctx:        pc.Clone(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[p.ID] = p
	m.runs[p.RunID] = append(m.runs[p.RunID], p.ID)
	return p, nil
}

// Restore returns a fresh copy of the context captured by point id. Calling it
// repeatedly yields equal contexts that share no mutable state.
func (m *Manager) Restore(id string) (domain.PipelineContext, error) {
	m.mu.RLock()
	p, ok := m.points[id]
	m.mu.RUnlock()
	if !ok {
		return domain.PipelineContext{}, fmt.Errorf("rollback point %s: %w", id, domain.ErrNotFound)
	}
	return p.ctx.Clone(), nil
}

// Latest returns the most recent point taken during runID.
func (m *Manager) Latest(runID string) (Point, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.runs[runID]
	if len(ids) == 0 {
		return Point{}, false
	}
	return m.points[ids[len(ids)-1]], true
}

// Discard drops one point. Unknown IDs are ignored.
func (m *Manager) Discard(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.points[id]
	if !ok {
		return
	}
	delete(m.points, id)
	ids := m.runs[p.RunID]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(m.runs, p.RunID)
	} else {
		m.runs[p.RunID] = ids
	}
}

// DiscardRun drops every point taken during runID and returns how many were removed.
func (m *Manager) DiscardRun(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.runs[runID]
	for _, id := range ids {
		delete(m.points, id)
	}
	delete(m.runs, runID)
	return len(ids)
}

// Len returns the number of retained points.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}
