package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/polisai/hexaflow/pkg/domain"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[domain.PipelineID]domain.PipelineDefinition
	entries     map[domain.PipelineID][]domain.AuditEntry
	points      []domain.RollbackRecord
	kv          map[string][]byte
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[domain.PipelineID]domain.PipelineDefinition),
		entries:     make(map[domain.PipelineID][]domain.AuditEntry),
		kv:          make(map[string][]byte),
	}
}

func (s *MemoryStore) key(namespace, key string) string {
	return fmt.Sprintf("%s/%s", namespace, key)
}

// PutPipelineDefinition stores or replaces a definition.
func (s *MemoryStore) PutPipelineDefinition(_ context.Context, def domain.PipelineDefinition) error {
	if err := def.ID.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.ID] = def
	return nil
}

// LoadPipelineDefinition retrieves a definition from memory.
func (s *MemoryStore) LoadPipelineDefinition(_ context.Context, id domain.PipelineID) (domain.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return domain.PipelineDefinition{}, fmt.Errorf("pipeline definition %q: %w", id, domain.ErrNotFound)
	}
	return def, nil
}

// PersistAuditEntry appends an entry.
func (s *MemoryStore) PersistAuditEntry(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.PipelineID] = append(s.entries[entry.PipelineID], entry)
	return nil
}

// PersistRollbackPoint appends a rollback record.
func (s *MemoryStore) PersistRollbackPoint(_ context.Context, record domain.RollbackRecord) error {
	record.Context = append([]byte(nil), record.Context...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, record)
	return nil
}

// AuditEntries returns the persisted entries for id in append order.
func (s *MemoryStore) AuditEntries(_ context.Context, id domain.PipelineID) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.AuditEntry(nil), s.entries[id]...), nil
}

// RollbackPoints returns the records persisted for runID in append order.
func (s *MemoryStore) RollbackPoints(_ context.Context, runID string) ([]domain.RollbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.RollbackRecord
	for _, p := range s.points {
		if p.RunID == runID {
			out = append(out, p)
		}
	}
	return out, nil
}

// DiscardRollbackPoints implements domain.RollbackPruner.
func (s *MemoryStore) DiscardRollbackPoints(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.points[:0]
	for _, p := range s.points {
		if p.RunID != runID {
			kept = append(kept, p)
		}
	}
	clear(s.points[len(kept):])
	s.points = kept
	return nil
}

// Put implements domain.Sink.
func (s *MemoryStore) Put(_ context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[s.key(namespace, key)] = append([]byte(nil), value...)
	return nil
}

// Get returns a value written by Put.
func (s *MemoryStore) Get(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[s.key(namespace, key)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", s.key(namespace, key), domain.ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}
