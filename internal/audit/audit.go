// Package audit keeps the append-only record of stage executions.
//
// Each pipeline identity owns an independent log; appends to different
// identities never contend. Entries are never modified or removed.
package audit

import (
	"iter"
	"sync"

	"github.com/polisai/hexaflow/pkg/domain"
)

// Trail is an append-only, per-identity audit log. It is safe for concurrent use.
type Trail struct {
	logs sync.Map // domain.PipelineID -> *identityLog
}

type identityLog struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

// NewTrail creates an empty trail.
func NewTrail() *Trail {
	return &Trail{}
}

func (t *Trail) logFor(id domain.PipelineID) *identityLog {
	if l, ok := t.logs.Load(id); ok {
		return l.(*identityLog)
	}
	l, _ := t.logs.LoadOrStore(id, &identityLog{})
	return l.(*identityLog)
}

// Append stores entry and returns it with its sequence number, which starts
// at one and increases by one per identity.
func (t *Trail) Append(entry domain.AuditEntry) domain.AuditEntry {
	l := t.logFor(entry.PipelineID)
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.Seq = uint64(len(l.entries)) + 1
	l.entries = append(l.entries, entry)
	return entry
}

// EntriesFor returns the entries for id in append order. The sequence is lazy
// and may be ranged over any number of times; each step reads under the log's
// lock, so entries appended before a step is taken are observed.
func (t *Trail) EntriesFor(id domain.PipelineID) iter.Seq[domain.AuditEntry] {
	return func(yield func(domain.AuditEntry) bool) {
		v, ok := t.logs.Load(id)
		if !ok {
			return
		}
		l := v.(*identityLog)
		for i := 0; ; i++ {
			l.mu.RLock()
			if i >= len(l.entries) {
				l.mu.RUnlock()
				return
			}
			e := l.entries[i]
			l.mu.RUnlock()
			if !yield(e) {
				return
			}
		}
	}
}

// RunEntries returns the entries for id recorded during runID.
func (t *Trail) RunEntries(id domain.PipelineID, runID string) []domain.AuditEntry {
	var out []domain.AuditEntry
	for e := range t.EntriesFor(id) {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries recorded for id.
func (t *Trail) Len(id domain.PipelineID) int {
	v, ok := t.logs.Load(id)
	if !ok {
		return 0
	}
	l := v.(*identityLog)
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Identities returns every identity with at least one entry, in no particular order.
func (t *Trail) Identities() []domain.PipelineID {
	var out []domain.PipelineID
	t.logs.Range(func(k, _ any) bool {
		out = append(out, k.(domain.PipelineID))
		return true
	})
	return out
}
