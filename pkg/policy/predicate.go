package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
)

// ErrNotBoolean is returned when a predicate query does not produce exactly
// one boolean.
var ErrNotBoolean = errors.New("predicate did not evaluate to a boolean")

// Predicate is a compiled Rego query evaluated against a stage payload bound
// to input, e.g. `input.qty >= 1; input.sku != ""`.
type Predicate struct {
	query    string
	prepared rego.PreparedEvalQuery
}

// NewPredicate compiles query.
func NewPredicate(ctx context.Context, query string) (*Predicate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("predicate query is empty")
	}
	prepared, err := rego.New(rego.Query(query)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile predicate %q: %w", query, err)
	}
	return &Predicate{query: query, prepared: prepared}, nil
}

// Query returns the source query.
func (p *Predicate) Query() string { return p.query }

// Eval reports whether every expression of the query holds for input. An
// undefined query is false. An expression producing a non-boolean value
// returns ErrNotBoolean.
func (p *Predicate) Eval(ctx context.Context, input any) (bool, error) {
	rs, err := p.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluate predicate %q: %w", p.query, err)
	}
	if len(rs) == 0 {
		return false, nil
	}
	for _, result := range rs {
		for _, expr := range result.Expressions {
			held, ok := expr.Value.(bool)
			if !ok {
				return false, fmt.Errorf("%q yields %T: %w", p.query, expr.Value, ErrNotBoolean)
			}
			if !held {
				return false, nil
			}
		}
	}
	return true, nil
}

// Predicates compiles each distinct query once and reuses it.
type Predicates struct {
	mu       sync.RWMutex
	compiled map[string]*Predicate
}

// NewPredicates creates an empty predicate cache.
func NewPredicates() *Predicates {
	return &Predicates{compiled: make(map[string]*Predicate)}
}

// Get returns the compiled predicate for query, compiling it on first use.
func (s *Predicates) Get(ctx context.Context, query string) (*Predicate, error) {
	key := strings.TrimSpace(query)

	s.mu.RLock()
	p, ok := s.compiled[key]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := NewPredicate(ctx, key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.compiled[key]; ok {
		return existing, nil
	}
	s.compiled[key] = p
	return p, nil
}

// Len returns the number of compiled predicates.
func (s *Predicates) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.compiled)
}
