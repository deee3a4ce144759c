package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/hexaflow/pkg/domain"
)

const (
	// DefaultEntrypoint is the rule evaluated when none is configured.
	DefaultEntrypoint    = "hexaflow/authz/allow"
	defaultCacheCapacity = 1024
)

// Options control Authorizer construction.
type Options struct {
	// Entrypoint is the decision path (e.g. "hexaflow/authz/allow").
	Entrypoint string
	// Modules contains the Rego modules, keyed by file name.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Authorizer implements domain.Authorizer on an embedded OPA instance.
type Authorizer struct {
	entrypoint string
	prepared   rego.PreparedEvalQuery
	cache      *decisionCache
	logger     *slog.Logger
}

// NewAuthorizer parses and compiles the modules, surfacing syntax errors early.
func NewAuthorizer(ctx context.Context, opts Options) (*Authorizer, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = DefaultEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("authorizer requires at least one rego module")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := make([]func(*rego.Rego), 0, len(names)+1)
	regoOpts = append(regoOpts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	a := &Authorizer{entrypoint: entry, prepared: prepared, logger: logger}
	if maxEntries > 0 {
		a.cache = newDecisionCache(maxEntries)
	}
	return a, nil
}

// LoadAuthorizer builds an Authorizer from a single .rego file.
func LoadAuthorizer(ctx context.Context, path string, logger *slog.Logger) (*Authorizer, error) {
	src, err := os.ReadFile(path) // #nosec G304 -- operator-supplied policy path
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return NewAuthorizer(ctx, Options{
		Modules: map[string]string{filepath.Base(path): string(src)},
		Logger:  logger,
	})
}

// Entrypoint returns the evaluated decision path.
func (a *Authorizer) Entrypoint() string {
	return a.entrypoint
}

// Authorize implements domain.Authorizer. An undefined rule denies.
func (a *Authorizer) Authorize(ctx context.Context, id domain.PipelineID, actor string) error {
	key := cacheKey(a.entrypoint, id, actor)
	if a.cache != nil {
		if allowed, ok := a.cache.Get(key); ok {
			return decisionError(id, actor, allowed)
		}
	}

	input := map[string]any{
		"pipeline_id": id.String(),
		"actor":       actor,
	}
	results, err := a.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("opa decision: %w", err)
	}

	allowed := false
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		value, ok := results[0].Expressions[0].Value.(bool)
		if !ok {
			return fmt.Errorf("opa decision: %s must be boolean, got %T", a.entrypoint, results[0].Expressions[0].Value)
		}
		allowed = value
	}
	a.logger.Debug("authorization evaluated",
		"pipeline_id", id.String(), "actor", actor, "allowed", allowed)

	if a.cache != nil {
		a.cache.Add(key, allowed)
	}
	return decisionError(id, actor, allowed)
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (a *Authorizer) FlushCache() {
	if a.cache != nil {
		a.cache.Clear()
	}
}

func decisionError(id domain.PipelineID, actor string, allowed bool) error {
	if allowed {
		return nil
	}
	return fmt.Errorf("actor %q may not run %q: %w", actor, id, domain.ErrDenied)
}

// Reloadable swaps the active Authorizer atomically, for policy hot reload.
type Reloadable struct {
	mu      sync.RWMutex
	current *Authorizer
}

// NewReloadable wraps a.
func NewReloadable(a *Authorizer) *Reloadable {
	return &Reloadable{current: a}
}

// Swap installs a and returns the previous Authorizer.
func (r *Reloadable) Swap(a *Authorizer) *Authorizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.current
	r.current = a
	return prev
}

// Authorize implements domain.Authorizer with the current Authorizer.
func (r *Reloadable) Authorize(ctx context.Context, id domain.PipelineID, actor string) error {
	r.mu.RLock()
	a := r.current
	r.mu.RUnlock()
	if a == nil {
		return fmt.Errorf("no policy loaded: %w", domain.ErrDenied)
	}
	return a.Authorize(ctx, id, actor)
}
