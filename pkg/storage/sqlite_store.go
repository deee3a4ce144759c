package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/polisai/hexaflow/pkg/domain"
)

const timeLayout = time.RFC3339Nano

// SQLiteStore persists definitions, audit entries, rollback points and sink
// values in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations. Use ":memory:" for a private in-memory database.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite serialises writers; a single connection also keeps ":memory:"
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.MigrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// PutPipelineDefinition stores or replaces a definition.
func (s *SQLiteStore) PutPipelineDefinition(ctx context.Context, def domain.PipelineDefinition) error {
	if err := def.ID.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode definition %q: %w", def.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_definitions (pipeline_id, definition, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(pipeline_id) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at`,
		string(def.ID), string(data), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("put definition %q: %w", def.ID, err)
	}
	return nil
}

// LoadPipelineDefinition implements domain.Persistence.
func (s *SQLiteStore) LoadPipelineDefinition(ctx context.Context, id domain.PipelineID) (domain.PipelineDefinition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM pipeline_definitions WHERE pipeline_id = ?`, string(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PipelineDefinition{}, fmt.Errorf("pipeline definition %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("load definition %q: %w", id, err)
	}
	var def domain.PipelineDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("decode definition %q: %w", id, err)
	}
	return def, nil
}

// PersistAuditEntry implements domain.Persistence.
func (s *SQLiteStore) PersistAuditEntry(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(pipeline_id, run_id, seq, stage, kind, started_at, ended_at, outcome, error_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.PipelineID), entry.RunID, entry.Seq, entry.Stage, string(entry.Kind),
		entry.StartedAt.UTC().Format(timeLayout), entry.EndedAt.UTC().Format(timeLayout),
		string(entry.Outcome), string(entry.ErrorKind), entry.Error)
	if err != nil {
		return fmt.Errorf("persist audit entry %s/%s: %w", entry.PipelineID, entry.Stage, err)
	}
	return nil
}

// PersistRollbackPoint implements domain.Persistence.
func (s *SQLiteStore) PersistRollbackPoint(ctx context.Context, record domain.RollbackRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollback_points (point_id, pipeline_id, run_id, stage, version, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, string(record.PipelineID), record.RunID, record.Stage, record.Version,
		record.Context, record.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("persist rollback point %s: %w", record.ID, err)
	}
	return nil
}

// AuditEntries returns every persisted entry for id in insertion order.
func (s *SQLiteStore) AuditEntries(ctx context.Context, id domain.PipelineID) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, stage, kind, started_at, ended_at, outcome, error_kind, error
		FROM audit_entries WHERE pipeline_id = ? ORDER BY entry_id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query audit entries %q: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e                 domain.AuditEntry
			kind, outcome     string
			errKind           string
			started, finished string
		)
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Stage, &kind, &started, &finished, &outcome, &errKind, &e.Error); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.PipelineID = id
		e.Kind = domain.StageKind(kind)
		e.Outcome = domain.AuditOutcome(outcome)
		e.ErrorKind = domain.StageErrorKind(errKind)
		if e.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if e.EndedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RollbackPoints returns the records persisted for runID in creation order.
func (s *SQLiteStore) RollbackPoints(ctx context.Context, runID string) ([]domain.RollbackRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT point_id, pipeline_id, stage, version, context, created_at
		FROM rollback_points WHERE run_id = ? ORDER BY version, created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("query rollback points %q: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.RollbackRecord
	for rows.Next() {
		var (
			r       domain.RollbackRecord
			pid     string
			created string
		)
		if err := rows.Scan(&r.ID, &pid, &r.Stage, &r.Version, &r.Context, &created); err != nil {
			return nil, fmt.Errorf("scan rollback point: %w", err)
		}
		r.PipelineID = domain.PipelineID(pid)
		r.RunID = runID
		if r.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DiscardRollbackPoints implements domain.RollbackPruner.
func (s *SQLiteStore) DiscardRollbackPoints(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rollback_points WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("discard rollback points %q: %w", runID, err)
	}
	return nil
}

// Put implements domain.Sink.
func (s *SQLiteStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get returns a value written by Put.
func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
