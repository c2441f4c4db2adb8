package store

import (
	"context"
	"fmt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
    internal_id BLOB PRIMARY KEY,
    event_name TEXT,
    received_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS function_runs (
    run_id BLOB PRIMARY KEY,
    function_id TEXT,
    event_id BLOB,
    original_run_id BLOB,
    run_started_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS function_finishes (
    run_id BLOB NOT NULL,
    status TEXT,
    output TEXT,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS history (
    id BLOB PRIMARY KEY,
    run_id BLOB NOT NULL,
    event_id BLOB,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trace_runs (
    run_id BLOB PRIMARY KEY,
    started_at INTEGER,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS traces (
    span_id TEXT,
    run_id BLOB NOT NULL,
    created_at TEXT
);
CREATE TABLE IF NOT EXISTS event_batches (
    id BLOB PRIMARY KEY,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS event_batch_events (
    batch_id BLOB NOT NULL,
    event_id BLOB NOT NULL
);
`

// indexSQL lists the indexes the selection queries lean on. Names and shapes
// follow the producer's schema.
var indexSQL = []string{
	"CREATE INDEX IF NOT EXISTS idx_events_received_at ON events(received_at)",
	"CREATE INDEX IF NOT EXISTS idx_function_runs_event_id ON function_runs(event_id)",
	"CREATE INDEX IF NOT EXISTS idx_function_runs_original_run_id ON function_runs(original_run_id)",
	"CREATE INDEX IF NOT EXISTS idx_function_finishes_run_id ON function_finishes(run_id)",
	"CREATE INDEX IF NOT EXISTS idx_function_finishes_created_at ON function_finishes(created_at)",
	"CREATE INDEX IF NOT EXISTS idx_history_run_id ON history(run_id)",
	"CREATE INDEX IF NOT EXISTS idx_history_event_id ON history(event_id)",
	"CREATE INDEX IF NOT EXISTS idx_traces_run_id ON traces(run_id)",
	"CREATE INDEX IF NOT EXISTS idx_trace_runs_ended_at ON trace_runs(ended_at)",
	"CREATE INDEX IF NOT EXISTS idx_event_batch_events_batch_id ON event_batch_events(batch_id)",
	"CREATE INDEX IF NOT EXISTS idx_event_batch_events_event_id ON event_batch_events(event_id)",
}

// EnsureSchema creates the workflow tables if they do not exist. The producer
// normally owns the schema; this exists for SQLite deployments and tests.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.dialect != DialectSQLite {
		return fmt.Errorf("EnsureSchema is only supported on SQLite")
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// EnsureIndexes creates the supporting indexes if missing. Callers treat a
// failure as a warning: cleanup still works without them, just slower.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, stmt := range indexSQL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
