package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Deletes remove exactly the identifiers they are given, inside one
// transaction, children before parents. Affected-row counts may come back
// lower than requested when another cleanup process got there first; that is
// normal operation, not an error.

func execCount(ctx context.Context, tx *sql.Tx, query string, args []any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteRuns removes the run family for the given run IDs: history and
// finishes first, then the runs themselves.
func (s *Store) DeleteRuns(ctx context.Context, ids []ID) (RunDeleteCounts, error) {
	var counts RunDeleteCounts
	if len(ids) == 0 {
		return counts, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	args := idArgs(ids)
	in := placeholders(len(ids))

	if counts.History, err = execCount(ctx, tx,
		s.rebind("DELETE FROM history WHERE run_id IN ("+in+")"), args); err != nil {
		return RunDeleteCounts{}, fmt.Errorf("delete history: %w", err)
	}
	if counts.Finishes, err = execCount(ctx, tx,
		s.rebind("DELETE FROM function_finishes WHERE run_id IN ("+in+")"), args); err != nil {
		return RunDeleteCounts{}, fmt.Errorf("delete function_finishes: %w", err)
	}
	if counts.Runs, err = execCount(ctx, tx,
		s.rebind("DELETE FROM function_runs WHERE run_id IN ("+in+")"), args); err != nil {
		return RunDeleteCounts{}, fmt.Errorf("delete function_runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RunDeleteCounts{}, fmt.Errorf("commit: %w", err)
	}
	return counts, nil
}

// DeleteHistory removes history rows by primary key.
func (s *Store) DeleteHistory(ctx context.Context, ids []ID) (int64, error) {
	return s.deleteByID(ctx, "history", "id", ids)
}

// DeleteFinishes removes finish rows by run ID.
func (s *Store) DeleteFinishes(ctx context.Context, ids []ID) (int64, error) {
	return s.deleteByID(ctx, "function_finishes", "run_id", ids)
}

// DeleteEvents removes events by internal ID.
func (s *Store) DeleteEvents(ctx context.Context, ids []ID) (int64, error) {
	return s.deleteByID(ctx, "events", "internal_id", ids)
}

// DeleteBatches removes batches and their membership rows, membership first.
func (s *Store) DeleteBatches(ctx context.Context, ids []ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	args := idArgs(ids)
	in := placeholders(len(ids))

	if _, err := execCount(ctx, tx,
		s.rebind("DELETE FROM event_batch_events WHERE batch_id IN ("+in+")"), args); err != nil {
		return 0, fmt.Errorf("delete event_batch_events: %w", err)
	}
	deleted, err := execCount(ctx, tx,
		s.rebind("DELETE FROM event_batches WHERE id IN ("+in+")"), args)
	if err != nil {
		return 0, fmt.Errorf("delete event_batches: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return deleted, nil
}

// DeleteTraceRuns removes trace runs and their spans, spans first.
func (s *Store) DeleteTraceRuns(ctx context.Context, ids []ID) (TraceDeleteCounts, error) {
	var counts TraceDeleteCounts
	if len(ids) == 0 {
		return counts, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	args := idArgs(ids)
	in := placeholders(len(ids))

	if counts.Spans, err = execCount(ctx, tx,
		s.rebind("DELETE FROM traces WHERE run_id IN ("+in+")"), args); err != nil {
		return TraceDeleteCounts{}, fmt.Errorf("delete traces: %w", err)
	}
	if counts.TraceRuns, err = execCount(ctx, tx,
		s.rebind("DELETE FROM trace_runs WHERE run_id IN ("+in+")"), args); err != nil {
		return TraceDeleteCounts{}, fmt.Errorf("delete trace_runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return TraceDeleteCounts{}, fmt.Errorf("commit: %w", err)
	}
	return counts, nil
}

func (s *Store) deleteByID(ctx context.Context, table, col string, ids []ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", table, col, placeholders(len(ids)))
	res, err := s.db.ExecContext(ctx, s.rebind(query), idArgs(ids)...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return res.RowsAffected()
}
