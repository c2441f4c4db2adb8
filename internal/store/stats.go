package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// statSampleCap bounds the counting subqueries so stats stay cheap on large
// tables; counts at the cap are reported as "at least".
const statSampleCap = 1000

// EventStats summarizes the events table before a cleanup run.
type EventStats struct {
	OlderThanCutoff int64
	OlderSampled    bool
	Eligible        int64
	EligibleSampled bool
	Oldest          string
	Newest          string
}

// EventStats samples how much of the events table is past the cutoff and how
// much of that is actually eligible once references are considered.
func (s *Store) EventStats(ctx context.Context, cutoff time.Time) (EventStats, error) {
	var st EventStats

	var oldest, newest sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT MIN(received_at), MAX(received_at)
		FROM events
		WHERE received_at IS NOT NULL`)).Scan(&oldest, &newest)
	if err != nil {
		return st, fmt.Errorf("event date range: %w", err)
	}
	st.Oldest, st.Newest = oldest.String, newest.String

	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM (
		    SELECT 1 FROM events WHERE received_at < ? LIMIT ?
		) t`), s.ts(cutoff), statSampleCap).Scan(&st.OlderThanCutoff)
	if err != nil {
		return st, fmt.Errorf("count old events: %w", err)
	}
	st.OlderSampled = st.OlderThanCutoff >= statSampleCap

	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM (
		    SELECT 1
		    FROM events e
		    WHERE e.received_at < ?
		      AND NOT EXISTS (
		          SELECT 1 FROM function_runs fr WHERE fr.event_id = e.internal_id
		      )
		      AND NOT EXISTS (
		          SELECT 1 FROM history h WHERE h.event_id = e.internal_id
		      )
		      AND NOT EXISTS (
		          SELECT 1 FROM event_batch_events be WHERE be.event_id = e.internal_id
		      )
		    LIMIT ?
		) t`), s.ts(cutoff), statSampleCap).Scan(&st.Eligible)
	if err != nil {
		return st, fmt.Errorf("count eligible events: %w", err)
	}
	st.EligibleSampled = st.Eligible >= statSampleCap

	return st, nil
}

// ReferenceAnalysis breaks down which tables are protecting events older than
// the cutoff from deletion.
type ReferenceAnalysis struct {
	TotalOld     int64
	ByRuns       int64
	ByHistory    int64
	ByBatches    int64
	Unreferenced int64
}

// AnalyzeEventReferences runs full counts per protecting table. Slower than
// EventStats; meant for the inspect subcommand, not the cleanup path.
func (s *Store) AnalyzeEventReferences(ctx context.Context, cutoff time.Time) (ReferenceAnalysis, error) {
	var a ReferenceAnalysis
	cut := s.ts(cutoff)

	counts := []struct {
		dst   *int64
		where string
	}{
		{&a.TotalOld, ""},
		{&a.ByRuns, "AND EXISTS (SELECT 1 FROM function_runs fr WHERE fr.event_id = e.internal_id)"},
		{&a.ByHistory, "AND EXISTS (SELECT 1 FROM history h WHERE h.event_id = e.internal_id)"},
		{&a.ByBatches, "AND EXISTS (SELECT 1 FROM event_batch_events be WHERE be.event_id = e.internal_id)"},
		{&a.Unreferenced, `AND NOT EXISTS (SELECT 1 FROM function_runs fr WHERE fr.event_id = e.internal_id)
			AND NOT EXISTS (SELECT 1 FROM history h WHERE h.event_id = e.internal_id)
			AND NOT EXISTS (SELECT 1 FROM event_batch_events be WHERE be.event_id = e.internal_id)`},
	}
	for _, c := range counts {
		query := "SELECT COUNT(*) FROM events e WHERE e.received_at < ? " + c.where
		if err := s.db.QueryRowContext(ctx, s.rebind(query), cut).Scan(c.dst); err != nil {
			return a, fmt.Errorf("analyze event references: %w", err)
		}
	}
	return a, nil
}

// Tables lists the tables this system manages, in lane dependency order.
func Tables() []string {
	return []string{
		"function_runs", "function_finishes", "history",
		"event_batches", "event_batch_events",
		"events", "trace_runs", "traces",
	}
}

// CountRows counts rows in one managed table. The name must come from
// Tables(); anything else is rejected.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	known := false
	for _, t := range Tables() {
		if t == table {
			known = true
			break
		}
	}
	if !known {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}
