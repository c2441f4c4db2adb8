package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SelectOpts bounds one candidate query. Exclude holds identifiers already
// processed this run (dry-run progress, or rows skipped as live) that must not
// be returned again; forward progress depends on it.
type SelectOpts struct {
	Cutoff  time.Time
	Limit   int
	Exclude IDSet
}

// exclusionInlineMax caps how many exclusion IDs are bound inline as host
// parameters. Dry runs accumulate every victim seen, so the set can outgrow
// the engine's parameter limit; larger sets are staged in a temp table
// instead.
const exclusionInlineMax = 500

// exclusion renders "AND col NOT IN (...)" plus its arguments, or nothing when
// the exclusion set is empty. Sets past exclusionInlineMax are staged through
// a per-connection temp table so the query itself stays small.
func (s *Store) exclusion(ctx context.Context, col string, set IDSet) (string, []any, error) {
	if len(set) == 0 {
		return "", nil, nil
	}
	if len(set) <= exclusionInlineMax {
		ids := set.IDs()
		return fmt.Sprintf(" AND %s NOT IN (%s)", col, placeholders(len(ids))), idArgs(ids), nil
	}
	if err := s.stageExclusion(ctx, set); err != nil {
		return "", nil, fmt.Errorf("stage exclusion set: %w", err)
	}
	return fmt.Sprintf(" AND %s NOT IN (SELECT id FROM excluded_ids)", col), nil, nil
}

// stageExclusion rewrites the temp exclusion table to hold exactly set. The
// table is per-connection; the store holds a single connection, so it is
// visible to the select that follows.
func (s *Store) stageExclusion(ctx context.Context, set IDSet) error {
	idType := "BLOB"
	if s.dialect == DialectPostgres {
		idType = "BYTEA"
	}
	create := fmt.Sprintf("CREATE TEMP TABLE IF NOT EXISTS excluded_ids (id %s PRIMARY KEY)", idType)
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM excluded_ids"); err != nil {
		return err
	}
	ids := set.IDs()
	for start := 0; start < len(ids); start += exclusionInlineMax {
		end := start + exclusionInlineMax
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		var b strings.Builder
		b.WriteString("INSERT INTO excluded_ids (id) VALUES ")
		for i := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(?)")
		}
		if _, err := s.db.ExecContext(ctx, s.rebind(b.String()), idArgs(chunk)...); err != nil {
			return err
		}
	}
	return nil
}

// SelectCompletedRuns returns run IDs whose finish record is older than the
// cutoff, oldest first. A run is held back while any child run (keyed by
// original_run_id) is unfinished or finished after the cutoff, so retry
// chains are never pruned mid-chain. Grouping collapses duplicate finish rows
// for the same run into one candidate.
func (s *Store) SelectCompletedRuns(ctx context.Context, opts SelectOpts) ([]ID, error) {
	excl, exclArgs, err := s.exclusion(ctx, "ff.run_id", opts.Exclude)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT ff.run_id
		FROM function_finishes ff
		WHERE ff.created_at < ?
		  AND NOT EXISTS (
		      SELECT 1
		      FROM function_runs fr
		      LEFT JOIN function_finishes ff2 ON fr.run_id = ff2.run_id
		      WHERE fr.original_run_id = ff.run_id
		        AND (ff2.run_id IS NULL OR ff2.created_at >= ?)
		  )` + excl + `
		GROUP BY ff.run_id
		ORDER BY MIN(ff.created_at)
		LIMIT ?`
	args := []any{s.ts(opts.Cutoff), s.ts(opts.Cutoff)}
	args = append(args, exclArgs...)
	args = append(args, opts.Limit)
	return s.queryIDs(ctx, query, args...)
}

// SelectIncompleteRuns returns run IDs with no finish record started before
// the extended cutoff, oldest first. Callers must still clear each candidate
// against the liveness oracle before deleting.
func (s *Store) SelectIncompleteRuns(ctx context.Context, opts SelectOpts) ([]ID, error) {
	excl, exclArgs, err := s.exclusion(ctx, "fr.run_id", opts.Exclude)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT fr.run_id
		FROM function_runs fr
		WHERE fr.run_started_at < ?
		  AND NOT EXISTS (
		      SELECT 1 FROM function_finishes ff WHERE ff.run_id = fr.run_id
		  )` + excl + `
		ORDER BY fr.run_started_at
		LIMIT ?`
	args := []any{s.ts(opts.Cutoff)}
	args = append(args, exclArgs...)
	args = append(args, opts.Limit)
	return s.queryIDs(ctx, query, args...)
}

// SelectExpiredEvents returns event IDs older than the cutoff that no run,
// history row, or batch membership still references, oldest first.
func (s *Store) SelectExpiredEvents(ctx context.Context, opts SelectOpts) ([]ID, error) {
	excl, exclArgs, err := s.exclusion(ctx, "e.internal_id", opts.Exclude)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT e.internal_id
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
		  )` + excl + `
		ORDER BY e.received_at
		LIMIT ?`
	args := []any{s.ts(opts.Cutoff)}
	args = append(args, exclArgs...)
	args = append(args, opts.Limit)
	return s.queryIDs(ctx, query, args...)
}

// SelectOrphanHistory returns IDs of history rows older than the cutoff whose
// run no longer exists.
func (s *Store) SelectOrphanHistory(ctx context.Context, opts SelectOpts) ([]ID, error) {
	excl, exclArgs, err := s.exclusion(ctx, "h.id", opts.Exclude)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT h.id
		FROM history h
		WHERE h.created_at < ?
		  AND NOT EXISTS (
		      SELECT 1 FROM function_runs fr WHERE fr.run_id = h.run_id
		  )` + excl + `
		ORDER BY h.created_at
		LIMIT ?`
	args := []any{s.ts(opts.Cutoff)}
	args = append(args, exclArgs...)
	args = append(args, opts.Limit)
	return s.queryIDs(ctx, query, args...)
}

// SelectOrphanFinishes returns run IDs of finish rows older than the cutoff
// whose run no longer exists. Grouped by run ID for the same duplicate-finish
// reason as SelectCompletedRuns.
func (s *Store) SelectOrphanFinishes(ctx context.Context, opts SelectOpts) ([]ID, error) {
	excl, exclArgs, err := s.exclusion(ctx, "ff.run_id", opts.Exclude)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT ff.run_id
		FROM function_finishes ff
		WHERE ff.created_at < ?
		  AND NOT EXISTS (
		      SELECT 1 FROM function_runs fr WHERE fr.run_id = ff.run_id
		  )` + excl + `
		GROUP BY ff.run_id
		ORDER BY MIN(ff.created_at)
		LIMIT ?`
	args := []any{s.ts(opts.Cutoff)}
	args = append(args, exclArgs...)
	args = append(args, opts.Limit)
	return s.queryIDs(ctx, query, args...)
}

// SelectExpiredBatches returns batch IDs older than the cutoff with no member
// event still present. A batch with any surviving member is reachable and
// protects those members in turn.
func (s *Store) SelectExpiredBatches(ctx context.Context, opts SelectOpts) ([]ID, error) {
	excl, exclArgs, err := s.exclusion(ctx, "b.id", opts.Exclude)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT b.id
		FROM event_batches b
		WHERE b.created_at < ?
		  AND NOT EXISTS (
		      SELECT 1
		      FROM event_batch_events be
		      JOIN events e ON e.internal_id = be.event_id
		      WHERE be.batch_id = b.id
		  )` + excl + `
		ORDER BY b.created_at
		LIMIT ?`
	args := []any{s.ts(opts.Cutoff)}
	args = append(args, exclArgs...)
	args = append(args, opts.Limit)
	return s.queryIDs(ctx, query, args...)
}

// SelectEndedTraceRuns returns trace-run IDs that ended before the cutoff.
// ended_at is stored as epoch milliseconds.
func (s *Store) SelectEndedTraceRuns(ctx context.Context, opts SelectOpts) ([]ID, error) {
	excl, exclArgs, err := s.exclusion(ctx, "tr.run_id", opts.Exclude)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT tr.run_id
		FROM trace_runs tr
		WHERE tr.ended_at IS NOT NULL
		  AND tr.ended_at < ?` + excl + `
		ORDER BY tr.ended_at
		LIMIT ?`
	args := []any{opts.Cutoff.UTC().UnixMilli()}
	args = append(args, exclArgs...)
	args = append(args, opts.Limit)
	return s.queryIDs(ctx, query, args...)
}

// EventReferenced reports whether any run, history row, or batch membership
// still references the event.
func (s *Store) EventReferenced(ctx context.Context, id ID) (bool, error) {
	query := `
		SELECT EXISTS (SELECT 1 FROM function_runs fr WHERE fr.event_id = ?)
		    OR EXISTS (SELECT 1 FROM history h WHERE h.event_id = ?)
		    OR EXISTS (SELECT 1 FROM event_batch_events be WHERE be.event_id = ?)`
	var referenced bool
	err := s.db.QueryRowContext(ctx, s.rebind(query), []byte(id), []byte(id), []byte(id)).Scan(&referenced)
	if err != nil {
		return false, err
	}
	return referenced, nil
}

// FilterExistingRuns returns the subset of ids that still have a
// function_runs row. Used by the liveness reconciler to spot orphaned
// liveness entries.
func (s *Store) FilterExistingRuns(ctx context.Context, ids []ID) (IDSet, error) {
	existing := NewIDSet()
	if len(ids) == 0 {
		return existing, nil
	}
	query := fmt.Sprintf(
		"SELECT run_id FROM function_runs WHERE run_id IN (%s)",
		placeholders(len(ids)),
	)
	found, err := s.queryIDs(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		existing.Add(id)
	}
	return existing, nil
}
