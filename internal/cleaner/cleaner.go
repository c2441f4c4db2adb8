// Package cleaner drives repeated select-then-delete cycles per entity class
// until every lane is exhausted, within an optional wall-clock budget.
package cleaner

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/flowdb/reaper/internal/liveness"
	"github.com/flowdb/reaper/internal/retention"
	"github.com/flowdb/reaper/internal/retry"
	"github.com/flowdb/reaper/internal/store"
)

// Strategy selects how lanes are interleaved.
type Strategy string

const (
	// StrategySequential runs each lane to exhaustion before the next.
	StrategySequential Strategy = "sequential"
	// StrategyInterleaved runs one cycle per active lane per round.
	StrategyInterleaved Strategy = "interleaved"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySequential, StrategyInterleaved:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown phase strategy %q", s)
}

// Options configures a Cleaner.
type Options struct {
	Store   *store.Store
	Oracle  *retention.Oracle
	Retrier *retry.Retrier

	// Liveness and Keys drive the orphaned-entry reconciler; a nil Liveness
	// disables it.
	Liveness liveness.Store
	Keys     liveness.Keys

	Retention         time.Duration
	ExtendedRetention time.Duration

	BatchSize int
	Sleep     time.Duration
	DryRun    bool

	// Scope limits the run to one lane; empty or "all" runs every lane.
	Scope    string
	Strategy Strategy

	ReadTimeout   time.Duration
	DeleteTimeout time.Duration

	// Budget bounds one run's wall-clock time; zero means unlimited.
	Budget time.Duration

	// Now is a clock hook for tests.
	Now func() time.Time
}

// Cleaner owns the per-run lane state machine.
type Cleaner struct {
	opts Options
}

// New creates a Cleaner.
func New(opts Options) (*Cleaner, error) {
	if opts.Scope != "" && opts.Scope != "all" {
		if _, err := store.ParseKind(opts.Scope); err != nil {
			return nil, err
		}
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategySequential
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.DeleteTimeout <= 0 {
		opts.DeleteTimeout = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cleaner{opts: opts}, nil
}

type laneState int

const (
	laneActive laneState = iota
	laneExhausted
)

// lane tracks one entity class's progress through a run.
type lane struct {
	kind    store.Kind
	state   laneState
	cycles  int
	deleted int64
	started time.Time
	err     error

	// exclude holds IDs this run must not re-select: dry-run candidates and
	// rows skipped because the liveness oracle reported them live. Without
	// it a full batch of skipped rows would be re-selected forever.
	exclude store.IDSet
}

// LaneResult reports one lane's outcome.
type LaneResult struct {
	Kind    store.Kind
	Cycles  int
	Deleted int64
	Err     error
}

// ReconcileStats counts orphaned liveness entries removed.
type ReconcileStats struct {
	PauseKeys    int64
	MetadataKeys int64
	StackKeys    int64
}

// Total sums all removed keys.
func (r ReconcileStats) Total() int64 {
	return r.PauseKeys + r.MetadataKeys + r.StackKeys
}

// Summary reports one full cleanup run.
type Summary struct {
	DryRun    bool
	Elapsed   time.Duration
	Deleted   map[string]int64
	Lanes     []LaneResult
	Reconcile ReconcileStats
}

// Failed reports whether any lane ended with an error.
func (s *Summary) Failed() bool {
	for _, l := range s.Lanes {
		if l.Err != nil {
			return true
		}
	}
	return false
}

// Log writes the final per-run summary block.
func (s *Summary) Log() {
	prefix := ""
	if s.DryRun {
		prefix = "[dry-run] "
	}
	log.Printf("%scleanup summary (elapsed %s):", prefix, s.Elapsed.Round(time.Millisecond))
	tables := make([]string, 0, len(s.Deleted))
	for t := range s.Deleted {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	var total int64
	for _, t := range tables {
		log.Printf("%s  %s: %d rows", prefix, t, s.Deleted[t])
		total += s.Deleted[t]
	}
	log.Printf("%s  total: %d rows", prefix, total)
	if s.Reconcile.Total() > 0 {
		log.Printf("  orphaned liveness entries removed: pr=%d metadata=%d stack=%d",
			s.Reconcile.PauseKeys, s.Reconcile.MetadataKeys, s.Reconcile.StackKeys)
	}
	for _, l := range s.Lanes {
		if l.Err != nil {
			log.Printf("ERROR: lane %s failed: %v", l.Kind, l.Err)
		}
	}
}

func (c *Cleaner) lanes() []*lane {
	kinds := store.Kinds()
	if c.opts.Scope != "" && c.opts.Scope != "all" {
		kinds = []store.Kind{store.Kind(c.opts.Scope)}
	}
	lanes := make([]*lane, len(kinds))
	for i, k := range kinds {
		lanes[i] = &lane{kind: k, exclude: store.NewIDSet()}
	}
	return lanes
}

// Run executes one full cleanup: every lane to exhaustion per the configured
// strategy, then one liveness reconcile pass. Lane errors exhaust that lane
// only; other lanes proceed.
func (c *Cleaner) Run(ctx context.Context) *Summary {
	now := c.opts.Now()
	cutoff := now.Add(-c.opts.Retention)
	extendedCutoff := now.Add(-c.opts.ExtendedRetention)

	var deadline time.Time
	if c.opts.Budget > 0 {
		deadline = now.Add(c.opts.Budget)
	}

	summary := &Summary{
		DryRun:  c.opts.DryRun,
		Deleted: make(map[string]int64),
	}
	lanes := c.lanes()
	started := now

	switch c.opts.Strategy {
	case StrategyInterleaved:
		c.runInterleaved(ctx, lanes, summary, cutoff, extendedCutoff, deadline)
	default:
		c.runSequential(ctx, lanes, summary, cutoff, extendedCutoff, deadline)
	}

	if !c.opts.DryRun {
		summary.Reconcile = c.reconcile(ctx)
	} else if c.opts.Liveness != nil {
		log.Printf("[dry-run] skipping liveness reconciliation")
	}

	summary.Elapsed = c.opts.Now().Sub(started)
	for _, l := range lanes {
		summary.Lanes = append(summary.Lanes, LaneResult{
			Kind:    l.kind,
			Cycles:  l.cycles,
			Deleted: l.deleted,
			Err:     l.err,
		})
	}
	return summary
}

func (c *Cleaner) runSequential(ctx context.Context, lanes []*lane, summary *Summary, cutoff, extendedCutoff, deadline time.Time) {
	for _, l := range lanes {
		for l.state == laneActive {
			if c.expired(ctx, l, deadline) {
				return
			}
			c.cycle(ctx, l, summary, cutoff, extendedCutoff)
			c.pause(ctx, l)
		}
	}
}

func (c *Cleaner) runInterleaved(ctx context.Context, lanes []*lane, summary *Summary, cutoff, extendedCutoff, deadline time.Time) {
	for {
		active := false
		for _, l := range lanes {
			if l.state != laneActive {
				continue
			}
			if c.expired(ctx, l, deadline) {
				return
			}
			c.cycle(ctx, l, summary, cutoff, extendedCutoff)
			active = active || l.state == laneActive
		}
		if !active {
			return
		}
		c.pause(ctx, nil)
	}
}

// expired checks cancellation and the wall-clock budget before a lane starts
// another batch. A lane observed as cancelled exhausts immediately; committed
// work stays committed. The budget is measured on the same clock the deadline
// was computed from.
func (c *Cleaner) expired(ctx context.Context, l *lane, deadline time.Time) bool {
	if ctx.Err() != nil {
		log.Printf("shutdown requested, stopping before next %s batch", l.kind)
		l.state = laneExhausted
		return true
	}
	if !deadline.IsZero() && !c.opts.Now().Before(deadline) {
		log.Printf("run budget exhausted, stopping before next %s batch", l.kind)
		l.state = laneExhausted
		return true
	}
	return false
}

func (c *Cleaner) pause(ctx context.Context, l *lane) {
	if c.opts.Sleep <= 0 || ctx.Err() != nil {
		return
	}
	if l != nil && l.state != laneActive {
		return
	}
	t := time.NewTimer(c.opts.Sleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// cycle runs one select+delete for the lane. The lane exhausts when the
// selection returns fewer identifiers than requested; that is the sole
// termination signal.
func (c *Cleaner) cycle(ctx context.Context, l *lane, summary *Summary, cutoff, extendedCutoff time.Time) {
	if l.started.IsZero() {
		l.started = c.opts.Now()
	}
	l.cycles++

	var selected int
	var err error
	switch l.kind {
	case store.KindRuns:
		selected, err = c.cycleRuns(ctx, l, summary, cutoff, extendedCutoff)
	case store.KindTraces:
		selected, err = c.cycleTraces(ctx, l, summary, cutoff)
	default:
		selected, err = c.cycleSimple(ctx, l, summary, cutoff)
	}
	if err != nil {
		l.err = err
		l.state = laneExhausted
		log.Printf("ERROR: lane %s batch #%d failed: %v", l.kind, l.cycles, err)
		return
	}
	if selected < c.opts.BatchSize {
		l.state = laneExhausted
		log.Printf("lane %s exhausted after %d batch(es)", l.kind, l.cycles)
	}
}

// cycleRuns selects completed runs first, topping the batch up with
// incomplete runs past the extended cutoff, each cleared against the
// liveness oracle before deletion.
func (c *Cleaner) cycleRuns(ctx context.Context, l *lane, summary *Summary, cutoff, extendedCutoff time.Time) (int, error) {
	var completed []store.ID
	err := c.opts.Retrier.Do(ctx, "select completed runs", func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
		defer cancel()
		var err error
		completed, err = c.opts.Store.SelectCompletedRuns(rctx, store.SelectOpts{
			Cutoff:  cutoff,
			Limit:   c.opts.BatchSize,
			Exclude: l.exclude,
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	selected := len(completed)
	victims := completed

	if selected < c.opts.BatchSize {
		var incomplete []store.ID
		err := c.opts.Retrier.Do(ctx, "select incomplete runs", func(ctx context.Context) error {
			rctx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
			defer cancel()
			var err error
			incomplete, err = c.opts.Store.SelectIncompleteRuns(rctx, store.SelectOpts{
				Cutoff:  extendedCutoff,
				Limit:   c.opts.BatchSize - selected,
				Exclude: l.exclude,
			})
			return err
		})
		if err != nil {
			return 0, err
		}
		selected += len(incomplete)

		for _, id := range incomplete {
			if c.opts.Oracle.RunLive(ctx, id) {
				// Still live in the engine; never re-check it this run.
				l.exclude.Add(id)
				continue
			}
			victims = append(victims, id)
		}
	}

	if len(victims) == 0 {
		return selected, nil
	}

	if c.opts.DryRun {
		for _, id := range victims {
			l.exclude.Add(id)
		}
		l.deleted += int64(len(victims))
		summary.Deleted["function_runs"] += int64(len(victims))
		c.logCycle(l, "[dry-run] would delete %d runs", len(victims))
		return selected, nil
	}

	var counts store.RunDeleteCounts
	err = c.opts.Retrier.Do(ctx, "delete runs", func(context.Context) error {
		dctx, cancel := c.deleteContext(ctx)
		defer cancel()
		var err error
		counts, err = c.opts.Store.DeleteRuns(dctx, victims)
		return err
	})
	if err != nil {
		return 0, err
	}

	if counts.Runs < int64(len(victims)) {
		log.Printf("lane runs: %d of %d rows already removed by another process", int64(len(victims))-counts.Runs, len(victims))
	}
	l.deleted += counts.Runs
	summary.Deleted["function_runs"] += counts.Runs
	summary.Deleted["function_finishes"] += counts.Finishes
	summary.Deleted["history"] += counts.History
	c.logCycle(l, "deleted %d runs (+%d finishes, +%d history)", counts.Runs, counts.Finishes, counts.History)
	return selected, nil
}

func (c *Cleaner) cycleTraces(ctx context.Context, l *lane, summary *Summary, cutoff time.Time) (int, error) {
	ids, err := c.selectBatch(ctx, l, "select ended trace runs", cutoff, c.opts.Store.SelectEndedTraceRuns)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if c.opts.DryRun {
		c.markDryRun(l, summary, "trace_runs", ids)
		return len(ids), nil
	}

	var counts store.TraceDeleteCounts
	err = c.opts.Retrier.Do(ctx, "delete trace runs", func(context.Context) error {
		dctx, cancel := c.deleteContext(ctx)
		defer cancel()
		var err error
		counts, err = c.opts.Store.DeleteTraceRuns(dctx, ids)
		return err
	})
	if err != nil {
		return 0, err
	}

	l.deleted += counts.TraceRuns
	summary.Deleted["trace_runs"] += counts.TraceRuns
	summary.Deleted["traces"] += counts.Spans
	c.logCycle(l, "deleted %d trace runs (+%d spans)", counts.TraceRuns, counts.Spans)
	return len(ids), nil
}

// cycleSimple covers the single-table lanes: orphaned history and finishes,
// expired batches, and unreferenced events.
func (c *Cleaner) cycleSimple(ctx context.Context, l *lane, summary *Summary, cutoff time.Time) (int, error) {
	var (
		table    string
		selectFn func(context.Context, store.SelectOpts) ([]store.ID, error)
		deleteFn func(context.Context, []store.ID) (int64, error)
	)
	switch l.kind {
	case store.KindHistory:
		table, selectFn, deleteFn = "history", c.opts.Store.SelectOrphanHistory, c.opts.Store.DeleteHistory
	case store.KindFinishes:
		table, selectFn, deleteFn = "function_finishes", c.opts.Store.SelectOrphanFinishes, c.opts.Store.DeleteFinishes
	case store.KindBatches:
		table, selectFn, deleteFn = "event_batches", c.opts.Store.SelectExpiredBatches, c.opts.Store.DeleteBatches
	case store.KindEvents:
		table, selectFn, deleteFn = "events", c.opts.Store.SelectExpiredEvents, c.opts.Store.DeleteEvents
	default:
		return 0, fmt.Errorf("no cycle handler for lane %s", l.kind)
	}

	ids, err := c.selectBatch(ctx, l, "select "+table, cutoff, selectFn)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if c.opts.DryRun {
		c.markDryRun(l, summary, table, ids)
		return len(ids), nil
	}

	var deleted int64
	err = c.opts.Retrier.Do(ctx, "delete "+table, func(context.Context) error {
		dctx, cancel := c.deleteContext(ctx)
		defer cancel()
		var err error
		deleted, err = deleteFn(dctx, ids)
		return err
	})
	if err != nil {
		return 0, err
	}

	if deleted < int64(len(ids)) {
		log.Printf("lane %s: %d of %d rows already removed by another process", l.kind, int64(len(ids))-deleted, len(ids))
	}
	l.deleted += deleted
	summary.Deleted[table] += deleted
	c.logCycle(l, "deleted %d rows from %s", deleted, table)
	return len(ids), nil
}

func (c *Cleaner) selectBatch(ctx context.Context, l *lane, name string, cutoff time.Time, fn func(context.Context, store.SelectOpts) ([]store.ID, error)) ([]store.ID, error) {
	var ids []store.ID
	err := c.opts.Retrier.Do(ctx, name, func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
		defer cancel()
		var err error
		ids, err = fn(rctx, store.SelectOpts{
			Cutoff:  cutoff,
			Limit:   c.opts.BatchSize,
			Exclude: l.exclude,
		})
		return err
	})
	return ids, err
}

func (c *Cleaner) markDryRun(l *lane, summary *Summary, table string, ids []store.ID) {
	for _, id := range ids {
		l.exclude.Add(id)
	}
	l.deleted += int64(len(ids))
	summary.Deleted[table] += int64(len(ids))
	c.logCycle(l, "[dry-run] would delete %d rows from %s", len(ids), table)
}

// deleteContext detaches the delete statement from run cancellation so an
// in-flight batch completes or fails on its own; only the timeout applies.
func (c *Cleaner) deleteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opts.DeleteTimeout)
}

func (c *Cleaner) logCycle(l *lane, format string, args ...any) {
	elapsed := c.opts.Now().Sub(l.started).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(l.deleted) / elapsed
	}
	msg := fmt.Sprintf(format, args...)
	log.Printf("lane %s batch #%d: %s (total %d, %.1f rows/sec)", l.kind, l.cycles, msg, l.deleted, rate)
}
