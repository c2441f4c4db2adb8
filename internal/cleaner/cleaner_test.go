package cleaner

import (
	"context"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flowdb/reaper/internal/liveness"
	"github.com/flowdb/reaper/internal/retention"
	"github.com/flowdb/reaper/internal/retry"
	"github.com/flowdb/reaper/internal/store"
)

const day = 24 * time.Hour

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func testRetrier() *retry.Retrier {
	return &retry.Retrier{MaxRetries: 2, Delay: time.Millisecond, Policy: retry.PolicyFixed}
}

// sqlTime renders a timestamp the way the SQLite schema stores it: UTC text
// with a fixed nine-digit fraction.
func sqlTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func exec(t *testing.T, s *store.Store, query string, args ...any) {
	t.Helper()
	if _, err := s.DB().ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func testID(n byte) store.ID {
	b := make([]byte, 16)
	b[0], b[15] = n, n
	return store.ID(b)
}

func seedRun(t *testing.T, s *store.Store, id store.ID, startedAt time.Time, finishedAt *time.Time) {
	exec(t, s, "INSERT INTO function_runs (run_id, function_id, run_started_at) VALUES (?, ?, ?)",
		[]byte(id), "fn", sqlTime(startedAt))
	if finishedAt != nil {
		exec(t, s, "INSERT INTO function_finishes (run_id, status, created_at) VALUES (?, ?, ?)",
			[]byte(id), "completed", sqlTime(*finishedAt))
	}
}

func seedEvent(t *testing.T, s *store.Store, id store.ID, receivedAt time.Time) {
	exec(t, s, "INSERT INTO events (internal_id, event_name, received_at) VALUES (?, ?, ?)",
		[]byte(id), "test/event", sqlTime(receivedAt))
}

func countRows(t *testing.T, s *store.Store, table string) int64 {
	t.Helper()
	n, err := s.CountRows(context.Background(), table)
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// fakeLiveness is an in-memory liveness.Store. Scan matches patterns with
// path.Match, which handles the engine's key shapes since keys never contain
// a slash.
type fakeLiveness struct {
	mu   sync.Mutex
	keys map[string]struct{}
	sets map[string][]string
}

func newFakeLiveness() *fakeLiveness {
	return &fakeLiveness{keys: make(map[string]struct{}), sets: make(map[string][]string)}
}

func (f *fakeLiveness) set(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = struct{}{}
}

func (f *fakeLiveness) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[key]
	return ok
}

func (f *fakeLiveness) Exists(_ context.Context, key string) (bool, error) {
	return f.has(key), nil
}

func (f *fakeLiveness) Scan(_ context.Context, pattern string, fn func(key string) error) error {
	f.mu.Lock()
	keys := make([]string, 0, len(f.keys))
	for k := range f.keys {
		keys = append(keys, k)
	}
	f.mu.Unlock()
	for _, k := range keys {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(k); err != nil {
			if err == liveness.ErrStopScan {
				return nil
			}
			return err
		}
	}
	return nil
}

func (f *fakeLiveness) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets[key], nil
}

func (f *fakeLiveness) Delete(_ context.Context, keys ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			delete(f.sets, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeLiveness) Ping(context.Context) error { return nil }
func (f *fakeLiveness) Close() error               { return nil }

func newTestCleaner(t *testing.T, opts Options) *Cleaner {
	t.Helper()
	if opts.Retrier == nil {
		opts.Retrier = testRetrier()
	}
	if opts.Oracle == nil {
		opts.Oracle = retention.New(opts.Store, nil)
	}
	if opts.Retention == 0 {
		opts.Retention = 30 * day
	}
	if opts.ExtendedRetention == 0 {
		opts.ExtendedRetention = 60 * day
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}
	return c
}

func TestRunCleansExpiredData(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now().UTC()
	old := now.Add(-40 * day)
	recent := now.Add(-1 * day)

	// Completed run past retention, with history and an event it holds.
	runA, eventA := testID(1), testID(2)
	seedRun(t, s, runA, old.Add(-day), &old)
	exec(t, s, "INSERT INTO history (id, run_id, event_id, created_at) VALUES (?, ?, ?, ?)",
		[]byte(testID(3)), []byte(runA), nil, sqlTime(old))
	seedEvent(t, s, eventA, old)
	exec(t, s, "UPDATE function_runs SET event_id = ? WHERE run_id = ?", []byte(eventA), []byte(runA))

	// Recently completed run keeps itself and its event.
	runB, eventB := testID(4), testID(5)
	seedRun(t, s, runB, old, &recent)
	seedEvent(t, s, eventB, old)
	exec(t, s, "UPDATE function_runs SET event_id = ? WHERE run_id = ?", []byte(eventB), []byte(runB))

	// Incomplete run past the extended cutoff, no liveness store configured.
	runI := testID(6)
	seedRun(t, s, runI, now.Add(-70*day), nil)

	// Old unreferenced event, and a recent one.
	seedEvent(t, s, testID(7), old)
	seedEvent(t, s, testID(8), now.Add(-10*day))

	// Orphaned history and finish rows.
	exec(t, s, "INSERT INTO history (id, run_id, created_at) VALUES (?, ?, ?)",
		[]byte(testID(9)), []byte(testID(10)), sqlTime(old))
	exec(t, s, "INSERT INTO function_finishes (run_id, status, created_at) VALUES (?, ?, ?)",
		[]byte(testID(11)), "completed", sqlTime(old))

	// Batch with no surviving member, and one held by a surviving member.
	survivor := testID(12)
	seedEvent(t, s, survivor, old)
	exec(t, s, "INSERT INTO event_batches (id, created_at) VALUES (?, ?)", []byte(testID(13)), sqlTime(old))
	exec(t, s, "INSERT INTO event_batch_events (batch_id, event_id) VALUES (?, ?)", []byte(testID(13)), []byte(testID(14)))
	exec(t, s, "INSERT INTO event_batches (id, created_at) VALUES (?, ?)", []byte(testID(15)), sqlTime(old))
	exec(t, s, "INSERT INTO event_batch_events (batch_id, event_id) VALUES (?, ?)", []byte(testID(15)), []byte(survivor))

	// One ended trace run with spans, one recent, one still running.
	exec(t, s, "INSERT INTO trace_runs (run_id, ended_at) VALUES (?, ?)", []byte(testID(16)), old.UnixMilli())
	exec(t, s, "INSERT INTO traces (span_id, run_id, created_at) VALUES (?, ?, ?)", "a", []byte(testID(16)), sqlTime(old))
	exec(t, s, "INSERT INTO traces (span_id, run_id, created_at) VALUES (?, ?, ?)", "b", []byte(testID(16)), sqlTime(old))
	exec(t, s, "INSERT INTO trace_runs (run_id, ended_at) VALUES (?, ?)", []byte(testID(17)), recent.UnixMilli())
	exec(t, s, "INSERT INTO trace_runs (run_id, ended_at) VALUES (?, NULL)", []byte(testID(18)))

	c := newTestCleaner(t, Options{Store: s, BatchSize: 100})
	summary := c.Run(context.Background())

	if summary.Failed() {
		t.Fatalf("run failed: %+v", summary.Lanes)
	}
	want := map[string]int64{
		"function_runs":     2, // runA and runI
		"function_finishes": 2, // runA's plus the orphan
		"history":           2, // runA's plus the orphan
		"events":            2, // eventA and the old unreferenced one
		"event_batches":     1,
		"trace_runs":        1,
		"traces":            2,
	}
	for table, n := range want {
		if summary.Deleted[table] != n {
			t.Errorf("deleted[%s] = %d, want %d", table, summary.Deleted[table], n)
		}
	}

	if n := countRows(t, s, "function_runs"); n != 1 {
		t.Errorf("function_runs remaining = %d, want 1 (runB)", n)
	}
	if n := countRows(t, s, "events"); n != 3 {
		t.Errorf("events remaining = %d, want 3 (eventB, recent, survivor)", n)
	}
	if n := countRows(t, s, "event_batches"); n != 1 {
		t.Errorf("event_batches remaining = %d, want 1", n)
	}
	if n := countRows(t, s, "trace_runs"); n != 2 {
		t.Errorf("trace_runs remaining = %d, want 2", n)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now().UTC()
	for i := byte(1); i <= 5; i++ {
		seedEvent(t, s, testID(i), now.Add(-40*day))
	}

	c := newTestCleaner(t, Options{Store: s, BatchSize: 100})
	first := c.Run(context.Background())
	if first.Deleted["events"] != 5 {
		t.Fatalf("first run deleted %d events, want 5", first.Deleted["events"])
	}
	second := c.Run(context.Background())
	var total int64
	for _, n := range second.Deleted {
		total += n
	}
	if total != 0 {
		t.Errorf("second run deleted %d rows, want 0: %v", total, second.Deleted)
	}
}

func TestRunMultipleBatches(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now().UTC()
	for i := 0; i < 25; i++ {
		seedEvent(t, s, store.ID(ulid.Make().Bytes()), now.Add(-40*day))
	}

	c := newTestCleaner(t, Options{Store: s, BatchSize: 10, Scope: "events"})
	summary := c.Run(context.Background())

	if summary.Deleted["events"] != 25 {
		t.Errorf("deleted = %d, want 25", summary.Deleted["events"])
	}
	if len(summary.Lanes) != 1 {
		t.Fatalf("lanes = %d, want 1", len(summary.Lanes))
	}
	// 10 + 10 + 5: the short third batch is the exhaustion signal.
	if summary.Lanes[0].Cycles != 3 {
		t.Errorf("cycles = %d, want 3", summary.Lanes[0].Cycles)
	}
	if n := countRows(t, s, "events"); n != 0 {
		t.Errorf("events remaining = %d, want 0", n)
	}
}

func TestDryRunDeletesNothing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now().UTC()
	for i := 0; i < 25; i++ {
		seedEvent(t, s, store.ID(ulid.Make().Bytes()), now.Add(-40*day))
	}

	c := newTestCleaner(t, Options{Store: s, BatchSize: 10, Scope: "events", DryRun: true})
	summary := c.Run(context.Background())

	if !summary.DryRun {
		t.Error("summary not marked dry-run")
	}
	if summary.Deleted["events"] != 25 {
		t.Errorf("candidates = %d, want 25", summary.Deleted["events"])
	}
	// Exclusion must drive forward progress without any actual deletes.
	if summary.Lanes[0].Cycles != 3 {
		t.Errorf("cycles = %d, want 3", summary.Lanes[0].Cycles)
	}
	if n := countRows(t, s, "events"); n != 25 {
		t.Errorf("events remaining = %d, want 25", n)
	}
}

func TestLiveRunKept(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now().UTC()
	keys := liveness.Keys{Prefix: "inngest"}
	fake := newFakeLiveness()

	liveRun := store.ID(ulid.Make().Bytes())
	deadRun := store.ID(ulid.Make().Bytes())
	seedRun(t, s, liveRun, now.Add(-70*day), nil)
	seedRun(t, s, deadRun, now.Add(-70*day), nil)

	liveULID, err := liveness.FormatRunID(liveRun)
	if err != nil {
		t.Fatalf("format run ID: %v", err)
	}
	fake.set(keys.PauseRun(liveULID))

	c := newTestCleaner(t, Options{
		Store:    s,
		Oracle:   retention.New(s, liveness.NewChecker(fake, keys)),
		Liveness: fake,
		Keys:     keys,
		Scope:    "runs",
	})
	summary := c.Run(context.Background())

	if summary.Failed() {
		t.Fatalf("run failed: %+v", summary.Lanes)
	}
	if summary.Deleted["function_runs"] != 1 {
		t.Errorf("deleted = %d, want 1", summary.Deleted["function_runs"])
	}
	existing, err := s.FilterExistingRuns(context.Background(), []store.ID{liveRun, deadRun})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if !existing.Has(liveRun) {
		t.Error("run with liveness state was deleted")
	}
	if existing.Has(deadRun) {
		t.Error("run without liveness state survived")
	}
	// The live run still exists, so the reconciler must leave its key alone.
	if !fake.has(keys.PauseRun(liveULID)) {
		t.Error("reconciler removed the live run's pause mapping")
	}
}

func TestReconcileRemovesOrphanedEntries(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now().UTC()
	keys := liveness.Keys{Prefix: "inngest"}
	fake := newFakeLiveness()

	existing := store.ID(ulid.Make().Bytes())
	orphan := store.ID(ulid.Make().Bytes())
	seedRun(t, s, existing, now, nil)

	existingULID, err := liveness.FormatRunID(existing)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	orphanULID, err := liveness.FormatRunID(orphan)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	fake.set(keys.PauseRun(existingULID))
	fake.set("{inngest:ws1}:metadata:" + existingULID)
	fake.set(keys.PauseRun(orphanULID))
	fake.set("{inngest:ws1}:metadata:" + orphanULID)
	fake.set("{inngest:ws1}:stack:" + orphanULID)

	c := newTestCleaner(t, Options{
		Store:    s,
		Oracle:   retention.New(s, liveness.NewChecker(fake, keys)),
		Liveness: fake,
		Keys:     keys,
		Scope:    "traces", // empty lane, only the reconciler has work
	})
	summary := c.Run(context.Background())

	if summary.Reconcile.PauseKeys != 1 || summary.Reconcile.MetadataKeys != 1 || summary.Reconcile.StackKeys != 1 {
		t.Errorf("reconcile stats = %+v, want 1/1/1", summary.Reconcile)
	}
	if fake.has(keys.PauseRun(orphanULID)) {
		t.Error("orphan pause mapping survived")
	}
	if !fake.has(keys.PauseRun(existingULID)) || !fake.has("{inngest:ws1}:metadata:"+existingULID) {
		t.Error("existing run's keys were removed")
	}
}

func TestDryRunSkipsReconcile(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	keys := liveness.Keys{Prefix: "inngest"}
	fake := newFakeLiveness()
	orphanULID, err := liveness.FormatRunID(store.ID(ulid.Make().Bytes()))
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	fake.set(keys.PauseRun(orphanULID))

	c := newTestCleaner(t, Options{
		Store:    s,
		Liveness: fake,
		Keys:     keys,
		DryRun:   true,
		Scope:    "traces",
	})
	summary := c.Run(context.Background())

	if summary.Reconcile.Total() != 0 {
		t.Errorf("reconcile ran in dry-run mode: %+v", summary.Reconcile)
	}
	if !fake.has(keys.PauseRun(orphanULID)) {
		t.Error("dry run removed a liveness key")
	}
}

// steppingClock advances a fixed amount on every reading, so a run burns
// through its budget without any real time passing.
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func TestRunBudgetUsesInjectedClock(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now().UTC()
	for i := byte(1); i <= 5; i++ {
		seedEvent(t, s, testID(i), now.Add(-40*day))
	}

	// A clock running an hour behind the wall must not trip a 30m budget:
	// deadline and checks read the same clock, and it barely moves.
	c := newTestCleaner(t, Options{
		Store:     s,
		Scope:     "events",
		BatchSize: 100,
		Budget:    30 * time.Minute,
		Now:       func() time.Time { return time.Now().Add(-time.Hour) },
	})
	summary := c.Run(context.Background())

	if summary.Failed() {
		t.Fatalf("run failed: %+v", summary.Lanes)
	}
	if summary.Deleted["events"] != 5 {
		t.Errorf("deleted = %d, want 5", summary.Deleted["events"])
	}
	if n := countRows(t, s, "events"); n != 0 {
		t.Errorf("events remaining = %d, want 0", n)
	}
}

func TestRunBudgetStopsWork(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now().UTC()
	for i := 0; i < 25; i++ {
		seedEvent(t, s, store.ID(ulid.Make().Bytes()), now.Add(-40*day))
	}

	// Every clock reading moves 5m, so a 30m budget runs out after a couple
	// of batches while real time barely advances.
	clock := &steppingClock{now: now, step: 5 * time.Minute}
	c := newTestCleaner(t, Options{
		Store:     s,
		Scope:     "events",
		BatchSize: 10,
		Budget:    30 * time.Minute,
		Now:       clock.Now,
	})
	summary := c.Run(context.Background())

	if summary.Failed() {
		t.Fatalf("run failed: %+v", summary.Lanes)
	}
	deleted := summary.Deleted["events"]
	if deleted == 0 || deleted == 25 {
		t.Errorf("deleted = %d, want some but not all", deleted)
	}
	if n := countRows(t, s, "events"); n != 25-deleted {
		t.Errorf("events remaining = %d, want %d", n, 25-deleted)
	}
}

func TestCancelledContextStopsBeforeWork(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now().UTC()
	for i := byte(1); i <= 5; i++ {
		seedEvent(t, s, testID(i), now.Add(-40*day))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestCleaner(t, Options{Store: s, Scope: "events"})
	summary := c.Run(ctx)

	if summary.Deleted["events"] != 0 {
		t.Errorf("deleted %d events after cancellation", summary.Deleted["events"])
	}
	if n := countRows(t, s, "events"); n != 5 {
		t.Errorf("events remaining = %d, want 5", n)
	}
}

func TestInterleavedStrategy(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now().UTC()
	for i := 0; i < 15; i++ {
		seedEvent(t, s, store.ID(ulid.Make().Bytes()), now.Add(-40*day))
	}
	exec(t, s, "INSERT INTO trace_runs (run_id, ended_at) VALUES (?, ?)",
		[]byte(testID(1)), now.Add(-40*day).UnixMilli())

	c := newTestCleaner(t, Options{Store: s, BatchSize: 10, Strategy: StrategyInterleaved})
	summary := c.Run(context.Background())

	if summary.Failed() {
		t.Fatalf("run failed: %+v", summary.Lanes)
	}
	if summary.Deleted["events"] != 15 {
		t.Errorf("events deleted = %d, want 15", summary.Deleted["events"])
	}
	if summary.Deleted["trace_runs"] != 1 {
		t.Errorf("trace_runs deleted = %d, want 1", summary.Deleted["trace_runs"])
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"sequential", "interleaved"} {
		if _, err := ParseStrategy(s); err != nil {
			t.Errorf("ParseStrategy(%q): %v", s, err)
		}
	}
	if _, err := ParseStrategy("parallel"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
