package retention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/flowdb/reaper/internal/liveness"
	"github.com/flowdb/reaper/internal/store"
)

// errStore is a liveness.Store whose every call fails, standing in for an
// unreachable backend.
type errStore struct{}

var errDown = errors.New("connection refused")

func (errStore) Exists(context.Context, string) (bool, error) { return false, errDown }

func (errStore) Scan(context.Context, string, func(string) error) error { return errDown }

func (errStore) SMembers(context.Context, string) ([]string, error) { return nil, errDown }

func (errStore) Delete(context.Context, ...string) (int64, error) { return 0, errDown }

func (errStore) Ping(context.Context) error { return errDown }

func (errStore) Close() error { return nil }

// emptyStore is a liveness.Store with no state at all.
type emptyStore struct{}

func (emptyStore) Exists(context.Context, string) (bool, error) { return false, nil }

func (emptyStore) Scan(context.Context, string, func(string) error) error { return nil }

func (emptyStore) SMembers(context.Context, string) ([]string, error) { return nil, nil }

func (emptyStore) Delete(context.Context, ...string) (int64, error) { return 0, nil }

func (emptyStore) Ping(context.Context) error { return nil }

func (emptyStore) Close() error { return nil }

func testRunID(t *testing.T) store.ID {
	t.Helper()
	b, err := liveness.ParseRunID("01JY1JJ822BNZGF3DAHM0HVKDT")
	if err != nil {
		t.Fatalf("parse run ID: %v", err)
	}
	return b
}

func TestRunLiveWithoutChecker(t *testing.T) {
	t.Parallel()
	o := New(nil, nil)
	if o.RunLive(context.Background(), testRunID(t)) {
		t.Error("without a liveness store, age alone decides; RunLive must be false")
	}
}

func TestRunLiveFailsClosed(t *testing.T) {
	t.Parallel()
	checker := liveness.NewChecker(errStore{}, liveness.Keys{Prefix: "inngest"})
	o := New(nil, checker)
	if !o.RunLive(context.Background(), testRunID(t)) {
		t.Error("unanswerable liveness check must report live")
	}
}

func TestRunLiveMalformedID(t *testing.T) {
	t.Parallel()
	checker := liveness.NewChecker(emptyStore{}, liveness.Keys{Prefix: "inngest"})
	o := New(nil, checker)
	if !o.RunLive(context.Background(), store.ID([]byte{1, 2, 3})) {
		t.Error("a run whose ID cannot be formatted must be kept")
	}
}

func TestRunLiveNoState(t *testing.T) {
	t.Parallel()
	checker := liveness.NewChecker(emptyStore{}, liveness.Keys{Prefix: "inngest"})
	o := New(nil, checker)
	if o.RunLive(context.Background(), testRunID(t)) {
		t.Error("run with no liveness state must not report live")
	}
}

func TestEventReachable(t *testing.T) {
	t.Parallel()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	eventID := testRunID(t)
	if _, err := s.DB().ExecContext(ctx,
		"INSERT INTO events (internal_id, received_at) VALUES (?, ?)",
		[]byte(eventID), "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx,
		"INSERT INTO function_runs (run_id, event_id, run_started_at) VALUES (?, ?, ?)",
		[]byte{1}, []byte(eventID), "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	o := New(s, nil)
	reachable, err := o.EventReachable(ctx, eventID)
	if err != nil {
		t.Fatalf("EventReachable: %v", err)
	}
	if !reachable {
		t.Error("event referenced by a run must be reachable")
	}
}
