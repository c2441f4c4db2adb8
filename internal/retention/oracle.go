// Package retention decides whether a record is still reachable and therefore
// must not be deleted.
package retention

import (
	"context"
	"log"

	"github.com/flowdb/reaper/internal/liveness"
	"github.com/flowdb/reaper/internal/store"
)

// Oracle answers reachability questions over the relational store and the
// external liveness store.
//
// The liveness side fails closed: if a check cannot be answered, the record
// is treated as reachable. Keeping a dead run too long is recoverable;
// deleting a live one is not.
type Oracle struct {
	store   *store.Store
	checker *liveness.Checker
}

// New creates an Oracle. checker may be nil when no liveness store is
// configured; incomplete runs are then judged on age alone.
func New(s *store.Store, checker *liveness.Checker) *Oracle {
	return &Oracle{store: s, checker: checker}
}

// EventReachable reports whether any run, history row, or batch membership
// still references the event.
func (o *Oracle) EventReachable(ctx context.Context, id store.ID) (bool, error) {
	return o.store.EventReferenced(ctx, id)
}

// RunLive reports whether the execution engine still holds state for an
// incomplete run. Unanswerable checks report true.
func (o *Oracle) RunLive(ctx context.Context, id store.ID) bool {
	if o.checker == nil {
		return false
	}

	runID, err := liveness.FormatRunID(id)
	if err != nil {
		log.Printf("WARN: run %s has a malformed identifier, keeping: %v", id, err)
		return true
	}

	active, err := o.checker.RunActive(ctx, runID)
	if err != nil {
		log.Printf("WARN: liveness check failed for run %s, keeping: %v", runID, err)
		return true
	}
	if active {
		return true
	}

	paused, err := o.checker.RunHasActivePauses(ctx, runID)
	if err != nil {
		log.Printf("WARN: pause check failed for run %s, keeping: %v", runID, err)
		return true
	}
	return paused
}
