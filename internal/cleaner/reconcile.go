package cleaner

import (
	"context"
	"log"

	"github.com/flowdb/reaper/internal/liveness"
	"github.com/flowdb/reaper/internal/store"
)

// reconcileChunk bounds how many run IDs one existence query carries.
const reconcileChunk = 500

// reconcile removes liveness entries whose run no longer exists in the
// database. It runs once per cleanup and fails open: any error logs a
// warning and returns whatever was removed so far. A run deleted here but
// still live would be a data-loss bug; a stale key kept another day is not.
func (c *Cleaner) reconcile(ctx context.Context) ReconcileStats {
	var stats ReconcileStats
	if c.opts.Liveness == nil {
		return stats
	}

	seen := make(map[string]struct{})
	for _, pattern := range []string{c.opts.Keys.PauseRunPattern(), c.opts.Keys.MetadataScanPattern()} {
		err := c.opts.Liveness.Scan(ctx, pattern, func(key string) error {
			if runID, ok := liveness.RunIDFromKey(key); ok {
				seen[runID] = struct{}{}
			}
			return nil
		})
		if err != nil {
			log.Printf("WARN: liveness reconciliation scan failed, skipping: %v", err)
			return stats
		}
	}
	if len(seen) == 0 {
		return stats
	}
	log.Printf("reconciling %d run(s) referenced by liveness entries", len(seen))

	chunk := make([]store.ID, 0, reconcileChunk)
	names := make(map[string]string, reconcileChunk)
	flush := func() bool {
		if len(chunk) == 0 {
			return true
		}
		rctx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
		existing, err := c.opts.Store.FilterExistingRuns(rctx, chunk)
		cancel()
		if err != nil {
			log.Printf("WARN: liveness reconciliation lookup failed, skipping rest: %v", err)
			return false
		}
		for _, id := range chunk {
			if existing.Has(id) {
				continue
			}
			c.removeRunState(ctx, names[string(id)], &stats)
		}
		chunk = chunk[:0]
		clear(names)
		return true
	}

	for runID := range seen {
		binary, err := liveness.ParseRunID(runID)
		if err != nil {
			// Not a run-scoped key; the patterns can match unrelated entries.
			continue
		}
		chunk = append(chunk, binary)
		names[string(binary)] = runID
		if len(chunk) == reconcileChunk && !flush() {
			return stats
		}
	}
	flush()

	if stats.Total() > 0 {
		log.Printf("removed %d orphaned liveness entries (pr=%d metadata=%d stack=%d)",
			stats.Total(), stats.PauseKeys, stats.MetadataKeys, stats.StackKeys)
	}
	return stats
}

// removeRunState deletes every liveness key belonging to one orphaned run.
func (c *Cleaner) removeRunState(ctx context.Context, runID string, stats *ReconcileStats) {
	if runID == "" {
		return
	}
	n, err := c.opts.Liveness.Delete(ctx, c.opts.Keys.PauseRun(runID))
	if err != nil {
		log.Printf("WARN: failed to remove pause mapping for orphaned run %s: %v", runID, err)
	} else {
		stats.PauseKeys += n
	}

	stats.MetadataKeys += c.deleteMatching(ctx, c.opts.Keys.MetadataPattern(runID), runID)
	stats.StackKeys += c.deleteMatching(ctx, c.opts.Keys.StackPattern(runID), runID)
}

func (c *Cleaner) deleteMatching(ctx context.Context, pattern, runID string) int64 {
	var keys []string
	err := c.opts.Liveness.Scan(ctx, pattern, func(key string) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		log.Printf("WARN: scan %s for orphaned run %s failed: %v", pattern, runID, err)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	n, err := c.opts.Liveness.Delete(ctx, keys...)
	if err != nil {
		log.Printf("WARN: failed to remove %d key(s) for orphaned run %s: %v", len(keys), runID, err)
		return 0
	}
	return n
}
