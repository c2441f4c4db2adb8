package liveness

import (
	"context"

	"github.com/oklog/ulid/v2"
)

// Checker answers whether a run still has state in the liveness store.
// Errors are returned as-is; the retention oracle decides what an
// unanswerable check means.
type Checker struct {
	store Store
	keys  Keys
}

// NewChecker creates a Checker over the given store and key layout.
func NewChecker(store Store, keys Keys) *Checker {
	return &Checker{store: store, keys: keys}
}

// RunActive reports whether the run has a pause mapping, metadata, or stack
// entry in the liveness store.
func (c *Checker) RunActive(ctx context.Context, runID string) (bool, error) {
	exists, err := c.store.Exists(ctx, c.keys.PauseRun(runID))
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	for _, pattern := range []string{c.keys.MetadataPattern(runID), c.keys.StackPattern(runID)} {
		found := false
		err := c.store.Scan(ctx, pattern, func(string) error {
			found = true
			return ErrStopScan
		})
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// RunHasActivePauses reports whether any pause referenced by the run's pause
// mapping still exists. The mapping can outlive its pauses after an engine
// crash, so each member is verified.
func (c *Checker) RunHasActivePauses(ctx context.Context, runID string) (bool, error) {
	pauseIDs, err := c.store.SMembers(ctx, c.keys.PauseRun(runID))
	if err != nil {
		return false, err
	}
	for _, pauseID := range pauseIDs {
		exists, err := c.store.Exists(ctx, c.keys.Pause(pauseID))
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// ParseRunID converts a ULID string from a liveness key into the 16-byte
// binary form stored in run_id columns.
func ParseRunID(s string) ([]byte, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return nil, err
	}
	b := make([]byte, len(id))
	copy(b, id[:])
	return b, nil
}

// FormatRunID converts a binary run identifier back to its ULID string form
// for liveness key lookups.
func FormatRunID(b []byte) (string, error) {
	var id ulid.ULID
	if err := id.UnmarshalBinary(b); err != nil {
		return "", err
	}
	return id.String(), nil
}
