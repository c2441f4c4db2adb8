package store

import (
	"encoding/hex"
	"fmt"
)

// Kind names one entity-class cleanup lane.
type Kind string

const (
	// KindRuns covers function_runs together with their function_finishes
	// and history rows.
	KindRuns Kind = "runs"
	// KindHistory covers history rows whose run no longer exists.
	KindHistory Kind = "history"
	// KindFinishes covers function_finishes rows whose run no longer exists.
	KindFinishes Kind = "finishes"
	// KindBatches covers event batches with no surviving member events.
	KindBatches Kind = "batches"
	// KindEvents covers unreferenced events.
	KindEvents Kind = "events"
	// KindTraces covers trace_runs and their spans.
	KindTraces Kind = "traces"
)

// Kinds returns all lanes in dependency order: the run family before events,
// so that event reachability checks see fewer surviving references.
func Kinds() []Kind {
	return []Kind{KindRuns, KindHistory, KindFinishes, KindBatches, KindEvents, KindTraces}
}

// ParseKind validates a lane name from configuration.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if s == string(k) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown cleanup scope %q", s)
}

// ID is a 16-byte binary identifier as stored in run_id/internal_id columns.
type ID []byte

// String renders the identifier as hex for logging.
func (id ID) String() string {
	return hex.EncodeToString(id)
}

// IDSet tracks identifiers already handed out, keyed by their raw bytes.
// Dry-run mode uses it to simulate progress without deleting anything.
type IDSet map[string]struct{}

// NewIDSet creates an empty set.
func NewIDSet() IDSet {
	return make(IDSet)
}

// Add inserts an identifier.
func (s IDSet) Add(id ID) {
	s[string(id)] = struct{}{}
}

// Has reports membership.
func (s IDSet) Has(id ID) bool {
	_, ok := s[string(id)]
	return ok
}

// IDs returns the members in unspecified order.
func (s IDSet) IDs() []ID {
	out := make([]ID, 0, len(s))
	for k := range s {
		out = append(out, ID(k))
	}
	return out
}

// RunDeleteCounts reports affected rows from one run-family delete.
type RunDeleteCounts struct {
	History  int64
	Finishes int64
	Runs     int64
}

// Total sums all affected rows.
func (c RunDeleteCounts) Total() int64 {
	return c.History + c.Finishes + c.Runs
}

// TraceDeleteCounts reports affected rows from one trace-family delete.
type TraceDeleteCounts struct {
	Spans     int64
	TraceRuns int64
}

// Total sums all affected rows.
func (c TraceDeleteCounts) Total() int64 {
	return c.Spans + c.TraceRuns
}
