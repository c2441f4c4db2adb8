// Package health holds the process-wide health state shared between the
// retry wrapper (writer) and the HTTP status responder (reader).
package health

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// State is a mutex-guarded healthy/unhealthy flag with the last error text.
// The retrier flips it unhealthy only after exhausting retries and back to
// healthy on the next successful operation.
type State struct {
	mu      sync.Mutex
	healthy bool
	lastErr string
}

// NewState returns a State that starts healthy.
func NewState() *State {
	return &State{healthy: true}
}

// MarkHealthy records a successful operation.
func (s *State) MarkHealthy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = true
	s.lastErr = ""
}

// MarkUnhealthy records a failure that exhausted its retries.
func (s *State) MarkUnhealthy(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = false
	if err != nil {
		s.lastErr = err.Error()
	}
}

// Healthy returns the current flag and the last error message, if any.
func (s *State) Healthy() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy, s.lastErr
}

// WriteLastSuccess writes a timestamp marker file for external probes that
// watch for recent successful runs.
func WriteLastSuccess(path string, t time.Time) error {
	data := fmt.Sprintf("%s\n", t.UTC().Format(time.RFC3339))
	return os.WriteFile(path, []byte(data), 0644)
}
