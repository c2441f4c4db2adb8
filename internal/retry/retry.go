// Package retry wraps database operations with transient-error
// classification, bounded backoff, and reconnection.
package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/flowdb/reaper/internal/health"
)

// Policy selects how the delay grows between attempts.
type Policy string

const (
	// PolicyExponential doubles the delay each attempt.
	PolicyExponential Policy = "exponential"
	// PolicyFixed waits the base delay every attempt.
	PolicyFixed Policy = "fixed"
)

// ParsePolicy validates a backoff policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyExponential, PolicyFixed:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown backoff policy %q", s)
}

// Retrier runs operations with retry on transient failures. Fatal errors
// (constraint violations, bad SQL, cancelled contexts) propagate immediately.
type Retrier struct {
	MaxRetries int
	Delay      time.Duration
	Policy     Policy

	// Health, when set, is flipped unhealthy after retry exhaustion and
	// healthy after any success.
	Health *health.State

	// Reconnect, when set, is called between attempts to re-establish the
	// connection.
	Reconnect func(ctx context.Context) error
}

// Do runs op, retrying transient failures up to MaxRetries times. The name
// appears in log lines and the final error.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempt := 0
	for {
		err := op(ctx)
		if err == nil {
			if r.Health != nil {
				r.Health.MarkHealthy()
			}
			return nil
		}
		if !Transient(err) {
			return fmt.Errorf("%s: %w", name, err)
		}

		attempt++
		if attempt > r.MaxRetries {
			if r.Health != nil {
				r.Health.MarkUnhealthy(err)
			}
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", name, attempt, err)
		}

		wait := r.wait(attempt)
		log.Printf("WARN: %s failed (attempt %d/%d), retrying in %s: %v", name, attempt, r.MaxRetries, wait, err)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		if r.Reconnect != nil {
			if err := r.Reconnect(ctx); err != nil {
				log.Printf("WARN: reconnect failed: %v", err)
			}
		}
	}
}

func (r *Retrier) wait(attempt int) time.Duration {
	if r.Policy == PolicyFixed {
		return r.Delay
	}
	d := r.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Transient classifies an error as retryable. Connection-level and
// operational errors (timeouts, deadlocks, busy databases) are transient;
// constraint violations and programming errors are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLState(pgErr.Code)
	}
	if pgconn.Timeout(err) {
		return true
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_PROTOCOL:
			return true
		}
		return false
	}

	return false
}

func transientSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"): // connection exceptions
		return true
	case strings.HasPrefix(code, "53"): // insufficient resources
		return true
	case code == "40001" || code == "40P01": // serialization failure, deadlock
		return true
	case code == "57014": // statement timeout / query cancelled
		return true
	case code == "57P01" || code == "57P02" || code == "57P03": // admin shutdown family
		return true
	}
	return false
}
