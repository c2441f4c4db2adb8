package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies the backing database engine.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// timeFormat keeps the fractional second at a fixed nine digits. RFC3339Nano
// trims trailing zeros, and "…05.1Z" sorts after "…05.12Z" as text even though
// it is earlier, so trimmed fractions would break range predicates on SQLite.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the workflow datastore connection. The connection is owned by a
// single coordinator; Store methods are not safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect Dialect
	dsn     string
}

// Open connects to the datastore named by connURL. The engine is chosen from
// the URL scheme: postgres:// URLs use the pgx driver, sqlite: URLs or plain
// .db paths use SQLite.
func Open(connURL string) (*Store, error) {
	dialect, dsn, err := parseConnURL(connURL)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect {
	case DialectPostgres:
		db, err = sql.Open("pgx", dsn)
	default:
		db, err = sql.Open("sqlite", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The coordinator is the only user of this connection.
	db.SetMaxOpenConns(1)

	return &Store{db: db, dialect: dialect, dsn: connURL}, nil
}

func parseConnURL(connURL string) (Dialect, string, error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return 0, "", fmt.Errorf("parse database URL: %w", err)
	}
	switch {
	case u.Scheme == "postgres" || u.Scheme == "postgresql":
		return DialectPostgres, connURL, nil
	case u.Scheme == "sqlite":
		return DialectSQLite, strings.TrimPrefix(strings.TrimPrefix(connURL, "sqlite://"), "sqlite:"), nil
	case u.Scheme == "" && strings.HasSuffix(connURL, ".db"):
		return DialectSQLite, connURL, nil
	default:
		return 0, "", fmt.Errorf("unsupported database URL scheme %q", u.Scheme)
	}
}

// Dialect returns the engine this store talks to.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// DB returns the underlying *sql.DB for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reconnect drops the current connection and establishes a fresh one. Used by
// the retry wrapper between attempts after a connection-level failure.
func (s *Store) Reconnect(ctx context.Context) error {
	_ = s.db.Close()
	fresh, err := Open(s.dsn)
	if err != nil {
		return err
	}
	s.db = fresh.db
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $1..$n for Postgres. Queries in this
// package are written with ? throughout.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ts converts a timestamp to the column representation: fixed-width RFC3339
// text for SQLite, time.Time for Postgres. Fixed-width UTC text sorts and
// compares lexicographically, so range predicates behave identically on both
// engines.
func (s *Store) ts(t time.Time) any {
	if s.dialect == DialectPostgres {
		return t.UTC()
	}
	return t.UTC().Format(timeFormat)
}

// idArgs widens a slice of IDs to query arguments.
func idArgs(ids []ID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = []byte(id)
	}
	return args
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]ID, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []ID
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, ID(id))
	}
	return ids, rows.Err()
}
