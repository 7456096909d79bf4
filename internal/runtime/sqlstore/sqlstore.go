// Package sqlstore holds the SQL plumbing shared by the lock and saga stores:
// dialect selection, placeholder rebinding and connection setup for
// PostgreSQL (lib/pq) and SQLite (go-sqlite3).
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Dialect selects placeholder style and driver.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite3"
	default:
		return "dialect(" + strconv.Itoa(int(d)) + ")"
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string { return d.String() }

// BlobType is the column type for opaque payloads.
func (d Dialect) BlobType() string {
	if d == Postgres {
		return "BYTEA"
	}
	return "BLOB"
}

// Rebind rewrites ? placeholders into $n for PostgreSQL. Queries must not
// contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidateTable rejects names that are not plain (optionally schema
// qualified) identifiers, since table names are formatted into queries.
func ValidateTable(name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// Open connects to dsn and verifies the connection. SQLite in-memory
// databases are pinned to one connection so every query sees the same data.
func Open(ctx context.Context, d Dialect, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s connection string is required", d)
	}
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d, err)
	}
	switch d {
	case SQLite:
		db.SetMaxOpenConns(1)
	default:
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", d, err)
	}
	return db, nil
}

// Millis converts t to unix milliseconds, the storage format for expiry
// columns in both dialects.
func Millis(t time.Time) int64 { return t.UnixMilli() }
