package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/sqlstore"
)

// DefaultTable is the lease table used when none is configured.
const DefaultTable = "knightbus_locks"

// SQLStore keeps leases in a relational table. Ownership changes are single
// conditional statements, so concurrent callers on any number of hosts see
// at most one winner.
type SQLStore struct {
	db      *sql.DB
	dialect sqlstore.Dialect
	table   string
	now     func() time.Time
}

// NewSQLStore returns a store over db. An empty table selects DefaultTable.
func NewSQLStore(db *sql.DB, dialect sqlstore.Dialect, table string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("lock store: database is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if err := sqlstore.ValidateTable(table); err != nil {
		return nil, fmt.Errorf("lock store: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect, table: table, now: time.Now}, nil
}

func (s *SQLStore) Init(ctx context.Context) error {
	// #nosec G201 -- table name is validated in NewSQLStore
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			lock_id TEXT PRIMARY KEY,
			lease_id TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create lock table: %w", err)
	}
	return nil
}

func (s *SQLStore) Acquire(ctx context.Context, lockID, leaseID string, until time.Time) (bool, error) {
	// #nosec G201 -- table name is validated in NewSQLStore
	query := s.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %[1]s (lock_id, lease_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lock_id) DO UPDATE
		SET lease_id = excluded.lease_id, expires_at = excluded.expires_at
		WHERE %[1]s.expires_at < ?`, s.table))
	res, err := s.db.ExecContext(ctx, query, lockID, leaseID, sqlstore.Millis(until), sqlstore.Millis(s.now()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) Renew(ctx context.Context, lockID, leaseID string, until time.Time) error {
	// #nosec G201 -- table name is validated in NewSQLStore
	query := s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s SET expires_at = ? WHERE lock_id = ? AND lease_id = ?`, s.table))
	return s.expectOne(s.db.ExecContext(ctx, query, sqlstore.Millis(until), lockID, leaseID))
}

func (s *SQLStore) Release(ctx context.Context, lockID, leaseID string) error {
	// #nosec G201 -- table name is validated in NewSQLStore
	query := s.dialect.Rebind(fmt.Sprintf(`
		DELETE FROM %s WHERE lock_id = ? AND lease_id = ?`, s.table))
	return s.expectOne(s.db.ExecContext(ctx, query, lockID, leaseID))
}

func (s *SQLStore) expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
