package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/ids"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/sqlstore"
)

// DefaultTable is the saga table used when none is configured.
const DefaultTable = "knightbus_sagas"

// SQLStore keeps sagas in a relational table. expires_at holds unix
// milliseconds, zero meaning the record never expires.
type SQLStore struct {
	db      *sql.DB
	dialect sqlstore.Dialect
	table   string
	now     func() time.Time
}

// NewSQLStore returns a store over db. An empty table selects DefaultTable.
func NewSQLStore(db *sql.DB, dialect sqlstore.Dialect, table string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("saga store: database is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if err := sqlstore.ValidateTable(table); err != nil {
		return nil, fmt.Errorf("saga store: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect, table: table, now: time.Now}, nil
}

func (s *SQLStore) Init(ctx context.Context) error {
	// #nosec G201 -- table name is validated in NewSQLStore
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			partition_key TEXT NOT NULL,
			saga_id TEXT NOT NULL,
			data %s,
			stamp TEXT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (partition_key, saga_id)
		)`, s.table, s.dialect.BlobType())
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create saga table: %w", err)
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, partitionKey, id string, data []byte, ttl time.Duration) (Record, error) {
	now := s.now()
	rec := Record{Data: data, ConcurrencyStamp: ids.CreateULID(), ExpiresAt: expiry(now, ttl)}

	// #nosec G201 -- table name is validated in NewSQLStore
	query := s.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %[1]s (partition_key, saga_id, data, stamp, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (partition_key, saga_id) DO UPDATE
		SET data = excluded.data, stamp = excluded.stamp, expires_at = excluded.expires_at
		WHERE %[1]s.expires_at <> 0 AND %[1]s.expires_at <= ?`, s.table))
	res, err := s.db.ExecContext(ctx, query, partitionKey, id, data, rec.ConcurrencyStamp, toMillis(rec.ExpiresAt), sqlstore.Millis(now))
	if err != nil {
		return Record{}, fmt.Errorf("create saga %s/%s: %w", partitionKey, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, err
	}
	if n == 0 {
		return Record{}, ErrSagaAlreadyStarted
	}
	return rec, nil
}

func (s *SQLStore) Get(ctx context.Context, partitionKey, id string) (Record, error) {
	// #nosec G201 -- table name is validated in NewSQLStore
	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT data, stamp, expires_at FROM %s
		WHERE partition_key = ? AND saga_id = ? AND (expires_at = 0 OR expires_at > ?)`, s.table))

	var (
		rec     Record
		expires int64
	)
	err := s.db.QueryRowContext(ctx, query, partitionKey, id, sqlstore.Millis(s.now())).
		Scan(&rec.Data, &rec.ConcurrencyStamp, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrSagaNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get saga %s/%s: %w", partitionKey, id, err)
	}
	rec.ExpiresAt = fromMillis(expires)
	return rec, nil
}

func (s *SQLStore) Update(ctx context.Context, partitionKey, id string, data []byte, stamp string) (Record, error) {
	next := ids.CreateULID()
	// #nosec G201 -- table name is validated in NewSQLStore
	query := s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s SET data = ?, stamp = ?
		WHERE partition_key = ? AND saga_id = ? AND stamp = ? AND (expires_at = 0 OR expires_at > ?)
		RETURNING expires_at`, s.table))

	var expires int64
	err := s.db.QueryRowContext(ctx, query, data, next, partitionKey, id, stamp, sqlstore.Millis(s.now())).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, s.missOrConflict(ctx, partitionKey, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("update saga %s/%s: %w", partitionKey, id, err)
	}
	return Record{Data: data, ConcurrencyStamp: next, ExpiresAt: fromMillis(expires)}, nil
}

func (s *SQLStore) Complete(ctx context.Context, partitionKey, id, stamp string) error {
	// #nosec G201 -- table name is validated in NewSQLStore
	query := s.dialect.Rebind(fmt.Sprintf(`
		DELETE FROM %s
		WHERE partition_key = ? AND saga_id = ? AND stamp = ? AND (expires_at = 0 OR expires_at > ?)`, s.table))
	res, err := s.db.ExecContext(ctx, query, partitionKey, id, stamp, sqlstore.Millis(s.now()))
	if err != nil {
		return fmt.Errorf("complete saga %s/%s: %w", partitionKey, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missOrConflict(ctx, partitionKey, id)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, partitionKey, id string) error {
	// #nosec G201 -- table name is validated in NewSQLStore
	query := s.dialect.Rebind(fmt.Sprintf(`
		DELETE FROM %s
		WHERE partition_key = ? AND saga_id = ? AND (expires_at = 0 OR expires_at > ?)`, s.table))
	res, err := s.db.ExecContext(ctx, query, partitionKey, id, sqlstore.Millis(s.now()))
	if err != nil {
		return fmt.Errorf("delete saga %s/%s: %w", partitionKey, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSagaNotFound
	}
	return nil
}

// missOrConflict tells a stale stamp from an absent record after a
// conditional write matched no row.
func (s *SQLStore) missOrConflict(ctx context.Context, partitionKey, id string) error {
	_, err := s.Get(ctx, partitionKey, id)
	switch {
	case err == nil:
		return ErrSagaConflict
	case errors.Is(err, ErrSagaNotFound):
		return ErrSagaNotFound
	default:
		return err
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return sqlstore.Millis(t)
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
