// Package sqlqueue is a message queue stored in a SQL table. It backs the
// postgres and sqlite transports: fetching leases rows by stamping a lock
// token and expiry, settlement verbs are guarded by that token, and
// dead-lettered rows move to a companion table.
package sqlqueue

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	idspkg "github.com/BookBeat/knightbus-sub001/internal/runtime/ids"
	jsoncodec "github.com/BookBeat/knightbus-sub001/internal/runtime/jsoncodec"
	lockpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/lock"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/sqlstore"
	"github.com/BookBeat/knightbus-sub001/transport"
)

const (
	DefaultTable        = "knightbus_messages"
	DefaultPollInterval = 100 * time.Millisecond
)

var ErrClosed = errors.New("sqlqueue: queue is closed")

// Options configures a Queue.
type Options struct {
	Dialect sqlstore.Dialect
	// Table holds queued messages; dead letters go to Table + "_deadletter".
	Table        string
	PollInterval time.Duration
	Logger       loggingpkg.ServiceLogger
	// CloseDB closes the database together with the queue.
	CloseDB bool
	Now     func() time.Time
}

// Queue is a SQL-backed transport.Source and message.Publisher.
type Queue struct {
	db         *sql.DB
	dialect    sqlstore.Dialect
	table      string
	deadLetter string
	poll       time.Duration
	closeDB    bool
	now        func() time.Time
	logger     loggingpkg.ServiceLogger

	mu     sync.RWMutex
	closed bool
}

// DeadLetter is a row of the dead-letter table.
type DeadLetter struct {
	ID            int64
	MessageID     string
	Queue         string
	Body          []byte
	Properties    metadatapkg.Metadata
	Reason        string
	DeliveryCount int
	FailedAt      time.Time
}

// New creates the tables if needed.
func New(ctx context.Context, db *sql.DB, opts Options) (*Queue, error) {
	if db == nil {
		return nil, errors.New("sqlqueue: database is required")
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if err := sqlstore.ValidateTable(opts.Table); err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &Queue{
		db:         db,
		dialect:    opts.Dialect,
		table:      opts.Table,
		deadLetter: opts.Table + "_deadletter",
		poll:       opts.PollInterval,
		closeDB:    opts.CloseDB,
		now:        opts.Now,
		logger:     loggingpkg.OrNop(opts.Logger).With(loggingpkg.LogFields{"table": opts.Table, "dialect": opts.Dialect.String()}),
	}
	if err := q.migrate(ctx); err != nil {
		return nil, fmt.Errorf("sqlqueue: migrate: %w", err)
	}
	return q, nil
}

func (q *Queue) migrate(ctx context.Context) error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if q.dialect == sqlstore.Postgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
		if schema, _, ok := strings.Cut(q.table, "."); ok {
			if _, err := q.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
				return err
			}
		}
	}
	blob := q.dialect.BlobType()
	index := strings.ReplaceAll(q.table, ".", "_") + "_queue_idx"
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			message_id TEXT NOT NULL,
			queue TEXT NOT NULL,
			body %s NOT NULL,
			properties TEXT NOT NULL,
			enqueued_at BIGINT NOT NULL,
			locked_until BIGINT NOT NULL DEFAULT 0,
			lock_token TEXT NOT NULL DEFAULT '',
			delivery_count INTEGER NOT NULL DEFAULT 0
		)`, q.table, idColumn, blob),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (queue, locked_until, id)`, index, q.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			message_id TEXT NOT NULL,
			queue TEXT NOT NULL,
			body %s NOT NULL,
			properties TEXT NOT NULL,
			reason TEXT NOT NULL,
			delivery_count INTEGER NOT NULL,
			failed_at BIGINT NOT NULL
		)`, q.deadLetter, idColumn, blob),
	}
	for _, stmt := range statements {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) checkOpen() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// PollingDelay is how long the pump waits after an empty fetch.
func (q *Queue) PollingDelay() time.Duration { return q.poll }

// Send enqueues body on queue.
func (q *Queue) Send(ctx context.Context, queue string, body []byte, props metadatapkg.Metadata) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	return q.insert(ctx, q.db, queue, body, props)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	execer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (q *Queue) insert(ctx context.Context, db execer, queue string, body []byte, props metadatapkg.Metadata) error {
	id := props[metadatapkg.KeyMessageID]
	if id == "" {
		id = idspkg.CreateULID()
		props = props.With(metadatapkg.KeyMessageID, id)
	}
	encoded, err := jsoncodec.Marshal(props)
	if err != nil {
		return fmt.Errorf("sqlqueue: encode properties: %w", err)
	}
	if body == nil {
		body = []byte{}
	}
	query := q.dialect.Rebind(fmt.Sprintf(
		`INSERT INTO %s (message_id, queue, body, properties, enqueued_at) VALUES (?, ?, ?, ?, ?)`, q.table))
	if _, err := db.ExecContext(ctx, query, id, queue, body, string(encoded), sqlstore.Millis(q.now())); err != nil {
		return fmt.Errorf("sqlqueue: insert into %q: %w", queue, classify(err))
	}
	return nil
}

// Publish implements message.Publisher; topic names the queue.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	for _, m := range messages {
		props := metadatapkg.FromWatermill(m.Metadata)
		if props[metadatapkg.KeyMessageID] == "" {
			props = props.With(metadatapkg.KeyMessageID, m.UUID)
		}
		if err := q.Send(m.Context(), topic, m.Payload, props); err != nil {
			return err
		}
	}
	return nil
}

type row struct {
	id            int64
	messageID     string
	body          []byte
	properties    string
	deliveryCount int
}

// Fetch leases up to count unlocked rows of queue for lockDuration.
func (q *Queue) Fetch(ctx context.Context, queue string, count int, lockDuration time.Duration) ([]transport.Delivery, error) {
	if count < 1 {
		return nil, nil
	}
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	now := q.now()
	token := idspkg.CreateULID()
	skipLocked := ""
	if q.dialect == sqlstore.Postgres {
		skipLocked = " FOR UPDATE SKIP LOCKED"
	}
	query := q.dialect.Rebind(fmt.Sprintf(`
		UPDATE %[1]s
		SET locked_until = ?, lock_token = ?, delivery_count = delivery_count + 1
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE queue = ? AND locked_until < ?
			ORDER BY id
			LIMIT ?%[2]s
		)
		RETURNING id, message_id, body, properties, delivery_count`, q.table, skipLocked))

	rows, err := q.db.QueryContext(ctx, query,
		sqlstore.Millis(now.Add(lockDuration)), token, queue, sqlstore.Millis(now), count)
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: fetch %q: %w", queue, classify(err))
	}
	defer rows.Close()

	var leased []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.messageID, &r.body, &r.properties, &r.deliveryCount); err != nil {
			return nil, fmt.Errorf("sqlqueue: scan: %w", err)
		}
		leased = append(leased, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlqueue: fetch %q: %w", queue, classify(err))
	}
	slices.SortFunc(leased, func(a, b row) int { return cmp.Compare(a.id, b.id) })

	out := make([]transport.Delivery, 0, len(leased))
	for _, r := range leased {
		var props metadatapkg.Metadata
		if err := jsoncodec.Unmarshal([]byte(r.properties), &props); err != nil {
			q.logger.Error("Discarding unreadable properties", err, loggingpkg.LogFields{"message_id": r.messageID})
			props = metadatapkg.Metadata{}
		}
		out = append(out, transport.Delivery{
			Envelope: handlers.Envelope{
				ID:            r.messageID,
				Body:          r.body,
				Properties:    props,
				DeliveryCount: r.deliveryCount,
			},
			Settler: &settler{queue: q, name: queue, id: r.id, token: token},
		})
	}
	return out, nil
}

// Pending counts the rows of queue, leased or not.
func (q *Queue) Pending(ctx context.Context, queue string) (int64, error) {
	return q.count(ctx, q.table, queue)
}

// DeadLetterCount counts the dead letters of queue.
func (q *Queue) DeadLetterCount(ctx context.Context, queue string) (int64, error) {
	return q.count(ctx, q.deadLetter, queue)
}

func (q *Queue) count(ctx context.Context, table, queue string) (int64, error) {
	var n int64
	query := q.dialect.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE queue = ?`, table))
	if err := q.db.QueryRowContext(ctx, query, queue).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// DeadLetters lists dead letters of queue, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, queue string, limit, offset int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	query := q.dialect.Rebind(fmt.Sprintf(`
		SELECT id, message_id, queue, body, properties, reason, delivery_count, failed_at
		FROM %s WHERE queue = ? ORDER BY id LIMIT ? OFFSET ?`, q.deadLetter))
	rows, err := q.db.QueryContext(ctx, query, queue, limit, offset)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl       DeadLetter
			props    string
			failedAt int64
		)
		if err := rows.Scan(&dl.ID, &dl.MessageID, &dl.Queue, &dl.Body, &props, &dl.Reason, &dl.DeliveryCount, &failedAt); err != nil {
			return nil, err
		}
		if err := jsoncodec.Unmarshal([]byte(props), &dl.Properties); err != nil {
			dl.Properties = metadatapkg.Metadata{}
		}
		dl.FailedAt = time.UnixMilli(failedAt)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Replay moves a dead letter back onto its queue with a fresh delivery
// count.
func (q *Queue) Replay(ctx context.Context, deadLetterID int64) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		queue string
		body  []byte
		props string
	)
	query := q.dialect.Rebind(fmt.Sprintf(`SELECT queue, body, properties FROM %s WHERE id = ?`, q.deadLetter))
	if err := tx.QueryRowContext(ctx, query, deadLetterID).Scan(&queue, &body, &props); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlqueue: dead letter %d not found", deadLetterID)
		}
		return err
	}
	var md metadatapkg.Metadata
	if err := jsoncodec.Unmarshal([]byte(props), &md); err != nil {
		return fmt.Errorf("sqlqueue: decode properties: %w", err)
	}
	delete(md, metadatapkg.KeyDeadLetterErr)
	if err := q.insert(ctx, tx, queue, body, md); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, q.dialect.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, q.deadLetter)), deadLetterID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	q.logger.Info("Dead letter replayed", loggingpkg.LogFields{"queue": queue, "dead_letter_id": deadLetterID})
	return nil
}

// PurgeDeadLetters deletes every dead letter of queue.
func (q *Queue) PurgeDeadLetters(ctx context.Context, queue string) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE queue = ?`, q.deadLetter)), queue)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// Close stops Send and Fetch. The database is closed only when CloseDB was
// set.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.closeDB {
		return q.db.Close()
	}
	return nil
}

// classify marks connection-level failures as transient.
func classify(err error) error {
	if err == nil || !lockpkg.DefaultTransient(err) {
		return err
	}
	return lockpkg.Transient(err)
}

// settler settles one leased row. Every verb requires the lease to still
// be held: same token and not yet expired.
type settler struct {
	queue *Queue
	name  string
	id    int64
	token string

	mu      sync.Mutex
	settled bool
}

const leaseGuard = ` WHERE id = ? AND lock_token = ? AND locked_until >= ?`

func (s *settler) guarded(ctx context.Context, db querier, stmt string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		return handlers.ErrMessageAlreadySettled
	}
	args = append(args, s.id, s.token, sqlstore.Millis(s.queue.now()))
	res, err := db.ExecContext(ctx, s.queue.dialect.Rebind(stmt+leaseGuard), args...)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.lost(ctx, db)
	}
	return nil
}

// lost explains why a guarded statement matched nothing.
func (s *settler) lost(ctx context.Context, db querier) error {
	var token string
	query := s.queue.dialect.Rebind(fmt.Sprintf(`SELECT lock_token FROM %s WHERE id = ?`, s.queue.table))
	err := db.QueryRowContext(ctx, query, s.id).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return handlers.ErrMessageAlreadySettled
	}
	if err != nil {
		return classify(err)
	}
	return handlers.ErrMessageLockExpired
}

func (s *settler) markSettled() {
	s.mu.Lock()
	s.settled = true
	s.mu.Unlock()
}

func (s *settler) Complete(ctx context.Context, env *handlers.Envelope) error {
	if err := s.guarded(ctx, s.queue.db, fmt.Sprintf(`DELETE FROM %s`, s.queue.table)); err != nil {
		return err
	}
	s.markSettled()
	return nil
}

func (s *settler) Abandon(ctx context.Context, env *handlers.Envelope, cause error) error {
	err := s.guarded(ctx, s.queue.db,
		fmt.Sprintf(`UPDATE %s SET locked_until = 0, lock_token = ''`, s.queue.table))
	if err != nil {
		return err
	}
	s.markSettled()
	return nil
}

func (s *settler) DeadLetter(ctx context.Context, env *handlers.Envelope, reason string) error {
	tx, err := s.queue.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.guarded(ctx, tx, fmt.Sprintf(`DELETE FROM %s`, s.queue.table)); err != nil {
		return err
	}
	props, err := jsoncodec.Marshal(env.Properties.With(metadatapkg.KeyDeadLetterErr, reason))
	if err != nil {
		return err
	}
	body := env.Body
	if body == nil {
		body = []byte{}
	}
	insert := s.queue.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %s (message_id, queue, body, properties, reason, delivery_count, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, s.queue.deadLetter))
	if _, err := tx.ExecContext(ctx, insert, env.ID, s.name, body, string(props), reason, env.DeliveryCount, sqlstore.Millis(s.queue.now())); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	s.markSettled()
	s.queue.logger.Info("Message dead-lettered", loggingpkg.LogFields{"queue": s.name, "message_id": env.ID, "reason": reason})
	return nil
}

func (s *settler) Reply(ctx context.Context, env *handlers.Envelope, body []byte, props metadatapkg.Metadata) error {
	to := env.Properties[metadatapkg.KeyReplyTo]
	if to == "" {
		return fmt.Errorf("message %s has no reply queue", env.ID)
	}
	return s.queue.Send(ctx, to, body, props.With(metadatapkg.KeyMessageID, idspkg.CreateULID()))
}

func (s *settler) RenewLock(ctx context.Context, env *handlers.Envelope, d time.Duration) error {
	return s.guarded(ctx, s.queue.db,
		fmt.Sprintf(`UPDATE %s SET locked_until = ?`, s.queue.table),
		sqlstore.Millis(s.queue.now().Add(d)))
}
