package sqlqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/sqlstore"
	"github.com/BookBeat/knightbus-sub001/transport"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlstore.Open(ctx, sqlstore.SQLite, ":memory:")
	require.NoError(t, err)
	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	q, err := New(ctx, db, Options{Dialect: sqlstore.SQLite, Now: c.Now, CloseDB: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, c
}

func fetch(t *testing.T, q *Queue, queue string, count int) []transport.Delivery {
	t.Helper()
	out, err := q.Fetch(context.Background(), queue, count, 30*time.Second)
	require.NoError(t, err)
	return out
}

func TestNewRejectsInvalidTable(t *testing.T) {
	db, err := sqlstore.Open(context.Background(), sqlstore.SQLite, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = New(context.Background(), db, Options{Dialect: sqlstore.SQLite, Table: "bad name;"})
	assert.Error(t, err)

	_, err = New(context.Background(), nil, Options{})
	assert.Error(t, err)
}

func TestFetchLeasesInOrder(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, q.Send(ctx, "orders", []byte(body), metadatapkg.New("tenant", "acme")))
	}
	require.NoError(t, q.Send(ctx, "other", []byte("x"), nil))

	got := fetch(t, q, "orders", 2)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("a"), got[0].Envelope.Body)
	assert.Equal(t, []byte("b"), got[1].Envelope.Body)
	assert.Equal(t, 1, got[0].Envelope.DeliveryCount)
	assert.Equal(t, "acme", got[0].Envelope.Properties["tenant"])
	assert.Len(t, got[0].Envelope.ID, 26)
	assert.Equal(t, got[0].Envelope.ID, got[0].Envelope.Properties[metadatapkg.KeyMessageID])

	rest := fetch(t, q, "orders", 10)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("c"), rest[0].Envelope.Body)

	assert.Empty(t, fetch(t, q, "orders", 10))
	assert.Empty(t, fetch(t, q, "orders", 0))
}

func TestCompleteDeletes(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "orders", []byte("a"), nil))

	d := fetch(t, q, "orders", 1)[0]
	require.NoError(t, d.Settler.Complete(ctx, &d.Envelope))
	assert.ErrorIs(t, d.Settler.Complete(ctx, &d.Envelope), handlers.ErrMessageAlreadySettled)

	n, err := q.Pending(ctx, "orders")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAbandonRedelivers(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "orders", []byte("a"), nil))

	d := fetch(t, q, "orders", 1)[0]
	require.NoError(t, d.Settler.Abandon(ctx, &d.Envelope, errors.New("boom")))

	again := fetch(t, q, "orders", 1)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Envelope.DeliveryCount)
	assert.Equal(t, d.Envelope.ID, again[0].Envelope.ID)
}

func TestExpiredLeaseIsRefetchedAndOldSettlerLoses(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "orders", []byte("a"), nil))

	first := fetch(t, q, "orders", 1)[0]
	assert.Empty(t, fetch(t, q, "orders", 1))

	c.Advance(31 * time.Second)
	assert.ErrorIs(t, first.Settler.Complete(ctx, &first.Envelope), handlers.ErrMessageLockExpired)

	second := fetch(t, q, "orders", 1)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].Envelope.DeliveryCount)
	assert.ErrorIs(t, first.Settler.Abandon(ctx, &first.Envelope, nil), handlers.ErrMessageLockExpired)
	require.NoError(t, second[0].Settler.Complete(ctx, &second[0].Envelope))
}

func TestRenewLockExtendsLease(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "orders", []byte("a"), nil))

	d := fetch(t, q, "orders", 1)[0]
	renewer, ok := d.Settler.(handlers.RenewingSettler)
	require.True(t, ok)

	c.Advance(20 * time.Second)
	require.NoError(t, renewer.RenewLock(ctx, &d.Envelope, time.Minute))
	c.Advance(30 * time.Second)

	assert.Empty(t, fetch(t, q, "orders", 1))
	require.NoError(t, d.Settler.Complete(ctx, &d.Envelope))
}

func TestDeadLetterMovesRow(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "orders", []byte("a"), metadatapkg.New("tenant", "acme")))

	d := fetch(t, q, "orders", 1)[0]
	require.NoError(t, d.Settler.DeadLetter(ctx, &d.Envelope, "poison"))
	assert.ErrorIs(t, d.Settler.DeadLetter(ctx, &d.Envelope, "again"), handlers.ErrMessageAlreadySettled)

	pending, err := q.Pending(ctx, "orders")
	require.NoError(t, err)
	assert.Zero(t, pending)

	dead, err := q.DeadLetterCount(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)

	list, err := q.DeadLetters(ctx, "orders", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, d.Envelope.ID, list[0].MessageID)
	assert.Equal(t, "poison", list[0].Reason)
	assert.Equal(t, "poison", list[0].Properties[metadatapkg.KeyDeadLetterErr])
	assert.Equal(t, "acme", list[0].Properties["tenant"])
	assert.Equal(t, 1, list[0].DeliveryCount)
}

func TestDeadLetterAfterExpiryFails(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "orders", []byte("a"), nil))

	d := fetch(t, q, "orders", 1)[0]
	c.Advance(time.Minute)
	assert.ErrorIs(t, d.Settler.DeadLetter(ctx, &d.Envelope, "late"), handlers.ErrMessageLockExpired)

	dead, err := q.DeadLetterCount(ctx, "orders")
	require.NoError(t, err)
	assert.Zero(t, dead)
}

func TestReplayAndPurge(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "orders", []byte("a"), nil))
	require.NoError(t, q.Send(ctx, "orders", []byte("b"), nil))

	for _, d := range fetch(t, q, "orders", 2) {
		require.NoError(t, d.Settler.DeadLetter(ctx, &d.Envelope, "poison"))
	}
	list, err := q.DeadLetters(ctx, "orders", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, q.Replay(ctx, list[0].ID))
	assert.Error(t, q.Replay(ctx, list[0].ID))

	replayed := fetch(t, q, "orders", 1)
	require.Len(t, replayed, 1)
	assert.Equal(t, list[0].MessageID, replayed[0].Envelope.ID)
	assert.Equal(t, 1, replayed[0].Envelope.DeliveryCount)
	assert.NotContains(t, replayed[0].Envelope.Properties, metadatapkg.KeyDeadLetterErr)

	purged, err := q.PurgeDeadLetters(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestReplySendsToReplyQueue(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "requests", []byte("ping"), metadatapkg.New(metadatapkg.KeyReplyTo, "replies")))

	d := fetch(t, q, "requests", 1)[0]
	require.NoError(t, d.Settler.Reply(ctx, &d.Envelope, []byte("pong"), metadatapkg.New(metadatapkg.KeyCorrelationID, d.Envelope.ID)))

	replies := fetch(t, q, "replies", 1)
	require.Len(t, replies, 1)
	assert.Equal(t, []byte("pong"), replies[0].Envelope.Body)
	assert.Equal(t, d.Envelope.ID, replies[0].Envelope.Properties[metadatapkg.KeyCorrelationID])
	assert.NotEqual(t, d.Envelope.ID, replies[0].Envelope.ID)

	require.NoError(t, q.Send(ctx, "requests", []byte("ping"), nil))
	noReply := fetch(t, q, "requests", 1)[0]
	assert.Error(t, noReply.Settler.Reply(ctx, &noReply.Envelope, []byte("pong"), nil))
}

func TestPublishUsesMessageUUID(t *testing.T) {
	q, _ := newQueue(t)
	msg := message.NewMessage("uuid-1", []byte("a"))
	msg.Metadata.Set("tenant", "acme")
	require.NoError(t, q.Publish("orders", msg))

	got := fetch(t, q, "orders", 1)
	require.Len(t, got, 1)
	assert.Equal(t, "uuid-1", got[0].Envelope.ID)
	assert.Equal(t, "acme", got[0].Envelope.Properties["tenant"])
}

func TestClosedQueueRejectsWork(t *testing.T) {
	q, _ := newQueue(t)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Send(context.Background(), "orders", []byte("a"), nil), ErrClosed)
	_, err := q.Fetch(context.Background(), "orders", 1, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPollingDelay(t *testing.T) {
	q, _ := newQueue(t)
	assert.Equal(t, DefaultPollInterval, q.PollingDelay())
}
