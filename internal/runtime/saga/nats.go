package saga

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/jsoncodec"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/natskv"
)

// DefaultBucket is the key/value bucket used when none is configured.
const DefaultBucket = "knightbus_sagas"

type natsRecord struct {
	Data      []byte `json:"data"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// NATSStore keeps sagas in a JetStream key/value bucket. The entry revision
// is the concurrency stamp.
type NATSStore struct {
	js     nats.JetStreamContext
	bucket string
	kv     nats.KeyValue
	now    func() time.Time
}

// NewNATSStore returns a store over js. The bucket is opened or created by
// Init.
func NewNATSStore(js nats.JetStreamContext, bucket string) *NATSStore {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &NATSStore{js: js, bucket: bucket, now: time.Now}
}

func (s *NATSStore) Init(context.Context) error {
	kv, err := natskv.Bucket(s.js, s.bucket, "knightbus saga state")
	if err != nil {
		return err
	}
	s.kv = kv
	return nil
}

func (s *NATSStore) Create(ctx context.Context, partitionKey, id string, data []byte, ttl time.Duration) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	key := natskv.Key(partitionKey, id)
	expiresAt := expiry(s.now(), ttl)
	value, err := jsoncodec.Marshal(natsRecord{Data: data, ExpiresAt: toMillis(expiresAt)})
	if err != nil {
		return Record{}, err
	}

	rev, err := s.kvCreate(key, value)
	if natskv.IsConflict(err) {
		cur, curRev, loadErr := s.load(key)
		switch {
		case errors.Is(loadErr, nats.ErrKeyNotFound):
			rev, err = s.kvCreate(key, value)
		case loadErr != nil:
			return Record{}, loadErr
		case !cur.expired(s.now()):
			return Record{}, ErrSagaAlreadyStarted
		default:
			rev, err = s.kv.Update(key, value, curRev)
		}
	}
	if natskv.IsConflict(err) {
		return Record{}, ErrSagaAlreadyStarted
	}
	if err != nil {
		return Record{}, fmt.Errorf("create saga %s/%s: %w", partitionKey, id, err)
	}
	return Record{Data: data, ConcurrencyStamp: stampOf(rev), ExpiresAt: expiresAt}, nil
}

func (s *NATSStore) Get(ctx context.Context, partitionKey, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	rec, _, err := s.live(natskv.Key(partitionKey, id))
	return rec, err
}

func (s *NATSStore) Update(ctx context.Context, partitionKey, id string, data []byte, stamp string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	key := natskv.Key(partitionKey, id)
	cur, rev, err := s.live(key)
	if err != nil {
		return Record{}, err
	}
	if cur.ConcurrencyStamp != stamp {
		return Record{}, ErrSagaConflict
	}
	value, err := jsoncodec.Marshal(natsRecord{Data: data, ExpiresAt: toMillis(cur.ExpiresAt)})
	if err != nil {
		return Record{}, err
	}
	next, err := s.kv.Update(key, value, rev)
	if natskv.IsConflict(err) {
		return Record{}, ErrSagaConflict
	}
	if err != nil {
		return Record{}, fmt.Errorf("update saga %s/%s: %w", partitionKey, id, err)
	}
	return Record{Data: data, ConcurrencyStamp: stampOf(next), ExpiresAt: cur.ExpiresAt}, nil
}

func (s *NATSStore) Complete(ctx context.Context, partitionKey, id, stamp string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := natskv.Key(partitionKey, id)
	cur, rev, err := s.live(key)
	if err != nil {
		return err
	}
	if cur.ConcurrencyStamp != stamp {
		return ErrSagaConflict
	}
	if err := s.kv.Delete(key, nats.LastRevision(rev)); err != nil {
		if natskv.IsConflict(err) {
			return ErrSagaConflict
		}
		return fmt.Errorf("complete saga %s/%s: %w", partitionKey, id, err)
	}
	return nil
}

func (s *NATSStore) Delete(ctx context.Context, partitionKey, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := natskv.Key(partitionKey, id)
	cur, _, err := s.load(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return ErrSagaNotFound
	}
	if err != nil {
		return err
	}
	if err := s.kv.Delete(key); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return ErrSagaNotFound
		}
		return fmt.Errorf("delete saga %s/%s: %w", partitionKey, id, err)
	}
	// an expired record is purged but was not live
	if cur.expired(s.now()) {
		return ErrSagaNotFound
	}
	return nil
}

func (s *NATSStore) kvCreate(key string, value []byte) (uint64, error) {
	if s.kv == nil {
		return 0, s.errNotInitialized()
	}
	return s.kv.Create(key, value)
}

func (s *NATSStore) live(key string) (Record, uint64, error) {
	rec, rev, err := s.load(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return Record{}, 0, ErrSagaNotFound
	}
	if err != nil {
		return Record{}, 0, err
	}
	if rec.expired(s.now()) {
		return Record{}, 0, ErrSagaNotFound
	}
	return rec, rev, nil
}

func (s *NATSStore) load(key string) (Record, uint64, error) {
	if s.kv == nil {
		return Record{}, 0, s.errNotInitialized()
	}
	entry, err := s.kv.Get(key)
	if err != nil {
		return Record{}, 0, err
	}
	var stored natsRecord
	if err := jsoncodec.Unmarshal(entry.Value(), &stored); err != nil {
		return Record{}, 0, fmt.Errorf("decode saga %q: %w", key, err)
	}
	return Record{
		Data:             stored.Data,
		ConcurrencyStamp: stampOf(entry.Revision()),
		ExpiresAt:        fromMillis(stored.ExpiresAt),
	}, entry.Revision(), nil
}

func (s *NATSStore) errNotInitialized() error {
	return fmt.Errorf("saga store: bucket %q not initialized", s.bucket)
}

func stampOf(rev uint64) string { return strconv.FormatUint(rev, 10) }
