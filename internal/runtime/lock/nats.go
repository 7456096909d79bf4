package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/jsoncodec"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/natskv"
)

// DefaultBucket is the key/value bucket used when none is configured.
const DefaultBucket = "knightbus_locks"

type natsLease struct {
	LeaseID   string `json:"lease_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// NATSStore keeps leases in a JetStream key/value bucket. Every write is
// guarded by the revision read just before it.
type NATSStore struct {
	js     nats.JetStreamContext
	bucket string
	kv     nats.KeyValue
	now    func() time.Time
}

// NewNATSStore returns a store over js. An empty bucket selects
// DefaultBucket. The bucket is opened or created by Init.
func NewNATSStore(js nats.JetStreamContext, bucket string) *NATSStore {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &NATSStore{js: js, bucket: bucket, now: time.Now}
}

func (s *NATSStore) Init(context.Context) error {
	kv, err := natskv.Bucket(s.js, s.bucket, "knightbus singleton leases")
	if err != nil {
		return err
	}
	s.kv = kv
	return nil
}

func (s *NATSStore) Acquire(ctx context.Context, lockID, leaseID string, until time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := natskv.Key(lockID)
	value, err := jsoncodec.Marshal(natsLease{LeaseID: leaseID, ExpiresAt: until.UnixMilli()})
	if err != nil {
		return false, err
	}

	cur, rev, err := s.load(key)
	switch {
	case errors.Is(err, nats.ErrKeyNotFound):
		_, err = s.kv.Create(key, value)
	case err != nil:
		return false, err
	case cur.ExpiresAt > s.now().UnixMilli():
		return false, nil
	default:
		_, err = s.kv.Update(key, value, rev)
	}
	if natskv.IsConflict(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *NATSStore) Renew(ctx context.Context, lockID, leaseID string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := natskv.Key(lockID)
	rev, err := s.owned(key, leaseID)
	if err != nil {
		return err
	}
	value, err := jsoncodec.Marshal(natsLease{LeaseID: leaseID, ExpiresAt: until.UnixMilli()})
	if err != nil {
		return err
	}
	if _, err := s.kv.Update(key, value, rev); err != nil {
		if natskv.IsConflict(err) {
			return ErrLeaseLost
		}
		return Transient(err)
	}
	return nil
}

func (s *NATSStore) Release(ctx context.Context, lockID, leaseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := natskv.Key(lockID)
	rev, err := s.owned(key, leaseID)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(key, nats.LastRevision(rev)); err != nil {
		if natskv.IsConflict(err) {
			return ErrLeaseLost
		}
		return err
	}
	return nil
}

func (s *NATSStore) owned(key, leaseID string) (uint64, error) {
	cur, rev, err := s.load(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return 0, ErrLeaseLost
	}
	if err != nil {
		return 0, Transient(err)
	}
	if cur.LeaseID != leaseID {
		return 0, ErrLeaseLost
	}
	return rev, nil
}

func (s *NATSStore) load(key string) (natsLease, uint64, error) {
	if s.kv == nil {
		return natsLease{}, 0, fmt.Errorf("lock store: bucket %q not initialized", s.bucket)
	}
	entry, err := s.kv.Get(key)
	if err != nil {
		return natsLease{}, 0, err
	}
	var lease natsLease
	if err := jsoncodec.Unmarshal(entry.Value(), &lease); err != nil {
		return natsLease{}, 0, fmt.Errorf("decode lease %q: %w", key, err)
	}
	return lease, entry.Revision(), nil
}
