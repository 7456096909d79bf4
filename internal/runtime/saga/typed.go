package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/jsoncodec"
)

// Data is a decoded saga record.
type Data[D any] struct {
	Data             D
	ConcurrencyStamp string
	ExpiresAt        time.Time
}

// TypedStore encodes saga data of type D as JSON on top of a Store.
type TypedStore[D any] struct {
	store Store
}

// NewTypedStore wraps store.
func NewTypedStore[D any](store Store) *TypedStore[D] {
	return &TypedStore[D]{store: store}
}

// Store returns the underlying Store.
func (t *TypedStore[D]) Store() Store { return t.store }

func (t *TypedStore[D]) Create(ctx context.Context, partitionKey, id string, data D, ttl time.Duration) (*Data[D], error) {
	raw, err := jsoncodec.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode saga %s/%s: %w", partitionKey, id, err)
	}
	rec, err := t.store.Create(ctx, partitionKey, id, raw, ttl)
	if err != nil {
		return nil, err
	}
	return &Data[D]{Data: data, ConcurrencyStamp: rec.ConcurrencyStamp, ExpiresAt: rec.ExpiresAt}, nil
}

func (t *TypedStore[D]) Get(ctx context.Context, partitionKey, id string) (*Data[D], error) {
	rec, err := t.store.Get(ctx, partitionKey, id)
	if err != nil {
		return nil, err
	}
	out := &Data[D]{ConcurrencyStamp: rec.ConcurrencyStamp, ExpiresAt: rec.ExpiresAt}
	if err := jsoncodec.Unmarshal(rec.Data, &out.Data); err != nil {
		return nil, fmt.Errorf("decode saga %s/%s: %w", partitionKey, id, err)
	}
	return out, nil
}

// Update persists data and refreshes its stamp in place.
func (t *TypedStore[D]) Update(ctx context.Context, partitionKey, id string, data *Data[D]) error {
	raw, err := jsoncodec.Marshal(data.Data)
	if err != nil {
		return fmt.Errorf("encode saga %s/%s: %w", partitionKey, id, err)
	}
	rec, err := t.store.Update(ctx, partitionKey, id, raw, data.ConcurrencyStamp)
	if err != nil {
		return err
	}
	data.ConcurrencyStamp = rec.ConcurrencyStamp
	data.ExpiresAt = rec.ExpiresAt
	return nil
}

func (t *TypedStore[D]) Complete(ctx context.Context, partitionKey, id string, data *Data[D]) error {
	return t.store.Complete(ctx, partitionKey, id, data.ConcurrencyStamp)
}

func (t *TypedStore[D]) Delete(ctx context.Context, partitionKey, id string) error {
	return t.store.Delete(ctx, partitionKey, id)
}

// Saga is the handle a saga handler works with. Changes to Data are kept in
// memory until Update or Complete is called.
type Saga[D any] struct {
	store        *TypedStore[D]
	partitionKey string
	id           string
	state        *Data[D]
	started      bool
	completed    bool
}

func (s *Saga[D]) ID() string               { return s.id }
func (s *Saga[D]) PartitionKey() string     { return s.partitionKey }
func (s *Saga[D]) ConcurrencyStamp() string { return s.state.ConcurrencyStamp }

// Data returns the mutable saga state.
func (s *Saga[D]) Data() *D { return &s.state.Data }

// Started reports whether this message created the saga.
func (s *Saga[D]) Started() bool { return s.started }

// Completed reports whether Complete succeeded.
func (s *Saga[D]) Completed() bool { return s.completed }

// Update persists the current state. A concurrent writer surfaces as
// ErrSagaConflict.
func (s *Saga[D]) Update(ctx context.Context) error {
	return s.store.Update(ctx, s.partitionKey, s.id, s.state)
}

// Complete removes the saga.
func (s *Saga[D]) Complete(ctx context.Context) error {
	if err := s.store.Complete(ctx, s.partitionKey, s.id, s.state); err != nil {
		return err
	}
	s.completed = true
	return nil
}
