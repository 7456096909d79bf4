// Package saga persists workflow state shared by several messages and
// activates saga handlers from the pipeline.
//
// Records are keyed by partition and saga id. Writes are guarded by an opaque
// concurrency stamp that changes on every update, so concurrent writers on
// different hosts never overwrite each other silently. Expired records behave
// as if they did not exist.
package saga

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSagaAlreadyStarted is returned by Create when a live record exists.
	ErrSagaAlreadyStarted = errors.New("knightbus: saga already started")
	// ErrSagaNotFound is returned for absent or expired records.
	ErrSagaNotFound = errors.New("knightbus: saga not found")
	// ErrSagaConflict is returned when the concurrency stamp is stale.
	ErrSagaConflict = errors.New("knightbus: saga concurrency stamp mismatch")
	// ErrUnmappedMessage is returned when no mapping exists for a message type.
	ErrUnmappedMessage = errors.New("knightbus: message type is not mapped to a saga")
)

// Record is the stored form of a saga. A zero ExpiresAt never expires.
type Record struct {
	Data             []byte
	ConcurrencyStamp string
	ExpiresAt        time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store is the saga persistence contract.
type Store interface {
	Init(ctx context.Context) error
	// Create inserts a record living for ttl, or forever when ttl <= 0.
	// It fails with ErrSagaAlreadyStarted while a live record exists.
	Create(ctx context.Context, partitionKey, id string, data []byte, ttl time.Duration) (Record, error)
	Get(ctx context.Context, partitionKey, id string) (Record, error)
	// Update replaces the data when stamp is current and returns the record
	// with its new stamp. The expiry is unchanged.
	Update(ctx context.Context, partitionKey, id string, data []byte, stamp string) (Record, error)
	// Complete deletes the record when stamp is current.
	Complete(ctx context.Context, partitionKey, id, stamp string) error
	// Delete removes the record regardless of its stamp. It fails with
	// ErrSagaNotFound when no live record exists.
	Delete(ctx context.Context, partitionKey, id string) error
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
