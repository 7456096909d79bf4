// Package gate bounds the number of handler invocations running at once.
package gate

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is a counting semaphore with FIFO waiters. Every successful Acquire
// must be paired with exactly one Release.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
	peak     atomic.Int64
}

// New creates a gate with capacity slots. Capacities below one are raised to one.
func New(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Acquire blocks until a slot is free or ctx is done. On cancellation it
// returns the context error and no slot is held.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := g.inUse.Add(1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return nil
}

// Release returns one slot. Releasing more slots than were acquired panics.
func (g *Gate) Release() {
	g.inUse.Add(-1)
	g.sem.Release(1)
}

// CurrentCount reports the number of free slots. The value is only a
// snapshot and must not drive control flow.
func (g *Gate) CurrentCount() int {
	return g.capacity - int(g.inUse.Load())
}

// Capacity returns the total number of slots.
func (g *Gate) Capacity() int { return g.capacity }

// Peak returns the highest number of slots held at the same time.
func (g *Gate) Peak() int { return int(g.peak.Load()) }
