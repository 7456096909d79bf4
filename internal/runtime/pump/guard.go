package pump

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
)

// guardedState enforces the per-attempt rules on top of a transport state:
// one completion verb, nothing after the processing deadline, and the
// handler's dead-letter limit when the transport reports none.
type guardedState[T any] struct {
	handlers.MessageStateHandler[T]

	deadline      time.Time
	fallbackLimit int
	settled       atomic.Bool
}

func newGuardedState[T any](inner handlers.MessageStateHandler[T], deadline time.Time, fallbackLimit int) *guardedState[T] {
	return &guardedState[T]{MessageStateHandler: inner, deadline: deadline, fallbackLimit: fallbackLimit}
}

func (g *guardedState[T]) DeadLetterDeliveryLimit() int {
	if limit := g.MessageStateHandler.DeadLetterDeliveryLimit(); limit > 0 {
		return limit
	}
	return g.fallbackLimit
}

func (g *guardedState[T]) Complete(ctx context.Context) error {
	return g.settle(func() error { return g.MessageStateHandler.Complete(ctx) })
}

func (g *guardedState[T]) AbandonByError(ctx context.Context, cause error) error {
	return g.settle(func() error { return g.MessageStateHandler.AbandonByError(ctx, cause) })
}

func (g *guardedState[T]) DeadLetter(ctx context.Context, limit int) error {
	return g.settle(func() error { return g.MessageStateHandler.DeadLetter(ctx, limit) })
}

func (g *guardedState[T]) Reply(ctx context.Context, payload any) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.MessageStateHandler.Reply(ctx, payload)
}

func (g *guardedState[T]) RenewLock(ctx context.Context, d time.Duration) error {
	if err := g.check(); err != nil {
		return err
	}
	renewer, ok := g.MessageStateHandler.(handlers.LockRenewer)
	if !ok {
		return handlers.ErrLockRenewalUnsupported
	}
	return renewer.RenewLock(ctx, d)
}

func (g *guardedState[T]) check() error {
	if time.Now().After(g.deadline) {
		return handlers.ErrMessageLockExpired
	}
	if g.settled.Load() {
		return handlers.ErrMessageAlreadySettled
	}
	return nil
}

// settle runs verb at most once. A verb the transport rejected does not
// count, so the caller may fall back to another one.
func (g *guardedState[T]) settle(verb func() error) error {
	if time.Now().After(g.deadline) {
		return handlers.ErrMessageLockExpired
	}
	if !g.settled.CompareAndSwap(false, true) {
		return handlers.ErrMessageAlreadySettled
	}
	if err := verb(); err != nil {
		g.settled.Store(false)
		return err
	}
	return nil
}
