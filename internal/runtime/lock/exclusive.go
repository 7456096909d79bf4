package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
)

const (
	DefaultLease = 30 * time.Second
)

// ExclusiveOptions tunes the renewal loop of RunExclusive.
type ExclusiveOptions struct {
	// Lease is the lease period requested on every acquire and renewal.
	Lease time.Duration
	// RenewInterval is the pause between successful renewals. Defaults to a
	// third of the lease.
	RenewInterval time.Duration
	// RetryInterval is the pause after a transient renewal failure. Defaults
	// to a quarter of RenewInterval.
	RetryInterval time.Duration
	// SafetyMargin is how long before the store-side expiry the work is
	// cancelled when renewals stop succeeding. Defaults to a tenth of the
	// lease.
	SafetyMargin time.Duration
	Logger       loggingpkg.ServiceLogger
}

func (o ExclusiveOptions) withDefaults() ExclusiveOptions {
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.RenewInterval <= 0 || o.RenewInterval >= o.Lease {
		o.RenewInterval = o.Lease / 3
	}
	if o.RetryInterval <= 0 || o.RetryInterval > o.RenewInterval {
		o.RetryInterval = o.RenewInterval / 4
	}
	if o.SafetyMargin <= 0 || o.SafetyMargin >= o.Lease-o.RenewInterval {
		o.SafetyMargin = min(o.Lease/10, (o.Lease-o.RenewInterval)/2)
	}
	o.Logger = loggingpkg.OrNop(o.Logger)
	return o
}

// RunExclusive runs fn while holding the lease on lockID. When the lease is
// held elsewhere it returns false without calling fn.
//
// The context passed to fn is cancelled with an ErrLeaseLost cause when a
// renewal fails definitively, or SafetyMargin before the expiry written by
// the last successful store call, so no other owner can acquire the lease
// before the work is told to stop. The lease is released after fn returns.
func RunExclusive(ctx context.Context, locker Locker, lockID string, opts ExclusiveOptions, fn func(ctx context.Context) error) (bool, error) {
	opts = opts.withDefaults()
	handle, err := locker.TryLock(ctx, lockID, opts.Lease)
	if err != nil {
		return false, err
	}
	if handle == nil {
		return false, nil
	}
	logger := opts.Logger.With(loggingpkg.LogFields{"lock_id": lockID, "lease_id": handle.LeaseID()})
	logger.Debug("Lock acquired", nil)

	workCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		keepAlive(workCtx, cancel, handle, opts, logger)
	}()

	fnErr := fn(workCtx)
	lost := context.Cause(workCtx)
	cancel(nil)
	wg.Wait()

	if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
		logger.Error("Failed to release lock", err, nil)
	} else {
		logger.Debug("Lock released", nil)
	}

	if lost != nil && errors.Is(lost, ErrLeaseLost) {
		if fnErr != nil && !errors.Is(fnErr, context.Canceled) {
			return true, errors.Join(lost, fnErr)
		}
		return true, lost
	}
	return true, fnErr
}

func keepAlive(ctx context.Context, cancel context.CancelCauseFunc, handle *Handle, opts ExclusiveOptions, logger loggingpkg.ServiceLogger) {
	// Armed apart from the renewal loop so a slow store call cannot keep the
	// work running past the expiry.
	deadline := time.AfterFunc(untilDeadline(handle, opts), func() {
		err := fmt.Errorf("lock %q not renewed within its lease: %w", handle.LockID(), ErrLeaseLost)
		logger.Error("Lock lease about to expire, stopping work", err, nil)
		cancel(err)
	})
	defer deadline.Stop()

	timer := time.NewTimer(opts.RenewInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ok, err := handle.Renew(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			logger.Error("Lock lease lost, stopping work", err, nil)
			cancel(err)
			return
		case ok:
			deadline.Reset(untilDeadline(handle, opts))
			timer.Reset(opts.RenewInterval)
		default:
			timer.Reset(opts.RetryInterval)
		}
	}
}

func untilDeadline(handle *Handle, opts ExclusiveOptions) time.Duration {
	return handle.ValidUntil().Add(-opts.SafetyMargin).Sub(handle.manager.now())
}
