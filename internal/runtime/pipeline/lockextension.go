package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
)

// LockExtension renews the transport lock at the configured interval while
// the rest of the chain runs. It is a no-op for handlers without
// ProcessingSettings.LockExtension. The renewal goroutine is owned by the
// invocation and always stopped before Process returns.
func LockExtension() Middleware {
	return MiddlewareFunc(func(ctx context.Context, state handlers.MessageState, info *PipelineInformation, next Next) error {
		ext := info.Settings.LockExtension
		renewer, ok := state.(handlers.LockRenewer)
		if ext == nil || !ok || ext.Interval <= 0 {
			return next(ctx, state)
		}

		renewCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			renewLoop(renewCtx, renewer, ext, info.Logger.With(loggingpkg.LogFields{"message_id": state.MessageID()}))
		}()
		defer func() {
			cancel()
			wg.Wait()
		}()

		return next(ctx, state)
	})
}

func renewLoop(ctx context.Context, renewer handlers.LockRenewer, ext *handlers.LockExtension, logger loggingpkg.ServiceLogger) {
	ticker := time.NewTicker(ext.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := renewer.RenewLock(ctx, ext.Duration)
		switch {
		case err == nil:
			logger.Trace("Message lock renewed", loggingpkg.LogFields{"duration": ext.Duration.String()})
		case errors.Is(err, handlers.ErrLockRenewalUnsupported),
			errors.Is(err, handlers.ErrMessageAlreadySettled),
			errors.Is(err, handlers.ErrMessageLockExpired):
			logger.Debug("Stopping lock renewal", loggingpkg.LogFields{"reason": err.Error()})
			return
		case ctx.Err() != nil:
			return
		default:
			logger.Error("Failed to renew message lock", err, nil)
		}
	}
}
