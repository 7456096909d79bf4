package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
)

// errorHandling is the outermost stage. It turns failures and panics into
// AbandonByError and never lets an error escape to the pump.
type errorHandling struct{}

func (errorHandling) Process(ctx context.Context, state handlers.MessageState, info *PipelineInformation, next Next) (err error) {
	ctx = handlers.ContextWithState(ctx, state)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler %s: %v", info.Name, r)
		}
		if err == nil {
			return
		}
		abandon(ctx, state, info, err)
		err = nil
	}()
	return next(ctx, state)
}

func abandon(ctx context.Context, state handlers.MessageState, info *PipelineInformation, cause error) {
	fields := messageFields(state)
	if payload, perr := state.Payload(); perr == nil {
		fields["payload"] = payload
	}
	info.Logger.Error("Message processing failed", cause, fields)

	// Settle even when the handler context was cancelled.
	err := state.AbandonByError(context.WithoutCancel(ctx), cause)
	switch {
	case err == nil:
	case errors.Is(err, handlers.ErrMessageLockExpired), errors.Is(err, handlers.ErrMessageAlreadySettled):
		info.Logger.Debug("Abandon skipped", loggingpkg.LogFields{"message_id": state.MessageID(), "reason": err.Error()})
	default:
		info.Logger.Error("Failed to abandon message", err, messageFields(state))
	}
}

// deadLetter moves messages past their delivery limit to the dead-letter
// store without invoking the handler.
type deadLetter struct{}

func (deadLetter) Process(ctx context.Context, state handlers.MessageState, info *PipelineInformation, next Next) error {
	limit := state.DeadLetterDeliveryLimit()
	if limit <= 0 || state.DeliveryCount() <= limit {
		return next(ctx, state)
	}

	fields := messageFields(state)
	fields["limit"] = limit
	if info.BeforeDeadLetter != nil {
		runBeforeDeadLetter(ctx, state, info, fields)
	}

	info.Logger.Info("Dead-lettering message", fields)
	return state.DeadLetter(ctx, limit)
}

func runBeforeDeadLetter(ctx context.Context, state handlers.MessageState, info *PipelineInformation, fields loggingpkg.LogFields) {
	defer func() {
		if r := recover(); r != nil {
			info.Logger.Error("Before dead-letter hook panicked", fmt.Errorf("panic: %v", r), fields)
		}
	}()
	scope, ok := ScopeFrom(ctx)
	if !ok {
		scope = NewScope()
	}
	instance, err := info.Resolve(ctx, scope)
	if err != nil {
		info.Logger.Error("Failed to resolve handler for dead-letter hook", err, fields)
		return
	}
	if err := scope.Inject(instance); err != nil {
		info.Logger.Error("Failed to inject handler for dead-letter hook", err, fields)
		return
	}
	if err := info.BeforeDeadLetter(ctx, instance, state); err != nil {
		info.Logger.Error("Before dead-letter hook failed", err, fields)
	}
}

// processBase resolves the handler through the active scope, invokes it and
// completes the message. A failing handler leaves settling to errorHandling.
func processBase(ctx context.Context, state handlers.MessageState, info *PipelineInformation) error {
	scope, ok := ScopeFrom(ctx)
	if !ok {
		scope = NewScope()
		defer scope.Close()
	}
	instance, err := info.Resolve(ctx, scope)
	if err != nil {
		return fmt.Errorf("resolve handler %s: %w", info.Name, err)
	}
	if err := scope.Inject(instance); err != nil {
		return fmt.Errorf("inject handler %s: %w", info.Name, err)
	}
	if err := info.Invoke(ctx, instance, state); err != nil {
		return err
	}
	return state.Complete(ctx)
}

func messageFields(state handlers.MessageState) loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"message_id":     state.MessageID(),
		"delivery_count": state.DeliveryCount(),
		"properties":     state.Properties(),
	}
}
