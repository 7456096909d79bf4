package pipeline

import (
	"context"
	"fmt"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
)

// Factory creates a handler instance inside a message scope.
type Factory[P any] func(ctx context.Context, scope *Scope) (P, error)

// Instance returns a Factory that always yields p, for handlers without
// per-message dependencies.
func Instance[P any](p P) Factory[P] {
	return func(context.Context, *Scope) (P, error) { return p, nil }
}

// Invoker holds the typed closures built once at registration so the
// pipeline itself stays free of message type parameters.
type Invoker struct {
	Resolve          func(ctx context.Context, scope *Scope) (any, error)
	Invoke           func(ctx context.Context, instance any, state handlers.MessageState) error
	BeforeDeadLetter func(ctx context.Context, instance any, state handlers.MessageState) error
}

// ProcessorInvoker invokes a command or event processor.
func ProcessorInvoker[T any](factory Factory[handlers.Processor[T]]) Invoker {
	return Invoker{
		Resolve: resolveWith(factory),
		Invoke: func(ctx context.Context, instance any, state handlers.MessageState) error {
			msg, err := MessageOf[T](state)
			if err != nil {
				return err
			}
			return instance.(handlers.Processor[T]).Process(ctx, msg)
		},
		BeforeDeadLetter: beforeDeadLetter[T],
	}
}

// RequestInvoker invokes a request processor and replies with its response.
func RequestInvoker[T, R any](factory Factory[handlers.RequestProcessor[T, R]]) Invoker {
	return Invoker{
		Resolve: resolveWith(factory),
		Invoke: func(ctx context.Context, instance any, state handlers.MessageState) error {
			msg, err := MessageOf[T](state)
			if err != nil {
				return err
			}
			resp, err := instance.(handlers.RequestProcessor[T, R]).Process(ctx, msg)
			if err != nil {
				return err
			}
			return state.Reply(ctx, resp)
		},
		BeforeDeadLetter: beforeDeadLetter[T],
	}
}

// StreamInvoker invokes a stream processor, replying once per emitted value.
func StreamInvoker[T, R any](factory Factory[handlers.StreamProcessor[T, R]]) Invoker {
	return Invoker{
		Resolve: resolveWith(factory),
		Invoke: func(ctx context.Context, instance any, state handlers.MessageState) error {
			msg, err := MessageOf[T](state)
			if err != nil {
				return err
			}
			emit := func(resp R) error { return state.Reply(ctx, resp) }
			return instance.(handlers.StreamProcessor[T, R]).Process(ctx, msg, emit)
		},
		BeforeDeadLetter: beforeDeadLetter[T],
	}
}

// MessageOf decodes the message carried by state as T.
func MessageOf[T any](state handlers.MessageState) (T, error) {
	if typed, ok := state.(handlers.MessageStateHandler[T]); ok {
		return typed.Message()
	}
	var zero T
	payload, err := state.Payload()
	if err != nil {
		return zero, err
	}
	msg, ok := payload.(T)
	if !ok {
		return zero, fmt.Errorf("message %s: payload %T is not %T", state.MessageID(), payload, zero)
	}
	return msg, nil
}

func resolveWith[P any](factory Factory[P]) func(context.Context, *Scope) (any, error) {
	return func(ctx context.Context, scope *Scope) (any, error) {
		return factory(ctx, scope)
	}
}

func beforeDeadLetter[T any](ctx context.Context, instance any, state handlers.MessageState) error {
	hook, ok := instance.(handlers.BeforeDeadLetter[T])
	if !ok {
		return nil
	}
	msg, err := MessageOf[T](state)
	if err != nil {
		return err
	}
	return hook.BeforeDeadLetter(ctx, msg)
}
