package handlers

import "context"

// Processor handles commands and events of type T. Returning an error
// abandons the message so the transport redelivers it.
type Processor[T any] interface {
	Process(ctx context.Context, msg T) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T any] func(ctx context.Context, msg T) error

func (f ProcessorFunc[T]) Process(ctx context.Context, msg T) error { return f(ctx, msg) }

// RequestProcessor answers a request of type T with a single response.
type RequestProcessor[T, R any] interface {
	Process(ctx context.Context, msg T) (R, error)
}

// RequestProcessorFunc adapts a function to RequestProcessor.
type RequestProcessorFunc[T, R any] func(ctx context.Context, msg T) (R, error)

func (f RequestProcessorFunc[T, R]) Process(ctx context.Context, msg T) (R, error) {
	return f(ctx, msg)
}

// StreamProcessor answers a request with zero or more responses. Each value
// passed to emit is sent as its own reply.
type StreamProcessor[T, R any] interface {
	Process(ctx context.Context, msg T, emit func(R) error) error
}

// StreamProcessorFunc adapts a function to StreamProcessor.
type StreamProcessorFunc[T, R any] func(ctx context.Context, msg T, emit func(R) error) error

func (f StreamProcessorFunc[T, R]) Process(ctx context.Context, msg T, emit func(R) error) error {
	return f(ctx, msg, emit)
}

// BeforeDeadLetter is an optional hook run right before a message that
// exceeded its delivery limit is dead-lettered.
type BeforeDeadLetter[T any] interface {
	BeforeDeadLetter(ctx context.Context, msg T) error
}

type stateKey struct{}

// ContextWithState stores the in-flight message state on ctx.
func ContextWithState(ctx context.Context, state MessageState) context.Context {
	return context.WithValue(ctx, stateKey{}, state)
}

// StateFrom returns the message state stored by the pipeline, if any.
func StateFrom(ctx context.Context) (MessageState, bool) {
	state, ok := ctx.Value(stateKey{}).(MessageState)
	return state, ok
}
