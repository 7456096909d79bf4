// Package pipeline builds the ordered middleware chain that wraps every
// handler invocation.
package pipeline

import (
	"context"
	"fmt"
	"reflect"

	errspkg "github.com/BookBeat/knightbus-sub001/internal/runtime/errors"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
)

// Next invokes the remainder of the chain.
type Next func(ctx context.Context, state handlers.MessageState) error

// Middleware is one stage of the pipeline. Stages may read and write the
// message properties but leave the payload alone unless hydrating it is
// their purpose.
type Middleware interface {
	Process(ctx context.Context, state handlers.MessageState, info *PipelineInformation, next Next) error
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(ctx context.Context, state handlers.MessageState, info *PipelineInformation, next Next) error

func (f MiddlewareFunc) Process(ctx context.Context, state handlers.MessageState, info *PipelineInformation, next Next) error {
	return f(ctx, state, info, next)
}

// ProcessorKind selects how the base processor invokes a handler.
type ProcessorKind int

const (
	KindCommand ProcessorKind = iota
	KindEvent
	KindRequest
	KindStreamRequest
)

func (k ProcessorKind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindRequest:
		return "request"
	case KindStreamRequest:
		return "stream_request"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PipelineInformation is the immutable per-registration record shared by
// every invocation of a handler.
type PipelineInformation struct {
	Name         string
	Kind         ProcessorKind
	MessageType  reflect.Type
	Queue        string
	Subscription string
	Settings     handlers.ProcessingSettings
	Logger       loggingpkg.ServiceLogger
	Invoker
}

// Builder assembles pipelines in a fixed order: error handling, scope
// provider, dead-lettering, the host middlewares in registration order and
// finally the base processor.
type Builder struct {
	scopeProvider ScopeProvider
	middlewares   []Middleware
}

// NewBuilder returns a Builder. A nil scopeProvider selects the default one.
func NewBuilder(scopeProvider ScopeProvider, middlewares ...Middleware) *Builder {
	if scopeProvider == nil {
		scopeProvider = DefaultScopeProvider()
	}
	return &Builder{scopeProvider: scopeProvider, middlewares: middlewares}
}

// Use appends host middlewares.
func (b *Builder) Use(middlewares ...Middleware) *Builder {
	b.middlewares = append(b.middlewares, middlewares...)
	return b
}

// Build validates the middleware set and returns the chain for info.
func (b *Builder) Build(info *PipelineInformation) (Next, error) {
	if info == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if info.Resolve == nil || info.Invoke == nil {
		return nil, fmt.Errorf("pipeline %q: %w", info.Name, errspkg.ErrProcessorFactoryRequired)
	}
	for i, mw := range b.middlewares {
		if mw == nil {
			return nil, fmt.Errorf("pipeline %q: middleware %d is nil", info.Name, i)
		}
		if _, ok := mw.(ScopeProvider); ok {
			return nil, fmt.Errorf("pipeline %q: middleware %d (%T): %w", info.Name, i, mw, errspkg.ErrDuplicateScopeProvider)
		}
	}
	if info.Logger == nil {
		info.Logger = loggingpkg.Nop()
	}

	stages := make([]Middleware, 0, len(b.middlewares)+3)
	stages = append(stages, errorHandling{}, b.scopeProvider, deadLetter{})
	stages = append(stages, b.middlewares...)

	chain := Next(func(ctx context.Context, state handlers.MessageState) error {
		return processBase(ctx, state, info)
	})
	for i := len(stages) - 1; i >= 0; i-- {
		stage, next := stages[i], chain
		chain = func(ctx context.Context, state handlers.MessageState) error {
			return stage.Process(ctx, state, info, next)
		}
	}
	return chain, nil
}
