package pipeline

import (
	"context"
	"sync"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
)

// Scope is the per-message dependency scope. Middlewares place values and
// injectors on it; the base processor resolves the handler through it and
// runs the injectors on the resolved instance.
type Scope struct {
	mu        sync.Mutex
	values    map[any]any
	injectors []func(instance any) error
	closers   []func()
	closed    bool
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{values: make(map[any]any)}
}

// Set stores value under key.
func (s *Scope) Set(key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value stored under key.
func (s *Scope) Get(key any) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Provide registers an injector run against the resolved handler instance.
func (s *Scope) Provide(injector func(instance any) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injectors = append(s.injectors, injector)
}

// Inject runs the registered injectors in order, stopping at the first error.
func (s *Scope) Inject(instance any) error {
	s.mu.Lock()
	injectors := append([]func(any) error(nil), s.injectors...)
	s.mu.Unlock()
	for _, inject := range injectors {
		if err := inject(instance); err != nil {
			return err
		}
	}
	return nil
}

// OnClose registers fn to run when the scope closes. Closers run in reverse
// order of registration.
func (s *Scope) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

// Close runs the closers once.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

type scopeKey struct{}

// WithScope stores scope on ctx.
func WithScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFrom returns the scope opened by the scope provider.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(*Scope)
	return scope, ok
}

// ScopeProvider opens the per-message scope. It is passed to NewBuilder on
// its own and must not appear in the general middleware list.
type ScopeProvider interface {
	Middleware
	OpenScope(ctx context.Context, info *PipelineInformation) (*Scope, error)
}

// ScopeFactory opens a scope for one message, typically backed by a
// dependency injection container.
type ScopeFactory func(ctx context.Context, info *PipelineInformation) (*Scope, error)

// NewScopeProvider builds a ScopeProvider from factory. A nil factory opens
// empty scopes.
func NewScopeProvider(factory ScopeFactory) ScopeProvider {
	if factory == nil {
		factory = func(context.Context, *PipelineInformation) (*Scope, error) { return NewScope(), nil }
	}
	return &scopeProvider{factory: factory}
}

// DefaultScopeProvider opens an empty scope per message.
func DefaultScopeProvider() ScopeProvider { return NewScopeProvider(nil) }

type scopeProvider struct {
	factory ScopeFactory
}

func (p *scopeProvider) OpenScope(ctx context.Context, info *PipelineInformation) (*Scope, error) {
	return p.factory(ctx, info)
}

func (p *scopeProvider) Process(ctx context.Context, state handlers.MessageState, info *PipelineInformation, next Next) error {
	scope, err := p.OpenScope(ctx, info)
	if err != nil {
		return err
	}
	defer scope.Close()
	return next(WithScope(ctx, scope), state)
}
