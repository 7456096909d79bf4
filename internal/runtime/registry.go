package runtime

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	errspkg "github.com/BookBeat/knightbus-sub001/internal/runtime/errors"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/pipeline"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/pump"
)

type registryKey struct {
	kind         pipeline.ProcessorKind
	messageType  reflect.Type
	subscription string
}

// runnablePump is the type-erased view of a pump.Pump[T].
type runnablePump interface {
	Run(ctx context.Context) error
	Stats() pump.Stats
	State() pump.State
}

// registration is everything the service needs to run one handler. newPump
// closes over the message type so Start never constructs generics at runtime.
type registration struct {
	key         registryKey
	info        *pipeline.PipelineInformation
	handler     *HandlerInfo
	singleton   bool
	lockID      string
	middlewares []pipeline.Middleware
	newPump     func(dispatch pump.Dispatcher, opts pump.Options) runnablePump
}

// Registry holds the handler registrations of one Service. It becomes
// read-only when the service starts.
type Registry struct {
	mu      sync.RWMutex
	entries []*registration
	index   map[registryKey]*registration
	frozen  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[registryKey]*registration)}
}

func (r *Registry) add(reg *registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errspkg.ErrRegistryFrozen
	}
	if existing, ok := r.index[reg.key]; ok {
		return fmt.Errorf("%w: %s handler for %s (subscription %q) already registered as %q",
			errspkg.ErrDuplicateHandler, reg.key.kind, reg.key.messageType, reg.key.subscription, existing.info.Name)
	}
	r.index[reg.key] = reg
	r.entries = append(r.entries, reg)
	return nil
}

// freeze makes the registry read-only and returns the registrations in
// registration order.
func (r *Registry) freeze() []*registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	return append([]*registration(nil), r.entries...)
}

// Frozen reports whether the owning service has started.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Handlers returns the descriptions of all registered handlers.
func (r *Registry) Handlers() []*HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*HandlerInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.handler)
	}
	return out
}

// Lookup finds the handler registered for the given kind, message type and
// subscription.
func (r *Registry) Lookup(kind pipeline.ProcessorKind, messageType reflect.Type, subscription string) (*HandlerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.index[registryKey{kind: kind, messageType: messageType, subscription: subscription}]
	if !ok {
		return nil, false
	}
	return e.handler, true
}
