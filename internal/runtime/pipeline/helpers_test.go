package pipeline

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers/handlerstest"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

// orderHandler records invocations and can be told to fail.
type orderHandler struct {
	calls      atomic.Int32
	err        error
	panicWith  any
	hookCalls  atomic.Int32
	hookErr    error
	attachment *Attachment
	injected   string
	hookSaw    string
}

func (h *orderHandler) Process(ctx context.Context, msg orderPlaced) error {
	h.calls.Add(1)
	if h.panicWith != nil {
		panic(h.panicWith)
	}
	return h.err
}

func (h *orderHandler) BeforeDeadLetter(ctx context.Context, msg orderPlaced) error {
	h.hookCalls.Add(1)
	h.hookSaw = h.injected
	return h.hookErr
}

func (h *orderHandler) SetAttachment(a Attachment) { h.attachment = &a }

func newInfo(h *orderHandler) *PipelineInformation {
	return &PipelineInformation{
		Name:        "orders",
		Kind:        KindCommand,
		MessageType: reflect.TypeOf(orderPlaced{}),
		Queue:       "orders",
		Settings:    handlers.ProcessingSettings{DeadLetterDeliveryLimit: 3},
		Logger:      loggingpkg.Nop(),
		Invoker: ProcessorInvoker[orderPlaced](func(ctx context.Context, scope *Scope) (handlers.Processor[orderPlaced], error) {
			return h, nil
		}),
	}
}

func newState(deliveryCount int, settler *handlerstest.Settler) *handlers.State[orderPlaced] {
	return handlerstest.NewJSONState("m-1", orderPlaced{OrderID: "o-1"}, deliveryCount, settler)
}

// limitedState reports a dead-letter limit the way the pump guard does.
type limitedState struct {
	*handlers.State[orderPlaced]
	limit int
}

func (s limitedState) DeadLetterDeliveryLimit() int { return s.limit }

func build(t *testing.T, info *PipelineInformation, b *Builder) Next {
	t.Helper()
	chain, err := b.Build(info)
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	return chain
}

type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

func recording(r *recorder, name string) Middleware {
	return MiddlewareFunc(func(ctx context.Context, state handlers.MessageState, info *PipelineInformation, next Next) error {
		r.add(name)
		return next(ctx, state)
	})
}

var errBoom = errors.New("boom")
