package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/gate"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers/handlerstest"
	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
)

type quote struct {
	Price int `json:"price"`
}

func TestRequestInvokerRepliesWithResponse(t *testing.T) {
	info := newInfo(nil)
	info.Kind = KindRequest
	info.Invoker = RequestInvoker[orderPlaced, quote](func(ctx context.Context, scope *Scope) (handlers.RequestProcessor[orderPlaced, quote], error) {
		return handlers.RequestProcessorFunc[orderPlaced, quote](func(ctx context.Context, msg orderPlaced) (quote, error) {
			return quote{Price: 42}, nil
		}), nil
	})
	settler := &handlerstest.Settler{}

	chain := build(t, info, NewBuilder(nil))
	require.NoError(t, chain(context.Background(), newState(1, settler)))

	assert.Equal(t, handlerstest.Counts{Complete: 1, Reply: 1}, settler.Counts())
	assert.JSONEq(t, `{"price":42}`, string(settler.Replies()[0]))
}

func TestStreamInvokerRepliesPerItem(t *testing.T) {
	info := newInfo(nil)
	info.Kind = KindStreamRequest
	info.Invoker = StreamInvoker[orderPlaced, quote](func(ctx context.Context, scope *Scope) (handlers.StreamProcessor[orderPlaced, quote], error) {
		return handlers.StreamProcessorFunc[orderPlaced, quote](func(ctx context.Context, msg orderPlaced, emit func(quote) error) error {
			for i := 1; i <= 3; i++ {
				if err := emit(quote{Price: i}); err != nil {
					return err
				}
			}
			return nil
		}), nil
	})
	settler := &handlerstest.Settler{}

	chain := build(t, info, NewBuilder(nil))
	require.NoError(t, chain(context.Background(), newState(1, settler)))

	assert.Equal(t, handlerstest.Counts{Complete: 1, Reply: 3}, settler.Counts())
}

func TestLockExtensionRenewsWhileHandlerRuns(t *testing.T) {
	release := make(chan struct{})
	info := newInfo(nil)
	info.Settings.LockExtension = &handlers.LockExtension{Interval: 5 * time.Millisecond, Duration: time.Minute, MaxDuration: time.Hour}
	info.Invoker = ProcessorInvoker[orderPlaced](func(ctx context.Context, scope *Scope) (handlers.Processor[orderPlaced], error) {
		return handlers.ProcessorFunc[orderPlaced](func(ctx context.Context, msg orderPlaced) error {
			<-release
			return nil
		}), nil
	})
	settler := &handlerstest.Settler{}

	chain := build(t, info, NewBuilder(nil, LockExtension()))
	done := make(chan error, 1)
	go func() { done <- chain(context.Background(), newState(1, settler)) }()

	require.Eventually(t, func() bool { return settler.Counts().Renew >= 2 }, time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	renewals := settler.Counts().Renew
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, renewals, settler.Counts().Renew, "renewal stops when the handler returns")
	assert.Equal(t, 1, settler.Counts().Complete)
}

func TestLockExtensionStopsWhenUnsupported(t *testing.T) {
	release := make(chan struct{})
	info := newInfo(nil)
	info.Settings.LockExtension = &handlers.LockExtension{Interval: 2 * time.Millisecond, Duration: time.Minute, MaxDuration: time.Hour}
	info.Invoker = ProcessorInvoker[orderPlaced](func(ctx context.Context, scope *Scope) (handlers.Processor[orderPlaced], error) {
		return handlers.ProcessorFunc[orderPlaced](func(ctx context.Context, msg orderPlaced) error {
			<-release
			return nil
		}), nil
	})
	settler := &handlerstest.Settler{RenewErr: handlers.ErrLockRenewalUnsupported}

	chain := build(t, info, NewBuilder(nil, LockExtension()))
	done := make(chan error, 1)
	go func() { done <- chain(context.Background(), newState(1, settler)) }()

	time.Sleep(30 * time.Millisecond)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, settler.Counts().Renew)
}

func TestThrottleSharesGateAcrossPipelines(t *testing.T) {
	shared := gate.New(1)
	var running, peak atomic.Int32
	slow := func(ctx context.Context, scope *Scope) (handlers.Processor[orderPlaced], error) {
		return handlers.ProcessorFunc[orderPlaced](func(ctx context.Context, msg orderPlaced) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}), nil
	}

	infoA, infoB := newInfo(nil), newInfo(nil)
	infoA.Invoker = ProcessorInvoker[orderPlaced](slow)
	infoB.Invoker = ProcessorInvoker[orderPlaced](slow)
	builder := NewBuilder(nil, Throttle(shared))
	chainA, chainB := build(t, infoA, builder), build(t, infoB, builder)

	settler := &handlerstest.Settler{}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = chainA(context.Background(), newState(1, settler)) }()
		go func() { defer wg.Done(); _ = chainB(context.Background(), newState(1, settler)) }()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 8, settler.Counts().Complete)
}

func TestTracingContinuesIncomingTrace(t *testing.T) {
	const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	var seen trace.SpanContext
	info := newInfo(nil)
	info.Invoker = ProcessorInvoker[orderPlaced](func(ctx context.Context, scope *Scope) (handlers.Processor[orderPlaced], error) {
		return handlers.ProcessorFunc[orderPlaced](func(ctx context.Context, msg orderPlaced) error {
			seen = trace.SpanContextFromContext(ctx)
			return nil
		}), nil
	})
	state := newState(1, &handlerstest.Settler{})
	state.Properties()["traceparent"] = traceparent

	mw := Tracing(TracingOptions{TracerProvider: noop.NewTracerProvider(), Propagator: propagation.TraceContext{}})
	chain := build(t, info, NewBuilder(nil, mw))
	require.NoError(t, chain(context.Background(), state))

	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", seen.TraceID().String())
	assert.Equal(t, traceparent, state.Properties()["traceparent"])
}

type memoryAttachments struct {
	mu      sync.Mutex
	items   map[string]Attachment
	deleted []string
}

func (m *memoryAttachments) Get(ctx context.Context, id string) (Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return Attachment{}, errors.New("attachment not found")
	}
	return a, nil
}

func (m *memoryAttachments) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

func TestAttachmentsInjectedAndDeletedAfterSuccess(t *testing.T) {
	store := &memoryAttachments{items: map[string]Attachment{"a-1": {ID: "a-1", Filename: "invoice.pdf", Data: []byte("%PDF")}}}
	h := &orderHandler{}

	chain := build(t, newInfo(h), NewBuilder(nil, Attachments(store)))
	state := newState(1, &handlerstest.Settler{})
	state.Properties()[metadatapkg.KeyAttachmentID] = "a-1"
	require.NoError(t, chain(context.Background(), state))

	require.NotNil(t, h.attachment)
	assert.Equal(t, "invoice.pdf", h.attachment.Filename)
	assert.Equal(t, []string{"a-1"}, store.deleted)
}

func TestAttachmentsKeptWhenHandlerFails(t *testing.T) {
	store := &memoryAttachments{items: map[string]Attachment{"a-1": {ID: "a-1"}}}
	h := &orderHandler{err: errBoom}
	settler := &handlerstest.Settler{}

	chain := build(t, newInfo(h), NewBuilder(nil, Attachments(store)))
	state := newState(1, settler)
	state.Properties()[metadatapkg.KeyAttachmentID] = "a-1"
	require.NoError(t, chain(context.Background(), state))

	assert.Empty(t, store.deleted)
	assert.Equal(t, 1, settler.Counts().Abandon)
}

func TestScopeCloseRunsOnceInReverseOrder(t *testing.T) {
	scope := NewScope()
	var order []int
	scope.OnClose(func() { order = append(order, 1) })
	scope.OnClose(func() { order = append(order, 2) })
	scope.Set("k", "v")

	v, ok := scope.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	scope.Close()
	scope.Close()
	assert.Equal(t, []int{2, 1}, order)
}
