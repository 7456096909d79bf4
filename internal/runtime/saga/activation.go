package saga

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/pipeline"
)

// Handler is implemented by processors that take part in a saga. SetSaga is
// called on the resolved instance before the message is processed.
type Handler[D any] interface {
	SetSaga(s *Saga[D])
}

// Definition describes one saga type.
type Definition[D any] struct {
	// PartitionKey groups the records of this saga type. Defaults to the
	// name of D.
	PartitionKey string
	Mapper       *Mapper
	// TTL bounds the lifetime of a saga. Zero keeps records until completed.
	TTL time.Duration
}

func (d Definition[D]) partitionKey() string {
	if d.PartitionKey != "" {
		return d.PartitionKey
	}
	return reflect.TypeFor[D]().String()
}

// Activation returns the middleware that loads or creates the saga for each
// message and hands it to the handler. State is only persisted when the
// handler calls Update or Complete.
func Activation[D any](store *TypedStore[D], def Definition[D]) pipeline.Middleware {
	if store == nil {
		panic("knightbus: saga activation requires a store")
	}
	if def.Mapper == nil {
		panic("knightbus: saga activation requires a mapper")
	}
	return &activation[D]{store: store, def: def, partitionKey: def.partitionKey()}
}

type activation[D any] struct {
	store        *TypedStore[D]
	def          Definition[D]
	partitionKey string
}

func (a *activation[D]) Process(ctx context.Context, state handlers.MessageState, info *pipeline.PipelineInformation, next pipeline.Next) error {
	msg, err := state.Payload()
	if err != nil {
		return err
	}
	id, start, err := a.def.Mapper.Resolve(msg)
	if err != nil {
		return err
	}

	var data *Data[D]
	if start {
		var zero D
		data, err = a.store.Create(ctx, a.partitionKey, id, zero, a.def.TTL)
		if errors.Is(err, ErrSagaAlreadyStarted) {
			info.Logger.Info("Saga already started, completing message", loggingpkg.LogFields{
				"message_id":    state.MessageID(),
				"saga_id":       id,
				"partition_key": a.partitionKey,
			})
			return state.Complete(ctx)
		}
	} else {
		data, err = a.store.Get(ctx, a.partitionKey, id)
	}
	if err != nil {
		return fmt.Errorf("saga %s/%s: %w", a.partitionKey, id, err)
	}

	s := &Saga[D]{
		store:        a.store,
		partitionKey: a.partitionKey,
		id:           id,
		state:        data,
		started:      start,
	}
	scope, ok := pipeline.ScopeFrom(ctx)
	if !ok {
		return errors.New("saga activation requires a message scope")
	}
	scope.Set(sagaKey[D]{}, s)
	scope.Provide(func(instance any) error {
		h, ok := instance.(Handler[D])
		if !ok {
			return fmt.Errorf("handler %T does not accept saga data %s", instance, reflect.TypeFor[D]())
		}
		h.SetSaga(s)
		return nil
	})
	return next(ctx, state)
}

type sagaKey[D any] struct{}

// FromScope returns the saga activated for the current message.
func FromScope[D any](scope *pipeline.Scope) (*Saga[D], bool) {
	v, ok := scope.Get(sagaKey[D]{})
	if !ok {
		return nil, false
	}
	s, ok := v.(*Saga[D])
	return s, ok
}
