package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/pipeline"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/pump"
)

// observedState records which completion verb reached the transport.
type observedState struct {
	handlers.MessageState

	mu      sync.Mutex
	outcome Outcome
	cause   error
}

func (o *observedState) Complete(ctx context.Context) error {
	err := o.MessageState.Complete(ctx)
	o.record(err, OutcomeCompleted, nil)
	return err
}

func (o *observedState) AbandonByError(ctx context.Context, cause error) error {
	err := o.MessageState.AbandonByError(ctx, cause)
	o.record(err, OutcomeAbandoned, cause)
	return err
}

func (o *observedState) DeadLetter(ctx context.Context, limit int) error {
	err := o.MessageState.DeadLetter(ctx, limit)
	o.record(err, OutcomeDeadLettered, nil)
	return err
}

func (o *observedState) RenewLock(ctx context.Context, d time.Duration) error {
	renewer, ok := o.MessageState.(handlers.LockRenewer)
	if !ok {
		return handlers.ErrLockRenewalUnsupported
	}
	return renewer.RenewLock(ctx, d)
}

func (o *observedState) record(err error, outcome Outcome, cause error) {
	if err != nil {
		return
	}
	o.mu.Lock()
	o.outcome = outcome
	o.cause = cause
	o.mu.Unlock()
}

func (o *observedState) result() (Outcome, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcome == "" {
		return OutcomeUnsettled, o.cause
	}
	return o.outcome, o.cause
}

// dispatcher runs chain for one message and feeds the outcome into the
// handler stats and the Prometheus collectors.
func (s *Service) dispatcher(reg *registration, chain pipeline.Next) pump.Dispatcher {
	stats := reg.handler.Stats
	name, queue := reg.info.Name, reg.info.Queue
	classifier := s.errorClassifier

	return func(ctx context.Context, state handlers.MessageState) error {
		observed := &observedState{MessageState: state}
		start := time.Now()
		stats.onMessageStart(state.DeliveryCount())
		s.metrics.messageStarted(name, state.DeliveryCount())

		err := chain(ctx, observed)

		outcome, cause := observed.result()
		duration := time.Since(start)
		stats.onMessageFinish(duration, outcome, cause, classifier)
		s.metrics.messageFinished(name, queue, outcome, duration)
		return err
	}
}
