// Package pump implements the polling loop that fetches messages from a
// receiver and dispatches each one through a concurrency gate.
package pump

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/gate"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
)

// Receiver fetches up to count messages, locking each for lockDuration.
// Fetch must return promptly; an empty result is not an error.
type Receiver[T any] interface {
	Fetch(ctx context.Context, count int, lockDuration time.Duration) ([]handlers.MessageStateHandler[T], error)
}

// PollingDelayer lets a receiver choose the pause between fetches, for
// example zero for long-polling transports.
type PollingDelayer interface {
	PollingDelay() time.Duration
}

// Dispatcher processes a single message. It is normally a built pipeline.
type Dispatcher func(ctx context.Context, state handlers.MessageState) error

// State is the lifecycle stage of a pump.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDispatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Pump.
type Options struct {
	Name     string
	Settings handlers.ProcessingSettings
	// Gate overrides the gate built from Settings.MaxConcurrentCalls.
	Gate   *gate.Gate
	Logger loggingpkg.ServiceLogger
}

// Stats are cumulative counters for one pump.
type Stats struct {
	Fetched     uint64
	Dispatched  uint64
	TimedOut    uint64
	Panics      uint64
	FetchErrors uint64
	InFlight    int64
}

// Pump polls a Receiver and runs the dispatcher for each message on its own
// goroutine, bounded by the gate.
type Pump[T any] struct {
	name     string
	receiver Receiver[T]
	dispatch Dispatcher
	settings handlers.ProcessingSettings
	gate     *gate.Gate
	logger   loggingpkg.ServiceLogger

	state       atomic.Int32
	fetched     atomic.Uint64
	dispatched  atomic.Uint64
	timedOut    atomic.Uint64
	panics      atomic.Uint64
	fetchErrors atomic.Uint64
	inFlight    atomic.Int64
}

// New builds a pump. Settings are used as given; apply defaults beforehand.
func New[T any](receiver Receiver[T], dispatch Dispatcher, opts Options) *Pump[T] {
	g := opts.Gate
	if g == nil {
		g = gate.New(opts.Settings.MaxConcurrentCalls)
	}
	logger := loggingpkg.OrNop(opts.Logger).With(loggingpkg.LogFields{"handler": opts.Name})
	return &Pump[T]{
		name:     opts.Name,
		receiver: receiver,
		dispatch: dispatch,
		settings: opts.Settings,
		gate:     g,
		logger:   logger,
	}
}

// State returns the current lifecycle stage.
func (p *Pump[T]) State() State { return State(p.state.Load()) }

// Gate exposes the concurrency gate for observability.
func (p *Pump[T]) Gate() *gate.Gate { return p.gate }

// Stats returns a snapshot of the pump counters.
func (p *Pump[T]) Stats() Stats {
	return Stats{
		Fetched:     p.fetched.Load(),
		Dispatched:  p.dispatched.Load(),
		TimedOut:    p.timedOut.Load(),
		Panics:      p.panics.Load(),
		FetchErrors: p.fetchErrors.Load(),
		InFlight:    p.inFlight.Load(),
	}
}

// Run polls until ctx is cancelled. It returns once every dispatched handler
// has returned or reached its processing deadline, so work started under a
// singleton lease ends before the lease is released. Fetch errors are logged
// and retried.
func (p *Pump[T]) Run(ctx context.Context) error {
	var inflight sync.WaitGroup
	defer func() {
		inflight.Wait()
		p.setState(StateStopped)
		p.logger.Info("Message pump stopped", nil)
	}()

	prefetch := p.settings.EffectivePrefetch()
	p.logger.Info("Message pump started", loggingpkg.LogFields{
		"prefetch":             prefetch,
		"max_concurrent_calls": p.gate.Capacity(),
		"lock_timeout":         p.settings.MessageLockTimeout.String(),
	})

	for ctx.Err() == nil {
		p.setState(StatePolling)
		messages, err := p.receiver.Fetch(ctx, prefetch, p.settings.MessageLockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.fetchErrors.Add(1)
			p.logger.Error("Failed to fetch messages", err, nil)
			p.sleep(ctx)
			continue
		}

		if len(messages) > 0 {
			p.fetched.Add(uint64(len(messages)))
			p.setState(StateDispatching)
			for i, msg := range messages {
				if err := p.gate.Acquire(ctx); err != nil {
					p.logger.Debug("Shutdown while waiting for a free slot", loggingpkg.LogFields{
						"undispatched": len(messages) - i,
					})
					return nil
				}
				inflight.Add(1)
				go p.run(ctx, msg, &inflight)
			}
		}
		p.sleep(ctx)
	}
	return nil
}

// run owns one gate slot. The slot is released when the dispatcher returns
// or when the per-message deadline fires, whichever happens first. On
// shutdown it keeps the slot until the dispatcher returns, still bounded by
// that deadline.
func (p *Pump[T]) run(ctx context.Context, msg handlers.MessageStateHandler[T], inflight *sync.WaitGroup) {
	defer inflight.Done()
	defer p.gate.Release()

	p.dispatched.Add(1)
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	timeout := p.settings.ProcessingTimeout()
	deadline := time.Now().Add(timeout)
	msgCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	state := newGuardedState(msg, deadline, p.settings.DeadLetterDeliveryLimit)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.logger.Error("Recovered panic while dispatching message", fmt.Errorf("panic: %v", r), loggingpkg.LogFields{
					"message_id": msg.MessageID(),
				})
			}
		}()
		if err := p.dispatch(msgCtx, state); err != nil {
			p.logger.Debug("Dispatcher returned an error", loggingpkg.LogFields{
				"message_id": msg.MessageID(),
				"error":      err.Error(),
			})
		}
	}()

	select {
	case <-done:
		return
	case <-msgCtx.Done():
	}
	if ctx.Err() != nil {
		drain := time.NewTimer(time.Until(deadline))
		defer drain.Stop()
		select {
		case <-done:
			return
		case <-drain.C:
		}
	}
	if errors.Is(msgCtx.Err(), context.DeadlineExceeded) || !time.Now().Before(deadline) {
		p.timedOut.Add(1)
		p.logger.Info("Message lock timeout elapsed, releasing slot", loggingpkg.LogFields{
			"message_id": msg.MessageID(),
			"timeout":    timeout.String(),
		})
	}
}

func (p *Pump[T]) sleep(ctx context.Context) {
	delay := p.settings.PollingDelay
	if d, ok := p.receiver.(PollingDelayer); ok {
		delay = d.PollingDelay()
	}
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *Pump[T]) setState(s State) { p.state.Store(int32(s)) }
