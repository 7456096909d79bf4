// Package bridge adapts any Watermill subscriber into a pump receiver.
//
// Watermill delivers one message at a time per subscription and redelivers
// on Nack, so the bridge maps the completion verbs onto Ack and Nack,
// counts redeliveries itself and emulates the message lock with a timer
// that nacks deliveries the handler never settled.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	idspkg "github.com/BookBeat/knightbus-sub001/internal/runtime/ids"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
)

// DefaultFirstMessageWait bounds how long Fetch blocks for the first message.
const DefaultFirstMessageWait = time.Second

var (
	// ErrNoReplyTo is returned by Reply when the request carries no reply
	// address.
	ErrNoReplyTo = errors.New("bridge: message has no reply address")
	// ErrNoDeadLetterTopic is returned by DeadLetter when the receiver was
	// built without a dead-letter destination.
	ErrNoDeadLetterTopic = errors.New("bridge: dead-letter topic not configured")
)

// Options configures a Receiver.
type Options struct {
	// DeadLetterTopic receives dead-lettered messages.
	DeadLetterTopic string
	Logger          loggingpkg.ServiceLogger
	// FirstMessageWait caps the blocking part of Fetch. The message lock
	// duration caps it further.
	FirstMessageWait time.Duration
}

// Receiver implements pump.Receiver on top of a Watermill subscription.
type Receiver[T any] struct {
	sub    message.Subscriber
	pub    message.Publisher
	topic  string
	codec  handlers.Codec[T]
	opts   Options
	logger loggingpkg.ServiceLogger

	mu       sync.Mutex
	messages <-chan *message.Message
	cancel   context.CancelFunc
	attempts map[string]int
}

// NewReceiver subscribes to topic lazily on the first Fetch. pub carries
// replies and dead letters and may be nil when neither is used.
func NewReceiver[T any](sub message.Subscriber, pub message.Publisher, topic string, codec handlers.Codec[T], opts Options) *Receiver[T] {
	if opts.FirstMessageWait <= 0 {
		opts.FirstMessageWait = DefaultFirstMessageWait
	}
	return &Receiver[T]{
		sub:      sub,
		pub:      pub,
		topic:    topic,
		codec:    codec,
		opts:     opts,
		logger:   loggingpkg.OrNop(opts.Logger).With(loggingpkg.LogFields{"topic": topic}),
		attempts: make(map[string]int),
	}
}

// PollingDelay is zero: Fetch already blocks while the topic is empty.
func (r *Receiver[T]) PollingDelay() time.Duration { return 0 }

// Fetch waits for one message and then drains whatever else is buffered,
// up to count.
func (r *Receiver[T]) Fetch(ctx context.Context, count int, lockDuration time.Duration) ([]handlers.MessageStateHandler[T], error) {
	if count < 1 {
		return nil, nil
	}
	messages, err := r.subscription()
	if err != nil {
		return nil, err
	}

	wait := r.opts.FirstMessageWait
	if lockDuration > 0 && lockDuration < wait {
		wait = lockDuration
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var out []handlers.MessageStateHandler[T]
	select {
	case <-ctx.Done():
		return nil, nil
	case <-timer.C:
		return nil, nil
	case msg, ok := <-messages:
		if !ok {
			r.resetSubscription(messages)
			return nil, nil
		}
		out = append(out, r.deliver(msg, lockDuration))
	}

	for len(out) < count {
		select {
		case msg, ok := <-messages:
			if !ok {
				r.resetSubscription(messages)
				return out, nil
			}
			out = append(out, r.deliver(msg, lockDuration))
		default:
			return out, nil
		}
	}
	return out, nil
}

// Close cancels the subscription.
func (r *Receiver[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.messages = nil
	return nil
}

func (r *Receiver[T]) subscription() (<-chan *message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.messages != nil {
		return r.messages, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	messages, err := r.sub.Subscribe(ctx, r.topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %q: %w", r.topic, err)
	}
	r.messages = messages
	r.cancel = cancel
	r.logger.Debug("Subscribed", nil)
	return messages, nil
}

func (r *Receiver[T]) resetSubscription(closed <-chan *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.messages != closed {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.messages = nil
	r.cancel = nil
	r.logger.Info("Subscription closed, resubscribing on next fetch", nil)
}

// attempt returns the delivery count of msg, preferring the transport's own
// count when the message carries one.
func (r *Receiver[T]) attempt(msg *message.Message) int {
	r.mu.Lock()
	r.attempts[msg.UUID]++
	n := r.attempts[msg.UUID]
	r.mu.Unlock()

	if v, ok := metadatapkg.FromWatermill(msg.Metadata).Int(metadatapkg.KeyDeliveryCount); ok && v > n {
		return v
	}
	return n
}

func (r *Receiver[T]) forget(id string) {
	r.mu.Lock()
	delete(r.attempts, id)
	r.mu.Unlock()
}

func (r *Receiver[T]) deliver(msg *message.Message, lockDuration time.Duration) handlers.MessageStateHandler[T] {
	d := &delivery[T]{receiver: r, msg: msg}
	if lockDuration > 0 {
		d.timer = time.AfterFunc(lockDuration, d.expire)
	}
	env := handlers.Envelope{
		ID:            msg.UUID,
		Body:          msg.Payload,
		Properties:    metadatapkg.FromWatermill(msg.Metadata),
		DeliveryCount: r.attempt(msg),
	}
	return handlers.NewState(env, r.codec, d)
}

// delivery settles a single Watermill message.
type delivery[T any] struct {
	receiver *Receiver[T]
	msg      *message.Message
	timer    *time.Timer

	mu      sync.Mutex
	settled bool
	expired bool
}

func (d *delivery[T]) expire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return
	}
	d.expired = true
	d.msg.Nack()
	d.receiver.logger.Info("Message lock expired, released for redelivery", loggingpkg.LogFields{"message_id": d.msg.UUID})
}

// settle runs fn unless the lock expired or another verb won. fn returning an
// error leaves the delivery unsettled.
func (d *delivery[T]) settle(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.expired {
		return handlers.ErrMessageLockExpired
	}
	if d.settled {
		return handlers.ErrMessageAlreadySettled
	}
	if err := fn(); err != nil {
		return err
	}
	d.settled = true
	if d.timer != nil {
		d.timer.Stop()
	}
	return nil
}

func (d *delivery[T]) Complete(ctx context.Context, env *handlers.Envelope) error {
	err := d.settle(func() error {
		if !d.msg.Ack() {
			return handlers.ErrMessageAlreadySettled
		}
		return nil
	})
	if err == nil {
		d.receiver.forget(env.ID)
	}
	return err
}

func (d *delivery[T]) Abandon(ctx context.Context, env *handlers.Envelope, cause error) error {
	return d.settle(func() error {
		if !d.msg.Nack() {
			return handlers.ErrMessageAlreadySettled
		}
		return nil
	})
}

func (d *delivery[T]) DeadLetter(ctx context.Context, env *handlers.Envelope, reason string) error {
	r := d.receiver
	err := d.settle(func() error {
		if r.pub == nil || r.opts.DeadLetterTopic == "" {
			return ErrNoDeadLetterTopic
		}
		dead := message.NewMessage(d.msg.UUID, d.msg.Payload)
		dead.Metadata = d.msg.Metadata.Copy()
		dead.Metadata.Set(metadatapkg.KeyDeadLetterErr, reason)
		dead.SetContext(ctx)
		if err := r.pub.Publish(r.opts.DeadLetterTopic, dead); err != nil {
			return fmt.Errorf("publish to %q: %w", r.opts.DeadLetterTopic, err)
		}
		d.msg.Ack()
		return nil
	})
	if err == nil {
		r.forget(env.ID)
		r.logger.Info("Message dead-lettered", loggingpkg.LogFields{
			"message_id": env.ID,
			"reason":     reason,
		})
	}
	return err
}

func (d *delivery[T]) Reply(ctx context.Context, env *handlers.Envelope, body []byte, props metadatapkg.Metadata) error {
	r := d.receiver
	to := env.Properties[metadatapkg.KeyReplyTo]
	if to == "" {
		return ErrNoReplyTo
	}
	if r.pub == nil {
		return fmt.Errorf("reply to %q: no publisher", to)
	}
	id := idspkg.CreateULID()
	reply := message.NewMessage(id, body)
	reply.Metadata = metadatapkg.ToWatermill(props)
	reply.Metadata.Set(metadatapkg.KeyMessageID, id)
	reply.SetContext(ctx)
	return r.pub.Publish(to, reply)
}

// RenewLock pushes the local lock deadline out by dur.
func (d *delivery[T]) RenewLock(ctx context.Context, env *handlers.Envelope, dur time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.expired {
		return handlers.ErrMessageLockExpired
	}
	if d.settled {
		return handlers.ErrMessageAlreadySettled
	}
	if d.timer == nil {
		d.timer = time.AfterFunc(dur, d.expire)
		return nil
	}
	d.timer.Reset(dur)
	return nil
}
