// Package handlers defines the message state contract shared by transports,
// pumps and pipelines, together with the processor interfaces implemented by
// application code.
package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
)

var (
	// ErrMessageAlreadySettled is returned when a second completion verb is
	// called for the same delivery attempt.
	ErrMessageAlreadySettled = errors.New("knightbus: message already settled")
	// ErrMessageLockExpired is returned for verbs issued after the message
	// lock elapsed; the transport redelivers the message on its own.
	ErrMessageLockExpired = errors.New("knightbus: message lock expired")
	// ErrLockRenewalUnsupported is returned by RenewLock when the transport
	// cannot extend a message lock.
	ErrLockRenewalUnsupported = errors.New("knightbus: transport does not support lock renewal")
)

// MessageState is the type-erased view of a single in-flight delivery.
// Exactly one of Complete, AbandonByError or DeadLetter must be called per
// delivery attempt.
type MessageState interface {
	MessageID() string
	// DeliveryCount is the number of attempts so far, starting at 1.
	DeliveryCount() int
	DeadLetterDeliveryLimit() int
	Properties() metadatapkg.Metadata
	// Payload returns the decoded message.
	Payload() (any, error)

	Complete(ctx context.Context) error
	AbandonByError(ctx context.Context, cause error) error
	DeadLetter(ctx context.Context, limit int) error
	Reply(ctx context.Context, payload any) error
}

// MessageStateHandler owns one in-flight message of type T.
type MessageStateHandler[T any] interface {
	MessageState
	Message() (T, error)
}

// LockRenewer is implemented by states whose transport lock can be extended
// while the handler runs.
type LockRenewer interface {
	RenewLock(ctx context.Context, d time.Duration) error
}

// Envelope is the transport-neutral form of a received message.
type Envelope struct {
	ID            string
	Body          []byte
	Properties    metadatapkg.Metadata
	DeliveryCount int
	// DeadLetterLimit is the transport-side limit; zero defers to the
	// handler settings.
	DeadLetterLimit int
}

// Settler maps completion verbs onto transport operations.
type Settler interface {
	Complete(ctx context.Context, env *Envelope) error
	Abandon(ctx context.Context, env *Envelope, cause error) error
	DeadLetter(ctx context.Context, env *Envelope, reason string) error
	Reply(ctx context.Context, env *Envelope, body []byte, props metadatapkg.Metadata) error
}

// RenewingSettler is implemented by settlers that can extend message locks.
type RenewingSettler interface {
	Settler
	RenewLock(ctx context.Context, env *Envelope, d time.Duration) error
}

// Codec converts message bodies to and from T. Encode receives reply
// payloads, which need not be of type T.
type Codec[T any] interface {
	Decode(data []byte) (T, error)
	Encode(v any) ([]byte, error)
}

// State is the MessageStateHandler built by transports from an Envelope.
type State[T any] struct {
	env     Envelope
	codec   Codec[T]
	settler Settler

	decodeOnce sync.Once
	msg        T
	decodeErr  error
}

// NewState binds an envelope to its codec and settler.
func NewState[T any](env Envelope, codec Codec[T], settler Settler) *State[T] {
	if env.Properties == nil {
		env.Properties = metadatapkg.Metadata{}
	}
	if env.DeliveryCount < 1 {
		env.DeliveryCount = 1
	}
	return &State[T]{env: env, codec: codec, settler: settler}
}

func (s *State[T]) MessageID() string                { return s.env.ID }
func (s *State[T]) DeliveryCount() int               { return s.env.DeliveryCount }
func (s *State[T]) DeadLetterDeliveryLimit() int     { return s.env.DeadLetterLimit }
func (s *State[T]) Properties() metadatapkg.Metadata { return s.env.Properties }
func (s *State[T]) Envelope() *Envelope              { return &s.env }

// Message decodes the body once and caches the result.
func (s *State[T]) Message() (T, error) {
	s.decodeOnce.Do(func() {
		s.msg, s.decodeErr = s.codec.Decode(s.env.Body)
	})
	return s.msg, s.decodeErr
}

func (s *State[T]) Payload() (any, error) {
	return s.Message()
}

func (s *State[T]) Complete(ctx context.Context) error {
	return s.settler.Complete(ctx, &s.env)
}

func (s *State[T]) AbandonByError(ctx context.Context, cause error) error {
	return s.settler.Abandon(ctx, &s.env, cause)
}

func (s *State[T]) DeadLetter(ctx context.Context, limit int) error {
	return s.settler.DeadLetter(ctx, &s.env, deadLetterReason(s.env.DeliveryCount, limit))
}

// Reply encodes payload with the message codec and hands it to the
// transport, correlated with this message.
func (s *State[T]) Reply(ctx context.Context, payload any) error {
	body, err := s.codec.Encode(payload)
	if err != nil {
		return err
	}
	props := metadatapkg.New(metadatapkg.KeyCorrelationID, s.env.ID)
	return s.settler.Reply(ctx, &s.env, body, props)
}

func (s *State[T]) RenewLock(ctx context.Context, d time.Duration) error {
	renewer, ok := s.settler.(RenewingSettler)
	if !ok {
		return ErrLockRenewalUnsupported
	}
	return renewer.RenewLock(ctx, &s.env, d)
}
