// Package transport defines how knightbus talks to message brokers. Each
// transport lives in its own sub-package and registers a Builder under the
// name used by the PubSubSystem setting.
package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
)

// Transport is what a Builder produces. Source is set by transports with
// native message locks; the others are consumed through Subscriber.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Source     Source
	// Close releases connections owned by the transport. May be nil.
	Close func() error
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetSQLiteFile() string
	GetPostgresURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// Delivery is one locked message handed out by a Source.
type Delivery struct {
	Envelope handlers.Envelope
	Settler  handlers.Settler
}

// Source fetches locked messages from a named queue. Sources own lock
// expiry, delivery counting and dead-letter storage.
type Source interface {
	Fetch(ctx context.Context, queue string, count int, lockDuration time.Duration) ([]Delivery, error)
}

// QueueIntrospector is implemented by sources that can report queue depth.
type QueueIntrospector interface {
	Pending(ctx context.Context, queue string) (int64, error)
}

// Receiver adapts a Source to the typed pump receiver contract.
type Receiver[T any] struct {
	source Source
	queue  string
	codec  handlers.Codec[T]
	delay  time.Duration
}

// Receive binds src to queue, decoding bodies with codec. pollingDelay is
// the pause between empty fetches.
func Receive[T any](src Source, queue string, codec handlers.Codec[T], pollingDelay time.Duration) *Receiver[T] {
	return &Receiver[T]{source: src, queue: queue, codec: codec, delay: pollingDelay}
}

func (r *Receiver[T]) PollingDelay() time.Duration { return r.delay }

func (r *Receiver[T]) Fetch(ctx context.Context, count int, lockDuration time.Duration) ([]handlers.MessageStateHandler[T], error) {
	deliveries, err := r.source.Fetch(ctx, r.queue, count, lockDuration)
	if err != nil || len(deliveries) == 0 {
		return nil, err
	}
	out := make([]handlers.MessageStateHandler[T], 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, handlers.NewState(d.Envelope, r.codec, d.Settler))
	}
	return out, nil
}

// CloseAll returns a Close func for the given endpoints. Endpoints shared
// between publisher and subscriber are closed once.
func CloseAll(closers ...io.Closer) func() error {
	return func() error {
		var errs []error
		seen := make(map[io.Closer]bool, len(closers))
		for _, c := range closers {
			if c == nil || seen[c] {
				continue
			}
			seen[c] = true
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
