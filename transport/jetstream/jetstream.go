// Package jetstream is a native NATS JetStream transport. Every queue is a
// subject in one work-queue stream consumed through a durable pull consumer,
// so message locks map onto AckWait, renewal onto InProgress and the
// delivery count onto NumDelivered.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	idspkg "github.com/BookBeat/knightbus-sub001/internal/runtime/ids"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/natskv"
	"github.com/BookBeat/knightbus-sub001/transport"
)

const TransportName = "nats-jetstream"

const (
	DefaultStreamName       = "KNIGHTBUS"
	DefaultMaxAge           = 7 * 24 * time.Hour
	DefaultDeadLetterSuffix = ".deadletter"
	// DefaultFetchWait bounds one pull request.
	DefaultFetchWait = time.Second

	minAckWait = time.Second
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
	transport.RegisterWithCapabilities("jetstream", Build, transport.NATSJetStreamCapabilities)
}

// Build connects to the configured NATS server and ensures the stream.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	nc, js, err := natskv.Connect(cfg.GetNATSURL())
	if err != nil {
		return transport.Transport{}, err
	}
	q, err := New(js, Config{Logger: loggingpkg.NewWatermillServiceLogger(logger)})
	if err != nil {
		nc.Close()
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher: q,
		Source:    q,
		Close: func() error {
			err := q.Close()
			nc.Close()
			return err
		},
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config configures a Queue.
type Config struct {
	StreamName       string
	Replicas         int
	MaxAge           time.Duration
	DeadLetterSuffix string
	FetchWait        time.Duration
	Logger           loggingpkg.ServiceLogger
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.DeadLetterSuffix == "" {
		c.DeadLetterSuffix = DefaultDeadLetterSuffix
	}
	if c.FetchWait <= 0 {
		c.FetchWait = DefaultFetchWait
	}
	return c
}

// Queue sends to and fetches from JetStream subjects.
type Queue struct {
	js     nats.JetStreamContext
	config Config
	logger loggingpkg.ServiceLogger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// New ensures the stream exists and returns a Queue on it.
func New(js nats.JetStreamContext, cfg Config) (*Queue, error) {
	cfg = cfg.withDefaults()
	q := &Queue{
		js:     js,
		config: cfg,
		logger: loggingpkg.OrNop(cfg.Logger).With(loggingpkg.LogFields{"stream": cfg.StreamName}),
		subs:   make(map[string]*nats.Subscription),
	}
	if err := q.ensureStream(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      q.config.StreamName,
		Subjects:  []string{q.config.StreamName + ".>"},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    q.config.MaxAge,
		Replicas:  q.config.Replicas,
	}
	_, err := q.js.StreamInfo(q.config.StreamName)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := q.js.AddStream(streamCfg); err != nil {
			return fmt.Errorf("jetstream: create stream %q: %w", q.config.StreamName, err)
		}
		q.logger.Info("JetStream stream created", nil)
		return nil
	default:
		return fmt.Errorf("jetstream: stream info %q: %w", q.config.StreamName, err)
	}
}

// Subject maps a queue name onto its subject in the stream.
func (q *Queue) Subject(queue string) string {
	return q.config.StreamName + "." + queue
}

// Durable returns the consumer name for queue. Consumer names may not
// contain subject tokens.
func Durable(queue string) string {
	return "kb_" + strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(queue)
}

// PollingDelay is zero because Fetch waits on the server.
func (q *Queue) PollingDelay() time.Duration { return 0 }

func (q *Queue) subscription(queue string, lockDuration time.Duration) (*nats.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sub, ok := q.subs[queue]; ok {
		return sub, nil
	}

	durable := Durable(queue)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: q.Subject(queue),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       max(lockDuration, minAckWait),
		MaxDeliver:    -1,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := q.js.AddConsumer(q.config.StreamName, consumerCfg); err != nil {
		if _, err := q.js.UpdateConsumer(q.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("jetstream: consumer %q: %w", durable, err)
		}
	}
	sub, err := q.js.PullSubscribe(q.Subject(queue), durable, nats.Bind(q.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe %q: %w", queue, err)
	}
	q.subs[queue] = sub
	return sub, nil
}

// Fetch pulls up to count messages. The consumer's AckWait is fixed by the
// lock duration of the first fetch.
func (q *Queue) Fetch(ctx context.Context, queue string, count int, lockDuration time.Duration) ([]transport.Delivery, error) {
	if count < 1 {
		return nil, nil
	}
	sub, err := q.subscription(queue, lockDuration)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, q.config.FetchWait)
	defer cancel()
	msgs, err := sub.Fetch(count, nats.Context(fetchCtx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil
		}
		return nil, fmt.Errorf("jetstream: fetch %q: %w", queue, err)
	}

	out := make([]transport.Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, transport.Delivery{
			Envelope: envelope(m, numDelivered(m)),
			Settler:  &settler{queue: q, name: queue, msg: m},
		})
	}
	return out, nil
}

// Pending reports messages not yet delivered plus those awaiting an ack.
func (q *Queue) Pending(ctx context.Context, queue string) (int64, error) {
	info, err := q.js.ConsumerInfo(q.config.StreamName, Durable(queue), nats.Context(ctx))
	if err != nil {
		return 0, err
	}
	return int64(info.NumPending) + int64(info.NumAckPending), nil
}

// Send publishes body to queue with props as headers.
func (q *Queue) Send(ctx context.Context, queue string, body []byte, props metadatapkg.Metadata) error {
	msg := nats.NewMsg(q.Subject(queue))
	msg.Data = body
	for k, v := range props {
		msg.Header.Set(k, v)
	}
	if _, err := q.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("jetstream: publish to %q: %w", queue, err)
	}
	return nil
}

// Publish implements message.Publisher; topic names the queue.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	for _, m := range messages {
		props := metadatapkg.FromWatermill(m.Metadata)
		if props[metadatapkg.KeyMessageID] == "" {
			props = props.With(metadatapkg.KeyMessageID, m.UUID)
		}
		if err := q.Send(m.Context(), topic, m.Payload, props); err != nil {
			return err
		}
	}
	return nil
}

// Close unsubscribes every pull subscription. Durable consumers survive.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	for name, sub := range q.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
		delete(q.subs, name)
	}
	return errors.Join(errs...)
}

func numDelivered(m *nats.Msg) int {
	meta, err := m.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

func envelope(m *nats.Msg, delivered int) handlers.Envelope {
	props := make(metadatapkg.Metadata, len(m.Header))
	for k := range m.Header {
		props[k] = m.Header.Get(k)
	}
	id := props[metadatapkg.KeyMessageID]
	if id == "" {
		id = idspkg.CreateULID()
	}
	return handlers.Envelope{
		ID:            id,
		Body:          m.Data,
		Properties:    props,
		DeliveryCount: delivered,
	}
}

// settler acknowledges one pulled message.
type settler struct {
	queue *Queue
	name  string
	msg   *nats.Msg
}

func (s *settler) Complete(ctx context.Context, env *handlers.Envelope) error {
	return s.msg.AckSync(nats.Context(ctx))
}

func (s *settler) Abandon(ctx context.Context, env *handlers.Envelope, cause error) error {
	return s.msg.Nak()
}

// DeadLetter copies the message to "<queue><suffix>" and terminates it so
// the consumer never redelivers it.
func (s *settler) DeadLetter(ctx context.Context, env *handlers.Envelope, reason string) error {
	props := env.Properties.With(metadatapkg.KeyDeadLetterErr, reason).With(metadatapkg.KeyMessageID, env.ID)
	if err := s.queue.Send(ctx, s.name+s.queue.config.DeadLetterSuffix, env.Body, props); err != nil {
		return err
	}
	if err := s.msg.Term(); err != nil {
		return err
	}
	s.queue.logger.Info("Message dead-lettered", loggingpkg.LogFields{"queue": s.name, "message_id": env.ID, "reason": reason})
	return nil
}

func (s *settler) Reply(ctx context.Context, env *handlers.Envelope, body []byte, props metadatapkg.Metadata) error {
	to := env.Properties[metadatapkg.KeyReplyTo]
	if to == "" {
		return fmt.Errorf("message %s has no reply queue", env.ID)
	}
	return s.queue.Send(ctx, to, body, props.With(metadatapkg.KeyMessageID, idspkg.CreateULID()))
}

// RenewLock resets the AckWait timer. JetStream always extends by the
// consumer's AckWait, whatever d is.
func (s *settler) RenewLock(ctx context.Context, env *handlers.Envelope, d time.Duration) error {
	return s.msg.InProgress()
}
