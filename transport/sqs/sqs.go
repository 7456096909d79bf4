// Package sqs is a native Amazon SQS transport. Fetch maps the message lock
// onto the visibility timeout and the delivery count onto
// ApproximateReceiveCount, so locks survive process restarts and are
// enforced across instances.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	idspkg "github.com/BookBeat/knightbus-sub001/internal/runtime/ids"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/lock"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
	"github.com/BookBeat/knightbus-sub001/transport"
	awstransport "github.com/BookBeat/knightbus-sub001/transport/aws"
)

const TransportName = "sqs"

const (
	// MaxBatch is the SQS limit for one ReceiveMessage call.
	MaxBatch = 10
	// DefaultWaitTime is the long-polling wait of ReceiveMessage.
	DefaultWaitTime = time.Second
	// DefaultDeadLetterSuffix names the queue receiving dead letters.
	DefaultDeadLetterSuffix = ".deadletter"

	maxVisibility = 12 * time.Hour
)

// API is the subset of the SQS client used by Queue.
type API interface {
	GetQueueUrl(ctx context.Context, in *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, in *amazonsqs.GetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error)
	ReceiveMessage(ctx context.Context, in *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *amazonsqs.DeleteMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *amazonsqs.ChangeMessageVisibilityInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, in *amazonsqs.SendMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SendMessageOutput, error)
}

// ClientFactory allows overriding client creation for testing.
var ClientFactory = func(cfg aws.Config) API {
	return amazonsqs.NewFromConfig(cfg)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQSCapabilities)
}

// Build creates a Queue from the AWS settings. The queue is both the
// publisher and the source; there is no Watermill subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	awsCfg, err := awstransport.LoadConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	q := New(ClientFactory(awsCfg), Options{Logger: loggingpkg.NewWatermillServiceLogger(logger)})
	return transport.Transport{
		Publisher: q,
		Source:    q,
		Close:     q.Close,
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.SQSCapabilities
}

// Options configures a Queue.
type Options struct {
	DeadLetterSuffix string
	// WaitTime is the long-polling wait; SQS rounds it to whole seconds.
	WaitTime time.Duration
	Logger   loggingpkg.ServiceLogger
}

// Queue sends to and receives from SQS queues addressed by name.
type Queue struct {
	client API
	opts   Options
	logger loggingpkg.ServiceLogger

	mu   sync.RWMutex
	urls map[string]string
}

func New(client API, opts Options) *Queue {
	if opts.DeadLetterSuffix == "" {
		opts.DeadLetterSuffix = DefaultDeadLetterSuffix
	}
	if opts.WaitTime < 0 {
		opts.WaitTime = 0
	} else if opts.WaitTime == 0 {
		opts.WaitTime = DefaultWaitTime
	}
	return &Queue{
		client: client,
		opts:   opts,
		logger: loggingpkg.OrNop(opts.Logger),
		urls:   make(map[string]string),
	}
}

// PollingDelay is zero because ReceiveMessage long-polls.
func (q *Queue) PollingDelay() time.Duration { return 0 }

func (q *Queue) queueURL(ctx context.Context, name string) (string, error) {
	q.mu.RLock()
	u, ok := q.urls[name]
	q.mu.RUnlock()
	if ok {
		return u, nil
	}
	out, err := q.client.GetQueueUrl(ctx, &amazonsqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("resolve queue %q: %w", name, err)
	}
	u = aws.ToString(out.QueueUrl)
	q.mu.Lock()
	q.urls[name] = u
	q.mu.Unlock()
	return u, nil
}

// Fetch receives up to count messages, hidden from other consumers for
// lockDuration.
func (q *Queue) Fetch(ctx context.Context, queue string, count int, lockDuration time.Duration) ([]transport.Delivery, error) {
	if count < 1 {
		return nil, nil
	}
	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	out, err := q.client.ReceiveMessage(ctx, &amazonsqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(url),
		MaxNumberOfMessages:         int32(min(count, MaxBatch)),
		VisibilityTimeout:           seconds(lockDuration),
		WaitTimeSeconds:             seconds(q.opts.WaitTime),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, classify(err)
	}

	deliveries := make([]transport.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		deliveries = append(deliveries, transport.Delivery{
			Envelope: envelope(m),
			Settler:  &settler{queue: q, name: queue, url: url, receipt: aws.ToString(m.ReceiptHandle)},
		})
	}
	return deliveries, nil
}

// Pending reports ApproximateNumberOfMessages.
func (q *Queue) Pending(ctx context.Context, queue string) (int64, error) {
	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}
	out, err := q.client.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, classify(err)
	}
	return strconv.ParseInt(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)], 10, 64)
}

// Send enqueues body with props as string message attributes.
func (q *Queue) Send(ctx context.Context, queue string, body []byte, props metadatapkg.Metadata) error {
	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	attrs := make(map[string]types.MessageAttributeValue, len(props))
	for k, v := range props {
		attrs[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	_, err = q.client.SendMessage(ctx, &amazonsqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("send to %q: %w", queue, classify(err))
	}
	return nil
}

// Publish implements message.Publisher; topic names the queue.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		props := metadatapkg.FromWatermill(msg.Metadata)
		if props[metadatapkg.KeyMessageID] == "" {
			props = props.With(metadatapkg.KeyMessageID, msg.UUID)
		}
		if err := q.Send(msg.Context(), topic, msg.Payload, props); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) Close() error { return nil }

func envelope(m types.Message) handlers.Envelope {
	props := make(metadatapkg.Metadata, len(m.MessageAttributes))
	for k, v := range m.MessageAttributes {
		if v.StringValue != nil {
			props[k] = *v.StringValue
		}
	}
	id := props[metadatapkg.KeyMessageID]
	if id == "" {
		id = aws.ToString(m.MessageId)
	}
	count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	return handlers.Envelope{
		ID:            id,
		Body:          []byte(aws.ToString(m.Body)),
		Properties:    props,
		DeliveryCount: count,
	}
}

// settler settles one received message through its receipt handle.
type settler struct {
	queue   *Queue
	name    string
	url     string
	receipt string
}

func (s *settler) Complete(ctx context.Context, env *handlers.Envelope) error {
	_, err := s.queue.client.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.url),
		ReceiptHandle: aws.String(s.receipt),
	})
	return classify(err)
}

func (s *settler) Abandon(ctx context.Context, env *handlers.Envelope, cause error) error {
	return s.visibility(ctx, 0)
}

func (s *settler) DeadLetter(ctx context.Context, env *handlers.Envelope, reason string) error {
	props := env.Properties.With(metadatapkg.KeyDeadLetterErr, reason).With(metadatapkg.KeyMessageID, env.ID)
	if err := s.queue.Send(ctx, s.name+s.queue.opts.DeadLetterSuffix, env.Body, props); err != nil {
		return err
	}
	if err := s.Complete(ctx, env); err != nil {
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

func (s *settler) RenewLock(ctx context.Context, env *handlers.Envelope, d time.Duration) error {
	return s.visibility(ctx, d)
}

func (s *settler) visibility(ctx context.Context, d time.Duration) error {
	_, err := s.queue.client.ChangeMessageVisibility(ctx, &amazonsqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(s.url),
		ReceiptHandle:     aws.String(s.receipt),
		VisibilityTimeout: seconds(d),
	})
	return classify(err)
}

func seconds(d time.Duration) int32 {
	d = min(max(d, 0), maxVisibility)
	return int32(math.Ceil(d.Seconds()))
}

// Error codes meaning the receipt handle no longer owns the message.
var expiredCodes = map[string]bool{
	"ReceiptHandleIsInvalid":                    true,
	"InvalidParameterValue":                     true,
	"MessageNotInflight":                        true,
	"AWS.SimpleQueueService.MessageNotInflight": true,
}

// Error codes worth retrying.
var throttlingCodes = map[string]bool{
	"ThrottlingException":                       true,
	"RequestThrottled":                          true,
	"ServiceUnavailable":                        true,
	"KmsThrottled":                              true,
	"AWS.SimpleQueueService.ServiceUnavailable": true,
}

// IsTransient reports whether err is a server-side or throttling failure.
// It can be passed to lock.WithTransientPredicate.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if lock.DefaultTransient(err) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorFault() == smithy.FaultServer || throttlingCodes[apiErr.ErrorCode()]
	}
	return false
}

// classify maps receipt-handle failures onto ErrMessageLockExpired and
// marks retryable ones with lock.Transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && expiredCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %s", handlers.ErrMessageLockExpired, apiErr.ErrorMessage())
	}
	if IsTransient(err) {
		return lock.Transient(err)
	}
	return err
}
