package runtime

import (
	"fmt"
	"reflect"
	"time"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/codec"
	errspkg "github.com/BookBeat/knightbus-sub001/internal/runtime/errors"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/pipeline"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/pump"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/saga"
	transportpkg "github.com/BookBeat/knightbus-sub001/transport"
	"github.com/BookBeat/knightbus-sub001/transport/bridge"
)

// Registration configures one handler of message type T.
type Registration[T any] struct {
	// Name identifies the handler in logs, metrics and lock ids.
	Name string
	// Queue is the queue or topic consumed by the handler.
	Queue string
	// Subscription is required for event handlers and separates several
	// handlers of the same event type.
	Subscription string
	// Receiver fetches messages. When nil the service subscribes to Queue on
	// its configured transport.
	Receiver pump.Receiver[T]
	// Codec decodes bodies for the default receiver. Defaults to JSON.
	Codec handlers.Codec[T]
	// Settings are merged over the service defaults.
	Settings handlers.ProcessingSettings
	// Singleton handlers only run on the instance holding the lock named by
	// LockID, which defaults to Name.
	Singleton bool
	LockID    string
	// Middlewares run after the service middlewares, for this handler only.
	Middlewares []pipeline.Middleware
}

// RegisterCommandHandler registers a processor for commands of type T.
func RegisterCommandHandler[T any](svc *Service, reg Registration[T], factory pipeline.Factory[handlers.Processor[T]]) error {
	if factory == nil {
		return errspkg.ErrProcessorFactoryRequired
	}
	return register(svc, reg, pipeline.KindCommand, pipeline.ProcessorInvoker(factory))
}

// RegisterEventHandler registers a processor for events of type T. Each
// subscription receives its own copy of every event.
func RegisterEventHandler[T any](svc *Service, reg Registration[T], factory pipeline.Factory[handlers.Processor[T]]) error {
	if factory == nil {
		return errspkg.ErrProcessorFactoryRequired
	}
	if reg.Subscription == "" {
		return errspkg.ErrSubscriptionRequired
	}
	return register(svc, reg, pipeline.KindEvent, pipeline.ProcessorInvoker(factory))
}

// RegisterRequestHandler registers a processor whose result is sent back to
// the requester.
func RegisterRequestHandler[T, R any](svc *Service, reg Registration[T], factory pipeline.Factory[handlers.RequestProcessor[T, R]]) error {
	if factory == nil {
		return errspkg.ErrProcessorFactoryRequired
	}
	return register(svc, reg, pipeline.KindRequest, pipeline.RequestInvoker(factory))
}

// RegisterStreamHandler registers a processor that replies once per item it
// emits.
func RegisterStreamHandler[T, R any](svc *Service, reg Registration[T], factory pipeline.Factory[handlers.StreamProcessor[T, R]]) error {
	if factory == nil {
		return errspkg.ErrProcessorFactoryRequired
	}
	return register(svc, reg, pipeline.KindStreamRequest, pipeline.StreamInvoker(factory))
}

// RegisterSagaHandler registers an event processor taking part in the saga
// described by def. The processor should implement saga.Handler[D] to
// receive the activated saga.
func RegisterSagaHandler[T, D any](svc *Service, reg Registration[T], def saga.Definition[D], factory pipeline.Factory[handlers.Processor[T]]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if factory == nil {
		return errspkg.ErrProcessorFactoryRequired
	}
	if svc.sagaStore == nil {
		return errspkg.ErrSagaStoreRequired
	}
	if def.Mapper == nil || !saga.Has[T](def.Mapper) {
		return fmt.Errorf("%w: %s is not mapped by saga %s", saga.ErrUnmappedMessage, reflect.TypeFor[T](), reflect.TypeFor[D]())
	}
	activation := saga.Activation(saga.NewTypedStore[D](svc.sagaStore), def)
	reg.Middlewares = append([]pipeline.Middleware{activation}, reg.Middlewares...)

	kind := pipeline.KindCommand
	if reg.Subscription != "" {
		kind = pipeline.KindEvent
	}
	return register(svc, reg, kind, pipeline.ProcessorInvoker(factory))
}

func register[T any](svc *Service, reg Registration[T], kind pipeline.ProcessorKind, invoker pipeline.Invoker) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if reg.Name == "" {
		return errspkg.ErrHandlerNameRequired
	}
	if reg.Queue == "" {
		return errspkg.ErrQueueRequired
	}
	if reg.Singleton && svc.lockManager == nil {
		return fmt.Errorf("handler %q: %w", reg.Name, errspkg.ErrLockManagerRequired)
	}

	settings := reg.Settings.WithDefaults(svc.defaultSettings())
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("handler %q: %w: %w", reg.Name, errspkg.ErrInvalidProcessingSettings, err)
	}

	receiver := reg.Receiver
	if receiver == nil {
		var err error
		if receiver, err = defaultReceiver(svc, reg, settings.PollingDelay); err != nil {
			return fmt.Errorf("handler %q: %w", reg.Name, err)
		}
	}

	lockID := reg.LockID
	if lockID == "" {
		lockID = reg.Name
	}

	messageType := reflect.TypeFor[T]()
	info := &pipeline.PipelineInformation{
		Name:         reg.Name,
		Kind:         kind,
		MessageType:  messageType,
		Queue:        reg.Queue,
		Subscription: reg.Subscription,
		Settings:     settings,
		Logger:       svc.Logger.With(loggingpkg.LogFields{"handler": reg.Name}),
		Invoker:      invoker,
	}
	entry := &registration{
		key:         registryKey{kind: kind, messageType: messageType, subscription: reg.Subscription},
		info:        info,
		singleton:   reg.Singleton,
		lockID:      lockID,
		middlewares: reg.Middlewares,
		handler: &HandlerInfo{
			Name:         reg.Name,
			Kind:         kind.String(),
			MessageType:  messageType.String(),
			Queue:        reg.Queue,
			Subscription: reg.Subscription,
			Singleton:    reg.Singleton,
			Stats:        newHandlerStats(svc.resources),
		},
		newPump: func(dispatch pump.Dispatcher, opts pump.Options) runnablePump {
			return pump.New[T](receiver, dispatch, opts)
		},
	}
	if err := svc.registry.add(entry); err != nil {
		return err
	}

	svc.Logger.Info("Handler registered", loggingpkg.LogFields{
		"handler":      reg.Name,
		"kind":         kind.String(),
		"message_type": messageType.String(),
		"queue":        reg.Queue,
		"subscription": reg.Subscription,
		"singleton":    reg.Singleton,
	})
	return nil
}

// defaultReceiver reads the queue from the service transport. Transports
// with a native Source keep their own locks and delivery counts; the rest
// are bridged from their Watermill subscriber.
func defaultReceiver[T any](svc *Service, reg Registration[T], pollingDelay time.Duration) (pump.Receiver[T], error) {
	c := reg.Codec
	if c == nil {
		c = codec.JSON[T]{}
	}
	if src := svc.transport.Source; src != nil {
		if d, ok := src.(pump.PollingDelayer); ok {
			pollingDelay = d.PollingDelay()
		}
		return transportpkg.Receive[T](src, reg.Queue, c, pollingDelay), nil
	}
	if svc.transport.Subscriber == nil {
		return nil, errspkg.ErrReceiverRequired
	}
	return bridge.NewReceiver[T](svc.transport.Subscriber, svc.transport.Publisher, reg.Queue, c, bridge.Options{
		DeadLetterTopic: reg.Queue + svc.Conf.GetDeadLetterSuffix(),
		Logger:          svc.Logger.With(loggingpkg.LogFields{"handler": reg.Name}),
	}), nil
}
