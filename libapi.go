package knightbus

import (
	"context"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/BookBeat/knightbus-sub001/internal/runtime"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/codec"
	configpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/config"
	errspkg "github.com/BookBeat/knightbus-sub001/internal/runtime/errors"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/gate"
	handlerpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	idspkg "github.com/BookBeat/knightbus-sub001/internal/runtime/ids"
	jsoncodec "github.com/BookBeat/knightbus-sub001/internal/runtime/jsoncodec"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/lock"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/pipeline"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/pump"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/saga"
	"github.com/BookBeat/knightbus-sub001/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Registration[T any] = runtimepkg.Registration[T]

	ProcessingSettings = handlerpkg.ProcessingSettings
	LockExtension      = handlerpkg.LockExtension

	Processor[T any]               = handlerpkg.Processor[T]
	ProcessorFunc[T any]           = handlerpkg.ProcessorFunc[T]
	RequestProcessor[T, R any]     = handlerpkg.RequestProcessor[T, R]
	RequestProcessorFunc[T, R any] = handlerpkg.RequestProcessorFunc[T, R]
	StreamProcessor[T, R any]      = handlerpkg.StreamProcessor[T, R]
	StreamProcessorFunc[T, R any]  = handlerpkg.StreamProcessorFunc[T, R]
	BeforeDeadLetter[T any]        = handlerpkg.BeforeDeadLetter[T]
	MessageState                   = handlerpkg.MessageState
	MessageStateHandler[T any]     = handlerpkg.MessageStateHandler[T]
	Envelope                       = handlerpkg.Envelope
	Settler                        = handlerpkg.Settler
	Codec[T any]                   = handlerpkg.Codec[T]
	JSONCodec[T any]               = codec.JSON[T]
	ProtoCodec[T proto.Message]    = codec.Proto[T]
	Receiver[T any]                = pump.Receiver[T]
	Factory[P any]                 = pipeline.Factory[P]
	Scope                          = pipeline.Scope
	ScopeProvider                  = pipeline.ScopeProvider
	Middleware                     = pipeline.Middleware
	MiddlewareFunc                 = pipeline.MiddlewareFunc
	Next                           = pipeline.Next
	PipelineInformation            = pipeline.PipelineInformation
	Attachment                     = pipeline.Attachment
	AttachmentProvider             = pipeline.AttachmentProvider
	MiddlewareBuilder              = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration         = runtimepkg.MiddlewareRegistration
	Gate                           = gate.Gate
	LockManager                    = lock.Manager
	SagaDefinition[D any]          = saga.Definition[D]
	SagaMapper                     = saga.Mapper
	Saga[D any]                    = saga.Saga[D]
	SagaHandler[D any]             = saga.Handler[D]
	SagaStore                      = saga.Store
	Metadata                       = metadatapkg.Metadata
	LogFields                      = loggingpkg.LogFields
	ServiceLogger                  = loggingpkg.ServiceLogger
	HandlerInfo                    = runtimepkg.HandlerInfo
	HandlerStats                   = runtimepkg.HandlerStats
	StatsSnapshot                  = runtimepkg.StatsSnapshot
	Outcome                        = runtimepkg.Outcome
	ErrorClassifier                = runtimepkg.ErrorClassifier
	ErrorCategory                  = runtimepkg.ErrorCategory
	JobContext                     = runtimepkg.JobContext
	JobHooks                       = runtimepkg.JobHooks
	Metrics                        = runtimepkg.Metrics
	ConfigValidationError          = errspkg.ConfigValidationError
	Transport                      = transport.Transport
	TransportBuilder               = transport.Builder
	TransportConfig                = transport.Config
	TransportRegistry              = transport.Registry
	TransportSource                = transport.Source
	TransportDelivery              = transport.Delivery
	TransportCapabilities          = transport.Capabilities
	TransportQueueIntrospector     = transport.QueueIntrospector
	ReceiverFromSource[T any]      = transport.Receiver[T]
	RenewingSettler                = handlerpkg.RenewingSettler
	LockRenewer                    = handlerpkg.LockRenewer
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	TracerMiddleware        = runtimepkg.TracerMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	LockExtensionMiddleware = runtimepkg.LockExtensionMiddleware
	ThrottleMiddleware      = runtimepkg.ThrottleMiddleware
	AttachmentsMiddleware   = runtimepkg.AttachmentsMiddleware
	JobHooksMiddleware      = runtimepkg.JobHooksMiddleware
	LoggingHooks            = runtimepkg.LoggingHooks
	MetricsHooks            = runtimepkg.MetricsHooks
	AlertingHooks           = runtimepkg.AlertingHooks
	NewScopeProvider        = pipeline.NewScopeProvider
	NewScope                = pipeline.NewScope
	ScopeFrom               = pipeline.ScopeFrom
	AttachmentFrom          = pipeline.AttachmentFrom
	StateFrom               = handlerpkg.StateFrom
	NewGate                 = gate.New
	NewSagaMapper           = saga.NewMapper
	NewMetrics              = runtimepkg.NewMetrics

	NewMessage          = runtimepkg.NewMessage
	NewMessageFromProto = runtimepkg.NewMessageFromProto
	Publish             = runtimepkg.Publish

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop
	NewMetadata          = metadatapkg.New
	CreateULID           = idspkg.CreateULID

	ErrServiceStarted            = runtimepkg.ErrServiceStarted
	ErrServiceRequired           = errspkg.ErrServiceRequired
	ErrProcessorFactoryRequired  = errspkg.ErrProcessorFactoryRequired
	ErrQueueRequired             = errspkg.ErrQueueRequired
	ErrHandlerNameRequired       = errspkg.ErrHandlerNameRequired
	ErrSubscriptionRequired      = errspkg.ErrSubscriptionRequired
	ErrReceiverRequired          = errspkg.ErrReceiverRequired
	ErrDuplicateHandler          = errspkg.ErrDuplicateHandler
	ErrRegistryFrozen            = errspkg.ErrRegistryFrozen
	ErrLockManagerRequired       = errspkg.ErrLockManagerRequired
	ErrInvalidProcessingSettings = errspkg.ErrInvalidProcessingSettings
	ErrUnknownBackend            = errspkg.ErrUnknownBackend
	ErrSagaStoreRequired         = errspkg.ErrSagaStoreRequired
	ErrPublisherRequired         = errspkg.ErrPublisherRequired
	ErrTopicRequired             = errspkg.ErrTopicRequired
	ErrPayloadRequired           = errspkg.ErrPayloadRequired
	ErrConfigRequired            = errspkg.ErrConfigRequired
	ErrMessageAlreadySettled     = handlerpkg.ErrMessageAlreadySettled
	ErrMessageLockExpired        = handlerpkg.ErrMessageLockExpired
	ErrLockRenewalUnsupported    = handlerpkg.ErrLockRenewalUnsupported
	ErrLeaseLost                 = lock.ErrLeaseLost
	ErrSagaAlreadyStarted        = saga.ErrSagaAlreadyStarted
	ErrSagaNotFound              = saga.ErrSagaNotFound
	ErrSagaConflict              = saga.ErrSagaConflict
	ErrUnmappedMessage           = saga.ErrUnmappedMessage
)

// Message property keys.
const (
	KeyMessageID      = metadatapkg.KeyMessageID
	KeyMessageType    = metadatapkg.KeyMessageType
	KeyCorrelationID  = metadatapkg.KeyCorrelationID
	KeyReplyTo        = metadatapkg.KeyReplyTo
	KeyAttachmentID   = metadatapkg.KeyAttachmentID
	KeyDeliveryCount  = metadatapkg.KeyDeliveryCount
	KeyDeadLetterInfo = metadatapkg.KeyDeadLetterErr
)

// Storage backends for Config.LockBackend and Config.SagaBackend.
const (
	BackendMemory   = configpkg.BackendMemory
	BackendPostgres = configpkg.BackendPostgres
	BackendSQLite   = configpkg.BackendSQLite
	BackendNATS     = configpkg.BackendNATS
)

// Instance returns a Factory that always yields p.
func Instance[P any](p P) Factory[P] { return pipeline.Instance(p) }

func RegisterCommandHandler[T any](svc *Service, reg Registration[T], factory Factory[Processor[T]]) error {
	return runtimepkg.RegisterCommandHandler(svc, reg, factory)
}

func RegisterEventHandler[T any](svc *Service, reg Registration[T], factory Factory[Processor[T]]) error {
	return runtimepkg.RegisterEventHandler(svc, reg, factory)
}

func RegisterRequestHandler[T, R any](svc *Service, reg Registration[T], factory Factory[RequestProcessor[T, R]]) error {
	return runtimepkg.RegisterRequestHandler(svc, reg, factory)
}

func RegisterStreamHandler[T, R any](svc *Service, reg Registration[T], factory Factory[StreamProcessor[T, R]]) error {
	return runtimepkg.RegisterStreamHandler(svc, reg, factory)
}

func RegisterSagaHandler[T, D any](svc *Service, reg Registration[T], def SagaDefinition[D], factory Factory[Processor[T]]) error {
	return runtimepkg.RegisterSagaHandler(svc, reg, def, factory)
}

// MapSagaStart maps messages of type T that may start a saga onto its id.
func MapSagaStart[T any](m *SagaMapper, id func(T) string) { saga.MapStart(m, id) }

// MapSaga maps messages of type T that continue an existing saga.
func MapSaga[T any](m *SagaMapper, id func(T) string) { saga.Map(m, id) }

// SagaFromScope returns the saga activated for the current message.
func SagaFromScope[D any](scope *Scope) (*Saga[D], bool) { return saga.FromScope[D](scope) }

// ReceiveFrom adapts a native transport Source into a typed receiver.
func ReceiveFrom[T any](src TransportSource, queue string, c Codec[T]) *ReceiverFromSource[T] {
	if c == nil {
		c = codec.JSON[T]{}
	}
	return transport.Receive[T](src, queue, c, 0)
}

// MessageOf decodes the typed payload of state.
func MessageOf[T any](state MessageState) (T, error) { return pipeline.MessageOf[T](state) }

// WithState stores state on ctx, as the pipeline does for handlers.
func WithState(ctx context.Context, state MessageState) context.Context {
	return handlerpkg.ContextWithState(ctx, state)
}
