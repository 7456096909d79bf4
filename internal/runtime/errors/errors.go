package errors

import sterrors "errors"

var (
	ErrServiceRequired           = sterrors.New("knightbus: service is required")
	ErrProcessorFactoryRequired  = sterrors.New("knightbus: processor factory is required")
	ErrQueueRequired             = sterrors.New("knightbus: queue is required")
	ErrHandlerNameRequired       = sterrors.New("knightbus: handler name is required")
	ErrSubscriptionRequired      = sterrors.New("knightbus: event handlers require a subscription")
	ErrReceiverRequired          = sterrors.New("knightbus: receiver is required")
	ErrDuplicateHandler          = sterrors.New("knightbus: handler already registered")
	ErrRegistryFrozen            = sterrors.New("knightbus: registry is read-only once the service has started")
	ErrDuplicateScopeProvider    = sterrors.New("knightbus: more than one scope provider configured")
	ErrLockManagerRequired       = sterrors.New("knightbus: singleton handlers require a lock manager")
	ErrInvalidProcessingSettings = sterrors.New("knightbus: invalid processing settings")
	ErrUnknownBackend            = sterrors.New("knightbus: unknown storage backend")
	ErrSagaStoreRequired         = sterrors.New("knightbus: saga handlers require a saga store")
	ErrPublisherRequired         = sterrors.New("knightbus: publisher is required")
	ErrTopicRequired             = sterrors.New("knightbus: topic is required")
	ErrPayloadRequired           = sterrors.New("knightbus: payload is required")
)
