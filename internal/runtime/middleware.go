package runtime

import (
	"context"
	"errors"

	errspkg "github.com/BookBeat/knightbus-sub001/internal/runtime/errors"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/gate"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/pipeline"
)

// MiddlewareBuilder constructs a pipeline middleware using the provided
// service instance. Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Service) (pipeline.Middleware, error)

// MiddlewareRegistration captures how a middleware should be added to every
// pipeline of a Service.
type MiddlewareRegistration struct {
	Name       string
	Middleware pipeline.Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the
// Service constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		TracerMiddleware(),
		LogMessagesMiddleware(nil),
		LockExtensionMiddleware(),
	}
}

// TracerMiddleware wraps message handling in an OpenTelemetry consumer span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (pipeline.Middleware, error) {
			return pipeline.Tracing(pipeline.TracingOptions{TracerProvider: s.tracerProvider}), nil
		},
	}
}

// LogMessagesMiddleware logs the payload and properties of handled messages
// at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (pipeline.Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// LockExtensionMiddleware renews message locks for handlers configured with
// ProcessingSettings.LockExtension.
func LockExtensionMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "lock_extension",
		Middleware: pipeline.LockExtension(),
	}
}

// ThrottleMiddleware bounds the number of messages processed concurrently
// across all handlers of the Service.
func ThrottleMiddleware(capacity int) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "throttle",
		Builder: func(s *Service) (pipeline.Middleware, error) {
			if capacity <= 0 {
				return nil, errors.New("throttle middleware requires a positive capacity")
			}
			s.throttle = gate.New(capacity)
			return pipeline.Throttle(s.throttle), nil
		},
	}
}

// AttachmentsMiddleware loads out-of-band attachments referenced by the
// message properties.
func AttachmentsMiddleware(provider pipeline.AttachmentProvider) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "attachments",
		Builder: func(s *Service) (pipeline.Middleware, error) {
			if provider == nil {
				return nil, errors.New("attachments middleware requires a provider")
			}
			return pipeline.Attachments(provider), nil
		},
	}
}

// RegisterMiddleware appends the middleware to the chain used by every
// pipeline. Middlewares cannot be added once the service has started.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.registry.Frozen() {
		return errspkg.ErrRegistryFrozen
	}

	var mw pipeline.Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.middlewaresMu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.middlewaresMu.Unlock()
	return nil
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) pipeline.Middleware {
	return pipeline.MiddlewareFunc(func(ctx context.Context, state handlers.MessageState, info *pipeline.PipelineInformation, next pipeline.Next) error {
		fields := loggingpkg.LogFields{
			"handler":        info.Name,
			"message_id":     state.MessageID(),
			"delivery_count": state.DeliveryCount(),
			"properties":     state.Properties(),
		}
		if payload, err := state.Payload(); err == nil {
			fields["payload"] = payload
		}
		logger.Debug("Processing message", fields)
		return next(ctx, state)
	})
}
