package runtime

import (
	"context"
	"time"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/pipeline"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// HandlerName is the name of the handler processing the job.
	HandlerName string
	// Queue is the queue or topic the message was received from.
	Queue        string
	Subscription string
	MessageID    string
	Properties   metadatapkg.Metadata
	// Context is the processing context of the message.
	Context   context.Context
	StartedAt time.Time
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration      time.Duration
	DeliveryCount int
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the rest of the pipeline runs.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when the rest of the pipeline returned without error.
	OnJobDone func(ctx JobContext)

	// OnJobError is called with the error returned by the rest of the
	// pipeline, before the message is abandoned.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware registers a middleware that invokes the provided hooks
// around every message.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) pipeline.Middleware {
	return pipeline.MiddlewareFunc(func(ctx context.Context, state handlers.MessageState, info *pipeline.PipelineInformation, next pipeline.Next) error {
		jobCtx := JobContext{
			HandlerName:   info.Name,
			Queue:         info.Queue,
			Subscription:  info.Subscription,
			MessageID:     state.MessageID(),
			Properties:    state.Properties(),
			Context:       ctx,
			StartedAt:     time.Now(),
			DeliveryCount: state.DeliveryCount(),
		}

		if hooks.OnJobStart != nil {
			hooks.OnJobStart(jobCtx)
		}

		err := next(ctx, state)
		jobCtx.Duration = time.Since(jobCtx.StartedAt)

		if err != nil {
			if hooks.OnJobError != nil {
				hooks.OnJobError(jobCtx, err)
			}
		} else if hooks.OnJobDone != nil {
			hooks.OnJobDone(jobCtx)
		}
		return err
	})
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	logger = loggingpkg.OrNop(logger)
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"handler":        ctx.HandlerName,
				"queue":          ctx.Queue,
				"message_id":     ctx.MessageID,
				"delivery_count": ctx.DeliveryCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"handler":     ctx.HandlerName,
				"queue":       ctx.Queue,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"handler":        ctx.HandlerName,
				"queue":          ctx.Queue,
				"message_id":     ctx.MessageID,
				"duration_ms":    ctx.Duration.Milliseconds(),
				"delivery_count": ctx.DeliveryCount,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward to simple counters.
func MetricsHooks(onStart, onDone, onError func(handlerName, queue string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.HandlerName, ctx.Queue)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.HandlerName, ctx.Queue)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.HandlerName, ctx.Queue)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
