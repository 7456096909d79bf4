package pipeline

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
)

const tracerName = "github.com/BookBeat/knightbus-sub001"

// TracingOptions configures the Tracing middleware. Zero values select the
// global tracer provider and W3C trace context propagation.
type TracingOptions struct {
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator
}

// Tracing continues the trace carried in the message properties, wraps the
// rest of the chain in a consumer span and writes the span context back to
// the properties so replies carry it.
func Tracing(opts TracingOptions) Middleware {
	provider := opts.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	propagator := opts.Propagator
	if propagator == nil {
		propagator = propagation.TraceContext{}
	}
	tracer := provider.Tracer(tracerName)

	return MiddlewareFunc(func(ctx context.Context, state handlers.MessageState, info *PipelineInformation, next Next) error {
		carrier := metadatapkg.Carrier(state.Properties())
		ctx = propagator.Extract(ctx, carrier)

		ctx, span := tracer.Start(ctx, "process "+info.Name,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.destination.name", info.Queue),
				attribute.String("messaging.message.id", state.MessageID()),
				attribute.String("messaging.operation.type", "process"),
				attribute.String("knightbus.processor.kind", info.Kind.String()),
				attribute.String("knightbus.delivery_count", strconv.Itoa(state.DeliveryCount())),
			),
		)
		defer span.End()
		propagator.Inject(ctx, carrier)

		err := next(ctx, state)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
}
