package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type tracerContextKey string

// TracerContextKey stores the trace.Tracer attached to a context.
const TracerContextKey tracerContextKey = "eventkit.tracer"

// ContextWithTracer returns a context carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	if tracer == nil {
		return ctx
	}

	return context.WithValue(ctx, TracerContextKey, tracer)
}

// TracerFromContext extracts the tracer from ctx, falling back to the global
// provider so callers always get a usable tracer.
//
//nolint:ireturn
func TracerFromContext(ctx context.Context) trace.Tracer {
	if ctx != nil {
		if tracer, ok := ctx.Value(TracerContextKey).(trace.Tracer); ok && tracer != nil {
			return tracer
		}
	}

	return otel.Tracer("eventkit.default")
}

// HandleSpanError sets the status of the span to error and records the error.
func HandleSpanError(span *trace.Span, message string, err error) {
	if span != nil && err != nil {
		(*span).SetStatus(codes.Error, message+": "+err.Error())
		(*span).RecordError(err)
	}
}

// HandleSpanEvent adds an event to the span.
func HandleSpanEvent(span *trace.Span, eventName string, attributes ...attribute.KeyValue) {
	if span != nil {
		(*span).AddEvent(eventName, trace.WithAttributes(attributes...))
	}
}
