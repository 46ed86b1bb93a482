package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/speakflow"

// SessionIDKey is the span attribute carrying the conversation ID.
const SessionIDKey = attribute.Key("speakflow.session.id")

// Tracer returns the speakflow tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts the span for one phase of a conversation, named
// "session.<phase>" and tagged with sessionID.
func StartSessionSpan(ctx context.Context, phase, sessionID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "session."+phase,
		trace.WithAttributes(SessionIDKey.String(sessionID)),
	)
}

// RecordStepError adds a "step failed" event to the span in ctx. Teardown
// keeps going after a failed step, so the span itself stays Ok.
func RecordStepError(ctx context.Context, step string, err error) {
	trace.SpanFromContext(ctx).AddEvent("step failed", trace.WithAttributes(
		attribute.String("step", step),
		attribute.String("error", err.Error()),
	))
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
