package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scope name for every span the gateway emits.
const tracerName = "github.com/voxswitch/voxswitch"

// StartSpan opens a span on the globally registered tracer provider. Callers
// must End the returned span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// Tracer returns the gateway's [trace.Tracer].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// CorrelationID is the trace ID of the active span, or "" when ctx carries no
// valid span. The same value goes out in the X-Correlation-ID response header,
// so one identifier ties a client report to its spans and log lines.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default [slog.Logger] with trace_id and span_id attached
// when ctx carries an active span, and unchanged otherwise.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
