package observe

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestCorrelationIDWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}
}

func TestCorrelationIDIsTraceID(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	ctx, span := tp.Tracer("test").Start(context.Background(), "session")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID %q has length %d, want 32 hex chars", cid, len(cid))
	}
	if want := span.SpanContext().TraceID().String(); cid != want {
		t.Errorf("correlation ID = %q, want trace ID %q", cid, want)
	}
}

func TestStartSpanUsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "provider swap")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan produced a span without a trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "provider swap" {
		t.Errorf("recorded spans = %+v, want one named %q", spans, "provider swap")
	}
}

func TestLoggerCarriesTraceFields(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "log-fields")
	defer span.End()

	Logger(ctx).Info("upstream connected")
	if out := buf.String(); !bytes.Contains([]byte(out), []byte("trace_id=")) ||
		!bytes.Contains([]byte(out), []byte("span_id=")) {
		t.Errorf("log output missing trace fields: %s", out)
	}

	buf.Reset()
	Logger(context.Background()).Info("no span")
	if out := buf.String(); bytes.Contains([]byte(out), []byte("trace_id")) {
		t.Errorf("log output should not carry trace fields without a span: %s", out)
	}
}
