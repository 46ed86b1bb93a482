package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs a synchronous in-memory tracer provider for the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return exp
}

func TestStartSessionSpan(t *testing.T) {
	exp := useTracer(t)

	ctx, span := StartSessionSpan(context.Background(), "connect", "abc-123")
	if CorrelationID(ctx) == "" {
		t.Error("session span has no trace id")
	}
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "session.connect" {
		t.Errorf("span name = %q, want session.connect", spans[0].Name)
	}
	if v, ok := spanAttr(spans[0], SessionIDKey); !ok || v.AsString() != "abc-123" {
		t.Errorf("session id attribute = %v, want abc-123", v.Emit())
	}
	if spans[0].Status.Code != codes.Ok {
		t.Errorf("status = %v, want Ok", spans[0].Status.Code)
	}
}

func TestRecordStepError_KeepsTeardownOk(t *testing.T) {
	exp := useTracer(t)

	ctx, span := StartSessionSpan(context.Background(), "teardown", "abc-123")
	RecordStepError(ctx, "capture", errors.New("device busy"))
	RecordStepError(ctx, "output", errors.New("broken pipe"))
	EndSpan(span, nil)

	got := exp.GetSpans()[0]
	if got.Status.Code != codes.Ok {
		t.Errorf("status = %v, want Ok", got.Status.Code)
	}
	if len(got.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(got.Events))
	}
	for i, step := range []string{"capture", "output"} {
		ev := got.Events[i]
		if ev.Name != "step failed" {
			t.Errorf("event[%d] name = %q", i, ev.Name)
		}
		if v := ev.Attributes[0].Value.AsString(); v != step {
			t.Errorf("event[%d] step = %q, want %q", i, v, step)
		}
	}
}

func TestRecordStepError_NoSpan(t *testing.T) {
	// Must not panic without a span in ctx.
	RecordStepError(context.Background(), "channel", errors.New("closed"))
}

func TestEndSpan_ConnectFailure(t *testing.T) {
	exp := useTracer(t)

	_, span := StartSessionSpan(context.Background(), "connect", "abc-123")
	EndSpan(span, errors.New("live: authentication failed"))

	got := exp.GetSpans()[0]
	if got.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", got.Status.Code)
	}
	if !strings.Contains(got.Status.Description, "authentication") {
		t.Errorf("status description = %q", got.Status.Description)
	}
	if len(got.Events) != 1 || got.Events[0].Name != "exception" {
		t.Errorf("events = %+v, want the recorded error", got.Events)
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	Logger(context.Background()).Info("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span carries trace_id: %s", buf.String())
	}

	buf.Reset()
	ctx, span := StartSessionSpan(context.Background(), "connect", "abc-123")
	defer span.End()
	Logger(ctx).Info("start failed")
	out := buf.String()
	if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
		t.Errorf("log output missing trace context: %s", out)
	}
}

func TestLogExporter_WritesSessionSpans(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(NewLogExporter(log)))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tr := tp.Tracer("test")

	_, httpSpan := tr.Start(context.Background(), "HTTP GET /metrics")
	httpSpan.End()

	ctx, teardown := tr.Start(context.Background(), "session.teardown")
	teardown.SetAttributes(SessionIDKey.String("abc-123"))
	RecordStepError(ctx, "capture", errors.New("device busy"))
	EndSpan(teardown, nil)

	out := buf.String()
	if strings.Contains(out, "HTTP GET") {
		t.Errorf("HTTP span exported to log:\n%s", out)
	}
	for _, want := range []string{"span=session.teardown", "session_id=abc-123", "failed_steps=1", "status=Ok"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
