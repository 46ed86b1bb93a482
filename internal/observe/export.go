package observe

import (
	"context"
	"log/slog"
	"strings"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes finished session spans (connect and teardown) to a
// logger at debug level. HTTP spans are skipped; [Middleware] already logs
// each request.
type LogExporter struct {
	log *slog.Logger
}

var _ sdktrace.SpanExporter = (*LogExporter)(nil)

// NewLogExporter returns a LogExporter writing to l, or to the default
// logger when l is nil.
func NewLogExporter(l *slog.Logger) *LogExporter {
	if l == nil {
		l = slog.Default()
	}
	return &LogExporter{log: l}
}

// ExportSpans implements [sdktrace.SpanExporter].
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		if !strings.HasPrefix(s.Name(), "session.") {
			continue
		}
		attrs := []slog.Attr{
			slog.String("span", s.Name()),
			slog.Duration("duration", s.EndTime().Sub(s.StartTime())),
			slog.String("status", s.Status().Code.String()),
		}
		for _, kv := range s.Attributes() {
			if kv.Key == SessionIDKey {
				attrs = append(attrs, slog.String("session_id", kv.Value.AsString()))
			}
		}
		failed := 0
		for _, ev := range s.Events() {
			if ev.Name == "step failed" {
				failed++
			}
		}
		if failed > 0 {
			attrs = append(attrs, slog.Int("failed_steps", failed))
		}
		e.log.LogAttrs(ctx, slog.LevelDebug, "span finished", attrs...)
	}
	return nil
}

// Shutdown implements [sdktrace.SpanExporter].
func (e *LogExporter) Shutdown(context.Context) error { return nil }
