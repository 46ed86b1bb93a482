package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// otherRoute labels requests for paths the ops listener does not serve.
const otherRoute = "other"

// opsRoutes are the paths served by the ops listener. They are polled by
// scrapers and health checks, so successful requests log at debug.
var opsRoutes = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// route maps a request path to its metric label. Unknown paths collapse
// into [otherRoute] so that scanners cannot grow label cardinality.
func route(path string) string {
	if opsRoutes[path] {
		return path
	}
	return otherRoute
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithSessionState tags every request with the conversation state reported
// by fn, so a failing /readyz can be told apart from a broken listener.
func WithSessionState(fn func() string) MiddlewareOption {
	return func(m *middleware) { m.state = fn }
}

type middleware struct {
	metrics *Metrics
	state   func() string
	prop    propagation.TextMapPropagator
	next    http.Handler
}

// Middleware wraps the ops listener. Each request gets a server span (joined
// to an incoming W3C traceparent), an X-Correlation-ID response header, one
// [Metrics.HTTPRequestDuration] sample labelled by route and status, and a
// completion log line.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		mw := &middleware{metrics: m, prop: propagation.TraceContext{}, next: next}
		for _, o := range opts {
			o(mw)
		}
		return mw
	}
}

func (mw *middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rt := route(r.URL.Path)

	attrs := []attribute.KeyValue{
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRoute(rt),
	}
	state := ""
	if mw.state != nil {
		state = mw.state()
		attrs = append(attrs, attribute.String("speakflow.session.state", state))
	}

	ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+rt,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	cid := CorrelationID(ctx)
	if cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	mw.next.ServeHTTP(rec, r.WithContext(ctx))
	elapsed := time.Since(start)

	span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
	mw.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", rt),
			attribute.String("status", strconv.Itoa(rec.status)),
		),
	)

	slog.LogAttrs(ctx, logLevel(rt, rec.status, state), "request completed",
		slog.String("trace_id", cid),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.status),
		slog.String("session_state", state),
		slog.Duration("duration", elapsed),
	)
}

// logLevel keeps health-check and scrape traffic out of info logs. A 503
// from /readyz while no conversation is live is the expected answer.
func logLevel(rt string, status int, state string) slog.Level {
	switch {
	case rt == "/readyz" && status == http.StatusServiceUnavailable && state != "" && state != "live":
		return slog.LevelDebug
	case status >= http.StatusInternalServerError:
		return slog.LevelWarn
	case opsRoutes[rt]:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
