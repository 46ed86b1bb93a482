package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/speakflow/internal/health"
)

// opsServer wires the ops mux the way the speakflow command does, with the
// conversation state under test control.
type opsServer struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	state   string
}

func newOpsServer(t *testing.T) *opsServer {
	t.Helper()
	s := &opsServer{state: "idle"}

	s.reader = sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(s.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	s.spans = tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(s.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	state := func() string { return s.state }
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}))
	health.New(state).Register(mux)
	s.handler = Middleware(m, WithSessionState(state))(mux)
	return s
}

func (s *opsServer) get(path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

// requestCount returns the number of duration samples recorded for the
// given path and status labels.
func (s *opsServer) requestCount(t *testing.T, path, status string) uint64 {
	t.Helper()
	rm := collect(t, s.reader)
	met := findMetric(rm, "speakflow.http.request.duration")
	if met == nil {
		return 0
	}
	var n uint64
	for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
		p, _ := dp.Attributes.Value("path")
		st, _ := dp.Attributes.Value("status")
		if p.AsString() == path && st.AsString() == status {
			n += dp.Count
		}
	}
	return n
}

func spanAttr(span tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_OpsRoutes(t *testing.T) {
	s := newOpsServer(t)

	tests := []struct {
		path       string
		state      string
		wantStatus int
		wantLabel  string
	}{
		{path: "/healthz", state: "idle", wantStatus: http.StatusOK, wantLabel: "/healthz"},
		{path: "/readyz", state: "connecting", wantStatus: http.StatusServiceUnavailable, wantLabel: "/readyz"},
		{path: "/readyz", state: "live", wantStatus: http.StatusOK, wantLabel: "/readyz"},
		{path: "/metrics", state: "live", wantStatus: http.StatusOK, wantLabel: "/metrics"},
		{path: "/wp-login.php", state: "live", wantStatus: http.StatusNotFound, wantLabel: "other"},
	}
	for _, tc := range tests {
		t.Run(tc.path+" "+tc.state, func(t *testing.T) {
			s.spans.Reset()
			s.state = tc.state

			rec := s.get(tc.path)
			if rec.Code != tc.wantStatus {
				t.Fatalf("GET %s = %d, want %d", tc.path, rec.Code, tc.wantStatus)
			}

			spans := s.spans.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			if want := "HTTP GET " + tc.wantLabel; spans[0].Name != want {
				t.Errorf("span name = %q, want %q", spans[0].Name, want)
			}
			if v, ok := spanAttr(spans[0], "speakflow.session.state"); !ok || v.AsString() != tc.state {
				t.Errorf("span session state = %v, want %q", v.Emit(), tc.state)
			}
			if v, ok := spanAttr(spans[0], "http.response.status_code"); !ok || v.AsInt64() != int64(tc.wantStatus) {
				t.Errorf("span status code = %v, want %d", v.Emit(), tc.wantStatus)
			}
		})
	}

	if got := s.requestCount(t, "/readyz", "503"); got != 1 {
		t.Errorf("/readyz 503 samples = %d, want 1", got)
	}
	if got := s.requestCount(t, "/readyz", "200"); got != 1 {
		t.Errorf("/readyz 200 samples = %d, want 1", got)
	}
	if got := s.requestCount(t, "/wp-login.php", "404"); got != 0 {
		t.Error("unknown path must not become its own label")
	}
	if got := s.requestCount(t, "other", "404"); got != 1 {
		t.Errorf("other 404 samples = %d, want 1", got)
	}
}

func TestMiddleware_JoinsIncomingTrace(t *testing.T) {
	s := newOpsServer(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec := s.get("/metrics", "traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}

	rec = s.get("/healthz")
	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 || cid == traceID {
		t.Errorf("X-Correlation-ID for a fresh request = %q, want a new trace id", cid)
	}
}

func TestMiddleware_LogsOnlyUnexpectedRequestsAtInfo(t *testing.T) {
	s := newOpsServer(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	s.state = "idle"
	s.get("/healthz")
	s.get("/metrics")
	s.get("/readyz")
	if buf.Len() != 0 {
		t.Errorf("health-check traffic logged at info:\n%s", buf.String())
	}

	s.get("/admin")
	if !strings.Contains(buf.String(), "path=/admin") {
		t.Errorf("unknown path not logged, got:\n%s", buf.String())
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		name   string
		route  string
		status int
		state  string
		want   slog.Level
	}{
		{"healthz ok", "/healthz", 200, "live", slog.LevelDebug},
		{"readyz while idle", "/readyz", 503, "idle", slog.LevelDebug},
		{"readyz while closing", "/readyz", 503, "closing", slog.LevelDebug},
		{"readyz failing while live", "/readyz", 503, "live", slog.LevelWarn},
		{"readyz without state", "/readyz", 503, "", slog.LevelWarn},
		{"metrics error", "/metrics", 500, "live", slog.LevelWarn},
		{"unknown path", otherRoute, 404, "live", slog.LevelInfo},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := logLevel(tc.route, tc.status, tc.state); got != tc.want {
				t.Errorf("logLevel(%q, %d, %q) = %v, want %v", tc.route, tc.status, tc.state, got, tc.want)
			}
		})
	}
}
