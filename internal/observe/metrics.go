// Package observe provides the observability primitives for speakflow:
// OpenTelemetry metrics for the audio pipeline and session lifecycle, span
// helpers, trace-aware logging and HTTP middleware for the ops endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to Prometheus so they can be scraped from /metrics. Tests
// should build their own instance with [NewMetrics] and a
// [sdkmetric.ManualReader] instead of using [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all speakflow metrics.
const meterName = "github.com/MrWong99/speakflow"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ── Uplink ──

	// FramesCaptured counts microphone frames delivered to the session loop.
	FramesCaptured metric.Int64Counter

	// ChunksSent counts encoded chunks accepted by the uplink channel.
	ChunksSent metric.Int64Counter

	// SendFailures counts chunks the uplink channel refused.
	SendFailures metric.Int64Counter

	// ── Playback ──

	// ChunksScheduled counts reply audio chunks placed on the output clock.
	ChunksScheduled metric.Int64Counter

	// DecodeFailures counts reply audio chunks dropped as undecodable.
	DecodeFailures metric.Int64Counter

	// PlaybackFailures counts decoded chunks the output device refused.
	PlaybackFailures metric.Int64Counter

	// LateChunks counts reply chunks that arrived after their natural slot.
	LateChunks metric.Int64Counter

	// ScheduledAudio records the playback length of each scheduled chunk.
	ScheduledAudio metric.Float64Histogram

	// PlaybackGap records the silence inserted before late chunks.
	PlaybackGap metric.Float64Histogram

	// ── Session ──

	// TranscriptMessages counts transcript lines. Use with attribute:
	//   attribute.String("speaker", ...)
	TranscriptMessages metric.Int64Counter

	// ActiveSessions tracks the number of sessions currently Live.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectDuration tracks the time from Start to the opened signal. Use
	// with attribute:
	//   attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks how long sessions stayed Live.
	SessionDuration metric.Float64Histogram

	// TeardownFailures counts release steps that failed during Closing. Use
	// with attribute:
	//   attribute.String("step", ...)
	TeardownFailures metric.Int64Counter

	// ── HTTP middleware ──

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// connectBuckets covers WebSocket handshakes from LAN-fast to slow mobile
// links.
var connectBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1.0, 1.5, 2.0, 3.0, 5.0, 10.0,
}

// chunkBuckets covers reply chunk lengths and playback gaps.
var chunkBuckets = []float64{
	0.005, 0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28, 2.56,
}

// sessionBuckets covers conversations from a few seconds to an hour.
var sessionBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a [Metrics] instance, registering all instruments with
// the given [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	// Uplink counters.
	if met.FramesCaptured, err = m.Int64Counter("speakflow.uplink.frames",
		metric.WithDescription("Microphone frames captured."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("speakflow.uplink.chunks",
		metric.WithDescription("Encoded audio chunks accepted by the uplink."),
	); err != nil {
		return nil, err
	}
	if met.SendFailures, err = m.Int64Counter("speakflow.uplink.send_failures",
		metric.WithDescription("Encoded audio chunks the uplink refused."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.ChunksScheduled, err = m.Int64Counter("speakflow.playback.chunks",
		metric.WithDescription("Reply audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("speakflow.playback.decode_failures",
		metric.WithDescription("Reply audio chunks dropped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFailures, err = m.Int64Counter("speakflow.playback.failures",
		metric.WithDescription("Decoded reply audio chunks the output device refused."),
	); err != nil {
		return nil, err
	}
	if met.LateChunks, err = m.Int64Counter("speakflow.playback.late_chunks",
		metric.WithDescription("Reply audio chunks that arrived after their natural start time."),
	); err != nil {
		return nil, err
	}
	if met.ScheduledAudio, err = m.Float64Histogram("speakflow.playback.chunk.duration",
		metric.WithDescription("Playback length of scheduled reply audio chunks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(chunkBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackGap, err = m.Float64Histogram("speakflow.playback.gap",
		metric.WithDescription("Silence inserted before late reply audio chunks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(chunkBuckets...),
	); err != nil {
		return nil, err
	}

	// Session.
	if met.TranscriptMessages, err = m.Int64Counter("speakflow.transcript.messages",
		metric.WithDescription("Transcript lines by speaker."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("speakflow.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("speakflow.session.connect.duration",
		metric.WithDescription("Time from session start until the live channel opened."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("speakflow.session.duration",
		metric.WithDescription("Time sessions stayed live."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TeardownFailures, err = m.Int64Counter("speakflow.session.teardown_failures",
		metric.WithDescription("Resource release steps that failed during teardown."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("speakflow.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordScheduled records one scheduled reply chunk. A positive gap marks
// the chunk as late.
func (m *Metrics) RecordScheduled(ctx context.Context, dur, gap time.Duration) {
	m.ChunksScheduled.Add(ctx, 1)
	m.ScheduledAudio.Record(ctx, dur.Seconds())
	if gap > 0 {
		m.LateChunks.Add(ctx, 1)
		m.PlaybackGap.Record(ctx, gap.Seconds())
	}
}

// RecordConnect records the outcome and latency of one connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, status string) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordTranscript counts one transcript line for speaker.
func (m *Metrics) RecordTranscript(ctx context.Context, speaker string) {
	m.TranscriptMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordTeardownFailure counts one failed release step.
func (m *Metrics) RecordTeardownFailure(ctx context.Context, step string) {
	m.TeardownFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("step", step)),
	)
}
