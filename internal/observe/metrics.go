// Package observe provides application-wide observability primitives for
// the voice bridge: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/kverne/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// CallDuration tracks full call duration from session start to close.
	// Use with attribute.String("platform", ...).
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// AudioChunks counts audio chunks moved through the bridge. Use with
	// attribute.String("direction", "inbound"|"outbound").
	AudioChunks metric.Int64Counter

	// AudioBytes counts PCM bytes moved through the bridge, same
	// direction attribute as AudioChunks.
	AudioBytes metric.Int64Counter

	// Commits counts audio buffer commits towards the AI service. Use
	// with attribute.String("result", "issued"|"suppressed").
	Commits metric.Int64Counter

	// FunctionCalls counts dispatched function calls. Use with
	// attribute.String("function", ...), attribute.String("status", ...).
	FunctionCalls metric.Int64Counter

	// HangUps counts bridge-initiated call terminations. Use with
	// attribute.String("cause", ...).
	HangUps metric.Int64Counter

	// AIEvents counts events received from the AI service by type.
	AIEvents metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live bridged calls. Use with
	// attribute.String("platform", ...).
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// callBuckets defines histogram bucket boundaries (in seconds) sized for
// phone-call durations.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CallDuration, err = m.Float64Histogram("voicebridge.call.duration",
		metric.WithDescription("Duration of bridged calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioChunks, err = m.Int64Counter("voicebridge.audio.chunks",
		metric.WithDescription("Total audio chunks by direction."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voicebridge.audio.bytes",
		metric.WithDescription("Total PCM bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Commits, err = m.Int64Counter("voicebridge.audio.commits",
		metric.WithDescription("Audio buffer commits by result."),
	); err != nil {
		return nil, err
	}
	if met.FunctionCalls, err = m.Int64Counter("voicebridge.function.calls",
		metric.WithDescription("Function-call dispatches by function name and status."),
	); err != nil {
		return nil, err
	}
	if met.HangUps, err = m.Int64Counter("voicebridge.hangups",
		metric.WithDescription("Bridge-initiated call terminations by cause."),
	); err != nil {
		return nil, err
	}
	if met.AIEvents, err = m.Int64Counter("voicebridge.ai.events",
		metric.WithDescription("AI service events received by type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voicebridge.active_calls",
		metric.WithDescription("Number of live bridged calls by platform."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordAudioChunk records one audio chunk moving through the bridge in
// the given direction ("inbound" or "outbound").
func (m *Metrics) RecordAudioChunk(ctx context.Context, direction string, bytes int) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.AudioChunks.Add(ctx, 1, attrs)
	m.AudioBytes.Add(ctx, int64(bytes), attrs)
}

// RecordCommit records one commit attempt towards the AI service.
func (m *Metrics) RecordCommit(ctx context.Context, issued bool) {
	result := "suppressed"
	if issued {
		result = "issued"
	}
	m.Commits.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordFunctionCall records one function-call dispatch.
func (m *Metrics) RecordFunctionCall(ctx context.Context, function, status string) {
	m.FunctionCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("function", function),
			attribute.String("status", status),
		),
	)
}

// RecordHangUp records one bridge-initiated call termination.
func (m *Metrics) RecordHangUp(ctx context.Context, cause string) {
	m.HangUps.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

// RecordAIEvent records one event received from the AI service.
func (m *Metrics) RecordAIEvent(ctx context.Context, eventType string) {
	m.AIEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// CallStarted increments the active-call gauge for the platform.
func (m *Metrics) CallStarted(ctx context.Context, platform string) {
	m.ActiveCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", platform)))
}

// CallEnded decrements the active-call gauge and records the call
// duration.
func (m *Metrics) CallEnded(ctx context.Context, platform string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("platform", platform))
	m.ActiveCalls.Add(ctx, -1, attrs)
	m.CallDuration.Record(ctx, duration.Seconds(), attrs)
}
