// Package observe provides application-wide observability primitives for
// emotivox: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all emotivox metrics.
const meterName = "github.com/MrWong99/emotivox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ResponseDuration tracks the time from committing a turn to the end of
	// the service's response.
	ResponseDuration metric.Float64Histogram

	// HandlerDuration tracks action handler execution time. Use with attribute:
	//   attribute.String("action", ...)
	HandlerDuration metric.Float64Histogram

	// PlaybackDuration tracks the audio length of completed playbacks.
	PlaybackDuration metric.Float64Histogram

	// --- Counters ---

	// TurnsCommitted counts user turns sent to the service. Use with attribute:
	//   attribute.String("source", "audio"|"text")
	TurnsCommitted metric.Int64Counter

	// ToolCalls counts dispatched tool calls. Use with attributes:
	//   attribute.String("action", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Resets counts conversation resets. Use with attribute:
	//   attribute.String("reason", ...)
	Resets metric.Int64Counter

	// Playbacks counts playback attempts. Use with attribute:
	//   attribute.String("status", ...)
	Playbacks metric.Int64Counter

	// FramesSent counts audio frames appended to the session.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames discarded by the outbound queue.
	FramesDropped metric.Int64Counter

	// --- Error counters ---

	// StreamErrors counts failed session writes. Use with attribute:
	//   attribute.String("op", ...)
	StreamErrors metric.Int64Counter

	// ServiceErrors counts error events reported by the service. Use with
	// attribute:
	//   attribute.String("code", ...)
	ServiceErrors metric.Int64Counter

	// Reconnects counts connection attempts after the first.
	Reconnects metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live realtime sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks observability endpoint latency. Use with
	// attributes: attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// audioBuckets defines histogram bucket boundaries (in seconds) for spoken
// response lengths.
var audioBuckets = []float64{
	0.5, 1, 2, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ResponseDuration, err = m.Float64Histogram("emotivox.response.duration",
		metric.WithDescription("Latency from turn commit to response completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandlerDuration, err = m.Float64Histogram("emotivox.action.handler.duration",
		metric.WithDescription("Execution time of action handlers."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("emotivox.playback.duration",
		metric.WithDescription("Audio length of completed playbacks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(audioBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TurnsCommitted, err = m.Int64Counter("emotivox.turns.committed",
		metric.WithDescription("Total user turns committed by source."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("emotivox.tool.calls",
		metric.WithDescription("Total tool calls by action and status."),
	); err != nil {
		return nil, err
	}
	if met.Resets, err = m.Int64Counter("emotivox.conversation.resets",
		metric.WithDescription("Total conversation resets by reason."),
	); err != nil {
		return nil, err
	}
	if met.Playbacks, err = m.Int64Counter("emotivox.playbacks",
		metric.WithDescription("Total playback attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("emotivox.audio.frames.sent",
		metric.WithDescription("Total audio frames appended to the realtime session."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("emotivox.audio.frames.dropped",
		metric.WithDescription("Total audio frames dropped by the outbound queue."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.StreamErrors, err = m.Int64Counter("emotivox.stream.errors",
		metric.WithDescription("Total failed realtime session writes by operation."),
	); err != nil {
		return nil, err
	}
	if met.ServiceErrors, err = m.Int64Counter("emotivox.service.errors",
		metric.WithDescription("Total error events reported by the realtime service by code."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("emotivox.reconnects",
		metric.WithDescription("Total reconnection attempts."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("emotivox.active_sessions",
		metric.WithDescription("Number of live realtime sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("emotivox.http.request.duration",
		metric.WithDescription("Observability endpoint latency by route and status."),
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

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, action, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("status", status),
		),
	)
}

// RecordTurn records a committed turn.
func (m *Metrics) RecordTurn(ctx context.Context, source string) {
	m.TurnsCommitted.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordReset records a conversation reset.
func (m *Metrics) RecordReset(ctx context.Context, reason string) {
	m.Resets.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPlayback records a playback attempt.
func (m *Metrics) RecordPlayback(ctx context.Context, status string) {
	m.Playbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordStreamError records a failed session write.
func (m *Metrics) RecordStreamError(ctx context.Context, op string) {
	m.StreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordServiceError records an error event from the service.
func (m *Metrics) RecordServiceError(ctx context.Context, code string) {
	m.ServiceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}
