// Package observe provides application-wide observability primitives for the
// voice bridge: OpenTelemetry metrics, distributed tracing, structured
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/atendai/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Call lifecycle ---

	// CallsStarted counts accepted calls. Use with attributes:
	//   attribute.String("tenant", ...), attribute.String("provider", ...)
	CallsStarted metric.Int64Counter

	// CallsEnded counts finished calls. Use with attributes:
	//   attribute.String("tenant", ...), attribute.String("outcome", ...)
	CallsEnded metric.Int64Counter

	// CallDuration tracks wall-clock call length in seconds.
	CallDuration metric.Float64Histogram

	// ActiveCalls tracks the number of live sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- Conversation events ---

	// BargeIns counts caller interruptions of agent speech.
	BargeIns metric.Int64Counter

	// FunctionCalls counts model tool invocations. Use with attributes:
	//   attribute.String("function", ...), attribute.String("status", ...)
	FunctionCalls metric.Int64Counter

	// --- Transfers and tickets ---

	// Transfers counts transfer attempts. Use with attributes:
	//   attribute.String("tenant", ...), attribute.String("result", ...)
	Transfers metric.Int64Counter

	// TransferRing tracks time from dial to B-leg answer.
	TransferRing metric.Float64Histogram

	// Tickets counts handoff tickets by reason class.
	Tickets metric.Int64Counter

	// --- Provider health ---

	// ProviderErrors counts provider failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ProviderFirstAudio tracks time from connect to first agent audio.
	ProviderFirstAudio metric.Float64Histogram

	// --- Audio plumbing ---

	// FramesDropped counts playback frames discarded by the jitter buffer or
	// flushed on barge-in.
	FramesDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// sub-minute latencies: transfer ring and provider first-audio.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// durationBuckets defines histogram bucket boundaries (in seconds) for whole
// call durations.
var durationBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Call lifecycle.
	if met.CallsStarted, err = m.Int64Counter("voicebridge.calls.started",
		metric.WithDescription("Total accepted calls by tenant and provider."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("voicebridge.calls.ended",
		metric.WithDescription("Total finished calls by tenant and outcome."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voicebridge.call.duration",
		metric.WithDescription("Wall-clock call duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("voicebridge.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// Conversation events.
	if met.BargeIns, err = m.Int64Counter("voicebridge.barge_ins",
		metric.WithDescription("Total caller interruptions of agent speech."),
	); err != nil {
		return nil, err
	}
	if met.FunctionCalls, err = m.Int64Counter("voicebridge.function.calls",
		metric.WithDescription("Total model tool invocations by function and status."),
	); err != nil {
		return nil, err
	}

	// Transfers and tickets.
	if met.Transfers, err = m.Int64Counter("voicebridge.transfers",
		metric.WithDescription("Total transfer attempts by tenant and result."),
	); err != nil {
		return nil, err
	}
	if met.TransferRing, err = m.Float64Histogram("voicebridge.transfer.ring",
		metric.WithDescription("Time from B-leg dial to answer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Tickets, err = m.Int64Counter("voicebridge.tickets",
		metric.WithDescription("Total handoff tickets by reason class."),
	); err != nil {
		return nil, err
	}

	// Provider health.
	if met.ProviderErrors, err = m.Int64Counter("voicebridge.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderFirstAudio, err = m.Float64Histogram("voicebridge.provider.first_audio",
		metric.WithDescription("Time from provider connect to first agent audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Audio plumbing.
	if met.FramesDropped, err = m.Int64Counter("voicebridge.frames.dropped",
		metric.WithDescription("Playback frames discarded by the jitter buffer or flushed on barge-in."),
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

// The Record helpers below are nil-safe: components take an optional
// *Metrics and call through unconditionally.

// RecordCallStarted records an accepted call.
func (m *Metrics) RecordCallStarted(ctx context.Context, tenant, provider string) {
	if m == nil {
		return
	}
	m.CallsStarted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("provider", provider),
		),
	)
	m.ActiveCalls.Add(ctx, 1)
}

// RecordCallEnded records a finished call with its outcome and duration.
func (m *Metrics) RecordCallEnded(ctx context.Context, tenant, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.CallsEnded.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("outcome", outcome),
		),
	)
	m.CallDuration.Record(ctx, seconds)
	m.ActiveCalls.Add(ctx, -1)
}

// RecordTransfer records a transfer attempt result ("bridged", "failed",
// "fallback").
func (m *Metrics) RecordTransfer(ctx context.Context, tenant, result string) {
	if m == nil {
		return
	}
	m.Transfers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("result", result),
		),
	)
}

// RecordProviderError records a provider failure counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBargeIn records one caller interruption of agent speech.
func (m *Metrics) RecordBargeIn(ctx context.Context, tenant string) {
	if m == nil {
		return
	}
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tenant", tenant)),
	)
}

// RecordFunctionCall records a model tool invocation and its dispatch status
// ("ok", "error", "rejected", "bad_arguments", "unknown").
func (m *Metrics) RecordFunctionCall(ctx context.Context, name, status string) {
	if m == nil {
		return
	}
	m.FunctionCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("function", name),
			attribute.String("status", status),
		),
	)
}

// RecordTicket records one created handoff ticket. reason is the handoff
// vocabulary class before the first colon ("extension_offline",
// "caller_request", ...).
func (m *Metrics) RecordTicket(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.Tickets.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTransferRing records the time from B-leg dial to answer.
func (m *Metrics) RecordTransferRing(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.TransferRing.Record(ctx, seconds)
}

// RecordProviderFirstAudio records the time from provider connect to the
// first agent audio of the call.
func (m *Metrics) RecordProviderFirstAudio(ctx context.Context, provider string, seconds float64) {
	if m == nil {
		return
	}
	m.ProviderFirstAudio.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordFramesDropped adds n discarded playback frames.
func (m *Metrics) RecordFramesDropped(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.FramesDropped.Add(ctx, n)
}
