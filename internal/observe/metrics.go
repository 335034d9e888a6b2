// Package observe provides application-wide observability primitives for
// VoxSwitch: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all VoxSwitch metrics.
const meterName = "github.com/voxswitch/voxswitch"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// ProviderLatency tracks upstream liveness-probe round-trip time. Use
	// with attribute:
	//   attribute.String("provider", ...)
	ProviderLatency metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsStarted counts accepted client sessions. Use with attributes:
	//   attribute.String("style", ...), attribute.String("provider", ...)
	SessionsStarted metric.Int64Counter

	// ProviderSwaps counts mid-session provider switches. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	ProviderSwaps metric.Int64Counter

	// ProviderErrors counts upstream errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// AuthFailures counts rejected client handshakes. Use with attribute:
	//   attribute.String("reason", ...)
	AuthFailures metric.Int64Counter

	// TranscriptFlushes counts conversation-log append operations.
	TranscriptFlushes metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live client sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) clustered
// around the default 500 ms switch threshold.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ProviderLatency, err = m.Float64Histogram("voxswitch.provider.latency",
		metric.WithDescription("Round-trip time of upstream liveness probes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxswitch.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsStarted, err = m.Int64Counter("voxswitch.sessions.started",
		metric.WithDescription("Accepted client sessions."),
	); err != nil {
		return nil, err
	}
	if met.ProviderSwaps, err = m.Int64Counter("voxswitch.provider.swaps",
		metric.WithDescription("Mid-session provider switches."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxswitch.provider.errors",
		metric.WithDescription("Upstream provider errors."),
	); err != nil {
		return nil, err
	}
	if met.AuthFailures, err = m.Int64Counter("voxswitch.auth.failures",
		metric.WithDescription("Rejected client handshakes."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptFlushes, err = m.Int64Counter("voxswitch.transcript.flushes",
		metric.WithDescription("Conversation-log append operations."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxswitch.active_sessions",
		metric.WithDescription("Live client sessions."),
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

// RecordSwap is a convenience method that records a provider switch with the
// standard attribute set.
func (m *Metrics) RecordSwap(ctx context.Context, from, to string) {
	m.ProviderSwaps.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordLatency is a convenience method that records one liveness-probe
// round trip.
func (m *Metrics) RecordLatency(ctx context.Context, provider string, seconds float64) {
	m.ProviderLatency.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordAuthFailure is a convenience method that records a rejected
// handshake.
func (m *Metrics) RecordAuthFailure(ctx context.Context, reason string) {
	m.AuthFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSessionStart records an accepted handshake and bumps the
// active-session gauge.
func (m *Metrics) RecordSessionStart(ctx context.Context, style, provider string) {
	m.SessionsStarted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("style", style),
			attribute.String("provider", provider),
		),
	)
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnd decrements the active-session gauge.
func (m *Metrics) RecordSessionEnd(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}
