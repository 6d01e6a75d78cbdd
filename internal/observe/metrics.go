// Package observe provides application-wide observability primitives for the
// tuner: OpenTelemetry metrics, tracing helpers, structured logging, and HTTP
// middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all tuner metrics.
const meterName = "github.com/MrWong99/tuner"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Cycle loop ---

	// CycleDuration tracks the wall time of one capture/estimate/publish
	// cycle.
	CycleDuration metric.Float64Histogram

	// Cycles counts completed cycles. Use with attribute:
	//   attribute.String("decision", "accepted"|"held"|"silent")
	Cycles metric.Int64Counter

	// PublishedPitch reports the most recently published smoothed pitch in Hz.
	// Zero means no signal.
	PublishedPitch metric.Float64Gauge

	// --- Error counters ---

	// CaptureErrors counts failed buffer reads. Use with attribute:
	//   attribute.String("kind", "transient"|"fatal")
	CaptureErrors metric.Int64Counter

	// EstimatorErrors counts pitch estimator failures. Use with attribute:
	//   attribute.String("reason", "error"|"panic"|"circuit_open")
	EstimatorErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running tuner sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ReadoutSubscribers tracks the number of connected push clients.
	ReadoutSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// cycleBuckets defines histogram bucket boundaries (in seconds) for a loop
// that runs at display refresh rate.
var cycleBuckets = []float64{
	0.0005, 0.001, 0.002, 0.004, 0.008, 0.016, 0.033, 0.05, 0.1, 0.25,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CycleDuration, err = m.Float64Histogram("tuner.cycle.duration",
		metric.WithDescription("Wall time of one capture, estimate and publish cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(cycleBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Cycles, err = m.Int64Counter("tuner.cycles",
		metric.WithDescription("Total cycles by gate decision."),
	); err != nil {
		return nil, err
	}
	if met.PublishedPitch, err = m.Float64Gauge("tuner.pitch.published",
		metric.WithDescription("Most recently published smoothed pitch."),
		metric.WithUnit("Hz"),
	); err != nil {
		return nil, err
	}

	if met.CaptureErrors, err = m.Int64Counter("tuner.capture.errors",
		metric.WithDescription("Total failed audio buffer reads by kind."),
	); err != nil {
		return nil, err
	}
	if met.EstimatorErrors, err = m.Int64Counter("tuner.estimator.errors",
		metric.WithDescription("Total pitch estimator failures by reason."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("tuner.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("tuner.active_sessions",
		metric.WithDescription("Number of running tuner sessions."),
	); err != nil {
		return nil, err
	}
	if met.ReadoutSubscribers, err = m.Int64UpDownCounter("tuner.readout.subscribers",
		metric.WithDescription("Number of connected push readout clients."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("tuner.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails.
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

// RecordCycle records one finished cycle: its duration, the gate decision,
// and the pitch published afterwards.
func (m *Metrics) RecordCycle(ctx context.Context, decision string, d time.Duration, published float64) {
	m.CycleDuration.Record(ctx, d.Seconds())
	m.Cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
	m.PublishedPitch.Record(ctx, published)
}

// RecordCaptureError records a failed buffer read.
func (m *Metrics) RecordCaptureError(ctx context.Context, kind string) {
	m.CaptureErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordEstimatorError records a failed pitch estimation.
func (m *Metrics) RecordEstimatorError(ctx context.Context, reason string) {
	m.EstimatorErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}
