// Package observe provides application-wide observability primitives for
// a2dpd: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus registry scraped at /metrics. A package-level default
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

// meterName is the instrumentation scope name used for all a2dpd metrics.
const meterName = "github.com/MrWong99/a2dpd"

// Outcome and direction attribute values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"

	DirectionDown        = "down"
	DirectionUp          = "up"
	DirectionRenegotiate = "renegotiate"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// NegotiationDuration tracks a full Detecting → Settled/Failed run.
	NegotiationDuration metric.Float64Histogram

	// DriverApplyDuration tracks a single driver apply call, retries
	// excluded.
	DriverApplyDuration metric.Float64Histogram

	// --- Counters ---

	// Negotiations counts finished negotiations. Use with attributes:
	//   attribute.String("codec", ...), attribute.String("outcome", ...)
	Negotiations metric.Int64Counter

	// BitrateShifts counts actions issued by the monitor. Use with attribute:
	//   attribute.String("direction", ...)
	BitrateShifts metric.Int64Counter

	// MonitorTicks counts monitor ticks. Use with attribute:
	//   attribute.String("outcome", ...)
	MonitorTicks metric.Int64Counter

	// ErrorsRecorded counts records appended to the error log.
	ErrorsRecorded metric.Int64Counter

	// --- Gauges ---

	// QualityScore is the most recent link quality score (0-100).
	QualityScore metric.Int64Gauge

	// ActiveBitrate is the bitrate the link currently runs at.
	ActiveBitrate metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// Bluetooth reconfiguration round trips.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.NegotiationDuration, err = m.Float64Histogram("a2dpd.negotiation.duration",
		metric.WithDescription("Latency of a full codec negotiation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DriverApplyDuration, err = m.Float64Histogram("a2dpd.driver.apply.duration",
		metric.WithDescription("Latency of a single driver apply call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Negotiations, err = m.Int64Counter("a2dpd.negotiations",
		metric.WithDescription("Total negotiations by selected codec and outcome."),
	); err != nil {
		return nil, err
	}
	if met.BitrateShifts, err = m.Int64Counter("a2dpd.bitrate.shifts",
		metric.WithDescription("Total adaptive bitrate actions by direction."),
	); err != nil {
		return nil, err
	}
	if met.MonitorTicks, err = m.Int64Counter("a2dpd.monitor.ticks",
		metric.WithDescription("Total monitor ticks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ErrorsRecorded, err = m.Int64Counter("a2dpd.errors",
		metric.WithDescription("Total records appended to the error log."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.QualityScore, err = m.Int64Gauge("a2dpd.link.quality",
		metric.WithDescription("Most recent link quality score (0-100)."),
	); err != nil {
		return nil, err
	}
	if met.ActiveBitrate, err = m.Int64Gauge("a2dpd.link.bitrate",
		metric.WithDescription("Bitrate the link is currently running at."),
		metric.WithUnit("bit/s"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("a2dpd.http.request.duration",
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

// RecordNegotiation records a finished negotiation and its duration.
func (m *Metrics) RecordNegotiation(ctx context.Context, codec, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("codec", codec),
		attribute.String("outcome", outcome),
	)
	m.Negotiations.Add(ctx, 1, attrs)
	m.NegotiationDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordDriverApply records one driver apply call.
func (m *Metrics) RecordDriverApply(ctx context.Context, codec, outcome string, d time.Duration) {
	m.DriverApplyDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("codec", codec),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordShift records an adaptive action in the given direction.
func (m *Metrics) RecordShift(ctx context.Context, direction string) {
	m.BitrateShifts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordTick records a monitor tick.
func (m *Metrics) RecordTick(ctx context.Context, outcome string) {
	m.MonitorTicks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordError records one appended error record.
func (m *Metrics) RecordError(ctx context.Context) {
	m.ErrorsRecorded.Add(ctx, 1)
}

// RecordLink publishes the latest quality score and active bitrate.
func (m *Metrics) RecordLink(ctx context.Context, score, bitrate int) {
	m.QualityScore.Record(ctx, int64(score))
	m.ActiveBitrate.Record(ctx, int64(bitrate))
}
