// Package observe provides application-wide observability primitives for
// retrosync: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all retrosync metrics.
const meterName = "github.com/MrWong99/retrosync"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// --- Frame pacing ---

	// FrameDuration tracks how long a single backend Run step takes.
	FrameDuration metric.Float64Histogram

	// FrameDelta tracks the elapsed time reported to the backend per frame.
	FrameDelta metric.Float64Histogram

	// Frames counts executed frames. Use with attribute:
	//   attribute.String("core", ...)
	Frames metric.Int64Counter

	// --- Audio producer path ---

	// AudioFramesEnqueued counts resampled frames written to the ring.
	AudioFramesEnqueued metric.Int64Counter

	// AudioFramesDropped counts resampled frames dropped because the ring
	// was full.
	AudioFramesDropped metric.Int64Counter

	// --- Sessions ---

	// ActiveSessions tracks the number of running sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionStartFailures counts failed session starts. Use with attribute:
	//   attribute.String("reason", ...)
	SessionStartFailures metric.Int64Counter

	// --- Audio consumer path (observable) ---

	// RingFill reports the current ring occupancy in frames.
	RingFill metric.Int64ObservableGauge

	// AudioUnderruns reports the cumulative number of output slots the
	// consumer had to fill with silence.
	AudioUnderruns metric.Int64ObservableCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin request time, labelled with method,
	// route and status by [Middleware].
	HTTPRequestDuration metric.Float64Histogram
}

// frameBuckets defines histogram bucket boundaries (in seconds) tuned for
// per-frame work at 50-60 fps.
var frameBuckets = []float64{
	0.0005, 0.001, 0.002, 0.004, 0.008, 0.0166, 0.02, 0.033, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.FrameDuration, err = m.Float64Histogram("retrosync.frame.duration",
		metric.WithDescription("Time spent inside a single backend frame step."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FrameDelta, err = m.Float64Histogram("retrosync.frame.delta",
		metric.WithDescription("Elapsed time reported to the backend per frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Frames, err = m.Int64Counter("retrosync.frames",
		metric.WithDescription("Total executed frames by core."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesEnqueued, err = m.Int64Counter("retrosync.audio.enqueued",
		metric.WithDescription("Total resampled audio frames written to the ring buffer."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesDropped, err = m.Int64Counter("retrosync.audio.dropped",
		metric.WithDescription("Total resampled audio frames dropped on a full ring buffer."),
	); err != nil {
		return nil, err
	}
	if met.SessionStartFailures, err = m.Int64Counter("retrosync.session.start_failures",
		metric.WithDescription("Total failed session starts by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("retrosync.active_sessions",
		metric.WithDescription("Number of running emulation sessions."),
	); err != nil {
		return nil, err
	}

	// Observables.
	if met.RingFill, err = m.Int64ObservableGauge("retrosync.audio.ring_fill",
		metric.WithDescription("Current ring buffer occupancy in frames."),
	); err != nil {
		return nil, err
	}
	if met.AudioUnderruns, err = m.Int64ObservableCounter("retrosync.audio.underruns",
		metric.WithDescription("Total output frames filled with silence on underrun."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("retrosync.http.request.duration",
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

// AudioSource is the read side of an audio pipeline that the observable
// instruments sample on every collection.
type AudioSource interface {
	// BufferedFrames returns the current ring occupancy.
	BufferedFrames() int

	// Underruns returns the cumulative underrun count.
	Underruns() uint64
}

// ObserveAudio registers a callback that reports src's ring occupancy and
// underrun count, tagged with the session id. Unregister the returned
// registration when the source goes away.
func (m *Metrics) ObserveAudio(sessionID string, src AudioSource) (metric.Registration, error) {
	attrs := metric.WithAttributes(attribute.String("session_id", sessionID))
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.RingFill, int64(src.BufferedFrames()), attrs)
		o.ObserveInt64(m.AudioUnderruns, int64(src.Underruns()), attrs)
		return nil
	}, m.RingFill, m.AudioUnderruns)
}

// RecordFrame records one executed frame: its run time and the delta that
// was reported to the backend, both in seconds.
func (m *Metrics) RecordFrame(ctx context.Context, core string, run, delta float64) {
	attrs := metric.WithAttributes(attribute.String("core", core))
	m.Frames.Add(ctx, 1, attrs)
	m.FrameDuration.Record(ctx, run, attrs)
	m.FrameDelta.Record(ctx, delta, attrs)
}

// RecordAudio records the outcome of pushing one batch of resampled frames.
func (m *Metrics) RecordAudio(ctx context.Context, enqueued, dropped int) {
	if enqueued > 0 {
		m.AudioFramesEnqueued.Add(ctx, int64(enqueued))
	}
	if dropped > 0 {
		m.AudioFramesDropped.Add(ctx, int64(dropped))
	}
}

// RecordStartFailure is a convenience method that records a session start
// failure with the given reason.
func (m *Metrics) RecordStartFailure(ctx context.Context, reason string) {
	m.SessionStartFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
