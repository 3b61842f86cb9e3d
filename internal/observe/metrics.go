// Package observe provides application-wide observability primitives for
// stems: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all stems metrics.
const meterName = "github.com/MrWong99/stems"

// Metric status attribute values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// SeparationDuration tracks wall time of a whole separation. Use with
	// attributes: attribute.String("model", ...), attribute.String("status", ...)
	SeparationDuration metric.Float64Histogram

	// ChunkDuration tracks the full per-chunk path: extract, transform, pack,
	// infer, unpack.
	ChunkDuration metric.Float64Histogram

	// InferenceDuration tracks inference engine calls only.
	InferenceDuration metric.Float64Histogram

	// TransformDuration tracks STFT work. Use with attribute:
	//   attribute.String("direction", "forward"|"inverse")
	TransformDuration metric.Float64Histogram

	// --- Counters ---

	// Chunks counts processed chunks by status.
	Chunks metric.Int64Counter

	// Separations counts finished separations by model and status.
	Separations metric.Int64Counter

	// AudioSeconds counts seconds of input audio separated successfully.
	AudioSeconds metric.Float64Counter

	// --- Error counters ---

	// Errors counts pipeline errors. Use with attribute:
	//   attribute.String("kind", ...) e.g. "invalid_input", "inference", "output"
	Errors metric.Int64Counter

	// --- Gauges ---

	// ActiveSeparations tracks separations currently running.
	ActiveSeparations metric.Int64UpDownCounter

	// ActiveWorkers tracks worker goroutines currently holding an inference
	// session.
	ActiveWorkers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// chunkBuckets defines histogram bucket boundaries (in seconds) for
// per-chunk work. One htdemucs chunk takes roughly 0.5 s on a GPU and
// several seconds on a CPU.
var chunkBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// separationBuckets covers whole-track separations, from short clips to
// album-length inputs on slow hardware.
var separationBuckets = []float64{
	1, 5, 10, 30, 60, 120, 300, 600, 1200, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SeparationDuration, err = m.Float64Histogram("stems.separation.duration",
		metric.WithDescription("Wall time of a complete separation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(separationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunkDuration, err = m.Float64Histogram("stems.chunk.duration",
		metric.WithDescription("Latency of processing one chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(chunkBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("stems.inference.duration",
		metric.WithDescription("Latency of one inference engine call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(chunkBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TransformDuration, err = m.Float64Histogram("stems.transform.duration",
		metric.WithDescription("Latency of STFT work per chunk by direction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(chunkBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Chunks, err = m.Int64Counter("stems.chunks",
		metric.WithDescription("Total chunks processed by status."),
	); err != nil {
		return nil, err
	}
	if met.Separations, err = m.Int64Counter("stems.separations",
		metric.WithDescription("Total separations by model and status."),
	); err != nil {
		return nil, err
	}
	if met.AudioSeconds, err = m.Float64Counter("stems.audio.processed",
		metric.WithDescription("Seconds of input audio separated."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.Errors, err = m.Int64Counter("stems.errors",
		metric.WithDescription("Total pipeline errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSeparations, err = m.Int64UpDownCounter("stems.active_separations",
		metric.WithDescription("Number of separations currently running."),
	); err != nil {
		return nil, err
	}
	if met.ActiveWorkers, err = m.Int64UpDownCounter("stems.active_workers",
		metric.WithDescription("Number of workers holding an inference session."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("stems.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path, and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(separationBuckets...),
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

// Status maps an error to the status attribute value.
func Status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// RecordChunk records one processed chunk's latency and outcome.
func (m *Metrics) RecordChunk(ctx context.Context, d time.Duration, err error) {
	m.ChunkDuration.Record(ctx, d.Seconds())
	m.Chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", Status(err))))
}

// RecordTransform records STFT latency for one direction.
func (m *Metrics) RecordTransform(ctx context.Context, direction string, d time.Duration) {
	m.TransformDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordSeparation records a finished separation. audio is the input
// duration and only counted on success.
func (m *Metrics) RecordSeparation(ctx context.Context, model string, d, audio time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", Status(err)),
	)
	m.SeparationDuration.Record(ctx, d.Seconds(), attrs)
	m.Separations.Add(ctx, 1, attrs)
	if err == nil {
		m.AudioSeconds.Add(ctx, audio.Seconds(), metric.WithAttributes(attribute.String("model", model)))
	}
}

// RecordError is a convenience method that records an error counter
// increment.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
