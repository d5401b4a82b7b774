// Package observe provides the observability primitives shared by every
// StudyMate surface: OpenTelemetry metrics, tracing, trace-aware logging, and
// the HTTP middleware that ties them together.
//
// Instruments are created through the OpenTelemetry Metrics API and scraped
// through the Prometheus bridge installed by [InitProvider]. Components take a
// *[Metrics] as a dependency; [DefaultMetrics] backs those that are not given
// one. Tests build their own with [NewMetrics] and a ManualReader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every StudyMate instrument.
const meterName = "github.com/MrWong99/studymate"

// Status values used on the "status" attribute.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds the instruments recorded by the retrieval and answer
// pipeline. The OTel types are safe for concurrent use.
type Metrics struct {
	// EmbedDuration tracks encoder latency per call. Attributes: model, op
	// ("query" or "build").
	EmbedDuration metric.Float64Histogram

	// SearchDuration tracks a full retrieval: encode, index search and text
	// lookup.
	SearchDuration metric.Float64Histogram

	// GenerateDuration tracks answer formatting. Attributes: formatter.
	GenerateDuration metric.Float64Histogram

	// ProviderRequests counts provider calls. Attributes: provider, kind,
	// status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// Questions counts answered questions. Attributes: surface, status.
	Questions metric.Int64Counter

	// AnswerFallbacks counts generative answers replaced by the template.
	AnswerFallbacks metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// breaker, to.
	BreakerTransitions metric.Int64Counter

	// IndexChunks reports the number of chunks in the live index.
	IndexChunks metric.Int64Gauge

	// ActiveStreams tracks open websocket answer streams.
	ActiveStreams metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request time. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds. Searches land in the
// low buckets, hosted-model generations in the high ones.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.EmbedDuration, err = histogram("studymate.embed.duration",
		"Latency of embedding calls."); err != nil {
		return nil, err
	}
	if met.SearchDuration, err = histogram("studymate.search.duration",
		"Latency of retrieval including query encoding."); err != nil {
		return nil, err
	}
	if met.GenerateDuration, err = histogram("studymate.generate.duration",
		"Latency of answer formatting by formatter kind."); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("studymate.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("studymate.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Questions, err = m.Int64Counter("studymate.questions",
		metric.WithDescription("Total questions by surface and status."),
	); err != nil {
		return nil, err
	}
	if met.AnswerFallbacks, err = m.Int64Counter("studymate.answer.fallbacks",
		metric.WithDescription("Generative answers replaced by the template answer."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("studymate.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	if met.IndexChunks, err = m.Int64Gauge("studymate.index.chunks",
		metric.WithDescription("Number of chunks in the loaded vector index."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("studymate.active_streams",
		metric.WithDescription("Number of open websocket answer streams."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("studymate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// DefaultMetrics returns a lazily created [Metrics] bound to the global
// meter provider. Panics if instrument creation fails, which does not happen
// with the global provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Status maps err to [StatusOK] or [StatusError].
func Status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// RecordProviderRequest counts one provider call and, when err is non-nil,
// one provider error.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind string, err error) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", Status(err)),
		),
	)
	if err != nil {
		m.ProviderErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("kind", kind),
			),
		)
	}
}

// RecordEmbed records the latency of one encoder call.
func (m *Metrics) RecordEmbed(ctx context.Context, model, op string, d time.Duration) {
	m.EmbedDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("op", op),
		),
	)
}

// RecordSearch records the latency of one retrieval.
func (m *Metrics) RecordSearch(ctx context.Context, d time.Duration) {
	m.SearchDuration.Record(ctx, d.Seconds())
}

// RecordGenerate records the latency of one answer formatting call.
func (m *Metrics) RecordGenerate(ctx context.Context, formatter string, d time.Duration) {
	m.GenerateDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("formatter", formatter)),
	)
}

// RecordQuestion counts one question on surface ("http", "ws", "mcp", "cli").
func (m *Metrics) RecordQuestion(ctx context.Context, surface, status string) {
	m.Questions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("surface", surface),
			attribute.String("status", status),
		),
	)
}

// RecordFallback counts one template fallback.
func (m *Metrics) RecordFallback(ctx context.Context) {
	m.AnswerFallbacks.Add(ctx, 1)
}

// RecordBreakerTransition counts a breaker moving into state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}
