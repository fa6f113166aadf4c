// Package metric manages Prometheus metrics for the eventstore service.
// Each subsystem records into a shared Metrics struct owned by a single
// Registry; the registry also serves the /metrics scrape endpoint.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a dedicated Prometheus registry with the service metrics.
type Registry struct {
	registry *prometheus.Registry
	Metrics  *Metrics
}

// NewRegistry creates a registry with service metrics and Go runtime
// collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	m := newMetrics()
	m.mustRegister(reg)

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{registry: reg, Metrics: m}
}

// Registerer exposes the underlying registerer for subsystem-local metrics
// (e.g. the deletion worker pool).
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// Handler returns the HTTP handler for the scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Metrics contains all service-level metrics.
type Metrics struct {
	// Aggregation read path
	AggregationDuration  *prometheus.HistogramVec
	SubQueriesInFlight   prometheus.Gauge
	CardinalityClamps    prometheus.Counter
	OverloadedRejections prometheus.Counter
	PlotCacheHits        *prometheus.CounterVec

	// Scroll path
	ScrollPages  prometheus.Counter
	ScrollErrors *prometheus.CounterVec

	// Deletion pipeline
	JobsByStatus         *prometheus.GaugeVec
	EventsDeleted        prometheus.Counter
	ObjectDeleteFailures prometheus.Counter
	RateBudgetWaits      prometheus.Counter

	// HTTP surface
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func newMetrics() *Metrics {
	return &Metrics{
		AggregationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "eventstore",
				Subsystem: "aggregation",
				Name:      "duration_seconds",
				Help:      "End-to-end aggregation request duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		SubQueriesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "eventstore",
				Subsystem: "aggregation",
				Name:      "subqueries_in_flight",
				Help:      "Store sub-queries currently holding a concurrency slot",
			},
		),
		CardinalityClamps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventstore",
				Subsystem: "aggregation",
				Name:      "cardinality_clamps_total",
				Help:      "Requests whose metric/variant counts were clamped",
			},
		),
		OverloadedRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventstore",
				Subsystem: "aggregation",
				Name:      "overloaded_rejections_total",
				Help:      "Requests rejected because the concurrency ceiling was reached",
			},
		),
		PlotCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventstore",
				Subsystem: "plots",
				Name:      "cache_requests_total",
				Help:      "Plot cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		ScrollPages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventstore",
				Subsystem: "scroll",
				Name:      "pages_total",
				Help:      "Raw scalar pages served",
			},
		),
		ScrollErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventstore",
				Subsystem: "scroll",
				Name:      "errors_total",
				Help:      "Scroll cursor errors by kind",
			},
			[]string{"kind"},
		),
		JobsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "eventstore",
				Subsystem: "deletion",
				Name:      "jobs",
				Help:      "Deletion jobs by status",
			},
			[]string{"status"},
		),
		EventsDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventstore",
				Subsystem: "deletion",
				Name:      "events_deleted_total",
				Help:      "Logical event documents deleted",
			},
		),
		ObjectDeleteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventstore",
				Subsystem: "deletion",
				Name:      "object_delete_failures_total",
				Help:      "Best-effort object store deletions that failed",
			},
		),
		RateBudgetWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventstore",
				Subsystem: "deletion",
				Name:      "rate_budget_waits_total",
				Help:      "Times a deletion worker deferred to the next rate window",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventstore",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "eventstore",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

func (m *Metrics) mustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.AggregationDuration,
		m.SubQueriesInFlight,
		m.CardinalityClamps,
		m.OverloadedRejections,
		m.PlotCacheHits,
		m.ScrollPages,
		m.ScrollErrors,
		m.JobsByStatus,
		m.EventsDeleted,
		m.ObjectDeleteFailures,
		m.RateBudgetWaits,
		m.RequestsTotal,
		m.RequestDuration,
	)
}
