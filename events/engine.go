// Package events implements the aggregation engine answering metric/variant
// queries over the document store. Requests fan out per-metric sub-queries
// gated by the concurrency limiter; results merge in stable
// metric-then-variant order.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/eventstore/cardinality"
	"github.com/c360/eventstore/docstore"
	"github.com/c360/eventstore/errors"
	"github.com/c360/eventstore/limiter"
	"github.com/c360/eventstore/metric"
	"github.com/c360/eventstore/pkg/cache"
)

// Options carries the read-path policy knobs fixed at startup.
type Options struct {
	// AllowUninitializedVariants includes debug-image variants whose
	// valid-iteration boundary has not been established yet. They count
	// toward the clamped variant limit either way.
	AllowUninitializedVariants bool

	// PlotCache configures the decompressed plot cache.
	PlotCache cache.Config
}

// Engine orchestrates multi-metric/multi-variant aggregation.
type Engine struct {
	store     docstore.Store
	estimator *cardinality.Estimator
	limiter   *limiter.Limiter
	opts      Options
	plotCache *cache.Cache[[]byte]
	logger    *slog.Logger
	metrics   *metric.Metrics
}

// NewEngine wires the aggregation engine. metrics may be nil in tests.
func NewEngine(store docstore.Store, estimator *cardinality.Estimator, lim *limiter.Limiter,
	opts Options, metrics *metric.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		estimator: estimator,
		limiter:   lim,
		opts:      opts,
		plotCache: cache.New[[]byte](opts.PlotCache),
		logger:    logger.With("component", "events"),
		metrics:   metrics,
	}
}

// Request is one aggregation call over a set of runs.
type Request struct {
	TaskIDs     []string        `json:"tasks"`
	Window      docstore.Window `json:"window"`
	MaxMetrics  int             `json:"max_metrics,omitempty"`
	MaxVariants int             `json:"max_variants,omitempty"`
}

// Plot is a decompressed plot document surfaced to callers. Valid is false
// when the document failed JSON validation at write time.
type Plot struct {
	Iter  int64           `json:"iter"`
	Data  json.RawMessage `json:"data"`
	Valid bool            `json:"valid"`
}

// VariantResult unifies everything known about one metric/variant pair.
type VariantResult struct {
	Variant     string                  `json:"variant"`
	Scalars     *docstore.ScalarSummary `json:"scalars,omitempty"`
	Images      []docstore.ImageRef     `json:"images,omitempty"`
	Initialized bool                    `json:"initialized"`
	Plots       []Plot                  `json:"plots,omitempty"`
}

// MetricResult groups variant results under one metric.
type MetricResult struct {
	Metric   string          `json:"metric"`
	Variants []VariantResult `json:"variants"`
}

// Response is the unified aggregation payload.
type Response struct {
	Metrics []MetricResult     `json:"metrics"`
	Limits  cardinality.Limits `json:"limits"`
}

// metricData is the raw material fetched for one metric before merging.
type metricData struct {
	summaries []docstore.ScalarSummary
	images    []docstore.ImageSeries
	plots     []docstore.PlotDoc
}

// Aggregate answers one aggregation request. A single failed sub-query
// fails the whole call with PartialAggregationFailure naming the metric;
// no partial payload is returned.
func (e *Engine) Aggregate(ctx context.Context, req Request) (resp *Response, err error) {
	if e.metrics != nil {
		start := time.Now()
		defer func() {
			status := "ok"
			if err != nil {
				status = "error"
			}
			e.metrics.AggregationDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		}()
	}

	if len(req.TaskIDs) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "events", "Aggregate", "no task ids")
	}

	limits := e.estimator.Limits(ctx, req.TaskIDs, req.Window,
		cardinality.Request{Metrics: req.MaxMetrics, Variants: req.MaxVariants})
	if limits.Clamped && e.metrics != nil {
		e.metrics.CardinalityClamps.Inc()
	}

	var mv []docstore.MetricVariants
	err = e.gated(ctx, func(qctx context.Context) error {
		var qerr error
		mv, qerr = e.store.MetricVariants(qctx, req.TaskIDs, req.Window, limits.Metrics, limits.Variants)
		return qerr
	})
	if err != nil {
		return nil, errors.Wrap(err, "events", "Aggregate", "list metric variants")
	}

	results := make([]metricData, len(mv))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range mv {
		i, m := i, m
		g.Go(func() error {
			data, err := e.fetchMetric(gctx, req, m)
			if err != nil {
				return &errors.PartialAggregationFailure{Metric: m.Metric, Err: err}
			}
			results[i] = data
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}

	resp = &Response{Limits: limits}
	for i, m := range mv {
		merged := e.mergeMetric(m, results[i])
		// A metric with zero matching variants is omitted, not returned
		// as an empty entry.
		if len(merged.Variants) > 0 {
			resp.Metrics = append(resp.Metrics, merged)
		}
	}
	return resp, nil
}

// fetchMetric runs the three per-metric store queries, each holding a
// limiter slot only while its query is in flight.
func (e *Engine) fetchMetric(ctx context.Context, req Request, m docstore.MetricVariants) (metricData, error) {
	var data metricData

	err := e.gated(ctx, func(qctx context.Context) error {
		var qerr error
		data.summaries, qerr = e.store.ScalarSummaries(qctx, req.TaskIDs, m.Metric, m.Variants, req.Window)
		return qerr
	})
	if err != nil {
		return data, err
	}

	err = e.gated(ctx, func(qctx context.Context) error {
		var qerr error
		data.images, qerr = e.store.DebugImages(qctx, req.TaskIDs, m.Metric, m.Variants, req.Window)
		return qerr
	})
	if err != nil {
		return data, err
	}

	err = e.gated(ctx, func(qctx context.Context) error {
		var qerr error
		data.plots, qerr = e.store.Plots(qctx, req.TaskIDs, m.Metric, m.Variants, req.Window)
		return qerr
	})
	return data, err
}

// gated runs one store query under a concurrency slot. The slot is
// released on every path, including deadline expiry.
func (e *Engine) gated(ctx context.Context, fn func(context.Context) error) error {
	if err := e.limiter.Acquire(ctx); err != nil {
		if e.metrics != nil {
			e.metrics.OverloadedRejections.Inc()
		}
		return err
	}
	defer e.limiter.Release()

	if e.metrics != nil {
		e.metrics.SubQueriesInFlight.Inc()
		defer e.metrics.SubQueriesInFlight.Dec()
	}
	return fn(ctx)
}

// mergeMetric assembles the unified per-variant view in stable variant
// order.
func (e *Engine) mergeMetric(m docstore.MetricVariants, data metricData) MetricResult {
	byVariant := make(map[string]*VariantResult)
	variant := func(name string) *VariantResult {
		if v, ok := byVariant[name]; ok {
			return v
		}
		v := &VariantResult{Variant: name}
		byVariant[name] = v
		return v
	}

	for i := range data.summaries {
		s := data.summaries[i]
		variant(s.Variant).Scalars = &s
	}

	for _, series := range data.images {
		if !series.Initialized && !e.opts.AllowUninitializedVariants {
			continue
		}
		v := variant(series.Variant)
		v.Images = series.Images
		v.Initialized = series.Initialized
	}

	for _, doc := range data.plots {
		raw, err := e.decodePlotCached(doc)
		if err != nil {
			// Corrupt stored plot: surface it flagged rather than failing
			// the metric.
			e.logger.Warn("plot decode failed", "metric", m.Metric, "variant", doc.Variant, "error", err)
			variant(doc.Variant).Plots = append(variant(doc.Variant).Plots, Plot{Iter: doc.Iter, Valid: false})
			continue
		}
		variant(doc.Variant).Plots = append(variant(doc.Variant).Plots, Plot{
			Iter:  doc.Iter,
			Data:  raw,
			Valid: doc.Valid,
		})
	}

	names := make([]string, 0, len(byVariant))
	for name := range byVariant {
		names = append(names, name)
	}
	sort.Strings(names)

	out := MetricResult{Metric: m.Metric}
	for _, name := range names {
		out.Variants = append(out.Variants, *byVariant[name])
	}
	return out
}

func (e *Engine) decodePlotCached(doc docstore.PlotDoc) ([]byte, error) {
	if !doc.Compressed {
		return doc.Data, nil
	}

	key := plotCacheKey(doc)
	if raw, ok := e.plotCache.Get(key); ok {
		if e.metrics != nil {
			e.metrics.PlotCacheHits.WithLabelValues("hit").Inc()
		}
		return raw, nil
	}

	raw, err := DecodePlot(doc)
	if err != nil {
		return nil, err
	}
	e.plotCache.Set(key, raw)
	if e.metrics != nil {
		e.metrics.PlotCacheHits.WithLabelValues("miss").Inc()
	}
	return raw, nil
}
