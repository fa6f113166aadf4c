// Package cardinality decides how many distinct metrics and variants an
// aggregation may request without exceeding the document store's
// aggregation-bucket ceiling. The policy (static caps vs dynamic sizing) is
// chosen once at config load, not branched on per request.
package cardinality

import (
	"context"
	"log/slog"

	"github.com/c360/eventstore/docstore"
	"github.com/c360/eventstore/errors"
)

// Request is the caller's raw ask: up to Metrics × Variants series.
// Zero values mean "as many as the policy allows".
type Request struct {
	Metrics  int `json:"metrics"`
	Variants int `json:"variants"`
}

// Limits is the effective, safe request shape.
type Limits struct {
	Metrics  int  `json:"metrics"`
	Variants int  `json:"variants"`
	Clamped  bool `json:"clamped"`
}

// Policy computes effective limits from a request and a measured
// population snapshot. Implementations are deterministic and idempotent:
// the same inputs always yield the same limits.
type Policy interface {
	// Effective clamps the request. pop is the measured distinct
	// metric/variant population; a zero Population means "unknown".
	Effective(req Request, pop docstore.Population) Limits

	// NeedsPopulation reports whether the policy requires a population
	// measurement before clamping.
	NeedsPopulation() bool
}

// StaticPolicy applies the configured caps verbatim, ignoring population.
type StaticPolicy struct {
	MaxMetrics  int
	MaxVariants int
}

// Effective caps each dimension independently.
func (p StaticPolicy) Effective(req Request, _ docstore.Population) Limits {
	m := capDim(req.Metrics, p.MaxMetrics)
	v := capDim(req.Variants, p.MaxVariants)
	return Limits{
		Metrics:  m,
		Variants: v,
		Clamped:  (req.Metrics > 0 && m < req.Metrics) || (req.Variants > 0 && v < req.Variants),
	}
}

// NeedsPopulation is false: static caps never consult the store.
func (p StaticPolicy) NeedsPopulation() bool { return false }

// DynamicPolicy sizes the request against ThresholdPct percent of the
// store's hard bucket cap, using the measured population as the naive
// request bound.
type DynamicPolicy struct {
	ThresholdPct int // e.g. 80
	BucketCap    int // store's hard aggregation-bucket ceiling, e.g. 10000
}

// Threshold returns the usable bucket budget.
func (p DynamicPolicy) Threshold() int {
	t := p.BucketCap * p.ThresholdPct / 100
	if t < 1 {
		t = 1
	}
	return t
}

// Effective clamps proportionally so metrics × variants ≤ threshold.
// When shrinking is required the larger dimension gives ground first;
// results round down and never drop below 1.
func (p DynamicPolicy) Effective(req Request, pop docstore.Population) Limits {
	threshold := p.Threshold()

	// Naive request: what the caller asked for, bounded by what actually
	// exists. Unknown population leaves the request as-is.
	m := boundDim(req.Metrics, pop.Metrics, threshold)
	v := boundDim(req.Variants, pop.Variants, threshold)

	if m*v <= threshold {
		return Limits{Metrics: m, Variants: v, Clamped: m < req.Metrics || v < req.Variants}
	}

	// The larger dimension gives ground first: shrink it proportionally
	// (rounded down) so the product fits. Only when the smaller dimension
	// alone exceeds the threshold does it shrink too. Never below 1.
	if m >= v {
		m = shrinkToFit(m, v, threshold)
		if m*v > threshold {
			v = shrinkToFit(v, m, threshold)
		}
	} else {
		v = shrinkToFit(v, m, threshold)
		if m*v > threshold {
			m = shrinkToFit(m, v, threshold)
		}
	}

	return Limits{Metrics: m, Variants: v, Clamped: true}
}

// NeedsPopulation is true: dynamic sizing measures before clamping.
func (p DynamicPolicy) NeedsPopulation() bool { return true }

// shrinkToFit returns the largest value ≤ dim such that value*other fits
// under threshold, floored at 1.
func shrinkToFit(dim, other, threshold int) int {
	if other < 1 {
		other = 1
	}
	fit := threshold / other
	if fit < 1 {
		fit = 1
	}
	if fit < dim {
		return fit
	}
	return dim
}

func capDim(requested, limit int) int {
	if limit < 1 {
		limit = 1
	}
	if requested <= 0 || requested > limit {
		return limit
	}
	return requested
}

func boundDim(requested, population, fallback int) int {
	dim := requested
	if dim <= 0 {
		dim = fallback
	}
	if population > 0 && dim > population {
		dim = population
	}
	if dim < 1 {
		dim = 1
	}
	return dim
}

// Estimator measures the metric/variant population and applies the policy.
// When the store cannot be measured it falls back to the static caps
// rather than failing the query.
type Estimator struct {
	store    docstore.Store
	policy   Policy
	fallback StaticPolicy
	logger   *slog.Logger
}

// NewEstimator creates an estimator with the given policy and static
// fallback caps.
func NewEstimator(store docstore.Store, policy Policy, fallback StaticPolicy, logger *slog.Logger) *Estimator {
	return &Estimator{
		store:    store,
		policy:   policy,
		fallback: fallback,
		logger:   logger.With("component", "cardinality"),
	}
}

// Limits computes the effective request shape for the given tasks/window.
func (e *Estimator) Limits(ctx context.Context, taskIDs []string, w docstore.Window, req Request) Limits {
	if !e.policy.NeedsPopulation() {
		return e.policy.Effective(req, docstore.Population{})
	}

	pop, err := e.store.DistinctCounts(ctx, taskIDs, w)
	if err != nil {
		// Store unavailable: fall back to the static caps instead of
		// failing the whole query.
		e.logger.Warn("population measurement failed, using static caps",
			"error", err, "transient", errors.IsTransient(err))
		return e.fallback.Effective(req, docstore.Population{})
	}

	return e.policy.Effective(req, pop)
}
