package cardinality

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventstore/docstore"
	"github.com/c360/eventstore/docstore/docstoretest"
	"github.com/c360/eventstore/errors"
)

func TestStaticPolicyCapsVerbatim(t *testing.T) {
	p := StaticPolicy{MaxMetrics: 100, MaxVariants: 100}

	// 150x150 requested against 100/100 caps.
	limits := p.Effective(Request{Metrics: 150, Variants: 150}, docstore.Population{Metrics: 150, Variants: 150})
	assert.Equal(t, 100, limits.Metrics)
	assert.Equal(t, 100, limits.Variants)
	assert.True(t, limits.Clamped)

	// Under the caps: passes through.
	limits = p.Effective(Request{Metrics: 10, Variants: 5}, docstore.Population{})
	assert.Equal(t, 10, limits.Metrics)
	assert.Equal(t, 5, limits.Variants)
	assert.False(t, limits.Clamped)

	// Zero request means "caps".
	limits = p.Effective(Request{}, docstore.Population{})
	assert.Equal(t, 100, limits.Metrics)
	assert.Equal(t, 100, limits.Variants)
}

func TestDynamicPolicyClampsProportionally(t *testing.T) {
	// Threshold 80% of 10000 = 8000; naive 200x200 = 40000.
	p := DynamicPolicy{ThresholdPct: 80, BucketCap: 10000}
	limits := p.Effective(Request{Metrics: 200, Variants: 200}, docstore.Population{Metrics: 200, Variants: 200})

	require.True(t, limits.Clamped)
	assert.LessOrEqual(t, limits.Metrics*limits.Variants, 8000)
	assert.GreaterOrEqual(t, limits.Metrics, 1)
	assert.GreaterOrEqual(t, limits.Variants, 1)
	// The larger (tied: metrics) dimension gives ground; variants survive.
	assert.Equal(t, 40, limits.Metrics)
	assert.Equal(t, 200, limits.Variants)
}

func TestDynamicPolicyUnderThresholdPassesThrough(t *testing.T) {
	p := DynamicPolicy{ThresholdPct: 80, BucketCap: 10000}
	limits := p.Effective(Request{Metrics: 40, Variants: 40}, docstore.Population{Metrics: 100, Variants: 100})
	assert.Equal(t, 40, limits.Metrics)
	assert.Equal(t, 40, limits.Variants)
	assert.False(t, limits.Clamped)
}

func TestDynamicPolicyBoundsByPopulation(t *testing.T) {
	p := DynamicPolicy{ThresholdPct: 80, BucketCap: 10000}
	limits := p.Effective(Request{Metrics: 500, Variants: 500}, docstore.Population{Metrics: 10, Variants: 20})
	assert.Equal(t, 10, limits.Metrics)
	assert.Equal(t, 20, limits.Variants)
}

// Property: for all requests and populations, effM*effV <= threshold and
// both dimensions >= 1, and the computation is idempotent.
func TestDynamicPolicyInvariant(t *testing.T) {
	p := DynamicPolicy{ThresholdPct: 80, BucketCap: 10000}
	threshold := p.Threshold()

	dims := []int{0, 1, 2, 3, 7, 50, 99, 100, 101, 150, 200, 500, 1000, 10000, 50000}
	for _, rm := range dims {
		for _, rv := range dims {
			for _, pm := range []int{0, 1, 10, 150, 10000} {
				req := Request{Metrics: rm, Variants: rv}
				pop := docstore.Population{Metrics: pm, Variants: pm}

				limits := p.Effective(req, pop)
				assert.GreaterOrEqual(t, limits.Metrics, 1, "req=%v pop=%v", req, pop)
				assert.GreaterOrEqual(t, limits.Variants, 1, "req=%v pop=%v", req, pop)
				assert.LessOrEqual(t, limits.Metrics*limits.Variants, threshold, "req=%v pop=%v", req, pop)

				again := p.Effective(req, pop)
				assert.Equal(t, limits, again, "not deterministic for req=%v pop=%v", req, pop)
			}
		}
	}
}

func TestDynamicPolicyShrinksLargerDimensionFirst(t *testing.T) {
	p := DynamicPolicy{ThresholdPct: 100, BucketCap: 100}
	limits := p.Effective(Request{Metrics: 1000, Variants: 2}, docstore.Population{Metrics: 1000, Variants: 2})

	assert.LessOrEqual(t, limits.Metrics*limits.Variants, 100)
	// The small dimension survives intact.
	assert.Equal(t, 2, limits.Variants)
	assert.Greater(t, limits.Metrics, limits.Variants)
}

func TestEstimatorStaticSkipsMeasurement(t *testing.T) {
	store := docstoretest.New()
	store.DistinctErr = errors.ErrStoreUnavailable // would fail if consulted

	e := NewEstimator(store, StaticPolicy{MaxMetrics: 100, MaxVariants: 100},
		StaticPolicy{MaxMetrics: 100, MaxVariants: 100}, slog.Default())

	limits := e.Limits(context.Background(), []string{"t1"}, docstore.Window{}, Request{Metrics: 150, Variants: 150})
	assert.Equal(t, 100, limits.Metrics)
	assert.Equal(t, 100, limits.Variants)
}

func TestEstimatorDynamicMeasuresPopulation(t *testing.T) {
	store := docstoretest.New()
	var events []docstore.Event
	for m := 0; m < 20; m++ {
		events = append(events, docstore.Event{
			TaskID: "t1", Metric: metricName(m), Variant: "train",
			Iter: 1, Type: docstore.TypeScalar, Value: 1,
		})
	}
	require.NoError(t, store.IndexEvents(context.Background(), events))

	e := NewEstimator(store, DynamicPolicy{ThresholdPct: 80, BucketCap: 10000},
		StaticPolicy{MaxMetrics: 5, MaxVariants: 5}, slog.Default())

	limits := e.Limits(context.Background(), []string{"t1"}, docstore.Window{}, Request{Metrics: 100, Variants: 100})
	assert.Equal(t, 20, limits.Metrics) // bounded by measured population
	assert.Equal(t, 1, limits.Variants)
}

func TestEstimatorFallsBackToStaticCapsWhenStoreUnavailable(t *testing.T) {
	store := docstoretest.New()
	store.DistinctErr = errors.ErrStoreUnavailable

	e := NewEstimator(store, DynamicPolicy{ThresholdPct: 80, BucketCap: 10000},
		StaticPolicy{MaxMetrics: 100, MaxVariants: 100}, slog.Default())

	limits := e.Limits(context.Background(), []string{"t1"}, docstore.Window{}, Request{Metrics: 150, Variants: 150})
	assert.Equal(t, 100, limits.Metrics)
	assert.Equal(t, 100, limits.Variants)
}

func metricName(i int) string {
	return "metric_" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26))
}
