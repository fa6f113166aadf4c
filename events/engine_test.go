package events

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventstore/cardinality"
	"github.com/c360/eventstore/docstore"
	"github.com/c360/eventstore/docstore/docstoretest"
	"github.com/c360/eventstore/errors"
	"github.com/c360/eventstore/limiter"
	"github.com/c360/eventstore/metric"
	"github.com/c360/eventstore/pkg/cache"
)

func newEngine(t *testing.T, store docstore.Store, policy cardinality.Policy, opts Options) *Engine {
	t.Helper()
	logger := slog.Default()
	fallback := cardinality.StaticPolicy{MaxMetrics: 100, MaxVariants: 100}
	if sp, ok := policy.(cardinality.StaticPolicy); ok {
		fallback = sp
	}
	est := cardinality.NewEstimator(store, policy, fallback, logger)
	lim, err := limiter.New(4)
	require.NoError(t, err)
	if opts.PlotCache == (cache.Config{}) {
		opts.PlotCache = cache.DefaultConfig()
	}
	return NewEngine(store, est, lim, opts, nil, logger)
}

func scalarEvent(task, metric, variant string, iter int64, value float64) docstore.Event {
	return docstore.Event{
		TaskID: task, Metric: metric, Variant: variant,
		Iter: iter, Type: docstore.TypeScalar, Value: value,
		Timestamp: time.Unix(1700000000+iter, 0),
	}
}

func TestAggregateMergesScalarsImagesPlots(t *testing.T) {
	store := docstoretest.New()
	ctx := context.Background()

	events := []docstore.Event{
		scalarEvent("t1", "loss", "train", 1, 0.9),
		scalarEvent("t1", "loss", "train", 2, 0.5),
		scalarEvent("t1", "loss", "validation", 1, 1.1),
		scalarEvent("t1", "accuracy", "train", 1, 0.2),
		{
			TaskID: "t1", Metric: "loss", Variant: "train", Iter: 2,
			Type: docstore.TypeDebugImage, URL: "https://files.internal/t1/img.png",
			Initialized: true,
		},
	}
	plot := PreparePlot([]byte(`{"kind":"line","points":[1,2,3]}`), 1<<20, true)
	plot.TaskID, plot.Metric, plot.Variant, plot.Iter = "t1", "loss", "train", 2
	events = append(events, plot)
	require.NoError(t, store.IndexEvents(ctx, events))

	e := newEngine(t, store, cardinality.StaticPolicy{MaxMetrics: 100, MaxVariants: 100}, Options{})
	resp, err := e.Aggregate(ctx, Request{TaskIDs: []string{"t1"}})
	require.NoError(t, err)

	// Stable metric-then-variant ordering.
	require.Len(t, resp.Metrics, 2)
	assert.Equal(t, "accuracy", resp.Metrics[0].Metric)
	assert.Equal(t, "loss", resp.Metrics[1].Metric)

	loss := resp.Metrics[1]
	require.Len(t, loss.Variants, 2)
	assert.Equal(t, "train", loss.Variants[0].Variant)
	assert.Equal(t, "validation", loss.Variants[1].Variant)

	train := loss.Variants[0]
	require.NotNil(t, train.Scalars)
	assert.Equal(t, 0.5, train.Scalars.Min)
	assert.Equal(t, 0.9, train.Scalars.Max)
	assert.Equal(t, int64(2), train.Scalars.Count)
	assert.Equal(t, 0.5, train.Scalars.LastValue)
	require.Len(t, train.Images, 1)
	assert.Equal(t, "https://files.internal/t1/img.png", train.Images[0].URL)
	require.Len(t, train.Plots, 1)
	assert.True(t, train.Plots[0].Valid)
	assert.JSONEq(t, `{"kind":"line","points":[1,2,3]}`, string(train.Plots[0].Data))

	// Same inputs, same order.
	again, err := e.Aggregate(ctx, Request{TaskIDs: []string{"t1"}})
	require.NoError(t, err)
	if diff := cmp.Diff(resp.Metrics, again.Metrics); diff != "" {
		t.Errorf("aggregation not deterministic (-first +second):\n%s", diff)
	}
}

func TestAggregateStaticCapsBoundResponse(t *testing.T) {
	store := docstoretest.New()
	ctx := context.Background()

	// 150 metrics x 150 variants; static caps 100/100.
	var events []docstore.Event
	for m := 0; m < 150; m++ {
		for v := 0; v < 150; v++ {
			events = append(events, scalarEvent("t1",
				fmt.Sprintf("metric_%03d", m), fmt.Sprintf("variant_%03d", v), 1, float64(v)))
		}
	}
	require.NoError(t, store.IndexEvents(ctx, events))

	e := newEngine(t, store, cardinality.StaticPolicy{MaxMetrics: 100, MaxVariants: 100}, Options{})
	resp, err := e.Aggregate(ctx, Request{TaskIDs: []string{"t1"}, MaxMetrics: 150, MaxVariants: 150})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(resp.Metrics), 100)
	for _, m := range resp.Metrics {
		assert.LessOrEqual(t, len(m.Variants), 100)
	}
	assert.True(t, resp.Limits.Clamped)
}

func TestAggregateDynamicClampStaysUnderThreshold(t *testing.T) {
	store := docstoretest.New()
	ctx := context.Background()

	// 120 metrics x 120 variants would naively need 14400 buckets.
	var events []docstore.Event
	for m := 0; m < 120; m++ {
		for v := 0; v < 120; v++ {
			events = append(events, scalarEvent("t1",
				fmt.Sprintf("metric_%03d", m), fmt.Sprintf("variant_%03d", v), 1, float64(v)))
		}
	}
	require.NoError(t, store.IndexEvents(ctx, events))

	e := newEngine(t, store, cardinality.DynamicPolicy{ThresholdPct: 80, BucketCap: 10000}, Options{})
	resp, err := e.Aggregate(ctx, Request{TaskIDs: []string{"t1"}, MaxMetrics: 120, MaxVariants: 120})
	require.NoError(t, err)

	assert.True(t, resp.Limits.Clamped)
	assert.LessOrEqual(t, resp.Limits.Metrics*resp.Limits.Variants, 8000)
	assert.LessOrEqual(t, len(resp.Metrics), resp.Limits.Metrics)
}

func TestAggregateFailedSubQueryFailsWholeCall(t *testing.T) {
	store := docstoretest.New()
	ctx := context.Background()

	require.NoError(t, store.IndexEvents(ctx, []docstore.Event{
		scalarEvent("t1", "accuracy", "train", 1, 0.2),
		scalarEvent("t1", "loss", "train", 1, 0.9),
	}))
	store.SummariesErr = func(metric string) error {
		if metric == "loss" {
			return context.DeadlineExceeded
		}
		return nil
	}

	e := newEngine(t, store, cardinality.StaticPolicy{MaxMetrics: 100, MaxVariants: 100}, Options{})
	resp, err := e.Aggregate(ctx, Request{TaskIDs: []string{"t1"}})

	require.Error(t, err)
	assert.Nil(t, resp, "no partial payload on failure")

	var paf *errors.PartialAggregationFailure
	require.ErrorAs(t, err, &paf)
	assert.Equal(t, "loss", paf.Metric)
}

func TestAggregateUninitializedVariantPolicy(t *testing.T) {
	ctx := context.Background()
	mkStore := func() *docstoretest.Memory {
		store := docstoretest.New()
		require.NoError(t, store.IndexEvents(ctx, []docstore.Event{
			{
				TaskID: "t1", Metric: "samples", Variant: "ready", Iter: 3,
				Type: docstore.TypeDebugImage, URL: "https://files.internal/a.png",
				Initialized: true,
			},
			{
				TaskID: "t1", Metric: "samples", Variant: "warming", Iter: 1,
				Type: docstore.TypeDebugImage, URL: "https://files.internal/b.png",
			},
		}))
		return store
	}

	// Disallowed: the uninitialized variant is dropped from the response.
	e := newEngine(t, mkStore(), cardinality.StaticPolicy{MaxMetrics: 10, MaxVariants: 10},
		Options{AllowUninitializedVariants: false})
	resp, err := e.Aggregate(ctx, Request{TaskIDs: []string{"t1"}})
	require.NoError(t, err)
	require.Len(t, resp.Metrics, 1)
	require.Len(t, resp.Metrics[0].Variants, 1)
	assert.Equal(t, "ready", resp.Metrics[0].Variants[0].Variant)

	// Allowed: both variants appear, flag surfaced.
	e = newEngine(t, mkStore(), cardinality.StaticPolicy{MaxMetrics: 10, MaxVariants: 10},
		Options{AllowUninitializedVariants: true})
	resp, err = e.Aggregate(ctx, Request{TaskIDs: []string{"t1"}})
	require.NoError(t, err)
	require.Len(t, resp.Metrics[0].Variants, 2)
	assert.False(t, resp.Metrics[0].Variants[1].Initialized)
}

func TestAggregateCompressedPlotRoundTrip(t *testing.T) {
	store := docstoretest.New()
	ctx := context.Background()

	// Build a plot comfortably above the 100000-byte compression threshold.
	var buf bytes.Buffer
	buf.WriteString(`{"kind":"scatter","points":[`)
	for i := 0; buf.Len() < 150000; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "[%d,%d]", i, i*i)
	}
	buf.WriteString(`]}`)
	original := append([]byte(nil), buf.Bytes()...)

	ev := PreparePlot(original, 100000, true)
	require.True(t, ev.Compressed, "plot above threshold must be stored compressed")
	require.True(t, ev.PlotValid)
	require.Less(t, len(ev.PlotData), len(original))
	ev.TaskID, ev.Metric, ev.Variant, ev.Iter = "t1", "curves", "all", 7
	require.NoError(t, store.IndexEvents(ctx, []docstore.Event{ev}))

	e := newEngine(t, store, cardinality.StaticPolicy{MaxMetrics: 10, MaxVariants: 10}, Options{})
	resp, err := e.Aggregate(ctx, Request{TaskIDs: []string{"t1"}})
	require.NoError(t, err)

	require.Len(t, resp.Metrics, 1)
	require.Len(t, resp.Metrics[0].Variants, 1)
	plots := resp.Metrics[0].Variants[0].Plots
	require.Len(t, plots, 1)
	assert.True(t, bytes.Equal(original, plots[0].Data), "decompressed plot must be byte-identical")

	// Second read hits the plot cache and returns the same bytes.
	resp, err = e.Aggregate(ctx, Request{TaskIDs: []string{"t1"}})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(original, resp.Metrics[0].Variants[0].Plots[0].Data))
}

func TestAggregateInvalidPlotFlaggedNotRejected(t *testing.T) {
	store := docstoretest.New()
	ctx := context.Background()

	ev := PreparePlot([]byte(`this is not json`), 1<<20, true)
	assert.False(t, ev.PlotValid)
	ev.TaskID, ev.Metric, ev.Variant, ev.Iter = "t1", "curves", "all", 1
	require.NoError(t, store.IndexEvents(ctx, []docstore.Event{ev}))

	e := newEngine(t, store, cardinality.StaticPolicy{MaxMetrics: 10, MaxVariants: 10}, Options{})
	resp, err := e.Aggregate(ctx, Request{TaskIDs: []string{"t1"}})
	require.NoError(t, err)

	plots := resp.Metrics[0].Variants[0].Plots
	require.Len(t, plots, 1)
	assert.False(t, plots[0].Valid)
}

func TestAggregateObservesDuration(t *testing.T) {
	store := docstoretest.New()
	ctx := context.Background()
	require.NoError(t, store.IndexEvents(ctx, []docstore.Event{
		scalarEvent("t1", "loss", "train", 1, 0.9),
	}))

	reg := metric.NewRegistry()
	caps := cardinality.StaticPolicy{MaxMetrics: 10, MaxVariants: 10}
	est := cardinality.NewEstimator(store, caps, caps, slog.Default())
	lim, err := limiter.New(2)
	require.NoError(t, err)
	e := NewEngine(store, est, lim, Options{PlotCache: cache.DefaultConfig()}, reg.Metrics, slog.Default())

	_, err = e.Aggregate(ctx, Request{TaskIDs: []string{"t1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, testutil.CollectAndCount(reg.Metrics.AggregationDuration),
		"successful call observed under one status label")

	_, err = e.Aggregate(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, 2, testutil.CollectAndCount(reg.Metrics.AggregationDuration),
		"failed call observed under the error label")
}

func TestAggregateRequiresTaskIDs(t *testing.T) {
	e := newEngine(t, docstoretest.New(), cardinality.StaticPolicy{MaxMetrics: 10, MaxVariants: 10}, Options{})
	_, err := e.Aggregate(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestPreparePlotBelowThresholdStoredRaw(t *testing.T) {
	raw := []byte(`{"a":1}`)
	ev := PreparePlot(raw, 100, true)
	assert.False(t, ev.Compressed)
	assert.Equal(t, raw, ev.PlotData)

	decoded, err := DecodePlot(docstore.PlotDoc{Data: ev.PlotData, Compressed: false})
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestDecodePlotCorruptCompressed(t *testing.T) {
	_, err := DecodePlot(docstore.PlotDoc{Data: []byte("not snappy"), Compressed: true})
	require.Error(t, err)
}
