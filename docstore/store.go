package docstore

import "context"

// Store is the document store façade consumed by the aggregation engine,
// the scroll manager and the deletion scheduler. Implementations map
// transport-level failures to errors.ErrStoreUnavailable and retry
// transient conditions internally with bounded backoff.
type Store interface {
	// IndexEvents bulk-writes event documents. Document ids derive from the
	// uniqueness tuple, so re-indexing the same event is an upsert.
	IndexEvents(ctx context.Context, events []Event) error

	// DistinctCounts measures the distinct metric and variant population
	// for the given tasks inside the window.
	DistinctCounts(ctx context.Context, taskIDs []string, w Window) (Population, error)

	// MetricVariants lists up to maxMetrics metrics and maxVariants
	// variants per metric, lexicographically ordered. The product
	// maxMetrics*maxVariants must stay under the store's aggregation
	// bucket ceiling; the cardinality estimator guarantees that.
	MetricVariants(ctx context.Context, taskIDs []string, w Window, maxMetrics, maxVariants int) ([]MetricVariants, error)

	// ScalarSummaries computes per-variant summary statistics for one
	// metric.
	ScalarSummaries(ctx context.Context, taskIDs []string, metric string, variants []string, w Window) ([]ScalarSummary, error)

	// DebugImages returns per-variant debug image series for one metric.
	DebugImages(ctx context.Context, taskIDs []string, metric string, variants []string, w Window) ([]ImageSeries, error)

	// Plots returns stored plot documents for one metric, bytes verbatim
	// (possibly compressed).
	Plots(ctx context.Context, taskIDs []string, metric string, variants []string, w Window) ([]PlotDoc, error)

	// ScrollScalars streams raw scalars ordered by (metric, variant, iter,
	// id), resuming after the given sort key. more is false once the
	// result set is exhausted.
	ScrollScalars(ctx context.Context, q ScalarQuery, after SortKey, size int) (page []RawScalar, next SortKey, more bool, err error)

	// CountByTask counts event documents owned by the task.
	CountByTask(ctx context.Context, taskID string) (int64, error)

	// FetchForDeletion returns up to limit events owned by the task in
	// stable id order, resuming after the sort key. Used to resolve object
	// references and to delete by id.
	FetchForDeletion(ctx context.Context, taskID string, after SortKey, limit int) ([]Event, SortKey, error)

	// DeleteByID removes the identified documents. Deleting an absent
	// document is a no-op; the returned count covers documents actually
	// removed.
	DeleteByID(ctx context.Context, ids []string) (int64, error)

	// DeleteByTask bulk-deletes up to maxDocs documents owned by the task
	// in one filtered operation, trading per-item error granularity for
	// throughput. Returns the number of documents removed.
	DeleteByTask(ctx context.Context, taskID string, maxDocs int64) (int64, error)
}
