package docstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/c360/eventstore/errors"
	"github.com/c360/eventstore/pkg/retry"
)

// ElasticConfig configures the Elasticsearch-backed store.
type ElasticConfig struct {
	Addresses   []string `json:"addresses" yaml:"addresses"`
	Username    string   `json:"username" yaml:"username"`
	Password    string   `json:"password" yaml:"password"`
	IndexPrefix string   `json:"index_prefix" yaml:"index_prefix"`

	// MaxConns is the driver's concurrent connection ceiling. The
	// aggregation concurrency limit must not exceed it; config validation
	// enforces that at startup.
	MaxConns int `json:"max_conns" yaml:"max_conns"`
}

// DefaultElasticConfig returns defaults for a local single-node cluster.
func DefaultElasticConfig() ElasticConfig {
	return ElasticConfig{
		Addresses:   []string{"http://localhost:9200"},
		IndexPrefix: "eventstore",
		MaxConns:    10,
	}
}

// Elastic implements Store over an Elasticsearch cluster.
type Elastic struct {
	client *elasticsearch.Client
	index  string
	logger *slog.Logger
	retry  retry.Config

	// debugImagesPerVariant bounds the per-variant top_hits window.
	debugImagesPerVariant int
}

var _ Store = (*Elastic)(nil)

// NewElastic creates the Elasticsearch store adapter.
func NewElastic(cfg ElasticConfig, logger *slog.Logger) (*Elastic, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "docstore", "NewElastic", "no addresses")
	}
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "eventstore"
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "docstore", "NewElastic", "client init")
	}

	return &Elastic{
		client:                client,
		index:                 cfg.IndexPrefix + "-events",
		logger:                logger.With("component", "docstore"),
		retry:                 retry.DefaultConfig(),
		debugImagesPerVariant: 100,
	}, nil
}

// searchResponse covers the subset of the search API response we consume.
type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations"`
}

type searchHit struct {
	ID     string          `json:"_id"`
	Source json.RawMessage `json:"_source"`
	Sort   []any           `json:"sort"`
}

type termsAgg struct {
	Buckets []termsBucket `json:"buckets"`
}

type termsBucket struct {
	Key      string                     `json:"key"`
	DocCount int64                      `json:"doc_count"`
	Sub      map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps sub-aggregations accessible without modeling every
// shape up front.
func (b *termsBucket) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if k, ok := raw["key"]; ok {
		if err := json.Unmarshal(k, &b.Key); err != nil {
			return err
		}
	}
	if c, ok := raw["doc_count"]; ok {
		if err := json.Unmarshal(c, &b.DocCount); err != nil {
			return err
		}
	}
	delete(raw, "key")
	delete(raw, "doc_count")
	b.Sub = raw
	return nil
}

func (s *Elastic) search(ctx context.Context, body map[string]any) (*searchResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.WrapInvalid(err, "docstore", "search", "marshal body")
	}

	return retry.DoWithResult(ctx, s.retry, func() (*searchResponse, error) {
		res, err := s.client.Search(
			s.client.Search.WithContext(ctx),
			s.client.Search.WithIndex(s.index),
			s.client.Search.WithBody(bytes.NewReader(payload)),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
		}
		defer res.Body.Close()

		if err := checkResponse(res); err != nil {
			return nil, err
		}

		var parsed searchResponse
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return nil, retry.NonRetryable(errors.Wrap(err, "docstore", "search", "decode response"))
		}
		return &parsed, nil
	})
}

// checkResponse maps HTTP-level failures: 5xx is a retryable availability
// problem, 4xx is a caller/query bug and must not be retried.
func checkResponse(res *esapi.Response) error {
	if !res.IsError() {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d: %s", errors.ErrStoreUnavailable, res.StatusCode, bytes.TrimSpace(body))
	}
	return retry.NonRetryable(fmt.Errorf("store request rejected: status %d: %s", res.StatusCode, bytes.TrimSpace(body)))
}

// baseFilter builds the bool filter shared by every event query.
func baseFilter(taskIDs []string, eventType EventType, metric string, variants []string, w Window) []map[string]any {
	filter := []map[string]any{
		{"terms": map[string]any{"task": taskIDs}},
	}
	if eventType != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"type": string(eventType)}})
	}
	if metric != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"metric": metric}})
	} else if len(w.Metrics) > 0 {
		filter = append(filter, map[string]any{"terms": map[string]any{"metric": w.Metrics}})
	}
	if len(variants) > 0 {
		filter = append(filter, map[string]any{"terms": map[string]any{"variant": variants}})
	} else if len(w.Variants) > 0 {
		filter = append(filter, map[string]any{"terms": map[string]any{"variant": w.Variants}})
	}
	if w.IterFrom != nil || w.IterTo != nil {
		rng := map[string]any{}
		if w.IterFrom != nil {
			rng["gte"] = *w.IterFrom
		}
		if w.IterTo != nil {
			rng["lte"] = *w.IterTo
		}
		filter = append(filter, map[string]any{"range": map[string]any{"iter": rng}})
	}
	return filter
}

func boolQuery(filter []map[string]any) map[string]any {
	return map[string]any{"bool": map[string]any{"filter": filter}}
}

// IndexEvents bulk-writes events with deterministic ids (upsert semantics).
func (s *Elastic) IndexEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = ev.Key()
		}
		meta, _ := json.Marshal(map[string]any{"index": map[string]any{"_index": s.index, "_id": ev.ID}})
		doc, err := json.Marshal(ev)
		if err != nil {
			return errors.WrapInvalid(err, "docstore", "IndexEvents", "marshal event")
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(doc)
		buf.WriteByte('\n')
	}

	return retry.Do(ctx, s.retry, func() error {
		res, err := s.client.Bulk(
			bytes.NewReader(buf.Bytes()),
			s.client.Bulk.WithContext(ctx),
		)
		if err != nil {
			return fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
		}
		defer res.Body.Close()
		return checkResponse(res)
	})
}

// DistinctCounts measures the metric/variant population via cardinality
// aggregations.
func (s *Elastic) DistinctCounts(ctx context.Context, taskIDs []string, w Window) (Population, error) {
	body := map[string]any{
		"size":  0,
		"query": boolQuery(baseFilter(taskIDs, "", "", nil, w)),
		"aggs": map[string]any{
			"metrics":  map[string]any{"cardinality": map[string]any{"field": "metric"}},
			"variants": map[string]any{"cardinality": map[string]any{"field": "variant"}},
		},
	}

	res, err := s.search(ctx, body)
	if err != nil {
		return Population{}, err
	}

	var pop Population
	var card struct {
		Value float64 `json:"value"`
	}
	if raw, ok := res.Aggregations["metrics"]; ok {
		if err := json.Unmarshal(raw, &card); err != nil {
			return Population{}, errors.Wrap(err, "docstore", "DistinctCounts", "decode metrics agg")
		}
		pop.Metrics = int(card.Value)
	}
	if raw, ok := res.Aggregations["variants"]; ok {
		if err := json.Unmarshal(raw, &card); err != nil {
			return Population{}, errors.Wrap(err, "docstore", "DistinctCounts", "decode variants agg")
		}
		pop.Variants = int(card.Value)
	}
	return pop, nil
}

// MetricVariants lists metrics and their variants with nested terms
// aggregations, keys ordered ascending for stable responses.
func (s *Elastic) MetricVariants(ctx context.Context, taskIDs []string, w Window, maxMetrics, maxVariants int) ([]MetricVariants, error) {
	body := map[string]any{
		"size":  0,
		"query": boolQuery(baseFilter(taskIDs, "", "", nil, w)),
		"aggs": map[string]any{
			"metrics": map[string]any{
				"terms": map[string]any{
					"field": "metric",
					"size":  maxMetrics,
					"order": map[string]any{"_key": "asc"},
				},
				"aggs": map[string]any{
					"variants": map[string]any{
						"terms": map[string]any{
							"field": "variant",
							"size":  maxVariants,
							"order": map[string]any{"_key": "asc"},
						},
					},
				},
			},
		},
	}

	res, err := s.search(ctx, body)
	if err != nil {
		return nil, err
	}

	raw, ok := res.Aggregations["metrics"]
	if !ok {
		return nil, nil
	}
	var metrics termsAgg
	if err := json.Unmarshal(raw, &metrics); err != nil {
		return nil, errors.Wrap(err, "docstore", "MetricVariants", "decode metrics agg")
	}

	out := make([]MetricVariants, 0, len(metrics.Buckets))
	for _, mb := range metrics.Buckets {
		mv := MetricVariants{Metric: mb.Key}
		if sub, ok := mb.Sub["variants"]; ok {
			var variants termsAgg
			if err := json.Unmarshal(sub, &variants); err != nil {
				return nil, errors.Wrap(err, "docstore", "MetricVariants", "decode variants agg")
			}
			for _, vb := range variants.Buckets {
				mv.Variants = append(mv.Variants, vb.Key)
			}
		}
		if len(mv.Variants) > 0 {
			out = append(out, mv)
		}
	}
	return out, nil
}

// ScalarSummaries aggregates per-variant stats plus the latest sample for
// one metric.
func (s *Elastic) ScalarSummaries(ctx context.Context, taskIDs []string, metric string, variants []string, w Window) ([]ScalarSummary, error) {
	body := map[string]any{
		"size":  0,
		"query": boolQuery(baseFilter(taskIDs, TypeScalar, metric, variants, w)),
		"aggs": map[string]any{
			"variants": map[string]any{
				"terms": map[string]any{
					"field": "variant",
					"size":  maxInt(len(variants), 100),
					"order": map[string]any{"_key": "asc"},
				},
				"aggs": map[string]any{
					"stats": map[string]any{"stats": map[string]any{"field": "value"}},
					"last": map[string]any{
						"top_hits": map[string]any{
							"size":    1,
							"sort":    []map[string]any{{"iter": map[string]any{"order": "desc"}}},
							"_source": []string{"value", "iter"},
						},
					},
				},
			},
		},
	}

	res, err := s.search(ctx, body)
	if err != nil {
		return nil, err
	}

	raw, ok := res.Aggregations["variants"]
	if !ok {
		return nil, nil
	}
	var agg termsAgg
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, errors.Wrap(err, "docstore", "ScalarSummaries", "decode variants agg")
	}

	out := make([]ScalarSummary, 0, len(agg.Buckets))
	for _, vb := range agg.Buckets {
		summary := ScalarSummary{Variant: vb.Key, Count: vb.DocCount}

		if statsRaw, ok := vb.Sub["stats"]; ok {
			var stats struct {
				Min float64 `json:"min"`
				Max float64 `json:"max"`
				Avg float64 `json:"avg"`
			}
			if err := json.Unmarshal(statsRaw, &stats); err != nil {
				return nil, errors.Wrap(err, "docstore", "ScalarSummaries", "decode stats agg")
			}
			summary.Min, summary.Max, summary.Mean = stats.Min, stats.Max, stats.Avg
		}

		if lastRaw, ok := vb.Sub["last"]; ok {
			var last struct {
				Hits struct {
					Hits []struct {
						Source struct {
							Value float64 `json:"value"`
							Iter  int64   `json:"iter"`
						} `json:"_source"`
					} `json:"hits"`
				} `json:"hits"`
			}
			if err := json.Unmarshal(lastRaw, &last); err != nil {
				return nil, errors.Wrap(err, "docstore", "ScalarSummaries", "decode last agg")
			}
			if len(last.Hits.Hits) > 0 {
				summary.LastValue = last.Hits.Hits[0].Source.Value
				summary.LastIter = last.Hits.Hits[0].Source.Iter
			}
		}

		out = append(out, summary)
	}
	return out, nil
}

// DebugImages returns the per-variant image series for one metric.
func (s *Elastic) DebugImages(ctx context.Context, taskIDs []string, metric string, variants []string, w Window) ([]ImageSeries, error) {
	body := map[string]any{
		"size":  0,
		"query": boolQuery(baseFilter(taskIDs, TypeDebugImage, metric, variants, w)),
		"aggs": map[string]any{
			"variants": map[string]any{
				"terms": map[string]any{
					"field": "variant",
					"size":  maxInt(len(variants), 100),
					"order": map[string]any{"_key": "asc"},
				},
				"aggs": map[string]any{
					"images": map[string]any{
						"top_hits": map[string]any{
							"size": s.debugImagesPerVariant,
							"sort": []map[string]any{{"iter": map[string]any{"order": "desc"}}},
						},
					},
				},
			},
		},
	}

	res, err := s.search(ctx, body)
	if err != nil {
		return nil, err
	}

	raw, ok := res.Aggregations["variants"]
	if !ok {
		return nil, nil
	}
	var agg termsAgg
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, errors.Wrap(err, "docstore", "DebugImages", "decode variants agg")
	}

	out := make([]ImageSeries, 0, len(agg.Buckets))
	for _, vb := range agg.Buckets {
		series := ImageSeries{Variant: vb.Key}
		hitsRaw, ok := vb.Sub["images"]
		if !ok {
			continue
		}
		var hits struct {
			Hits struct {
				Hits []struct {
					Source Event `json:"_source"`
				} `json:"hits"`
			} `json:"hits"`
		}
		if err := json.Unmarshal(hitsRaw, &hits); err != nil {
			return nil, errors.Wrap(err, "docstore", "DebugImages", "decode images agg")
		}
		for _, h := range hits.Hits.Hits {
			ev := h.Source
			series.Images = append(series.Images, ImageRef{Iter: ev.Iter, URL: ev.URL, Timestamp: ev.Timestamp})
			if ev.Initialized {
				series.Initialized = true
			}
		}
		out = append(out, series)
	}
	return out, nil
}

// Plots returns plot documents for one metric, stored bytes verbatim.
func (s *Elastic) Plots(ctx context.Context, taskIDs []string, metric string, variants []string, w Window) ([]PlotDoc, error) {
	body := map[string]any{
		"size":  1000,
		"query": boolQuery(baseFilter(taskIDs, TypePlot, metric, variants, w)),
		"sort": []map[string]any{
			{"variant": map[string]any{"order": "asc"}},
			{"iter": map[string]any{"order": "asc"}},
		},
	}

	res, err := s.search(ctx, body)
	if err != nil {
		return nil, err
	}

	out := make([]PlotDoc, 0, len(res.Hits.Hits))
	for _, hit := range res.Hits.Hits {
		var ev Event
		if err := json.Unmarshal(hit.Source, &ev); err != nil {
			return nil, errors.Wrap(err, "docstore", "Plots", "decode hit")
		}
		out = append(out, PlotDoc{
			Variant:    ev.Variant,
			Iter:       ev.Iter,
			Data:       ev.PlotData,
			Compressed: ev.Compressed,
			Valid:      ev.PlotValid,
		})
	}
	return out, nil
}

// ScrollScalars pages raw scalars with search_after. The sort key encodes
// the search_after values opaquely.
func (s *Elastic) ScrollScalars(ctx context.Context, q ScalarQuery, after SortKey, size int) ([]RawScalar, SortKey, bool, error) {
	body := map[string]any{
		"size":  size,
		"query": boolQuery(baseFilter(q.TaskIDs, TypeScalar, "", nil, q.Window)),
		"sort": []map[string]any{
			{"metric": map[string]any{"order": "asc"}},
			{"variant": map[string]any{"order": "asc"}},
			{"iter": map[string]any{"order": "asc"}},
			{"id": map[string]any{"order": "asc"}},
		},
	}
	if after != "" {
		values, err := decodeSortKey(after)
		if err != nil {
			return nil, "", false, errors.WrapInvalid(err, "docstore", "ScrollScalars", "decode sort key")
		}
		body["search_after"] = values
	}

	res, err := s.search(ctx, body)
	if err != nil {
		return nil, "", false, err
	}

	page := make([]RawScalar, 0, len(res.Hits.Hits))
	var lastSort []any
	for _, hit := range res.Hits.Hits {
		var ev Event
		if err := json.Unmarshal(hit.Source, &ev); err != nil {
			return nil, "", false, errors.Wrap(err, "docstore", "ScrollScalars", "decode hit")
		}
		page = append(page, RawScalar{
			ID:        ev.ID,
			Metric:    ev.Metric,
			Variant:   ev.Variant,
			Iter:      ev.Iter,
			Value:     ev.Value,
			Timestamp: ev.Timestamp,
		})
		lastSort = hit.Sort
	}

	more := len(page) == size && size > 0
	var next SortKey
	if more {
		next, err = encodeSortKey(lastSort)
		if err != nil {
			return nil, "", false, errors.Wrap(err, "docstore", "ScrollScalars", "encode sort key")
		}
	}
	return page, next, more, nil
}

// CountByTask counts documents owned by a task.
func (s *Elastic) CountByTask(ctx context.Context, taskID string) (int64, error) {
	body, _ := json.Marshal(map[string]any{
		"query": map[string]any{"term": map[string]any{"task": taskID}},
	})

	return retry.DoWithResult(ctx, s.retry, func() (int64, error) {
		res, err := s.client.Count(
			s.client.Count.WithContext(ctx),
			s.client.Count.WithIndex(s.index),
			s.client.Count.WithBody(bytes.NewReader(body)),
		)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
		}
		defer res.Body.Close()
		if err := checkResponse(res); err != nil {
			return 0, err
		}

		var parsed struct {
			Count int64 `json:"count"`
		}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return 0, retry.NonRetryable(errors.Wrap(err, "docstore", "CountByTask", "decode response"))
		}
		return parsed.Count, nil
	})
}

// FetchForDeletion pages a task's events in id order for the deletion
// scheduler.
func (s *Elastic) FetchForDeletion(ctx context.Context, taskID string, after SortKey, limit int) ([]Event, SortKey, error) {
	body := map[string]any{
		"size":  limit,
		"query": map[string]any{"term": map[string]any{"task": taskID}},
		"sort":  []map[string]any{{"id": map[string]any{"order": "asc"}}},
	}
	if after != "" {
		values, err := decodeSortKey(after)
		if err != nil {
			return nil, "", errors.WrapInvalid(err, "docstore", "FetchForDeletion", "decode sort key")
		}
		body["search_after"] = values
	}

	res, err := s.search(ctx, body)
	if err != nil {
		return nil, "", err
	}

	events := make([]Event, 0, len(res.Hits.Hits))
	var lastSort []any
	for _, hit := range res.Hits.Hits {
		var ev Event
		if err := json.Unmarshal(hit.Source, &ev); err != nil {
			return nil, "", errors.Wrap(err, "docstore", "FetchForDeletion", "decode hit")
		}
		events = append(events, ev)
		lastSort = hit.Sort
	}

	var next SortKey
	if len(events) > 0 {
		next, err = encodeSortKey(lastSort)
		if err != nil {
			return nil, "", errors.Wrap(err, "docstore", "FetchForDeletion", "encode sort key")
		}
	}
	return events, next, nil
}

// DeleteByID bulk-deletes documents by id; absent documents are no-ops.
func (s *Elastic) DeleteByID(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	for _, id := range ids {
		meta, _ := json.Marshal(map[string]any{"delete": map[string]any{"_index": s.index, "_id": id}})
		buf.Write(meta)
		buf.WriteByte('\n')
	}

	return retry.DoWithResult(ctx, s.retry, func() (int64, error) {
		res, err := s.client.Bulk(
			bytes.NewReader(buf.Bytes()),
			s.client.Bulk.WithContext(ctx),
		)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
		}
		defer res.Body.Close()
		if err := checkResponse(res); err != nil {
			return 0, err
		}

		var parsed struct {
			Items []map[string]struct {
				Result string `json:"result"`
			} `json:"items"`
		}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return 0, retry.NonRetryable(errors.Wrap(err, "docstore", "DeleteByID", "decode response"))
		}

		var deleted int64
		for _, item := range parsed.Items {
			if op, ok := item["delete"]; ok && op.Result == "deleted" {
				deleted++
			}
		}
		return deleted, nil
	})
}

// DeleteByTask bulk-deletes by filter with a document ceiling so one call
// never exceeds the remaining rate budget.
func (s *Elastic) DeleteByTask(ctx context.Context, taskID string, maxDocs int64) (int64, error) {
	body, _ := json.Marshal(map[string]any{
		"query": map[string]any{"term": map[string]any{"task": taskID}},
	})

	return retry.DoWithResult(ctx, s.retry, func() (int64, error) {
		res, err := s.client.DeleteByQuery(
			[]string{s.index},
			bytes.NewReader(body),
			s.client.DeleteByQuery.WithContext(ctx),
			s.client.DeleteByQuery.WithMaxDocs(int(maxDocs)),
			s.client.DeleteByQuery.WithConflicts("proceed"),
		)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
		}
		defer res.Body.Close()
		if err := checkResponse(res); err != nil {
			return 0, err
		}

		var parsed struct {
			Deleted int64 `json:"deleted"`
		}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return 0, retry.NonRetryable(errors.Wrap(err, "docstore", "DeleteByTask", "decode response"))
		}
		return parsed.Deleted, nil
	})
}

// encodeSortKey packs search_after values into an opaque resumable token.
func encodeSortKey(values []any) (SortKey, error) {
	if len(values) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return SortKey(base64.RawURLEncoding.EncodeToString(raw)), nil
}

func decodeSortKey(key SortKey) ([]any, error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(key))
	if err != nil {
		return nil, fmt.Errorf("malformed sort key: %w", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var values []any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("malformed sort key: %w", err)
	}
	return values, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
