// Package docstoretest provides an in-memory docstore.Store used by unit
// tests of the aggregation engine, scroll manager and deletion scheduler.
package docstoretest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c360/eventstore/docstore"
)

// Memory is a thread-safe in-memory docstore.Store. The error hook fields
// let tests inject failures per operation.
type Memory struct {
	mu     sync.Mutex
	events map[string]docstore.Event

	// Failure injection hooks (nil = no failure).
	DistinctErr  error
	SummariesErr func(metric string) error
	ScrollErr    error
	FetchErr     error
	DeleteErr    error
}

var _ docstore.Store = (*Memory)(nil)

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{events: make(map[string]docstore.Event)}
}

// Len returns the number of stored events.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// IndexEvents upserts events keyed by their uniqueness tuple.
func (m *Memory) IndexEvents(_ context.Context, events []docstore.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = ev.Key()
		}
		m.events[ev.ID] = ev
	}
	return nil
}

func (m *Memory) matching(taskIDs []string, eventType docstore.EventType, metric string, variants []string, w docstore.Window) []docstore.Event {
	taskSet := make(map[string]bool, len(taskIDs))
	for _, t := range taskIDs {
		taskSet[t] = true
	}
	variantSet := make(map[string]bool, len(variants))
	for _, v := range variants {
		variantSet[v] = true
	}

	var out []docstore.Event
	for _, ev := range m.events {
		if len(taskSet) > 0 && !taskSet[ev.TaskID] {
			continue
		}
		if eventType != "" && ev.Type != eventType {
			continue
		}
		if metric != "" && ev.Metric != metric {
			continue
		}
		if len(variantSet) > 0 && !variantSet[ev.Variant] {
			continue
		}
		if !w.Matches(ev) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// DistinctCounts measures the distinct metric/variant population.
func (m *Memory) DistinctCounts(_ context.Context, taskIDs []string, w docstore.Window) (docstore.Population, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DistinctErr != nil {
		return docstore.Population{}, m.DistinctErr
	}

	metrics := map[string]bool{}
	variants := map[string]bool{}
	for _, ev := range m.matching(taskIDs, "", "", nil, w) {
		metrics[ev.Metric] = true
		variants[ev.Variant] = true
	}
	return docstore.Population{Metrics: len(metrics), Variants: len(variants)}, nil
}

// MetricVariants lists metrics and variants lexicographically, capped.
func (m *Memory) MetricVariants(_ context.Context, taskIDs []string, w docstore.Window, maxMetrics, maxVariants int) ([]docstore.MetricVariants, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byMetric := map[string]map[string]bool{}
	for _, ev := range m.matching(taskIDs, "", "", nil, w) {
		if byMetric[ev.Metric] == nil {
			byMetric[ev.Metric] = map[string]bool{}
		}
		byMetric[ev.Metric][ev.Variant] = true
	}

	metricNames := make([]string, 0, len(byMetric))
	for name := range byMetric {
		metricNames = append(metricNames, name)
	}
	sort.Strings(metricNames)
	if len(metricNames) > maxMetrics {
		metricNames = metricNames[:maxMetrics]
	}

	out := make([]docstore.MetricVariants, 0, len(metricNames))
	for _, name := range metricNames {
		variantNames := make([]string, 0, len(byMetric[name]))
		for v := range byMetric[name] {
			variantNames = append(variantNames, v)
		}
		sort.Strings(variantNames)
		if len(variantNames) > maxVariants {
			variantNames = variantNames[:maxVariants]
		}
		out = append(out, docstore.MetricVariants{Metric: name, Variants: variantNames})
	}
	return out, nil
}

// ScalarSummaries computes per-variant summary statistics for one metric.
func (m *Memory) ScalarSummaries(_ context.Context, taskIDs []string, metric string, variants []string, w docstore.Window) ([]docstore.ScalarSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SummariesErr != nil {
		if err := m.SummariesErr(metric); err != nil {
			return nil, err
		}
	}

	byVariant := map[string][]docstore.Event{}
	for _, ev := range m.matching(taskIDs, docstore.TypeScalar, metric, variants, w) {
		byVariant[ev.Variant] = append(byVariant[ev.Variant], ev)
	}

	names := make([]string, 0, len(byVariant))
	for v := range byVariant {
		names = append(names, v)
	}
	sort.Strings(names)

	out := make([]docstore.ScalarSummary, 0, len(names))
	for _, name := range names {
		evs := byVariant[name]
		summary := docstore.ScalarSummary{Variant: name, Count: int64(len(evs))}
		var sum float64
		for i, ev := range evs {
			if i == 0 || ev.Value < summary.Min {
				summary.Min = ev.Value
			}
			if i == 0 || ev.Value > summary.Max {
				summary.Max = ev.Value
			}
			if ev.Iter >= summary.LastIter {
				summary.LastIter = ev.Iter
				summary.LastValue = ev.Value
			}
			sum += ev.Value
		}
		summary.Mean = sum / float64(len(evs))
		out = append(out, summary)
	}
	return out, nil
}

// DebugImages returns per-variant image series for one metric.
func (m *Memory) DebugImages(_ context.Context, taskIDs []string, metric string, variants []string, w docstore.Window) ([]docstore.ImageSeries, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byVariant := map[string][]docstore.Event{}
	for _, ev := range m.matching(taskIDs, docstore.TypeDebugImage, metric, variants, w) {
		byVariant[ev.Variant] = append(byVariant[ev.Variant], ev)
	}

	names := make([]string, 0, len(byVariant))
	for v := range byVariant {
		names = append(names, v)
	}
	sort.Strings(names)

	out := make([]docstore.ImageSeries, 0, len(names))
	for _, name := range names {
		evs := byVariant[name]
		sort.Slice(evs, func(i, j int) bool { return evs[i].Iter > evs[j].Iter })
		series := docstore.ImageSeries{Variant: name}
		for _, ev := range evs {
			series.Images = append(series.Images, docstore.ImageRef{Iter: ev.Iter, URL: ev.URL, Timestamp: ev.Timestamp})
			if ev.Initialized {
				series.Initialized = true
			}
		}
		out = append(out, series)
	}
	return out, nil
}

// Plots returns stored plot documents for one metric.
func (m *Memory) Plots(_ context.Context, taskIDs []string, metric string, variants []string, w docstore.Window) ([]docstore.PlotDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	evs := m.matching(taskIDs, docstore.TypePlot, metric, variants, w)
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].Variant != evs[j].Variant {
			return evs[i].Variant < evs[j].Variant
		}
		return evs[i].Iter < evs[j].Iter
	})

	out := make([]docstore.PlotDoc, 0, len(evs))
	for _, ev := range evs {
		out = append(out, docstore.PlotDoc{
			Variant:    ev.Variant,
			Iter:       ev.Iter,
			Data:       ev.PlotData,
			Compressed: ev.Compressed,
			Valid:      ev.PlotValid,
		})
	}
	return out, nil
}

type scrollPos struct {
	Metric  string `json:"metric"`
	Variant string `json:"variant"`
	Iter    int64  `json:"iter"`
	ID      string `json:"id"`
}

func scrollLess(a, b scrollPos) bool {
	if a.Metric != b.Metric {
		return a.Metric < b.Metric
	}
	if a.Variant != b.Variant {
		return a.Variant < b.Variant
	}
	if a.Iter != b.Iter {
		return a.Iter < b.Iter
	}
	return a.ID < b.ID
}

// ScrollScalars pages scalars ordered by (metric, variant, iter, id).
func (m *Memory) ScrollScalars(_ context.Context, q docstore.ScalarQuery, after docstore.SortKey, size int) ([]docstore.RawScalar, docstore.SortKey, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ScrollErr != nil {
		return nil, "", false, m.ScrollErr
	}

	evs := m.matching(q.TaskIDs, docstore.TypeScalar, "", nil, q.Window)
	sort.Slice(evs, func(i, j int) bool {
		return scrollLess(posOf(evs[i]), posOf(evs[j]))
	})

	start := 0
	if after != "" {
		pos, err := decodePos(after)
		if err != nil {
			return nil, "", false, err
		}
		start = sort.Search(len(evs), func(i int) bool {
			return scrollLess(pos, posOf(evs[i]))
		})
	}

	end := start + size
	if end > len(evs) {
		end = len(evs)
	}

	page := make([]docstore.RawScalar, 0, end-start)
	for _, ev := range evs[start:end] {
		page = append(page, docstore.RawScalar{
			ID:        ev.ID,
			Metric:    ev.Metric,
			Variant:   ev.Variant,
			Iter:      ev.Iter,
			Value:     ev.Value,
			Timestamp: ev.Timestamp,
		})
	}

	more := end < len(evs)
	var next docstore.SortKey
	if more && len(page) > 0 {
		last := evs[end-1]
		next = encodePos(posOf(last))
	}
	return page, next, more, nil
}

func posOf(ev docstore.Event) scrollPos {
	return scrollPos{Metric: ev.Metric, Variant: ev.Variant, Iter: ev.Iter, ID: ev.ID}
}

func encodePos(p scrollPos) docstore.SortKey {
	raw, _ := json.Marshal(p)
	return docstore.SortKey(base64.RawURLEncoding.EncodeToString(raw))
}

func decodePos(key docstore.SortKey) (scrollPos, error) {
	var p scrollPos
	raw, err := base64.RawURLEncoding.DecodeString(string(key))
	if err != nil {
		return p, fmt.Errorf("malformed sort key: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("malformed sort key: %w", err)
	}
	return p, nil
}

// CountByTask counts documents owned by the task.
func (m *Memory) CountByTask(_ context.Context, taskID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, ev := range m.events {
		if ev.TaskID == taskID {
			n++
		}
	}
	return n, nil
}

// FetchForDeletion pages a task's events in id order.
func (m *Memory) FetchForDeletion(_ context.Context, taskID string, after docstore.SortKey, limit int) ([]docstore.Event, docstore.SortKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, "", m.FetchErr
	}

	var evs []docstore.Event
	for _, ev := range m.events {
		if ev.TaskID == taskID {
			evs = append(evs, ev)
		}
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i].ID < evs[j].ID })

	afterID := strings.TrimSpace(string(after))
	start := 0
	if afterID != "" {
		start = sort.Search(len(evs), func(i int) bool { return evs[i].ID > afterID })
	}

	end := start + limit
	if end > len(evs) {
		end = len(evs)
	}

	page := append([]docstore.Event(nil), evs[start:end]...)
	var next docstore.SortKey
	if len(page) > 0 {
		next = docstore.SortKey(page[len(page)-1].ID)
	}
	return page, next, nil
}

// DeleteByID removes documents by id; absent ids are no-ops.
func (m *Memory) DeleteByID(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return 0, m.DeleteErr
	}

	var deleted int64
	for _, id := range ids {
		if _, ok := m.events[id]; ok {
			delete(m.events, id)
			deleted++
		}
	}
	return deleted, nil
}

// DeleteByTask removes up to maxDocs documents owned by the task.
func (m *Memory) DeleteByTask(_ context.Context, taskID string, maxDocs int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return 0, m.DeleteErr
	}

	var ids []string
	for id, ev := range m.events {
		if ev.TaskID == taskID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if int64(len(ids)) > maxDocs {
		ids = ids[:maxDocs]
	}

	for _, id := range ids {
		delete(m.events, id)
	}
	return int64(len(ids)), nil
}
