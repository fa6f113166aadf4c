// Package docstore provides a typed query/bulk-write façade over the
// search-indexed document store holding telemetry events. One logical index
// per entity class, prefixed per deployment.
package docstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// EventType discriminates the payload carried by an event document.
type EventType string

const (
	TypeScalar     EventType = "scalar"
	TypeDebugImage EventType = "debug_image"
	TypePlot       EventType = "plot"
)

// Event is an immutable fact belonging to a parent run (task).
// (TaskID, Metric, Variant, Iter, Type) is unique; ID is derived from it.
type Event struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task"`
	Metric    string    `json:"metric"`
	Variant   string    `json:"variant"`
	Iter      int64     `json:"iter"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// Scalar payload
	Value float64 `json:"value,omitempty"`

	// Debug image payload: object store URL of the rendered image.
	URL string `json:"url,omitempty"`

	// Plot payload. PlotData holds either raw JSON or a snappy-compressed
	// body when Compressed is set. PlotValid is false when the document
	// failed JSON validation at write time and was stored flagged.
	PlotData   []byte `json:"plot_data,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`
	PlotValid  bool   `json:"plot_valid,omitempty"`

	// ValidIter is the last iteration confirmed visible for the variant's
	// debug image series. Zero with Initialized unset means the boundary
	// has not been established yet.
	ValidIter   int64 `json:"valid_iter,omitempty"`
	Initialized bool  `json:"initialized,omitempty"`
}

// Key returns the deterministic document id for the uniqueness tuple.
func (e Event) Key() string {
	h := sha256.New()
	enc, _ := json.Marshal([]any{e.TaskID, e.Metric, e.Variant, e.Iter, e.Type})
	h.Write(enc)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Window bounds a query: which metrics/variants and which iteration range.
// Empty filter slices mean "all"; a nil bound means unbounded.
type Window struct {
	Metrics  []string `json:"metrics,omitempty"`
	Variants []string `json:"variants,omitempty"`
	IterFrom *int64   `json:"iter_from,omitempty"`
	IterTo   *int64   `json:"iter_to,omitempty"`
}

// Matches reports whether the event falls inside the window.
func (w Window) Matches(e Event) bool {
	if len(w.Metrics) > 0 && !contains(w.Metrics, e.Metric) {
		return false
	}
	if len(w.Variants) > 0 && !contains(w.Variants, e.Variant) {
		return false
	}
	if w.IterFrom != nil && e.Iter < *w.IterFrom {
		return false
	}
	if w.IterTo != nil && e.Iter > *w.IterTo {
		return false
	}
	return true
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Population is the measured distinct metric/variant counts for a set of
// tasks, consumed by the cardinality estimator.
type Population struct {
	Metrics  int `json:"metrics"`
	Variants int `json:"variants"`
}

// MetricVariants names one metric and its matching variants, both ordered
// lexicographically so repeated queries return stable results.
type MetricVariants struct {
	Metric   string   `json:"metric"`
	Variants []string `json:"variants"`
}

// ScalarSummary is the per-variant summary of a scalar series.
type ScalarSummary struct {
	Variant   string  `json:"variant"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
	Count     int64   `json:"count"`
	LastValue float64 `json:"last_value"`
	LastIter  int64   `json:"last_iter"`
}

// ImageRef points at one stored debug image.
type ImageRef struct {
	Iter      int64     `json:"iter"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

// ImageSeries is the per-variant debug image series. Initialized is false
// while the variant's valid-iteration boundary has not been established.
type ImageSeries struct {
	Variant     string     `json:"variant"`
	Initialized bool       `json:"initialized"`
	Images      []ImageRef `json:"images"`
}

// PlotDoc is one stored plot document. Data is always raw JSON here: the
// adapter returns stored bytes verbatim and the engine decompresses.
type PlotDoc struct {
	Variant    string `json:"variant"`
	Iter       int64  `json:"iter"`
	Data       []byte `json:"data"`
	Compressed bool   `json:"compressed"`
	Valid      bool   `json:"valid"`
}

// RawScalar is one entry of a paginated raw scalar stream.
type RawScalar struct {
	ID        string    `json:"id"`
	Metric    string    `json:"metric"`
	Variant   string    `json:"variant"`
	Iter      int64     `json:"iter"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// SortKey is an opaque resumable position within an ordered result set.
// The zero value means "from the start".
type SortKey string

// ScalarQuery scopes a raw scalar scroll.
type ScalarQuery struct {
	TaskIDs []string `json:"tasks"`
	Window  Window   `json:"window"`
}

// Fingerprint returns a stable digest of the query used to bind scroll
// cursors to the query that produced them.
func (q ScalarQuery) Fingerprint() string {
	tasks := append([]string(nil), q.TaskIDs...)
	sort.Strings(tasks)
	metrics := append([]string(nil), q.Window.Metrics...)
	sort.Strings(metrics)
	variants := append([]string(nil), q.Window.Variants...)
	sort.Strings(variants)

	canonical, _ := json.Marshal(struct {
		Tasks    []string `json:"tasks"`
		Metrics  []string `json:"metrics"`
		Variants []string `json:"variants"`
		IterFrom *int64   `json:"iter_from"`
		IterTo   *int64   `json:"iter_to"`
	}{tasks, metrics, variants, q.Window.IterFrom, q.Window.IterTo})

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
