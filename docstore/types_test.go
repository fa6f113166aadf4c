package docstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventKeyDerivesFromUniquenessTuple(t *testing.T) {
	base := Event{TaskID: "t1", Metric: "loss", Variant: "train", Iter: 7, Type: TypeScalar}

	same := base
	same.Value = 42.0
	same.Timestamp = time.Unix(1700000000, 0)
	assert.Equal(t, base.Key(), same.Key(), "payload fields must not affect the id")

	for name, mutate := range map[string]func(*Event){
		"task":    func(e *Event) { e.TaskID = "t2" },
		"metric":  func(e *Event) { e.Metric = "accuracy" },
		"variant": func(e *Event) { e.Variant = "validation" },
		"iter":    func(e *Event) { e.Iter = 8 },
		"type":    func(e *Event) { e.Type = TypePlot },
	} {
		other := base
		mutate(&other)
		assert.NotEqual(t, base.Key(), other.Key(), "changing %s must change the id", name)
	}
}

func TestWindowMatches(t *testing.T) {
	from, to := int64(5), int64(10)
	ev := Event{Metric: "loss", Variant: "train", Iter: 7}

	assert.True(t, Window{}.Matches(ev), "empty window matches everything")
	assert.True(t, Window{Metrics: []string{"loss"}, Variants: []string{"train"}}.Matches(ev))
	assert.False(t, Window{Metrics: []string{"accuracy"}}.Matches(ev))
	assert.False(t, Window{Variants: []string{"validation"}}.Matches(ev))
	assert.True(t, Window{IterFrom: &from, IterTo: &to}.Matches(ev))
	assert.False(t, Window{IterTo: &from}.Matches(ev))
	assert.False(t, Window{IterFrom: &to}.Matches(ev))
}

func TestScalarQueryFingerprintOrderInsensitive(t *testing.T) {
	a := ScalarQuery{
		TaskIDs: []string{"t2", "t1"},
		Window:  Window{Metrics: []string{"loss", "accuracy"}, Variants: []string{"b", "a"}},
	}
	b := ScalarQuery{
		TaskIDs: []string{"t1", "t2"},
		Window:  Window{Metrics: []string{"accuracy", "loss"}, Variants: []string{"a", "b"}},
	}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := b
	c.TaskIDs = []string{"t1", "t3"}
	assert.NotEqual(t, b.Fingerprint(), c.Fingerprint())

	from := int64(3)
	d := b
	d.Window.IterFrom = &from
	assert.NotEqual(t, b.Fingerprint(), d.Fingerprint())
}
