package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"store unavailable sentinel", ErrStoreUnavailable, true},
		{"overloaded sentinel", ErrOverloaded, true},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped store unavailable", fmt.Errorf("query: %w", ErrStoreUnavailable), true},
		{"timeout message", stderrors.New("dial tcp: i/o timeout"), true},
		{"cursor expired", ErrCursorExpired, false},
		{"plain error", stderrors.New("no such metric"), false},
		{"classified transient", WrapTransient(stderrors.New("boom"), "docstore", "Query", "search"), true},
		{"classified invalid", WrapInvalid(stderrors.New("timeout in message"), "api", "decode", "body"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrCursorExpired))
	assert.True(t, IsInvalid(ErrCursorMismatch))
	assert.True(t, IsInvalid(fmt.Errorf("advance: %w", ErrCursorMismatch)))
	assert.False(t, IsInvalid(ErrStoreUnavailable))
	assert.False(t, IsInvalid(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrJobFailed))
	assert.True(t, IsFatal(WrapFatal(stderrors.New("boom"), "deletion", "run", "job")))
	assert.False(t, IsFatal(ErrOverloaded))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorInvalid, Classify(ErrCursorExpired))
	assert.Equal(t, ErrorFatal, Classify(ErrJobFailed))
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("mystery")))
}

func TestWrapFormat(t *testing.T) {
	base := stderrors.New("index missing")
	err := Wrap(base, "docstore", "ScalarSummaries", "search")
	require.Error(t, err)
	assert.Equal(t, "docstore.ScalarSummaries: search failed: index missing", err.Error())
	assert.True(t, stderrors.Is(err, base))

	assert.NoError(t, Wrap(nil, "a", "b", "c"))
	assert.NoError(t, WrapTransient(nil, "a", "b", "c"))
}

func TestClassifiedUnwrap(t *testing.T) {
	base := ErrStoreUnavailable
	err := WrapTransient(base, "docstore", "DistinctCounts", "count")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "docstore", ce.Component)
	assert.True(t, stderrors.Is(err, base))
}

func TestPartialAggregationFailure(t *testing.T) {
	sub := context.DeadlineExceeded
	err := &PartialAggregationFailure{Metric: "loss", Err: sub}

	assert.Contains(t, err.Error(), `"loss"`)
	assert.True(t, stderrors.Is(err, sub))

	var paf *PartialAggregationFailure
	wrapped := fmt.Errorf("aggregate: %w", err)
	require.True(t, stderrors.As(wrapped, &paf))
	assert.Equal(t, "loss", paf.Metric)
}
