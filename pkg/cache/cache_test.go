package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	c := New[string](Config{Enabled: true, MaxSize: 10, TTL: 60})
	c.Set("a", "1")

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", got)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestDisabledCacheStoresNothing(t *testing.T) {
	c := New[string](Config{Enabled: false, MaxSize: 10})
	c.Set("a", "1")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUEviction(t *testing.T) {
	c := New[int](Config{Enabled: true, MaxSize: 2})
	c.Set("a", 1)
	c.Set("b", 2)

	// Touch "a" so "b" becomes the eviction candidate
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestTTLExpiry(t *testing.T) {
	c := New[int](Config{Enabled: true, MaxSize: 10, TTL: 300})

	now := time.Now()
	c.nowFunc = func() time.Time { return now }
	c.Set("a", 1)

	_, ok := c.Get("a")
	require.True(t, ok)

	c.nowFunc = func() time.Time { return now.Add(301 * time.Second) }
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestDelete(t *testing.T) {
	c := New[int](Config{Enabled: true, MaxSize: 10})
	c.Set("a", 1)
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
}
