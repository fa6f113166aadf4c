// Package cache provides a small, thread-safe TTL cache with size-bounded
// eviction. The events engine uses it to keep recently decompressed plot
// payloads off the hot decompression path.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Config configures a cache instance.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	MaxSize int  `json:"max_size" yaml:"max_size"` // Maximum number of entries (LRU eviction)
	TTL     int  `json:"ttl" yaml:"ttl"`           // Entry time-to-live in seconds (0 = no expiry)
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{Enabled: true, MaxSize: 1000, TTL: 300}
}

// Stats reports cumulative cache effectiveness counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Cache is a TTL+LRU cache parameterized by value type V.
// A disabled cache is valid and never stores anything.
type Cache[V any] struct {
	mu      sync.Mutex
	cfg     Config
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	stats   Stats
	nowFunc func() time.Time
}

// New creates a cache from the given configuration.
func New[V any](cfg Config) *Cache[V] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	return &Cache[V]{
		cfg:     cfg,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		nowFunc: time.Now,
	}
}

// Get retrieves a value by key. Expired entries are removed on access.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if !c.cfg.Enabled {
		return zero, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}

	ent := el.Value.(*entry[V])
	if c.cfg.TTL > 0 && c.nowFunc().After(ent.expiresAt) {
		c.removeLocked(el)
		c.stats.Misses++
		return zero, false
	}

	c.order.MoveToFront(el)
	c.stats.Hits++
	return ent.value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (c *Cache[V]) Set(key string, value V) {
	if !c.cfg.Enabled || key == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ent := &entry[V]{key: key, value: value}
	if c.cfg.TTL > 0 {
		ent.expiresAt = c.nowFunc().Add(time.Duration(c.cfg.TTL) * time.Second)
	}

	if el, ok := c.items[key]; ok {
		el.Value = ent
		c.order.MoveToFront(el)
		return
	}

	c.items[key] = c.order.PushFront(ent)
	for len(c.items) > c.cfg.MaxSize {
		c.removeLocked(c.order.Back())
		c.stats.Evictions++
	}
}

// Delete removes an entry by key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the current number of entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache[V]) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	ent := el.Value.(*entry[V])
	delete(c.items, ent.key)
	c.order.Remove(el)
}
