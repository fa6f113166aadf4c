// Package limiter bounds the number of aggregation queries concurrently
// in flight against the document store. Admission is first-come-first-served;
// the ceiling is fixed at startup and is the only shared mutable resource on
// the read path.
package limiter

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/c360/eventstore/errors"
)

// Limiter gates store sub-queries behind a weighted semaphore of size N.
type Limiter struct {
	sem *semaphore.Weighted
	n   int64
}

// New creates a limiter admitting at most n concurrent holders. n must be
// positive and must not exceed the store driver's connection ceiling;
// config validation enforces the latter before this is called.
func New(n int) (*Limiter, error) {
	if n <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("concurrency ceiling must be positive, got %d", n),
			"limiter", "New", "validate")
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n)), n: int64(n)}, nil
}

// Acquire blocks until a slot is free or the context ends. A context
// deadline or cancellation surfaces as ErrOverloaded so callers can map it
// to a throttling response and retry with backoff.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrOverloaded, err)
	}
	return nil
}

// TryAcquire takes a slot without blocking.
func (l *Limiter) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

// Release returns a slot. Must pair with a successful Acquire/TryAcquire.
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// Capacity returns the configured ceiling.
func (l *Limiter) Capacity() int {
	return int(l.n)
}
