// Package deletion implements the asynchronous bulk-deletion pipeline:
// persisted resumable jobs, a global per-second deletion rate budget, and
// a scheduler that removes event documents and the object store files they
// reference.
package deletion

import (
	"sync"
	"time"
)

// RateBudget is a windowed token budget shared by all deletion workers.
// Each wall-clock window grants perWindow tokens; Take never blocks and
// never overshoots, so the total granted per window is bounded even under
// concurrent callers. Workers that come up empty wait for the next window.
type RateBudget struct {
	mu          sync.Mutex
	perWindow   int64
	window      time.Duration
	remaining   int64
	windowStart time.Time

	nowFunc func() time.Time
}

// NewRateBudget creates a budget of perWindow tokens per window. A zero or
// negative window defaults to one second.
func NewRateBudget(perWindow int64, window time.Duration) *RateBudget {
	if window <= 0 {
		window = time.Second
	}
	return &RateBudget{
		perWindow: perWindow,
		window:    window,
		remaining: perWindow,
		nowFunc:   time.Now,
	}
}

func (b *RateBudget) resetLocked(now time.Time) {
	if b.windowStart.IsZero() {
		b.windowStart = now
		return
	}
	if now.Sub(b.windowStart) >= b.window {
		b.windowStart = now
		b.remaining = b.perWindow
	}
}

// Take grants up to n tokens from the current window and returns the
// granted amount, possibly zero. It never blocks.
func (b *RateBudget) Take(n int64) int64 {
	if n <= 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetLocked(b.nowFunc())
	granted := n
	if granted > b.remaining {
		granted = b.remaining
	}
	b.remaining -= granted
	return granted
}

// Return gives unused tokens back to the current window. Tokens granted in
// a previous window are silently dropped by the next reset.
func (b *RateBudget) Return(n int64) {
	if n <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.remaining += n
	if b.remaining > b.perWindow {
		b.remaining = b.perWindow
	}
}

// NextWindow reports how long until the current window resets. Callers
// that received a zero grant sleep this long before retrying.
func (b *RateBudget) NextWindow() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	if b.windowStart.IsZero() {
		return 0
	}
	left := b.window - now.Sub(b.windowStart)
	if left < 0 {
		return 0
	}
	return left
}

// Remaining reports the tokens left in the current window.
func (b *RateBudget) Remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetLocked(b.nowFunc())
	return b.remaining
}
