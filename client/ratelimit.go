package client

import (
	"sync"
	"time"
)

// RateLimitWindow is the process-wide fixed window gating non-priority,
// non-forced cache fetches. All cache consumers in the process share one
// window; per-instance isolation is deliberately not provided.
type RateLimitWindow struct {
	mu          *sync.Mutex
	windowSize  time.Duration
	maxCalls    int
	windowStart time.Time
	count       int
}

func NewRateLimitWindow(maxCalls int, windowSize time.Duration) *RateLimitWindow {
	return &RateLimitWindow{
		mu:         &sync.Mutex{},
		windowSize: windowSize,
		maxCalls:   maxCalls,
	}
}

// Allow records a call and reports whether it fits in the current window.
// The window resets once it elapses.
func (w *RateLimitWindow) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Sub(w.windowStart) >= w.windowSize {
		w.windowStart = now
		w.count = 0
	}
	if w.count >= w.maxCalls {
		return false
	}
	w.count++
	return true
}
