package httpapi

import (
	"sync"
	"time"
)

// WindowLimiter admits at most limit calls in any trailing window. A zero
// limit or window admits everything.
type WindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu    sync.Mutex
	calls []time.Time
}

// NewWindowLimiter constructs a limiter; a nil clock uses time.Now.
func NewWindowLimiter(window time.Duration, limit int, clock func() time.Time) *WindowLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &WindowLimiter{window: window, limit: limit, now: clock}
}

// Allow records the call and reports whether it fits in the window.
func (l *WindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	//1.- Calls are appended in time order, so expired ones form a prefix.
	expired := 0
	for expired < len(l.calls) && !l.calls[expired].After(cutoff) {
		expired++
	}
	l.calls = l.calls[expired:]
	if len(l.calls) >= l.limit {
		return false
	}
	l.calls = append(l.calls, now)
	return true
}
