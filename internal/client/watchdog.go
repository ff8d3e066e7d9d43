package client

import (
	"sync"
	"sync/atomic"
	"time"
)

// Watchdog flips a lost flag when no data has arrived for the timeout. It
// never touches race state; the render loop polls Lost.
type Watchdog struct {
	timeout time.Duration
	lost    atomic.Bool

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewWatchdog builds an unarmed watchdog.
func NewWatchdog(timeout time.Duration) *Watchdog {
	return &Watchdog{timeout: timeout}
}

// Start arms the timer. It is a no-op once stopped or without a timeout.
func (w *Watchdog) Start() {
	w.Feed()
}

// Feed records that data arrived: it clears the lost flag and re-arms the timer.
func (w *Watchdog) Feed() {
	if w == nil || w.timeout <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.lost.Store(false)
	if w.timer == nil {
		w.timer = time.AfterFunc(w.timeout, func() { w.lost.Store(true) })
		return
	}
	w.timer.Reset(w.timeout)
}

// Lost reports whether the timeout elapsed since the last Feed.
func (w *Watchdog) Lost() bool {
	if w == nil {
		return false
	}
	return w.lost.Load()
}

// Stop cancels the timer for good.
func (w *Watchdog) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}
