// Package simulation runs the authoritative race world at a fixed rate: the
// tick loop, its timing monitor, and the simulator stepping every kart.
package simulation

import (
	"context"
	"time"
)

// maxCatchUpSteps bounds how many fixed steps one wake-up may run after a stall.
const maxCatchUpSteps = 5

// StepFunc advances the simulation by one fixed timestep.
type StepFunc func(step time.Duration)

// LoopOption customises loop construction.
type LoopOption func(*Loop)

// WithMonitor records the wall time spent in every step.
func WithMonitor(monitor *TickMonitor) LoopOption {
	return func(l *Loop) {
		l.monitor = monitor
	}
}

// Loop drives a fixed timestep simulation at the configured target frequency.
type Loop struct {
	step     time.Duration
	stepFunc StepFunc
	monitor  *TickMonitor
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewLoop configures a loop that targets the provided ticks per second.
func NewLoop(targetHz float64, step StepFunc, opts ...LoopOption) *Loop {
	if targetHz <= 0 {
		targetHz = 50
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 50
	}
	loop := &Loop{step: interval, stepFunc: step}
	for _, opt := range opts {
		if opt != nil {
			opt(loop)
		}
	}
	return loop
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.done != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.step)
	defer ticker.Stop()
	last := time.Now()
	accumulator := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			//1.- Accumulate elapsed time and run fixed steps while catching up.
			accumulator += now.Sub(last)
			last = now
			steps := 0
			for accumulator >= l.step && steps < maxCatchUpSteps {
				began := time.Now()
				l.stepFunc(l.step)
				l.monitor.Observe(time.Since(began), l.step)
				accumulator -= l.step
				steps++
			}
			//2.- After a long stall drop the backlog instead of fast-forwarding the race.
			if accumulator >= l.step {
				l.monitor.Skip(int(accumulator / l.step))
				accumulator %= l.step
			}
		}
	}
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil || l.done == nil {
		return
	}
	l.cancel()
	<-l.done
	l.done = nil
}

// StepDuration exposes the configured timestep.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
