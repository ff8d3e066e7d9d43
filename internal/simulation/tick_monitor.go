package simulation

import (
	"sync"
	"time"
)

// TickMetricsSnapshot summarises observed server tick durations.
type TickMetricsSnapshot struct {
	Samples  int           `json:"samples"`
	Average  time.Duration `json:"average"`
	Max      time.Duration `json:"max"`
	Last     time.Duration `json:"last"`
	Overruns int           `json:"overruns"`
	Skipped  int           `json:"skipped"`
}

// AverageFPS derives the ticks-per-second the sampled step cost would allow.
func (s TickMetricsSnapshot) AverageFPS() float64 {
	if s.Average <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Average)
}

// Healthy reports whether no step has yet exceeded its budget.
func (s TickMetricsSnapshot) Healthy() bool { return s.Overruns == 0 && s.Skipped == 0 }

// TickMonitor accumulates timing statistics for the race loop. A nil monitor
// ignores every call.
type TickMonitor struct {
	mu       sync.Mutex
	samples  int
	total    time.Duration
	max      time.Duration
	last     time.Duration
	overruns int
	skipped  int
}

// NewTickMonitor constructs an empty monitor.
func NewTickMonitor() *TickMonitor {
	return &TickMonitor{}
}

// Observe records the cost of one step against its budget.
func (m *TickMonitor) Observe(duration, budget time.Duration) {
	if m == nil || duration < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples++
	m.total += duration
	if duration > m.max {
		m.max = duration
	}
	m.last = duration
	if budget > 0 && duration > budget {
		m.overruns++
	}
}

// Skip records steps dropped after a stall.
func (m *TickMonitor) Skip(steps int) {
	if m == nil || steps <= 0 {
		return
	}
	m.mu.Lock()
	m.skipped += steps
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregated tick statistics.
func (m *TickMonitor) Snapshot() TickMetricsSnapshot {
	if m == nil {
		return TickMetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := TickMetricsSnapshot{
		Samples:  m.samples,
		Max:      m.max,
		Last:     m.last,
		Overruns: m.overruns,
		Skipped:  m.skipped,
	}
	if m.samples > 0 {
		snapshot.Average = m.total / time.Duration(m.samples)
	}
	return snapshot
}

// Reset clears the accumulated statistics for a new race.
func (m *TickMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.samples, m.total, m.max, m.last = 0, 0, 0, 0
	m.overruns, m.skipped = 0, 0
	m.mu.Unlock()
}
