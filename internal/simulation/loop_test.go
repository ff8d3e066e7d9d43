package simulation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopRunsAtLeastTargetTicks(t *testing.T) {
	var ticks int32
	monitor := NewTickMonitor()
	loop := NewLoop(100, func(time.Duration) {
		atomic.AddInt32(&ticks, 1)
	}, WithMonitor(monitor))
	loop.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	loop.Stop()
	if atomic.LoadInt32(&ticks) == 0 {
		t.Fatalf("expected loop to tick at least once")
	}
	if monitor.Snapshot().Samples != int(atomic.LoadInt32(&ticks)) {
		t.Fatalf("monitor samples %d, ticks %d", monitor.Snapshot().Samples, ticks)
	}
}

func TestLoopStopsWithContext(t *testing.T) {
	loop := NewLoop(200, nil)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	cancel()
	loop.Stop()
	//1.- A second stop is a no-op.
	loop.Stop()
}

func TestLoopStepDuration(t *testing.T) {
	if step := NewLoop(120, nil).StepDuration(); step != time.Second/120 {
		t.Fatalf("unexpected step duration %v", step)
	}
	if step := NewLoop(0, nil).StepDuration(); step != time.Second/50 {
		t.Fatalf("default step = %v, want 20ms", step)
	}
}

func TestTickMonitorAggregates(t *testing.T) {
	monitor := NewTickMonitor()
	monitor.Observe(10*time.Millisecond, 20*time.Millisecond)
	monitor.Observe(30*time.Millisecond, 20*time.Millisecond)
	monitor.Skip(2)

	snapshot := monitor.Snapshot()
	if snapshot.Samples != 2 || snapshot.Average != 20*time.Millisecond || snapshot.Max != 30*time.Millisecond {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if snapshot.Last != 30*time.Millisecond || snapshot.Overruns != 1 || snapshot.Skipped != 2 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if snapshot.AverageFPS() != 50 || snapshot.Healthy() {
		t.Fatalf("fps %.1f healthy %v", snapshot.AverageFPS(), snapshot.Healthy())
	}

	monitor.Reset()
	if monitor.Snapshot() != (TickMetricsSnapshot{}) {
		t.Fatalf("expected empty snapshot after reset")
	}
	var nilMonitor *TickMonitor
	nilMonitor.Observe(time.Millisecond, 0)
	if nilMonitor.Snapshot().Samples != 0 {
		t.Fatalf("nil monitor should report nothing")
	}
}
