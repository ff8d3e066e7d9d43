package networking

import (
	"math"
	"testing"
	"time"
)

func TestRegulatorEnforcesRate(t *testing.T) {
	current := time.Unix(0, 0)
	regulator := NewRegulator(100, func() time.Time { return current })

	if !regulator.Allow("client-1", 60, false) {
		t.Fatalf("expected initial burst to be allowed")
	}
	if regulator.Allow("client-1", 50, false) {
		t.Fatalf("expected delta to be throttled while tokens are depleted")
	}

	current = current.Add(500 * time.Millisecond)
	if !regulator.Allow("client-1", 50, false) {
		t.Fatalf("expected delta to pass after partial refill")
	}

	current = current.Add(time.Second)
	usage, ok := regulator.Usage()["client-1"]
	if !ok {
		t.Fatalf("missing usage sample for client")
	}
	if usage.Denied != 1 || usage.Sent != 110 {
		t.Fatalf("unexpected counters: %+v", usage)
	}
	if math.Abs(usage.BytesPerSecond-110/1.5) > 1e-9 {
		t.Fatalf("unexpected throughput %.6f", usage.BytesPerSecond)
	}
	if usage.AvailableBytes != 100 {
		t.Fatalf("expected bucket refilled to capacity, got %f", usage.AvailableBytes)
	}

	regulator.Forget("client-1")
	if len(regulator.Usage()) != 0 {
		t.Fatalf("expected usage cleared after forget")
	}
}

func TestRegulatorMarksStaleUntilFullSnapshot(t *testing.T) {
	current := time.Unix(0, 0)
	regulator := NewRegulator(100, func() time.Time { return current })

	if regulator.NeedsFull("client-1") {
		t.Fatalf("unknown clients are never stale")
	}
	regulator.Allow("client-1", 90, false)
	if regulator.Allow("client-1", 20, false) {
		t.Fatalf("expected refusal")
	}
	if !regulator.NeedsFull("client-1") {
		t.Fatalf("refused delta must mark the client stale")
	}

	current = current.Add(time.Second)
	//1.- A delta that fits does not clear the flag; only a full snapshot does.
	regulator.Allow("client-1", 10, false)
	if !regulator.NeedsFull("client-1") {
		t.Fatalf("delta must not clear the stale flag")
	}
	regulator.Allow("client-1", 40, true)
	if regulator.NeedsFull("client-1") {
		t.Fatalf("full snapshot must clear the stale flag")
	}
	if usage := regulator.Usage()["client-1"]; usage.Resyncs != 1 {
		t.Fatalf("expected one resync, got %d", usage.Resyncs)
	}
}

func TestNilRegulatorAllowsEverything(t *testing.T) {
	var regulator *Regulator
	if !regulator.Allow("x", 1<<20, false) || regulator.NeedsFull("x") || regulator.Usage() != nil {
		t.Fatalf("nil regulator must be inert")
	}
}
