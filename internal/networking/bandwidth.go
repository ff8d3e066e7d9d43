// Package networking budgets the snapshot stream sent to each websocket
// client.
package networking

import (
	"math"
	"sync"
	"time"
)

// DefaultBytesPerSecond is the per-client snapshot budget.
const DefaultBytesPerSecond = 256 * 1024

// Usage is the throttling state of one client.
type Usage struct {
	AvailableBytes float64   `json:"available_bytes"`
	BytesPerSecond float64   `json:"bytes_per_second"`
	Sent           int64     `json:"sent"`
	Denied         int64     `json:"denied"`
	Resyncs        int64     `json:"resyncs"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type bucket struct {
	tokens  float64
	last    time.Time
	started time.Time
	sent    int64
	denied  int64
	resyncs int64
	stale   bool
}

// Regulator is a per-client token bucket for snapshot deltas. A client that
// had a delta refused is marked stale: deltas only carry changed cars, so the
// next delivery to it must be a full snapshot.
type Regulator struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity float64
	now      func() time.Time
}

// NewRegulator enforces bytesPerSecond per client; a non-positive rate uses
// DefaultBytesPerSecond.
func NewRegulator(bytesPerSecond float64, clock func() time.Time) *Regulator {
	if bytesPerSecond <= 0 {
		bytesPerSecond = DefaultBytesPerSecond
	}
	if clock == nil {
		clock = time.Now
	}
	return &Regulator{buckets: make(map[string]*bucket), capacity: bytesPerSecond, now: clock}
}

func (r *Regulator) refill(b *bucket, now time.Time) {
	if !now.After(b.last) {
		return
	}
	b.tokens = math.Min(r.capacity, b.tokens+now.Sub(b.last).Seconds()*r.capacity)
	b.last = now
}

func (r *Regulator) bucketLocked(clientID string, now time.Time) *bucket {
	b := r.buckets[clientID]
	if b == nil {
		//1.- New clients start with a full bucket.
		b = &bucket{tokens: r.capacity, last: now, started: now}
		r.buckets[clientID] = b
	}
	r.refill(b, now)
	return b
}

// NeedsFull reports whether the client missed a delta and must be resynced.
func (r *Regulator) NeedsFull(clientID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buckets[clientID]
	return b != nil && b.stale
}

// Allow charges size bytes to the client. A refusal marks the client stale;
// an accepted full snapshot clears it.
func (r *Regulator) Allow(clientID string, size int, full bool) bool {
	if r == nil || clientID == "" || size <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bucketLocked(clientID, r.now())

	if float64(size) > b.tokens {
		b.denied++
		b.stale = true
		return false
	}
	b.tokens -= float64(size)
	b.sent += int64(size)
	if full && b.stale {
		b.stale = false
		b.resyncs++
	}
	return true
}

// Forget removes the bucket of a disconnected client.
func (r *Regulator) Forget(clientID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.buckets, clientID)
	r.mu.Unlock()
}

// Usage reports per-client throttling statistics.
func (r *Regulator) Usage() map[string]Usage {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make(map[string]Usage, len(r.buckets))
	for id, b := range r.buckets {
		r.refill(b, now)
		usage := Usage{
			AvailableBytes: math.Max(b.tokens, 0),
			Sent:           b.sent,
			Denied:         b.denied,
			Resyncs:        b.resyncs,
			UpdatedAt:      b.last,
		}
		if observed := now.Sub(b.started).Seconds(); observed > 0 {
			usage.BytesPerSecond = float64(b.sent) / observed
		}
		out[id] = usage
	}
	return out
}
