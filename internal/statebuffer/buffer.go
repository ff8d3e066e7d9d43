// Package statebuffer smooths remote kart motion on clients. Each remote kart
// owns a Buffer fed with receiver-timestamped snapshots; the renderer samples
// it slightly in the past so it can interpolate between two known states, and
// falls back to bounded extrapolation when snapshots stop arriving.
package statebuffer

import (
	"time"

	"poleposition/raceserver/internal/logging"
	"poleposition/raceserver/internal/physics"
)

const (
	// Capacity is the number of snapshots retained per remote kart.
	Capacity = 20
	// DefaultInterpolationDelay is how far behind real time playback runs.
	DefaultInterpolationDelay = 10 * time.Millisecond
	// DefaultExtrapolationLimit caps forward projection of a stale snapshot.
	DefaultExtrapolationLimit = 500 * time.Millisecond

	// blendEpsilon is the smallest sample spacing, in seconds, that is blended.
	blendEpsilon = 0.0001
)

// Sample is one kinematic snapshot. Timestamp is in seconds on the receiver's clock.
type Sample struct {
	Timestamp float64
	Position  physics.Vec3
	Velocity  physics.Vec3
	Rotation  physics.Quat
}

// Mode describes how a pose was produced.
type Mode int

const (
	ModeInterpolated Mode = iota
	ModeExtrapolated
	ModeFrozen
)

func (m Mode) String() string {
	switch m {
	case ModeInterpolated:
		return "interpolated"
	case ModeExtrapolated:
		return "extrapolated"
	case ModeFrozen:
		return "frozen"
	}
	return "unknown"
}

// Result is the pose to render at a given time.
type Result struct {
	Pose physics.Pose
	Mode Mode
}

// Buffer is a fixed ring of snapshots, newest at index 0. It is not safe for
// concurrent use; the owning client session serialises access.
type Buffer struct {
	slots      [Capacity]Sample
	count      int
	delay      float64
	limit      float64
	outOfOrder int
	logger     *logging.Logger
}

// Option customises a Buffer.
type Option func(*Buffer)

// WithInterpolationDelay overrides the playback delay.
func WithInterpolationDelay(d time.Duration) Option {
	return func(b *Buffer) {
		if d >= 0 {
			b.delay = d.Seconds()
		}
	}
}

// WithExtrapolationLimit overrides the extrapolation horizon.
func WithExtrapolationLimit(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.limit = d.Seconds()
		}
	}
}

// WithLogger routes ordering warnings to logger.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Buffer) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New constructs an empty buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		delay:  DefaultInterpolationDelay.Seconds(),
		limit:  DefaultExtrapolationLimit.Seconds(),
		logger: logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Push inserts s at the front, shifting older samples toward the tail and
// dropping the oldest when full. It reports false when s is older than the
// previous newest sample; the sample is kept and the violation logged.
func (b *Buffer) Push(s Sample) bool {
	//1.- Shift every slot one toward the tail, overwriting the oldest.
	copy(b.slots[1:], b.slots[:Capacity-1])
	b.slots[0] = s
	if b.count < Capacity {
		b.count++
	}
	//2.- Detect reordering against the sample that was newest before this push.
	if b.count > 1 && b.slots[0].Timestamp < b.slots[1].Timestamp {
		b.outOfOrder++
		b.logger.Warn("snapshot timestamps out of order",
			logging.Float64("newest", b.slots[0].Timestamp),
			logging.Float64("previous", b.slots[1].Timestamp),
			logging.Int("violations", b.outOfOrder),
		)
		return false
	}
	return true
}

// Len is the number of valid samples.
func (b *Buffer) Len() int { return b.count }

// OutOfOrder counts pushes that arrived older than the newest sample.
func (b *Buffer) OutOfOrder() int { return b.outOfOrder }

// Samples returns a copy of the valid samples, newest first.
func (b *Buffer) Samples() []Sample {
	out := make([]Sample, b.count)
	copy(out, b.slots[:b.count])
	return out
}

// Latest returns the newest sample.
func (b *Buffer) Latest() (Sample, bool) {
	if b.count == 0 {
		return Sample{}, false
	}
	return b.slots[0], true
}

// SampleAt returns the pose to display at now, in seconds on the receiver
// clock. Playback runs at now minus the interpolation delay. It reports false
// when no snapshot has been received.
func (b *Buffer) SampleAt(now float64) (Result, bool) {
	if b.count == 0 {
		return Result{}, false
	}
	renderTime := now - b.delay
	if b.slots[0].Timestamp > renderTime {
		return b.interpolate(renderTime), true
	}
	return b.extrapolate(renderTime), true
}

func (b *Buffer) interpolate(renderTime float64) Result {
	//1.- Walk newest to oldest for the first sample at or before renderTime,
	// settling on the oldest when playback is older than the whole buffer.
	i := 0
	for ; i < b.count-1; i++ {
		if b.slots[i].Timestamp <= renderTime {
			break
		}
	}
	lhs := b.slots[i]
	rhs := b.slots[max(i-1, 0)]
	//2.- Near-identical timestamps use the older sample directly.
	t := 0.0
	if length := rhs.Timestamp - lhs.Timestamp; length > blendEpsilon {
		t = clamp01((renderTime - lhs.Timestamp) / length)
	}
	return Result{
		Pose: physics.Pose{
			Position: physics.Lerp(lhs.Position, rhs.Position, t),
			Rotation: physics.Slerp(lhs.Rotation, rhs.Rotation, t),
		},
		Mode: ModeInterpolated,
	}
}

func (b *Buffer) extrapolate(renderTime float64) Result {
	latest := b.slots[0]
	horizon := renderTime - latest.Timestamp
	mode := ModeExtrapolated
	//1.- Past the horizon the pose freezes where the horizon ends.
	if horizon >= b.limit {
		horizon = b.limit
		mode = ModeFrozen
	}
	return Result{
		Pose: physics.Pose{
			Position: latest.Position.Add(latest.Velocity.Scale(horizon)),
			Rotation: latest.Rotation,
		},
		Mode: mode,
	}
}

func clamp01(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}
