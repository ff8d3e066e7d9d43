// Package checkpoint tracks each kart's progress around the checkpoint ring
// and decides when a lap legally completes.
package checkpoint

import (
	"errors"
	"time"
)

// ErrInvalidRing is returned for rings too small to tell forward from backward.
var ErrInvalidRing = errors.New("checkpoint ring needs at least 3 checkpoints")

// Transition reports the effect of entering a checkpoint volume.
type Transition struct {
	Checkpoint   int
	Advanced     bool
	WrongWay     bool
	LapCompleted bool
	Finished     bool
	Lap          int
	Elapsed      time.Duration
}

// Tracker is the per-kart checkpoint state machine. It is owned by the race
// loop and not safe for concurrent use.
type Tracker struct {
	size    int
	maxLaps int

	checkpoint   int
	last         int
	canChangeLap bool
	lap          int
	stamps       []time.Duration
	finished     bool
	classified   bool
}

// NewTracker builds a tracker for a ring of size checkpoints finishing after maxLaps.
func NewTracker(size, maxLaps int) (*Tracker, error) {
	if size < 3 {
		return nil, ErrInvalidRing
	}
	if maxLaps < 1 {
		return nil, errors.New("max laps must be positive")
	}
	return &Tracker{size: size, maxLaps: maxLaps}, nil
}

// Reset zeroes the race state for a new start from the grid.
func (t *Tracker) Reset() {
	t.checkpoint = 0
	t.last = 0
	t.canChangeLap = false
	t.lap = 0
	t.stamps = nil
	t.finished = false
}

// SetMaxLaps changes the finishing lap, used when a classification lap
// hands over to the race proper.
func (t *Tracker) SetMaxLaps(laps int) {
	if laps > 0 {
		t.maxLaps = laps
	}
}

// Enter applies a trigger entry for checkpoint id at the given race time.
func (t *Tracker) Enter(id int, elapsed time.Duration) Transition {
	result := Transition{Checkpoint: t.checkpoint, Lap: t.lap, Elapsed: elapsed}
	if t.finished || id < 0 || id >= t.size {
		return result
	}
	next := (t.checkpoint + 1) % t.size
	prev := (t.checkpoint - 1 + t.size) % t.size

	switch id {
	case next:
		//1.- Forward progress moves the safe respawn point.
		t.checkpoint = next
		t.last = next
		result.Advanced = true
		if next == 1 {
			t.canChangeLap = true
		}
		//2.- Closing the ring with the gate open completes a lap exactly once.
		if next == 0 && t.canChangeLap {
			t.canChangeLap = false
			t.lap++
			t.stamps = append(t.stamps, elapsed)
			result.LapCompleted = true
			if t.lap >= t.maxLaps {
				t.finished = true
				result.Finished = true
			}
		}
	case prev:
		//3.- Reversing flags wrong way; checkpoint 1 never regresses to 0.
		result.WrongWay = true
		if t.checkpoint != 1 {
			t.checkpoint = prev
		}
	}
	result.Checkpoint = t.checkpoint
	result.Lap = t.lap
	return result
}

// Checkpoint is the current ring index.
func (t *Tracker) Checkpoint() int { return t.checkpoint }

// LastCheckpoint is the furthest checkpoint reached going forward.
func (t *Tracker) LastCheckpoint() int { return t.last }

// CanChangeLap reports whether the lap gate is open.
func (t *Tracker) CanChangeLap() bool { return t.canChangeLap }

// Lap is the number of completed laps.
func (t *Tracker) Lap() int { return t.lap }

// MaxLaps is the finishing lap.
func (t *Tracker) MaxLaps() int { return t.maxLaps }

// Finished reports whether the kart has completed the final lap.
func (t *Tracker) Finished() bool { return t.finished }

// Classified reports whether the kart has a grid position for the race proper.
func (t *Tracker) Classified() bool { return t.classified }

// SetClassified marks the kart as classified.
func (t *Tracker) SetClassified(v bool) { t.classified = v }

// LapStamps returns the race time at which each lap completed.
func (t *Tracker) LapStamps() []time.Duration {
	return append([]time.Duration(nil), t.stamps...)
}

// Splits returns the duration of each completed lap.
func (t *Tracker) Splits() []time.Duration {
	splits := make([]time.Duration, len(t.stamps))
	var previous time.Duration
	for i, stamp := range t.stamps {
		splits[i] = stamp - previous
		previous = stamp
	}
	return splits
}

// BestLap returns the shortest flying lap. The opening lap includes the
// standing start and only counts when it is the sole completed lap.
func (t *Tracker) BestLap() (time.Duration, bool) {
	splits := t.Splits()
	switch len(splits) {
	case 0:
		return 0, false
	case 1:
		return splits[0], true
	}
	best := splits[1]
	for _, split := range splits[2:] {
		if split < best {
			best = split
		}
	}
	return best, true
}

// Total is the race time of the last completed lap when finished.
func (t *Tracker) Total() (time.Duration, bool) {
	if !t.finished || len(t.stamps) == 0 {
		return 0, false
	}
	return t.stamps[len(t.stamps)-1], true
}
