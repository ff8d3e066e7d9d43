package match

import (
	"sort"
	"time"
)

// GridSlot pairs a racer with a numbered starting slot.
type GridSlot struct {
	RacerID string `json:"racerId" msgpack:"racer_id"`
	Slot    int    `json:"slot" msgpack:"slot"`
}

// stopwatch is the single race clock; lap stamps are deltas against it.
type stopwatch struct {
	started time.Time
	running bool
	elapsed time.Duration
}

func (s *stopwatch) start(now time.Time) {
	s.started = now
	s.running = true
	s.elapsed = 0
}

func (s *stopwatch) stop(now time.Time) {
	if !s.running {
		return
	}
	s.elapsed += now.Sub(s.started)
	s.running = false
}

func (s *stopwatch) read(now time.Time) time.Duration {
	if s.running {
		return s.elapsed + now.Sub(s.started)
	}
	return s.elapsed
}

func (s *stopwatch) reset() { *s = stopwatch{} }

// currentGrid lists every racer at its assigned slot, front row first.
func currentGrid(racers []*Racer) []GridSlot {
	grid := make([]GridSlot, 0, len(racers))
	for _, racer := range racers {
		grid = append(grid, GridSlot{RacerID: racer.ID, Slot: racer.Slot})
	}
	sort.SliceStable(grid, func(i, j int) bool { return grid[i].Slot < grid[j].Slot })
	return grid
}

// soloGrid sends every racer to the pole slot for an unobstructed timed lap.
func soloGrid(racers []*Racer) []GridSlot {
	grid := make([]GridSlot, 0, len(racers))
	for _, racer := range racers {
		grid = append(grid, GridSlot{RacerID: racer.ID, Slot: 0})
	}
	return grid
}

// regrid orders racers by classification time and renumbers their slots.
// Racers without a time start behind the classified ones in roster order.
func regrid(racers []*Racer) []GridSlot {
	ordered := append([]*Racer(nil), racers...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		ac, bc := a.Tracker.Classified(), b.Tracker.Classified()
		if ac != bc {
			return ac
		}
		if ac && a.ClassificationTime != b.ClassificationTime {
			return a.ClassificationTime < b.ClassificationTime
		}
		return a.ArrayPosition < b.ArrayPosition
	})
	for i, racer := range ordered {
		racer.Slot = i
	}
	return currentGrid(ordered)
}
