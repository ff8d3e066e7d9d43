package state

// TickDiff collates the state deltas emitted for a simulation tick.
type TickDiff[E any] struct {
	Tick   uint64
	Cars   CarDiff
	Events []E
}

// HasChanges reports whether the diff contains anything worth broadcasting.
func (d TickDiff[E]) HasChanges() bool {
	return len(d.Cars.Updated) > 0 || len(d.Cars.Removed) > 0 || len(d.Events) > 0
}

// WorldState holds the authoritative state containers for the race loop.
type WorldState[E any] struct {
	Cars   *CarStore
	Events *EventStore[E]

	tick uint64
}

// NewWorldState constructs the world containers.
func NewWorldState[E any]() *WorldState[E] {
	return &WorldState[E]{
		Cars:   NewCarStore(),
		Events: NewEventStore[E](),
	}
}

// AdvanceTick bumps the tick counter and collects the diff.
func (w *WorldState[E]) AdvanceTick() TickDiff[E] {
	if w == nil {
		return TickDiff[E]{}
	}
	w.tick++
	return TickDiff[E]{
		Tick:   w.tick,
		Cars:   w.Cars.ConsumeDiff(),
		Events: w.Events.ConsumeDiff(),
	}
}

// Tick is the number of ticks advanced so far.
func (w *WorldState[E]) Tick() uint64 {
	if w == nil {
		return 0
	}
	return w.tick
}

// Snapshot captures every car for a late joiner without consuming the diff.
func (w *WorldState[E]) Snapshot() TickDiff[E] {
	if w == nil {
		return TickDiff[E]{}
	}
	return TickDiff[E]{Tick: w.tick, Cars: CarDiff{Updated: w.Cars.Snapshot()}}
}
