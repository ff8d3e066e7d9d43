package state

import (
	"sort"
	"sync"

	"poleposition/raceserver/internal/physics"
)

// CarState is the replicated view of one kart broadcast every physics tick.
type CarState struct {
	ID         string           `json:"id" msgpack:"id"`
	Name       string           `json:"name" msgpack:"name"`
	Position   physics.Vec3     `json:"position" msgpack:"position"`
	Velocity   physics.Vec3     `json:"velocity" msgpack:"velocity"`
	Rotation   physics.Quat     `json:"rotation" msgpack:"rotation"`
	Speed      float64          `json:"speed" msgpack:"speed"`
	Input      physics.Controls `json:"input" msgpack:"input"`
	Lap        int              `json:"lap" msgpack:"lap"`
	Checkpoint int              `json:"checkpoint" msgpack:"checkpoint"`
	ArcLength  float64          `json:"arcLength" msgpack:"arc_length"`
}

// CarDiff groups updated and removed cars for a tick.
type CarDiff struct {
	Updated []CarState
	Removed []string
}

// CarStore holds the authoritative car states with dirty tracking.
type CarStore struct {
	mu      sync.RWMutex
	cars    map[string]CarState
	dirty   map[string]struct{}
	removed map[string]struct{}
}

// NewCarStore constructs a thread-safe car state container.
func NewCarStore() *CarStore {
	return &CarStore{
		cars:    make(map[string]CarState),
		dirty:   make(map[string]struct{}),
		removed: make(map[string]struct{}),
	}
}

// Upsert records the car state and flags it for the next diff.
func (s *CarStore) Upsert(car CarState) {
	if s == nil || car.ID == "" {
		return
	}
	s.mu.Lock()
	//1.- A re-added car cancels its pending removal.
	s.cars[car.ID] = car
	delete(s.removed, car.ID)
	s.dirty[car.ID] = struct{}{}
	s.mu.Unlock()
}

// Update applies fn to a stored car and marks it dirty. It reports whether the car exists.
func (s *CarStore) Update(id string, fn func(*CarState)) bool {
	if s == nil || fn == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	car, ok := s.cars[id]
	if !ok {
		return false
	}
	fn(&car)
	car.ID = id
	s.cars[id] = car
	s.dirty[id] = struct{}{}
	return true
}

// Remove deletes the car and reports its id in the next diff.
func (s *CarStore) Remove(id string) {
	if s == nil || id == "" {
		return
	}
	s.mu.Lock()
	delete(s.cars, id)
	delete(s.dirty, id)
	s.removed[id] = struct{}{}
	s.mu.Unlock()
}

// Get returns the stored car.
func (s *CarStore) Get(id string) (CarState, bool) {
	if s == nil {
		return CarState{}, false
	}
	s.mu.RLock()
	car, ok := s.cars[id]
	s.mu.RUnlock()
	return car, ok
}

// Len is the number of stored cars.
func (s *CarStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cars)
}

// ConsumeDiff collects and clears the pending updates and removals, ordered by id.
func (s *CarStore) ConsumeDiff() CarDiff {
	if s == nil {
		return CarDiff{}
	}
	s.mu.Lock()
	//1.- Swap the trackers under lock so the next tick starts clean.
	dirty, removed := s.dirty, s.removed
	s.dirty = make(map[string]struct{})
	s.removed = make(map[string]struct{})

	var diff CarDiff
	for id := range dirty {
		if car, ok := s.cars[id]; ok {
			diff.Updated = append(diff.Updated, car)
		}
	}
	s.mu.Unlock()
	for id := range removed {
		diff.Removed = append(diff.Removed, id)
	}

	//2.- Order by id so broadcasts and replays are deterministic.
	sort.Slice(diff.Updated, func(i, j int) bool { return diff.Updated[i].ID < diff.Updated[j].ID })
	sort.Strings(diff.Removed)
	return diff
}

// Snapshot returns every stored car ordered by id.
func (s *CarStore) Snapshot() []CarState {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	snapshot := make([]CarState, 0, len(s.cars))
	for _, car := range s.cars {
		snapshot = append(snapshot, car)
	}
	s.mu.RUnlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return snapshot
}
