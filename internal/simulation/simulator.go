package simulation

import (
	"sort"
	"sync"
	"time"

	"poleposition/raceserver/internal/checkpoint"
	"poleposition/raceserver/internal/circuit"
	"poleposition/raceserver/internal/gameplay"
	"poleposition/raceserver/internal/logging"
	"poleposition/raceserver/internal/physics"
	"poleposition/raceserver/internal/state"
)

// Crossing is a kart entering a checkpoint trigger volume.
type Crossing struct {
	CarID      string
	Checkpoint int
}

// Recovery is a kart teleported back to its respawn pose.
type Recovery struct {
	CarID  string
	Reason physics.RecoveryReason
	Pose   physics.Pose
}

// StepReport collects what one simulator tick produced.
type StepReport struct {
	Crossings  []Crossing
	Recoveries []Recovery
}

type car struct {
	id      string
	name    string
	vehicle *physics.Vehicle
	inside  int
}

// Simulator steps every kart of the race on the server and publishes the
// result to the car store. Karts enter checkpoint volumes on the edge only:
// staying inside a volume reports it once.
type Simulator struct {
	mu      sync.Mutex
	circuit *circuit.Circuit
	tuning  gameplay.KartTuning
	store   *state.CarStore
	logger  *logging.Logger
	cars    map[string]*car
	frozen  bool
}

// NewSimulator prepares an empty, frozen simulator on circuit c.
func NewSimulator(c *circuit.Circuit, tuning gameplay.KartTuning, store *state.CarStore, logger *logging.Logger) *Simulator {
	if logger == nil {
		logger = logging.L()
	}
	if store == nil {
		store = state.NewCarStore()
	}
	return &Simulator{
		circuit: c,
		tuning:  tuning,
		store:   store,
		logger:  logger,
		cars:    make(map[string]*car),
		frozen:  true,
	}
}

// Store exposes the car store the simulator publishes to.
func (s *Simulator) Store() *state.CarStore { return s.store }

// AddCar spawns a kart at pose. Adding an existing ID only renames it.
func (s *Simulator) AddCar(id, name string, pose physics.Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cars[id]; ok {
		existing.name = name
		s.store.Update(id, func(c *state.CarState) { c.Name = name })
		return
	}
	body := physics.NewKinematicBody(s.tuning, pose, s.circuit.Surface)
	entry := &car{id: id, name: name, vehicle: physics.NewVehicle(body, s.tuning), inside: -1}
	s.cars[id] = entry
	s.publishLocked(entry)
}

// RemoveCar despawns the kart; it reports whether it existed.
func (s *Simulator) RemoveCar(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cars[id]; !ok {
		return false
	}
	delete(s.cars, id)
	s.store.Remove(id)
	return true
}

// Len is the number of karts on track.
func (s *Simulator) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cars)
}

// SetInput stores the controls applied from the next tick on.
func (s *Simulator) SetInput(id string, controls physics.Controls) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cars[id]
	if !ok {
		return false
	}
	entry.vehicle.SetInput(controls)
	return true
}

// SetFrozen holds every kart in place, used on the grid and after the finish.
func (s *Simulator) SetFrozen(frozen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = frozen
	if !frozen {
		return
	}
	for _, entry := range s.cars {
		entry.vehicle.SetInput(physics.Controls{})
		entry.vehicle.Body().SetVelocity(physics.Vec3{})
	}
}

// Frozen reports whether karts are held in place.
func (s *Simulator) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// Place teleports the kart to pose at rest and makes pose its respawn point.
// The volume it lands in is reported again on the next tick.
func (s *Simulator) Place(id string, pose physics.Pose) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cars[id]
	if !ok {
		return false
	}
	body := entry.vehicle.Body()
	body.Teleport(pose)
	body.SetVelocity(physics.Vec3{})
	entry.vehicle.SetRespawn(pose)
	entry.vehicle.ClearWrongWay()
	entry.vehicle.SetInput(physics.Controls{})
	entry.inside = -1
	s.publishLocked(entry)
	return true
}

// PlaceOnGrid puts the kart on starting slot i.
func (s *Simulator) PlaceOnGrid(id string, slot int) bool {
	return s.Place(id, s.circuit.StartingSlot(slot))
}

// Apply feeds a checkpoint transition back into the kart: forward progress
// moves the respawn point and clears wrong way, reversing starts the
// wrong-way timer.
func (s *Simulator) Apply(id string, t checkpoint.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cars[id]
	if !ok {
		return
	}
	switch {
	case t.Advanced:
		if cp, ok := s.circuit.Checkpoint(t.Checkpoint); ok {
			entry.vehicle.SetRespawn(cp.Pose())
		}
		entry.vehicle.ClearWrongWay()
	case t.WrongWay:
		entry.vehicle.MarkWrongWay()
	}
	s.store.Update(id, func(c *state.CarState) {
		c.Lap = t.Lap
		c.Checkpoint = t.Checkpoint
	})
}

// SetArcLength records the race progress shown with the kart.
func (s *Simulator) SetArcLength(id string, value float64) {
	s.store.Update(id, func(c *state.CarState) { c.ArcLength = value })
}

// Step advances every kart by dt in ID order.
func (s *Simulator) Step(dt time.Duration) StepReport {
	var report StepReport
	seconds := dt.Seconds()
	if seconds <= 0 {
		return report
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return report
	}
	ids := make([]string, 0, len(s.cars))
	for id := range s.cars {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		entry := s.cars[id]
		//1.- Integrate; the vehicle recovers itself before moving when due.
		result := entry.vehicle.Step(seconds)
		pose := entry.vehicle.Body().Pose()
		if result.Recovered {
			report.Recoveries = append(report.Recoveries, Recovery{CarID: id, Reason: result.Reason, Pose: pose})
			s.logger.Info("kart recovered",
				logging.String("car_id", id),
				logging.String("reason", string(result.Reason)),
			)
		}
		//2.- Report volume entries on the outside-to-inside edge only.
		if cp, ok := s.circuit.CheckpointAt(pose.Position); ok {
			if cp != entry.inside {
				report.Crossings = append(report.Crossings, Crossing{CarID: id, Checkpoint: cp})
			}
			entry.inside = cp
		} else {
			entry.inside = -1
		}
		s.publishLocked(entry)
	}
	return report
}

func (s *Simulator) publishLocked(entry *car) {
	body := entry.vehicle.Body()
	pose := body.Pose()
	update := func(c *state.CarState) {
		c.Name = entry.name
		c.Position = pose.Position
		c.Rotation = pose.Rotation
		c.Velocity = body.Velocity()
		c.Speed = entry.vehicle.Speed()
		c.Input = entry.vehicle.Input()
	}
	if !s.store.Update(entry.id, update) {
		fresh := state.CarState{ID: entry.id}
		update(&fresh)
		s.store.Upsert(fresh)
	}
}
