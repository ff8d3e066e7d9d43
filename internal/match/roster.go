package match

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"poleposition/raceserver/internal/checkpoint"
)

var (
	// ErrInvalidPlayerID is returned when a join request omits the participant identifier.
	ErrInvalidPlayerID = errors.New("player id must not be empty")
	// ErrRaceFull indicates that the lobby already holds the configured player count.
	ErrRaceFull = errors.New("race is full")
	// ErrUnknownRacer is returned for operations on a player that is not on the roster.
	ErrUnknownRacer = errors.New("unknown racer")
)

// Racer is one kart on the active roster together with its race state.
type Racer struct {
	ID            string
	Name          string
	Ready         bool
	ArrayPosition int
	Slot          int
	JoinedAt      time.Time

	Tracker            *checkpoint.Tracker
	ArcLength          float64
	ClassificationTime time.Duration
}

// RacerStatus is a read-only copy of a racer for observers.
type RacerStatus struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Ready         bool            `json:"ready"`
	ArrayPosition int             `json:"arrayPosition"`
	Slot          int             `json:"slot"`
	Lap           int             `json:"lap"`
	Checkpoint    int             `json:"checkpoint"`
	ArcLength     float64         `json:"arcLength"`
	Classified    bool            `json:"classified"`
	Finished      bool            `json:"finished"`
	LapStamps     []time.Duration `json:"lapStamps,omitempty"`
}

func (r *Racer) status() RacerStatus {
	return RacerStatus{
		ID:            r.ID,
		Name:          r.Name,
		Ready:         r.Ready,
		ArrayPosition: r.ArrayPosition,
		Slot:          r.Slot,
		Lap:           r.Tracker.Lap(),
		Checkpoint:    r.Tracker.Checkpoint(),
		ArcLength:     r.ArcLength,
		Classified:    r.Tracker.Classified(),
		Finished:      r.Tracker.Finished(),
		LapStamps:     r.Tracker.LapStamps(),
	}
}

// Roster is the ordered list of active racers. It is owned by the Controller
// and only mutated under its lock.
type Roster struct {
	capacity    int
	checkpoints int
	laps        int
	racers      []*Racer
	joined      int
}

func newRoster(capacity, checkpoints, laps int) *Roster {
	return &Roster{capacity: capacity, checkpoints: checkpoints, laps: laps}
}

// Join adds a racer at the lowest free starting slot. Rejoining with a known
// id returns the existing racer.
func (r *Roster) Join(id, name string, now time.Time) (*Racer, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, ErrInvalidPlayerID
	}
	if existing := r.Get(trimmed); existing != nil {
		return existing, nil
	}
	//1.- Reject new players once the lobby holds the configured count.
	if r.capacity > 0 && len(r.racers) >= r.capacity {
		return nil, ErrRaceFull
	}
	tracker, err := checkpoint.NewTracker(r.checkpoints, r.laps)
	if err != nil {
		return nil, fmt.Errorf("racer %s: %w", trimmed, err)
	}
	//2.- Unnamed drivers are labelled by join order.
	r.joined++
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Player" + strconv.Itoa(r.joined)
	}
	racer := &Racer{
		ID:            trimmed,
		Name:          name,
		ArrayPosition: len(r.racers),
		Slot:          r.freeSlot(),
		JoinedAt:      now,
		Tracker:       tracker,
	}
	r.racers = append(r.racers, racer)
	return racer, nil
}

// Leave removes a racer and renumbers the remaining array positions densely.
func (r *Roster) Leave(id string) (*Racer, bool) {
	for i, racer := range r.racers {
		if racer.ID != id {
			continue
		}
		r.racers = append(r.racers[:i], r.racers[i+1:]...)
		r.renumber()
		return racer, true
	}
	return nil, false
}

// Get returns the racer with id, or nil.
func (r *Roster) Get(id string) *Racer {
	for _, racer := range r.racers {
		if racer.ID == id {
			return racer
		}
	}
	return nil
}

// Len is the number of active racers.
func (r *Roster) Len() int { return len(r.racers) }

// Racers returns the active racers in array position order.
func (r *Roster) Racers() []*Racer { return append([]*Racer(nil), r.racers...) }

// AllReady reports whether the roster is full and every racer is ready.
func (r *Roster) AllReady() bool {
	if len(r.racers) == 0 || (r.capacity > 0 && len(r.racers) < r.capacity) {
		return false
	}
	for _, racer := range r.racers {
		if !racer.Ready {
			return false
		}
	}
	return true
}

func (r *Roster) renumber() {
	for i, racer := range r.racers {
		racer.ArrayPosition = i
	}
}

func (r *Roster) freeSlot() int {
	taken := make(map[int]bool, len(r.racers))
	for _, racer := range r.racers {
		taken[racer.Slot] = true
	}
	slot := 0
	for taken[slot] {
		slot++
	}
	return slot
}
