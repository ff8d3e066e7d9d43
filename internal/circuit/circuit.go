// Package circuit models a closed race track: the centre-line path used for
// arc-length projection, the ordered checkpoint ring and the starting grid.
package circuit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	_ "embed"

	"poleposition/raceserver/internal/physics"
)

// ErrInvalidCircuit wraps every load-time validation failure.
var ErrInvalidCircuit = errors.New("invalid circuit")

// OffTrackSurface is reported for positions outside the track width.
const OffTrackSurface = "grass"

// TrackSurface is reported for positions on the track.
const TrackSurface = "asphalt"

// Checkpoint is a spherical trigger volume with an explicit ring index.
type Checkpoint struct {
	ID       int          `json:"id"`
	Position physics.Vec3 `json:"position"`
	YawDeg   float64      `json:"yawDeg"`
	Radius   float64      `json:"radius"`
}

// Pose is the recovery transform for the checkpoint.
func (c Checkpoint) Pose() physics.Pose {
	return physics.Pose{Position: c.Position, Rotation: physics.FromYaw(c.YawDeg)}
}

// Slot is a numbered starting grid position.
type Slot struct {
	Position physics.Vec3 `json:"position"`
	YawDeg   float64      `json:"yawDeg"`
}

// Definition is the on-disk circuit document.
type Definition struct {
	Name               string         `json:"name"`
	HalfWidth          float64        `json:"halfWidth"`
	BehindLineFraction float64        `json:"behindLineFraction"`
	Points             []physics.Vec3 `json:"points"`
	Checkpoints        []Checkpoint   `json:"checkpoints"`
	StartingSlots      []Slot         `json:"startingSlots"`
}

// Projection is the nearest point on the centre line to a world position.
type Projection struct {
	Segment   int
	Point     physics.Vec3
	Distance  float64
	ArcLength float64
}

// Circuit is an immutable, validated track.
type Circuit struct {
	name        string
	points      []physics.Vec3
	cumulative  []float64
	length      float64
	halfWidth   float64
	behindFrom  int
	checkpoints []Checkpoint
	slots       []Slot
}

// New validates def and precomputes segment arc-length offsets.
func New(def Definition) (*Circuit, error) {
	//1.- Path must be a closed polyline with distinct consecutive points.
	n := len(def.Points)
	if n < 3 {
		return nil, fmt.Errorf("%w: need at least 3 path points, got %d", ErrInvalidCircuit, n)
	}
	cumulative := make([]float64, n+1)
	for i := 0; i < n; i++ {
		seg := def.Points[i].Distance(def.Points[(i+1)%n])
		if seg == 0 {
			return nil, fmt.Errorf("%w: path point %d repeats its successor", ErrInvalidCircuit, i)
		}
		cumulative[i+1] = cumulative[i] + seg
	}

	//2.- Checkpoint ids must cover 0..N-1 exactly once.
	if len(def.Checkpoints) < 3 {
		return nil, fmt.Errorf("%w: need at least 3 checkpoints, got %d", ErrInvalidCircuit, len(def.Checkpoints))
	}
	checkpoints := append([]Checkpoint(nil), def.Checkpoints...)
	sort.Slice(checkpoints, func(i, j int) bool { return checkpoints[i].ID < checkpoints[j].ID })
	for i, cp := range checkpoints {
		if cp.ID != i {
			return nil, fmt.Errorf("%w: checkpoint ids must be contiguous from 0, found %d at position %d", ErrInvalidCircuit, cp.ID, i)
		}
		if !(cp.Radius > 0) {
			return nil, fmt.Errorf("%w: checkpoint %d needs a positive radius", ErrInvalidCircuit, cp.ID)
		}
	}

	if len(def.StartingSlots) == 0 {
		return nil, fmt.Errorf("%w: no starting slots", ErrInvalidCircuit)
	}
	if !(def.HalfWidth > 0) {
		return nil, fmt.Errorf("%w: halfWidth must be positive", ErrInvalidCircuit)
	}
	fraction := def.BehindLineFraction
	if fraction <= 0 || fraction >= 1 {
		fraction = 0.5
	}

	return &Circuit{
		name:        def.Name,
		points:      append([]physics.Vec3(nil), def.Points...),
		cumulative:  cumulative,
		length:      cumulative[n],
		halfWidth:   def.HalfWidth,
		behindFrom:  int(math.Ceil(float64(n) * fraction)),
		checkpoints: checkpoints,
		slots:       append([]Slot(nil), def.StartingSlots...),
	}, nil
}

// Load decodes and validates a circuit document. Unknown fields and non-integer
// checkpoint ids are rejected.
func Load(r io.Reader) (*Circuit, error) {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	var def Definition
	if err := decoder.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCircuit, err)
	}
	return New(def)
}

// LoadFile reads a circuit document from path.
func LoadFile(path string) (*Circuit, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Load(file)
}

//go:embed default_circuit.json
var defaultPayload []byte

var (
	defaultOnce    sync.Once
	defaultCircuit *Circuit
	defaultErr     error
)

// Default returns the embedded oval circuit.
func Default() *Circuit {
	defaultOnce.Do(func() {
		var def Definition
		if defaultErr = json.Unmarshal(defaultPayload, &def); defaultErr == nil {
			defaultCircuit, defaultErr = New(def)
		}
	})
	if defaultErr != nil {
		panic(defaultErr)
	}
	return defaultCircuit
}

// Name is the circuit's display name.
func (c *Circuit) Name() string { return c.name }

// Length is the total centre-line length in metres.
func (c *Circuit) Length() float64 { return c.length }

// Segments is the number of path segments, equal to the number of points.
func (c *Circuit) Segments() int { return len(c.points) }

// BehindLineSegment is the first segment considered to lie behind the start line.
func (c *Circuit) BehindLineSegment() int { return c.behindFrom }

// SegmentOffset is the arc-length at the start of segment i.
func (c *Circuit) SegmentOffset(i int) float64 { return c.cumulative[i] }

// Checkpoints returns the checkpoint ring ordered by id.
func (c *Circuit) Checkpoints() []Checkpoint {
	return append([]Checkpoint(nil), c.checkpoints...)
}

// CheckpointCount is the size of the checkpoint ring.
func (c *Circuit) CheckpointCount() int { return len(c.checkpoints) }

// Checkpoint returns the checkpoint with the given id.
func (c *Circuit) Checkpoint(id int) (Checkpoint, bool) {
	if id < 0 || id >= len(c.checkpoints) {
		return Checkpoint{}, false
	}
	return c.checkpoints[id], true
}

// CheckpointAt returns the checkpoint whose trigger volume contains position.
func (c *Circuit) CheckpointAt(position physics.Vec3) (int, bool) {
	for _, cp := range c.checkpoints {
		if position.Distance(cp.Position) <= cp.Radius {
			return cp.ID, true
		}
	}
	return 0, false
}

// SlotCount is the number of grid positions.
func (c *Circuit) SlotCount() int { return len(c.slots) }

// StartingSlot returns the pose of grid position i, wrapping past the last slot.
func (c *Circuit) StartingSlot(i int) physics.Pose {
	slot := c.slots[((i%len(c.slots))+len(c.slots))%len(c.slots)]
	return physics.Pose{Position: slot.Position, Rotation: physics.FromYaw(slot.YawDeg)}
}

// Project finds the closest centre-line point to position.
func (c *Circuit) Project(position physics.Vec3) Projection {
	best := Projection{Distance: math.Inf(1)}
	n := len(c.points)
	for i := 0; i < n; i++ {
		a, b := c.points[i], c.points[(i+1)%n]
		ab := b.Sub(a)
		t := position.Sub(a).Dot(ab) / ab.Dot(ab)
		t = math.Max(0, math.Min(1, t))
		point := a.Add(ab.Scale(t))
		if d := position.Distance(point); d < best.Distance {
			best = Projection{
				Segment:   i,
				Point:     point,
				Distance:  d,
				ArcLength: c.cumulative[i] + t*(c.cumulative[i+1]-c.cumulative[i]),
			}
		}
	}
	return best
}

// PointAt returns the centre-line point at arc-length s, wrapped onto one lap.
func (c *Circuit) PointAt(s float64) physics.Vec3 {
	s = math.Mod(s, c.length)
	if s < 0 {
		s += c.length
	}
	i := sort.SearchFloat64s(c.cumulative, s)
	if i > 0 && (i >= len(c.cumulative) || c.cumulative[i] > s) {
		i--
	}
	if i >= len(c.points) {
		i = len(c.points) - 1
	}
	n := len(c.points)
	a, b := c.points[i], c.points[(i+1)%n]
	seg := c.cumulative[i+1] - c.cumulative[i]
	return physics.Lerp(a, b, (s-c.cumulative[i])/seg)
}

// Surface classifies position as track or grass by distance from the centre line.
// It matches physics.SurfaceFunc.
func (c *Circuit) Surface(position physics.Vec3) (string, bool) {
	if c.Project(position).Distance > c.halfWidth {
		return OffTrackSurface, true
	}
	return TrackSurface, true
}
