// Package standings turns kart positions into a race-progress scalar and
// orders the field by it.
package standings

import (
	"poleposition/raceserver/internal/circuit"
	"poleposition/raceserver/internal/physics"
)

// Progress is a kart's arc-length along the race, comparable across laps.
type Progress struct {
	ArcLength  float64
	Projection circuit.Projection
	Behind     bool
}

// ComputeProgress projects position onto c and offsets the raw arc-length by
// circuitLength*(lap-1). A kart whose last checkpoint is the start gate but
// whose projection still lies on the back half of the lap is behind the start
// line, so it keeps the previous lap's offset and its progress stays continuous
// across the line. Only the owning client calls this for its own kart.
func ComputeProgress(c *circuit.Circuit, position physics.Vec3, lap, checkpoint int) Progress {
	projection := c.Project(position)
	behind := checkpoint == 0 && projection.Segment >= c.BehindLineSegment()
	offsetLap := lap
	if behind {
		offsetLap--
	}
	return Progress{
		ArcLength:  projection.ArcLength + c.Length()*float64(offsetLap-1),
		Projection: projection,
		Behind:     behind,
	}
}
