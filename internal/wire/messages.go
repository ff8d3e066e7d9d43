package wire

import (
	"poleposition/raceserver/internal/physics"
	"poleposition/raceserver/internal/state"
)

// Join asks to enter the lobby.
type Join struct {
	Name string `msgpack:"name"`
}

// Ready toggles the sender's ready flag.
type Ready struct {
	Ready bool `msgpack:"ready"`
}

// Name changes the sender's display name.
type Name struct {
	Name string `msgpack:"name"`
}

// Input is a driver control change. SentAt is unix milliseconds on the
// client clock.
type Input struct {
	Sequence uint64           `msgpack:"seq"`
	SentAt   int64            `msgpack:"sent_at"`
	Controls physics.Controls `msgpack:"controls"`
}

// ArcLength is the owning client's race progress for its own kart.
type ArcLength struct {
	Value float64 `msgpack:"value"`
}

// LapTime reports a completed lap; ElapsedTicks counts 100ns since the race
// timer started.
type LapTime struct {
	RacerID      string `msgpack:"racer_id,omitempty"`
	Lap          int    `msgpack:"lap"`
	ElapsedTicks int64  `msgpack:"elapsed"`
}

// Welcome is the first message of a connection.
type Welcome struct {
	ID          string `msgpack:"id"`
	RaceID      string `msgpack:"race_id"`
	Circuit     string `msgpack:"circuit"`
	PlayerCount int    `msgpack:"player_count"`
	MaxLaps     int    `msgpack:"max_laps"`
	TickRate    int    `msgpack:"tick_rate"`
}

// Snapshot carries the karts that changed this tick. Receivers timestamp it
// on arrival.
type Snapshot struct {
	Tick    uint64           `msgpack:"tick"`
	Cars    []state.CarState `msgpack:"cars"`
	Removed []string         `msgpack:"removed,omitempty"`
}

// RosterEntry is one lobby or race participant.
type RosterEntry struct {
	ID            string  `msgpack:"id"`
	Name          string  `msgpack:"name"`
	Ready         bool    `msgpack:"ready"`
	ArrayPosition int     `msgpack:"array_position"`
	Slot          int     `msgpack:"slot"`
	Lap           int     `msgpack:"lap"`
	Checkpoint    int     `msgpack:"checkpoint"`
	ArcLength     float64 `msgpack:"arc_length"`
	Classified    bool    `msgpack:"classified"`
	Finished      bool    `msgpack:"finished"`
}

// Roster is the full participant list.
type Roster struct {
	Racers []RosterEntry `msgpack:"racers"`
}

// GridSlot assigns a kart to a starting slot.
type GridSlot struct {
	RacerID string `msgpack:"racer_id"`
	Slot    int    `msgpack:"slot"`
}

// Grid places karts before a countdown.
type Grid struct {
	RaceID         string     `msgpack:"race_id"`
	Classification bool       `msgpack:"classification"`
	Slots          []GridSlot `msgpack:"slots"`
}

// Countdown announces whole seconds left before the start.
type Countdown struct {
	Remaining int `msgpack:"remaining"`
}

// StartGame enables the drivers' controls.
type StartGame struct {
	RaceID         string `msgpack:"race_id"`
	Classification bool   `msgpack:"classification"`
}

// WrongWay tells a driver they crossed a checkpoint backwards.
type WrongWay struct {
	RacerID string `msgpack:"racer_id"`
}

// Classified reports a finished classification lap.
type Classified struct {
	RacerID      string `msgpack:"racer_id"`
	ElapsedTicks int64  `msgpack:"elapsed"`
}

// FinishGame is the fade-out cue.
type FinishGame struct {
	RaceID       string `msgpack:"race_id"`
	ElapsedTicks int64  `msgpack:"elapsed"`
	Forced       bool   `msgpack:"forced"`
}

// Scores is the formatted results, one column per lap.
type Scores struct {
	RaceID string     `msgpack:"race_id"`
	Names  []string   `msgpack:"names"`
	Laps   [][]string `msgpack:"laps"`
	Best   []string   `msgpack:"best"`
	Total  []string   `msgpack:"total"`
	Table  string     `msgpack:"table,omitempty"`
}

// Error reports a rejected request.
type Error struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}
