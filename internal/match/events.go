package match

import "time"

// EventKind names a lifecycle broadcast.
type EventKind string

const (
	EventRoster     EventKind = "roster"
	EventGrid       EventKind = "grid"
	EventCountdown  EventKind = "countdown"
	EventStartGame  EventKind = "start_game"
	EventLapTime    EventKind = "lap_time"
	EventWrongWay   EventKind = "wrong_way"
	EventClassified EventKind = "classified"
	EventFinishGame EventKind = "finish_game"
	EventScores     EventKind = "scores"
)

// Event is one server-to-all broadcast produced by the controller. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	RaceID  string
	RacerID string

	Lap            int
	Elapsed        time.Duration
	Remaining      int
	Classification bool
	Forced         bool

	Grid    []GridSlot
	Roster  []RacerStatus
	Results *Results
}
