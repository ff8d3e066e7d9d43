package grpc

import (
	"context"
	"time"

	"poleposition/raceserver/internal/standings"
)

// StandingsFrame is the race ranking at one server tick.
type StandingsFrame struct {
	Tick      uint64
	RaceID    string
	Phase     string
	Elapsed   time.Duration
	Standings []standings.Standing
}

// StandingsSource fans standings out to observers. The channel closes when
// the source shuts down or cancel is called.
type StandingsSource interface {
	SubscribeStandings(ctx context.Context) (<-chan StandingsFrame, func(), error)
}
