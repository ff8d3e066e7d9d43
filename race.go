package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	grpcstream "poleposition/raceserver/internal/grpc"
	"poleposition/raceserver/internal/logging"
	"poleposition/raceserver/internal/match"
	"poleposition/raceserver/internal/replay"
	"poleposition/raceserver/internal/simulation"
	"poleposition/raceserver/internal/state"
	"poleposition/raceserver/internal/wire"
)

// persistTimeout bounds saving and announcing one race.
const persistTimeout = 10 * time.Second

// step is one fixed physics tick: lifecycle timers, kart integration,
// checkpoint gating, then every broadcast the tick produced.
func (s *Server) step(dt time.Duration) {
	s.tick.Add(1)
	s.race.Advance(dt)

	//1.- Crossings run through the lap gate; transitions feed back into the kart.
	report := s.sim.Step(dt)
	for _, crossing := range report.Crossings {
		transition, err := s.race.EnterCheckpoint(crossing.CarID, crossing.Checkpoint)
		if err != nil {
			if !errors.Is(err, match.ErrNotRacing) {
				s.log.Debug("checkpoint ignored", logging.String("car_id", crossing.CarID), logging.Error(err))
			}
			continue
		}
		s.sim.Apply(crossing.CarID, transition)
	}

	elapsed := s.race.Elapsed()
	s.recordRecoveries(report.Recoveries, elapsed)
	s.dispatch(s.race.Events(), elapsed)
	s.publishSnapshot(elapsed)
	s.publishStandings()
}

// dispatch applies each lifecycle event to the world, then broadcasts and
// records it in order.
func (s *Server) dispatch(events []match.Event, elapsed time.Duration) {
	var finished *match.Results
	for _, ev := range events {
		switch ev.Kind {
		case match.EventGrid:
			s.placeGrid(ev)
		case match.EventStartGame:
			s.sim.SetFrozen(false)
		case match.EventFinishGame:
			s.sim.SetFrozen(true)
		case match.EventScores:
			finished = ev.Results
		}

		data, ok, err := wire.EncodeEvent(ev)
		if err != nil {
			s.log.Error("encode race event failed", logging.String("kind", string(ev.Kind)), logging.Error(err))
			continue
		}
		if !ok {
			continue
		}
		s.broadcast(data)
		s.recorder.Event(s.tick.Load(), elapsed, string(ev.Kind), data)
	}
	if finished != nil {
		s.finishRace(*finished)
	}
}

// placeGrid freezes the field on its starting slots. The first grid of a
// race opens its replay bundle.
func (s *Server) placeGrid(ev match.Event) {
	s.sim.SetFrozen(true)
	racers := make([]string, 0, len(ev.Grid))
	for _, slot := range ev.Grid {
		s.sim.PlaceOnGrid(slot.RacerID, slot.Slot)
		s.store.Update(slot.RacerID, func(c *state.CarState) {
			c.Lap = 0
			c.Checkpoint = 0
			c.ArcLength = 0
		})
		racers = append(racers, slot.RacerID)
	}
	if ev.RaceID == s.header.RaceID {
		return
	}
	rules := s.race.Rules()
	s.header = replay.Header{
		RaceID:         ev.RaceID,
		Circuit:        s.circuit.Name(),
		PlayerCount:    rules.PlayerCount,
		MaxLaps:        rules.MaxLaps,
		Classification: ev.Classification,
		Racers:         racers,
	}
	s.recorder.Begin(s.header)
}

// finishRace closes the replay and hands the results to storage and
// notification off the tick goroutine.
func (s *Server) finishRace(results match.Results) {
	header := s.header.Clone()
	header.Racers = header.Racers[:0]
	for _, row := range results.Rows {
		header.Racers = append(header.Racers, row.ID)
	}
	s.recorder.Annotate(header)
	dir := s.recorder.End()
	s.header = replay.Header{}

	s.log.Info("race results published",
		logging.String("race_id", results.RaceID),
		logging.Bool("forced", results.Forced),
		logging.Duration("elapsed", results.Elapsed),
		logging.String("replay", dir),
	)

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if s.results != nil {
			if err := s.results.Save(ctx, results); err != nil {
				s.log.Error("saving race results failed", logging.String("race_id", results.RaceID), logging.Error(err))
			}
		}
		if s.notifier != nil {
			if err := s.notifier.RaceFinished(ctx, results); err != nil {
				s.log.Warn("race notification failed", logging.String("race_id", results.RaceID), logging.Error(err))
			}
		}
		select {
		case s.finished <- results:
		default:
		}
	}()
}

func (s *Server) recordRecoveries(recoveries []simulation.Recovery, elapsed time.Duration) {
	for _, recovery := range recoveries {
		payload, err := json.Marshal(recovery)
		if err != nil {
			continue
		}
		s.recorder.Event(s.tick.Load(), elapsed, "recovery", payload)
	}
}

// publishSnapshot sends this tick's car diff. Clients that missed a diff
// under their bandwidth budget get a full snapshot instead.
func (s *Server) publishSnapshot(elapsed time.Duration) {
	diff := s.store.ConsumeDiff()
	var delta []byte
	if len(diff.Updated) > 0 || len(diff.Removed) > 0 {
		data, err := wire.Encode(wire.TypeSnapshot, wire.Snapshot{Tick: s.tick.Load(), Cars: diff.Updated, Removed: diff.Removed})
		if err != nil {
			s.log.Error("encode snapshot failed", logging.Error(err))
			return
		}
		delta = data
		s.recorder.Frame(s.tick.Load(), elapsed, delta)
	}

	var full []byte
	for _, c := range s.snapshotClients() {
		if s.regulator.NeedsFull(c.id) {
			if full == nil {
				if full = s.fullSnapshot(); full == nil {
					continue
				}
			}
			if s.regulator.Allow(c.id, len(full), true) {
				s.deliver(c, full)
			}
			continue
		}
		if delta != nil && s.regulator.Allow(c.id, len(delta), false) {
			s.deliver(c, delta)
		}
	}
}

func (s *Server) fullSnapshot() []byte {
	data, err := wire.Encode(wire.TypeSnapshot, wire.Snapshot{Tick: s.tick.Load(), Cars: s.store.Snapshot()})
	if err != nil {
		s.log.Error("encode full snapshot failed", logging.Error(err))
		return nil
	}
	return data
}

// publishStandings offers the ranking to gRPC observers at the standings rate.
func (s *Server) publishStandings() {
	s.sinceFeed++
	if s.sinceFeed < s.feedEvery || !s.feed.Active() {
		return
	}
	s.sinceFeed = 0
	status := s.race.Status()
	s.feed.Publish(grpcstream.StandingsFrame{
		Tick:      s.tick.Load(),
		RaceID:    status.RaceID,
		Phase:     status.Phase,
		Elapsed:   status.Elapsed,
		Standings: status.Standings,
	})
}
