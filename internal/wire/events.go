package wire

import (
	"poleposition/raceserver/internal/match"
)

// FromEvent maps a lifecycle event onto its wire message.
func FromEvent(ev match.Event) (Type, any, bool) {
	switch ev.Kind {
	case match.EventRoster:
		return TypeRoster, FromRoster(ev.Roster), true
	case match.EventGrid:
		slots := make([]GridSlot, 0, len(ev.Grid))
		for _, slot := range ev.Grid {
			slots = append(slots, GridSlot{RacerID: slot.RacerID, Slot: slot.Slot})
		}
		return TypeGrid, Grid{RaceID: ev.RaceID, Classification: ev.Classification, Slots: slots}, true
	case match.EventCountdown:
		return TypeCountdown, Countdown{Remaining: ev.Remaining}, true
	case match.EventStartGame:
		return TypeStartGame, StartGame{RaceID: ev.RaceID, Classification: ev.Classification}, true
	case match.EventLapTime:
		return TypeLapTime, LapTime{RacerID: ev.RacerID, Lap: ev.Lap, ElapsedTicks: ToTicks(ev.Elapsed)}, true
	case match.EventWrongWay:
		return TypeWrongWay, WrongWay{RacerID: ev.RacerID}, true
	case match.EventClassified:
		return TypeClassified, Classified{RacerID: ev.RacerID, ElapsedTicks: ToTicks(ev.Elapsed)}, true
	case match.EventFinishGame:
		return TypeFinishGame, FinishGame{RaceID: ev.RaceID, ElapsedTicks: ToTicks(ev.Elapsed), Forced: ev.Forced}, true
	case match.EventScores:
		if ev.Results == nil {
			return "", nil, false
		}
		return TypeScores, FromResults(*ev.Results), true
	}
	return "", nil, false
}

// EncodeEvent is FromEvent followed by Encode.
func EncodeEvent(ev match.Event) ([]byte, bool, error) {
	t, payload, ok := FromEvent(ev)
	if !ok {
		return nil, false, nil
	}
	data, err := Encode(t, payload)
	return data, err == nil, err
}

// FromRoster converts controller statuses.
func FromRoster(racers []match.RacerStatus) Roster {
	out := Roster{Racers: make([]RosterEntry, 0, len(racers))}
	for _, r := range racers {
		out.Racers = append(out.Racers, RosterEntry{
			ID:            r.ID,
			Name:          r.Name,
			Ready:         r.Ready,
			ArrayPosition: r.ArrayPosition,
			Slot:          r.Slot,
			Lap:           r.Lap,
			Checkpoint:    r.Checkpoint,
			ArcLength:     r.ArcLength,
			Classified:    r.Classified,
			Finished:      r.Finished,
		})
	}
	return out
}

// FromResults converts final results into the scores columns.
func FromResults(results match.Results) Scores {
	scores := results.Scores()
	return Scores{
		RaceID: results.RaceID,
		Names:  scores.Names,
		Laps:   scores.Laps,
		Best:   scores.Best,
		Total:  scores.Total,
		Table:  results.Table(),
	}
}
