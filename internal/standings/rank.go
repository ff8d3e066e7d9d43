package standings

import (
	"math"
	"sort"
)

// Sentinel is the progress assigned to a roster slot whose kart is gone.
var Sentinel = math.Inf(-1)

// Entry is one roster slot as seen by the ranking pass.
type Entry struct {
	ID        string
	Name      string
	Lap       int
	ArcLength float64
}

// Standing is a ranked kart.
type Standing struct {
	ID            string  `json:"id" msgpack:"id"`
	Name          string  `json:"name" msgpack:"name"`
	Position      int     `json:"position" msgpack:"position"`
	ArrayPosition int     `json:"arrayPosition" msgpack:"array_position"`
	Lap           int     `json:"lap" msgpack:"lap"`
	ArcLength     float64 `json:"arcLength" msgpack:"arc_length"`
}

// Ranking is the output of one ranking pass.
type Ranking struct {
	// Standings are ordered leader first; Position is 1-based.
	Standings []Standing
	// Roster is the input with nil slots removed, join order kept.
	Roster []*Entry
	// Dropped counts nil slots filtered out.
	Dropped int
}

// Rank orders roster by descending arc-length. Nil slots score Sentinel and
// are filtered in the same pass; surviving karts get dense array positions.
// Exact ties fall back to lap count, then ID, so the order is deterministic.
func Rank(roster []*Entry) Ranking {
	type scored struct {
		entry *Entry
		score float64
	}
	//1.- Score every slot, compacting the roster as we go.
	all := make([]scored, 0, len(roster))
	compact := make([]*Entry, 0, len(roster))
	arrayPos := make(map[*Entry]int, len(roster))
	for _, entry := range roster {
		if entry == nil {
			all = append(all, scored{score: Sentinel})
			continue
		}
		score := entry.ArcLength
		if math.IsNaN(score) {
			score = Sentinel
		}
		arrayPos[entry] = len(compact)
		all = append(all, scored{entry: entry, score: score})
		compact = append(compact, entry)
	}

	//2.- Sort descending with a strict tie break.
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.entry == nil || b.entry == nil {
			return b.entry == nil && a.entry != nil
		}
		if a.entry.Lap != b.entry.Lap {
			return a.entry.Lap > b.entry.Lap
		}
		return a.entry.ID < b.entry.ID
	})

	//3.- Drop sentinels and number the survivors.
	out := Ranking{Roster: compact, Dropped: len(roster) - len(compact)}
	for _, s := range all {
		if s.entry == nil {
			continue
		}
		out.Standings = append(out.Standings, Standing{
			ID:            s.entry.ID,
			Name:          s.entry.Name,
			Position:      len(out.Standings) + 1,
			ArrayPosition: arrayPos[s.entry],
			Lap:           s.entry.Lap,
			ArcLength:     s.entry.ArcLength,
		})
	}
	return out
}

// Order returns just the ranked IDs.
func (r Ranking) Order() []string {
	ids := make([]string, len(r.Standings))
	for i, s := range r.Standings {
		ids[i] = s.ID
	}
	return ids
}
