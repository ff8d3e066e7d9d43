package match

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"poleposition/raceserver/internal/standings"
)

// UnsetTime is shown for laps and totals that were never completed.
const UnsetTime = "--:--.---"

// FormatDuration renders d as MM:SS.mmm. Minutes are not wrapped at the hour.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d.%03d", ms/60000, (ms/1000)%60, ms%1000)
}

// Row is one driver's line in the results table.
type Row struct {
	Position  int             `json:"position"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Laps      []string        `json:"laps"`
	Best      string          `json:"best"`
	Total     string          `json:"total"`
	Splits    []time.Duration `json:"splits"`
	BestLap   time.Duration   `json:"bestLap"`
	TotalTime time.Duration   `json:"totalTime"`
	Finished  bool            `json:"finished"`
}

// Results is the final classification of a race.
type Results struct {
	RaceID     string        `json:"raceId"`
	MaxLaps    int           `json:"maxLaps"`
	Forced     bool          `json:"forced"`
	Elapsed    time.Duration `json:"elapsed"`
	FinishedAt time.Time     `json:"finishedAt"`
	Rows       []Row         `json:"rows"`
}

// Scores is the column layout broadcast to clients: one entry per driver in
// finishing order, with Laps holding one column per lap.
type Scores struct {
	Names []string   `json:"names" msgpack:"names"`
	Laps  [][]string `json:"laps" msgpack:"laps"`
	Best  []string   `json:"best" msgpack:"best"`
	Total []string   `json:"total" msgpack:"total"`
}

func buildResults(raceID string, maxLaps int, racers []*Racer, ranking standings.Ranking, elapsed time.Duration, forced bool, now time.Time) Results {
	position := make(map[string]int, len(ranking.Standings))
	for _, standing := range ranking.Standings {
		position[standing.ID] = standing.Position
	}

	rows := make([]Row, 0, len(racers))
	for _, racer := range racers {
		tracker := racer.Tracker
		row := Row{ID: racer.ID, Name: racer.Name, Splits: tracker.Splits(), Finished: tracker.Finished()}
		//1.- One column per lap; laps never driven stay unset.
		row.Laps = make([]string, maxLaps)
		for i := range row.Laps {
			row.Laps[i] = UnsetTime
			if i < len(row.Splits) {
				row.Laps[i] = FormatDuration(row.Splits[i])
			}
		}
		row.Best = UnsetTime
		if best, ok := tracker.BestLap(); ok {
			row.BestLap = best
			row.Best = FormatDuration(best)
		}
		row.Total = UnsetTime
		if total, ok := tracker.Total(); ok {
			row.TotalTime = total
			row.Total = FormatDuration(total)
		}
		rows = append(rows, row)
	}

	//2.- Finishers by total time, then everyone else by track position.
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Finished != b.Finished {
			return a.Finished
		}
		if a.Finished && a.TotalTime != b.TotalTime {
			return a.TotalTime < b.TotalTime
		}
		return position[a.ID] < position[b.ID]
	})
	for i := range rows {
		rows[i].Position = i + 1
	}

	return Results{
		RaceID:     raceID,
		MaxLaps:    maxLaps,
		Forced:     forced,
		Elapsed:    elapsed,
		FinishedAt: now,
		Rows:       rows,
	}
}

// Scores converts the rows into the broadcast column layout.
func (r Results) Scores() Scores {
	scores := Scores{Laps: make([][]string, r.MaxLaps)}
	for _, row := range r.Rows {
		scores.Names = append(scores.Names, row.Name)
		for lap := 0; lap < r.MaxLaps; lap++ {
			value := UnsetTime
			if lap < len(row.Laps) {
				value = row.Laps[lap]
			}
			scores.Laps[lap] = append(scores.Laps[lap], value)
		}
		scores.Best = append(scores.Best, row.Best)
		scores.Total = append(scores.Total, row.Total)
	}
	return scores
}

// Winner returns the first row, if any.
func (r Results) Winner() (Row, bool) {
	if len(r.Rows) == 0 {
		return Row{}, false
	}
	return r.Rows[0], true
}

// Table renders the results as a text table.
func (r Results) Table() string {
	var b strings.Builder
	t := table.NewWriter()
	t.SetOutputMirror(&b)
	t.SetStyle(table.StyleRounded)

	header := table.Row{"Pos", "Driver"}
	for lap := 1; lap <= r.MaxLaps; lap++ {
		header = append(header, "Lap "+strconv.Itoa(lap))
	}
	header = append(header, "Best", "Total")
	t.AppendHeader(header)

	for _, row := range r.Rows {
		line := table.Row{row.Position, row.Name}
		for _, lap := range row.Laps {
			line = append(line, lap)
		}
		line = append(line, row.Best, row.Total)
		t.AppendRow(line)
	}
	t.Render()
	return b.String()
}
