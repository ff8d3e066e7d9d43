// Package results persists finished races and announces them.
package results

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"poleposition/raceserver/internal/match"
)

// ErrNotFound is returned for unknown race IDs.
var ErrNotFound = errors.New("race not found")

const schema = `
CREATE TABLE IF NOT EXISTS races (
	race_id     TEXT PRIMARY KEY,
	max_laps    INTEGER NOT NULL,
	forced      INTEGER NOT NULL,
	elapsed_ms  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS race_results (
	race_id   TEXT NOT NULL REFERENCES races(race_id) ON DELETE CASCADE,
	position  INTEGER NOT NULL,
	racer_id  TEXT NOT NULL,
	name      TEXT NOT NULL,
	laps      TEXT NOT NULL,
	splits    TEXT NOT NULL,
	best      TEXT NOT NULL,
	total     TEXT NOT NULL,
	best_ms   INTEGER NOT NULL,
	total_ms  INTEGER NOT NULL,
	finished  INTEGER NOT NULL,
	PRIMARY KEY (race_id, position)
);`

// Summary is one stored race without its rows.
type Summary struct {
	RaceID     string    `json:"raceId"`
	MaxLaps    int       `json:"maxLaps"`
	Forced     bool      `json:"forced"`
	Elapsed    string    `json:"elapsed"`
	FinishedAt time.Time `json:"finishedAt"`
	Winner     string    `json:"winner"`
}

// Store is the sqlite results database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrapf(err, "open results database %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init results schema")
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Save stores results, replacing an earlier copy of the same race.
func (s *Store) Save(ctx context.Context, r match.Results) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin results transaction")
	}
	defer tx.Rollback()

	//1.- Replace any earlier copy of the race.
	for _, stmt := range []string{`DELETE FROM race_results WHERE race_id = ?`, `DELETE FROM races WHERE race_id = ?`} {
		if _, err := tx.ExecContext(ctx, stmt, r.RaceID); err != nil {
			return errors.Wrapf(err, "clear race %s", r.RaceID)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO races (race_id, max_laps, forced, elapsed_ms, finished_at) VALUES (?, ?, ?, ?, ?)`,
		r.RaceID, r.MaxLaps, r.Forced, r.Elapsed.Milliseconds(), r.FinishedAt.UnixMilli(),
	); err != nil {
		return errors.Wrapf(err, "insert race %s", r.RaceID)
	}
	//2.- One row per driver in finishing order.
	for _, row := range r.Rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO race_results (race_id, position, racer_id, name, laps, splits, best, total, best_ms, total_ms, finished)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RaceID, row.Position, row.ID, row.Name,
			strings.Join(row.Laps, ","), joinMillis(row.Splits), row.Best, row.Total,
			row.BestLap.Milliseconds(), row.TotalTime.Milliseconds(), row.Finished,
		); err != nil {
			return errors.Wrapf(err, "insert result %s/%d", r.RaceID, row.Position)
		}
	}
	return errors.Wrap(tx.Commit(), "commit results")
}

// Get loads one race with its rows.
func (s *Store) Get(ctx context.Context, raceID string) (match.Results, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := match.Results{RaceID: raceID}
	var elapsedMs, finishedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT max_laps, forced, elapsed_ms, finished_at FROM races WHERE race_id = ?`, raceID,
	).Scan(&r.MaxLaps, &r.Forced, &elapsedMs, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return match.Results{}, ErrNotFound
	}
	if err != nil {
		return match.Results{}, errors.Wrapf(err, "load race %s", raceID)
	}
	r.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	r.FinishedAt = time.UnixMilli(finishedAt).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT position, racer_id, name, laps, splits, best, total, best_ms, total_ms, finished
		 FROM race_results WHERE race_id = ? ORDER BY position`, raceID)
	if err != nil {
		return match.Results{}, errors.Wrapf(err, "load rows of race %s", raceID)
	}
	defer rows.Close()
	for rows.Next() {
		var row match.Row
		var laps, splits string
		var bestMs, totalMs int64
		if err := rows.Scan(&row.Position, &row.ID, &row.Name, &laps, &splits, &row.Best, &row.Total, &bestMs, &totalMs, &row.Finished); err != nil {
			return match.Results{}, errors.Wrap(err, "scan result row")
		}
		if laps != "" {
			row.Laps = strings.Split(laps, ",")
		}
		row.Splits = splitMillis(splits)
		row.BestLap = time.Duration(bestMs) * time.Millisecond
		row.TotalTime = time.Duration(totalMs) * time.Millisecond
		r.Rows = append(r.Rows, row)
	}
	return r, errors.Wrap(rows.Err(), "iterate result rows")
}

// Recent lists the newest races first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.race_id, r.max_laps, r.forced, r.elapsed_ms, r.finished_at, COALESCE(w.name, '')
		 FROM races r LEFT JOIN race_results w ON w.race_id = r.race_id AND w.position = 1
		 ORDER BY r.finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list races")
	}
	defer rows.Close()
	summaries := []Summary{}
	for rows.Next() {
		var sum Summary
		var elapsedMs, finishedAt int64
		if err := rows.Scan(&sum.RaceID, &sum.MaxLaps, &sum.Forced, &elapsedMs, &finishedAt, &sum.Winner); err != nil {
			return nil, errors.Wrap(err, "scan race")
		}
		sum.Elapsed = match.FormatDuration(time.Duration(elapsedMs) * time.Millisecond)
		sum.FinishedAt = time.UnixMilli(finishedAt).UTC()
		summaries = append(summaries, sum)
	}
	return summaries, errors.Wrap(rows.Err(), "iterate races")
}

func joinMillis(values []time.Duration) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatInt(v.Milliseconds(), 10)
	}
	return strings.Join(parts, ",")
}

func splitMillis(raw string) []time.Duration {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		ms, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out
}
