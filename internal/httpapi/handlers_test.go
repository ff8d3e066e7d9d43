package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"poleposition/raceserver/internal/input"
	"poleposition/raceserver/internal/logging"
	"poleposition/raceserver/internal/match"
	"poleposition/raceserver/internal/networking"
	"poleposition/raceserver/internal/replay"
	"poleposition/raceserver/internal/results"
	"poleposition/raceserver/internal/simulation"
	"poleposition/raceserver/internal/standings"
)

type stubReadiness struct {
	clients int
	racers  int
	uptime  time.Duration
	err     error
}

func (s *stubReadiness) ClientCounts() (int, int) { return s.clients, s.racers }
func (s *stubReadiness) StartupError() error      { return s.err }
func (s *stubReadiness) Uptime() time.Duration    { return s.uptime }

type stubRace struct{ status match.Status }

func (s stubRace) Status() match.Status { return s.status }

type stubResults struct {
	recent []results.Summary
	race   match.Results
	err    error
	limit  int
}

func (s *stubResults) Recent(_ context.Context, limit int) ([]results.Summary, error) {
	s.limit = limit
	return s.recent, s.err
}

func (s *stubResults) Get(_ context.Context, raceID string) (match.Results, error) {
	if raceID != s.race.RaceID {
		return match.Results{}, results.ErrNotFound
	}
	return s.race, s.err
}

type stubResetter struct {
	err   error
	calls int
}

func (s *stubResetter) Reset() error {
	s.calls++
	return s.err
}

type stubLimiter struct{ remaining int }

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

func serve(h http.HandlerFunc, method, target string, header http.Header) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	for key, values := range header {
		req.Header[key] = values
	}
	h.ServeHTTP(rr, req)
	return rr
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})

	rr := serve(handlers.LivenessHandler(), http.MethodGet, "/livez", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" || payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestReadinessHandlerReportsTickHealth(t *testing.T) {
	readiness := &stubReadiness{clients: 3, racers: 2, uptime: 45 * time.Second}
	ticks := simulation.TickMetricsSnapshot{Samples: 10, Average: 10 * time.Millisecond, Overruns: 1}
	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: readiness,
		Ticks:     func() simulation.TickMetricsSnapshot { return ticks },
	})

	rr := serve(handlers.ReadinessHandler(), http.MethodGet, "/readyz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for a degraded loop, got %d", rr.Code)
	}
	var payload struct {
		Status   string  `json:"status"`
		Clients  int     `json:"clients"`
		Racers   int     `json:"racers"`
		TickRate float64 `json:"tick_rate"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "degraded" || payload.Clients != 3 || payload.Racers != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.TickRate != 100 {
		t.Fatalf("expected tick rate 100, got %f", payload.TickRate)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	readiness := &stubReadiness{err: errors.New("circuit failed to load")}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Readiness: readiness})

	rr := serve(handlers.ReadinessHandler(), http.MethodGet, "/readyz", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "circuit failed to load") {
		t.Fatalf("expected startup error in body: %s", rr.Body.String())
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: &stubReadiness{clients: 2, racers: 1, uptime: 90 * time.Second},
		Race:      stubRace{status: match.Status{Phase: "racing", Elapsed: 1500 * time.Millisecond}},
		Ticks: func() simulation.TickMetricsSnapshot {
			return simulation.TickMetricsSnapshot{Average: 2 * time.Millisecond, Overruns: 3, Skipped: 4}
		},
		Drops: func() map[string]input.DropCounters {
			return map[string]input.DropCounters{"car-1": {Sequence: 5, Late: 2}}
		},
		Violations: func() map[string]input.ViolationCounters {
			return map[string]input.ViolationCounters{"car-1": {Violations: map[input.Violation]uint64{input.ViolationNaN: 2}, Cooldowns: 1}}
		},
		Bandwidth: func() map[string]networking.Usage {
			return map[string]networking.Usage{"car-1": {Sent: 4096, Denied: 2, Resyncs: 1}}
		},
		Replay:  func() replay.Stats { return replay.Stats{Races: 7} },
		Storage: func() replay.StorageStats { return replay.StorageStats{Races: 3, Bytes: 1024} },
	})

	rr := serve(handlers.MetricsHandler(), http.MethodGet, "/metrics", nil)
	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	for _, substr := range []string{
		"race_uptime_seconds 90",
		"race_clients 2",
		"race_racers 1",
		"race_elapsed_seconds 1.500",
		`race_phase{phase="racing"} 1`,
		"race_tick_average_seconds 0.002000",
		"race_tick_overruns_total 3",
		"race_tick_skipped_total 4",
		`race_input_dropped_total{client="car-1",reason="sequence"} 5`,
		`race_input_late_total{client="car-1"} 2`,
		`race_input_violations_total{client="car-1",reason="nan"} 2`,
		`race_input_cooldowns_total{client="car-1"} 1`,
		`race_snapshot_bytes_total{client="car-1"} 4096`,
		`race_snapshot_denied_total{client="car-1"} 2`,
		`race_snapshot_resyncs_total{client="car-1"} 1`,
		"race_replays_recorded_total 7",
		"race_replay_bundles 3",
		"race_replay_bytes 1024",
	} {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
}

func TestStandingsHandlerMasksNonFiniteProgress(t *testing.T) {
	status := match.Status{
		RaceID: "race-1",
		Phase:  "racing",
		Standings: []standings.Standing{
			{ID: "a", Position: 1, ArcLength: 120.5},
			{ID: "b", Position: 2, ArcLength: math.Inf(-1)},
		},
	}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Race: stubRace{status: status}})

	rr := serve(handlers.StandingsHandler(), http.MethodGet, "/api/standings", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload struct {
		RaceID    string               `json:"raceId"`
		Standings []standings.Standing `json:"standings"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.RaceID != "race-1" || len(payload.Standings) != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Standings[0].ArcLength != 120.5 || payload.Standings[1].ArcLength != 0 {
		t.Fatalf("unexpected progress: %+v", payload.Standings)
	}
	if !math.IsInf(status.Standings[1].ArcLength, -1) {
		t.Fatalf("source status must not be modified")
	}
}

func TestRaceHandlerIncludesReplayStats(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger: logging.NewTestLogger(),
		Race:   stubRace{status: match.Status{RaceID: "race-2", Phase: "lobby", PlayerCount: 4}},
		Replay: func() replay.Stats { return replay.Stats{Recording: true, RaceID: "race-2"} },
	})
	rr := serve(handlers.RaceHandler(), http.MethodGet, "/api/race", nil)
	var payload struct {
		RaceID      string       `json:"raceId"`
		PlayerCount int          `json:"playerCount"`
		Replay      replay.Stats `json:"replay"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.RaceID != "race-2" || payload.PlayerCount != 4 || !payload.Replay.Recording {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	empty := NewHandlerSet(Options{Logger: logging.NewTestLogger()})
	if rr := serve(empty.RaceHandler(), http.MethodGet, "/api/race", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a race, got %d", rr.Code)
	}
}

func TestResultsHandlerListsAndFetches(t *testing.T) {
	store := &stubResults{
		recent: []results.Summary{{RaceID: "race-9", Winner: "ayrton"}},
		race:   match.Results{RaceID: "race-9", MaxLaps: 3},
	}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Results: store})

	rr := serve(handlers.ResultsHandler(), http.MethodGet, "/api/results?limit=500", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if store.limit != maxResultsLimit {
		t.Fatalf("expected limit capped at %d, got %d", maxResultsLimit, store.limit)
	}
	var listed []results.Summary
	if err := json.NewDecoder(rr.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].Winner != "ayrton" {
		t.Fatalf("unexpected listing: %+v", listed)
	}

	rr = serve(handlers.ResultsHandler(), http.MethodGet, "/api/results/race-9", nil)
	var race match.Results
	if err := json.NewDecoder(rr.Body).Decode(&race); err != nil {
		t.Fatalf("decode race: %v", err)
	}
	if race.RaceID != "race-9" || race.MaxLaps != 3 {
		t.Fatalf("unexpected race: %+v", race)
	}

	if rr := serve(handlers.ResultsHandler(), http.MethodGet, "/api/results/missing", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := serve(handlers.ResultsHandler(), http.MethodGet, "/api/results?limit=-2", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad limit, got %d", rr.Code)
	}
}

func TestResetHandlerAuthAndRateLimits(t *testing.T) {
	resetter := &stubResetter{}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Resetter:    resetter,
		AdminToken:  "topsecret",
		RateLimiter: &stubLimiter{remaining: 2},
	})
	post := func(token string) *httptest.ResponseRecorder {
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		return serve(handlers.ResetHandler(), http.MethodPost, "/api/race/reset", header)
	}

	if rr := serve(handlers.ResetHandler(), http.MethodGet, "/api/race/reset", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if rr := post(""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rr.Code)
	}
	if rr := post("topsecret"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resetter.err = match.ErrRaceInProgress
	if rr := post("topsecret"); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 during a race, got %d", rr.Code)
	}
	if rr := post("topsecret"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if resetter.calls != 2 {
		t.Fatalf("expected two reset attempts, got %d", resetter.calls)
	}
}

func TestResetHandlerRequiresConfiguredToken(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Resetter: &stubResetter{}})
	header := http.Header{}
	header.Set("X-Admin-Token", "anything")
	if rr := serve(handlers.ResetHandler(), http.MethodPost, "/api/race/reset", header); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with admin auth disabled, got %d", rr.Code)
	}
}
