// Package httpapi serves the race server's operational and observer HTTP
// endpoints: health probes, Prometheus text metrics, the live race view,
// stored results and the admin reset.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"poleposition/raceserver/internal/input"
	"poleposition/raceserver/internal/logging"
	"poleposition/raceserver/internal/match"
	"poleposition/raceserver/internal/networking"
	"poleposition/raceserver/internal/replay"
	"poleposition/raceserver/internal/results"
	"poleposition/raceserver/internal/simulation"
)

const (
	defaultResultsLimit = 10
	maxResultsLimit     = 100
)

// ReadinessProvider exposes server state required for readiness checks.
type ReadinessProvider interface {
	ClientCounts() (clients, racers int)
	StartupError() error
	Uptime() time.Duration
}

// RaceSource is the live race session.
type RaceSource interface {
	Status() match.Status
}

// ResultsSource reads finished races.
type ResultsSource interface {
	Recent(ctx context.Context, limit int) ([]results.Summary, error)
	Get(ctx context.Context, raceID string) (match.Results, error)
}

// Resetter returns a finished race to the lobby.
type Resetter interface {
	Reset() error
}

// RateLimiter gates how frequently admin operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet. Every source is optional.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Race        RaceSource
	Results     ResultsSource
	Resetter    Resetter
	Ticks       func() simulation.TickMetricsSnapshot
	Drops       func() map[string]input.DropCounters
	Violations  func() map[string]input.ViolationCounters
	Bandwidth   func() map[string]networking.Usage
	Replay      func() replay.Stats
	Storage     func() replay.StorageStats
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the server's HTTP handlers.
type HandlerSet struct {
	opts   Options
	logger *logging.Logger
	now    func() time.Time
	token  string
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{opts: opts, logger: logger, now: now, token: strings.TrimSpace(opts.AdminToken)}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/api/race", h.RaceHandler())
	mux.HandleFunc("/api/standings", h.StandingsHandler())
	mux.HandleFunc("/api/results", h.ResultsHandler())
	mux.HandleFunc("/api/results/", h.ResultsHandler())
	mux.HandleFunc("/api/race/reset", h.ResetHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports startup status, connection counts and tick health.
// Ticks over budget degrade the status without failing the probe.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string                          `json:"status"`
		Message       string                          `json:"message,omitempty"`
		UptimeSeconds float64                         `json:"uptime_seconds"`
		Clients       int                             `json:"clients"`
		Racers        int                             `json:"racers"`
		Ticks         *simulation.TickMetricsSnapshot `json:"ticks,omitempty"`
		TickRate      float64                         `json:"tick_rate,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.opts.Ticks != nil {
			ticks := h.opts.Ticks()
			resp.Ticks = &ticks
			resp.TickRate = ticks.AverageFPS()
			if !ticks.Healthy() {
				resp.Status = "degraded"
			}
		}
		if h.opts.Readiness != nil {
			resp.Clients, resp.Racers = h.opts.Readiness.ClientCounts()
			resp.UptimeSeconds = h.opts.Readiness.Uptime().Seconds()
			if err := h.opts.Readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if rd := h.opts.Readiness; rd != nil {
			clients, racers := rd.ClientCounts()
			gauge(w, "race_uptime_seconds", "Server uptime in seconds.", fmt.Sprintf("%.0f", rd.Uptime().Seconds()))
			gauge(w, "race_clients", "Connected websocket clients.", strconv.Itoa(clients))
			gauge(w, "race_racers", "Clients on the race roster.", strconv.Itoa(racers))
		}
		if h.opts.Race != nil {
			status := h.opts.Race.Status()
			gauge(w, "race_elapsed_seconds", "Race stopwatch in seconds.", fmt.Sprintf("%.3f", status.Elapsed.Seconds()))
			fmt.Fprintf(w, "# HELP race_phase Current lifecycle phase.\n# TYPE race_phase gauge\n")
			fmt.Fprintf(w, "race_phase{phase=%q} 1\n", status.Phase)
		}
		if h.opts.Ticks != nil {
			ticks := h.opts.Ticks()
			gauge(w, "race_tick_average_seconds", "Average simulation step duration.", fmt.Sprintf("%.6f", ticks.Average.Seconds()))
			gauge(w, "race_tick_max_seconds", "Slowest simulation step.", fmt.Sprintf("%.6f", ticks.Max.Seconds()))
			counter(w, "race_tick_overruns_total", "Steps that exceeded the fixed step.", strconv.Itoa(ticks.Overruns))
			counter(w, "race_tick_skipped_total", "Steps dropped to catch up.", strconv.Itoa(ticks.Skipped))
		}
		if h.opts.Drops != nil {
			drops := h.opts.Drops()
			fmt.Fprintf(w, "# HELP race_input_dropped_total Input frames rejected by the gate.\n# TYPE race_input_dropped_total counter\n")
			for _, id := range sortedKeys(drops) {
				c := drops[id]
				fmt.Fprintf(w, "race_input_dropped_total{client=%q,reason=\"sequence\"} %d\n", id, c.Sequence)
				fmt.Fprintf(w, "race_input_dropped_total{client=%q,reason=\"rate_limit\"} %d\n", id, c.RateLimited)
			}
			fmt.Fprintf(w, "# HELP race_input_late_total Input frames applied after exceeding the max age.\n# TYPE race_input_late_total counter\n")
			for _, id := range sortedKeys(drops) {
				fmt.Fprintf(w, "race_input_late_total{client=%q} %d\n", id, drops[id].Late)
			}
		}
		if h.opts.Violations != nil {
			violations := h.opts.Violations()
			fmt.Fprintf(w, "# HELP race_input_violations_total Out of range input frames.\n# TYPE race_input_violations_total counter\n")
			for _, id := range sortedKeys(violations) {
				c := violations[id]
				reasons := make([]string, 0, len(c.Violations))
				for reason := range c.Violations {
					reasons = append(reasons, string(reason))
				}
				sort.Strings(reasons)
				for _, reason := range reasons {
					fmt.Fprintf(w, "race_input_violations_total{client=%q,reason=%q} %d\n", id, reason, c.Violations[input.Violation(reason)])
				}
				fmt.Fprintf(w, "race_input_cooldowns_total{client=%q} %d\n", id, c.Cooldowns)
			}
		}
		if h.opts.Bandwidth != nil {
			usage := h.opts.Bandwidth()
			fmt.Fprintf(w, "# HELP race_snapshot_bytes_total Snapshot bytes sent per client.\n# TYPE race_snapshot_bytes_total counter\n")
			for _, id := range sortedKeys(usage) {
				u := usage[id]
				fmt.Fprintf(w, "race_snapshot_bytes_total{client=%q} %d\n", id, u.Sent)
				fmt.Fprintf(w, "race_snapshot_denied_total{client=%q} %d\n", id, u.Denied)
				fmt.Fprintf(w, "race_snapshot_resyncs_total{client=%q} %d\n", id, u.Resyncs)
			}
		}
		if h.opts.Replay != nil {
			stats := h.opts.Replay()
			counter(w, "race_replays_recorded_total", "Races written to disk.", strconv.FormatInt(stats.Races, 10))
			counter(w, "race_replay_failures_total", "Replay write failures.", strconv.FormatInt(stats.Failures, 10))
		}
		if h.opts.Storage != nil {
			stats := h.opts.Storage()
			gauge(w, "race_replay_bundles", "Recorded races kept on disk.", strconv.Itoa(stats.Races))
			gauge(w, "race_replay_bytes", "Disk used by recorded races.", strconv.FormatInt(stats.Bytes, 10))
		}
	}
}

// raceView is match.Status with progress safe for JSON.
type raceView struct {
	match.Status
	Replay *replay.Stats `json:"replay,omitempty"`
}

// RaceHandler returns the live session status.
func (h *HandlerSet) RaceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.opts.Race == nil {
			http.Error(w, "race unavailable", http.StatusServiceUnavailable)
			return
		}
		view := raceView{Status: jsonSafe(h.opts.Race.Status())}
		if h.opts.Replay != nil {
			stats := h.opts.Replay()
			view.Replay = &stats
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// StandingsHandler returns the current ranking, leader first.
func (h *HandlerSet) StandingsHandler() http.HandlerFunc {
	type response struct {
		RaceID    string `json:"raceId"`
		Phase     string `json:"phase"`
		Standings any    `json:"standings"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.opts.Race == nil {
			http.Error(w, "race unavailable", http.StatusServiceUnavailable)
			return
		}
		status := jsonSafe(h.opts.Race.Status())
		resp := response{RaceID: status.RaceID, Phase: status.Phase, Standings: status.Standings}
		if status.Standings == nil {
			resp.Standings = []struct{}{}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ResultsHandler lists recent races on /api/results and returns one race on
// /api/results/{raceID}.
func (h *HandlerSet) ResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.opts.Results == nil {
			http.Error(w, "results unavailable", http.StatusServiceUnavailable)
			return
		}
		raceID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/results"), "/")
		if raceID != "" {
			race, err := h.opts.Results.Get(r.Context(), raceID)
			switch {
			case errors.Is(err, results.ErrNotFound):
				http.Error(w, "race not found", http.StatusNotFound)
			case err != nil:
				h.logger.Error("results lookup failed", logging.String("race_id", raceID), logging.Error(err))
				http.Error(w, "results lookup failed", http.StatusInternalServerError)
			default:
				writeJSON(w, http.StatusOK, race)
			}
			return
		}

		limit := defaultResultsLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(parsed, maxResultsLimit)
		}
		recent, err := h.opts.Results.Recent(r.Context(), limit)
		if err != nil {
			h.logger.Error("results listing failed", logging.Error(err))
			http.Error(w, "results listing failed", http.StatusInternalServerError)
			return
		}
		if recent == nil {
			recent = []results.Summary{}
		}
		writeJSON(w, http.StatusOK, recent)
	}
}

// ResetHandler authorises and returns a finished race to the lobby.
func (h *HandlerSet) ResetHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "race_reset"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.token == "" {
			reqLogger.Warn("race reset denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("race reset denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.opts.RateLimiter != nil && !h.opts.RateLimiter.Allow() {
			reqLogger.Warn("race reset denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.opts.Resetter == nil {
			http.Error(w, "race reset is unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := h.opts.Resetter.Reset(); err != nil {
			if errors.Is(err, match.ErrRaceInProgress) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			reqLogger.Error("race reset failed", logging.Error(err))
			http.Error(w, "race reset failed", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("race reset to lobby")
		writeJSON(w, http.StatusOK, response{Status: "lobby"})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token := header
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) == 1
}

// jsonSafe replaces non-finite progress, which JSON cannot carry, with zero.
func jsonSafe(status match.Status) match.Status {
	standings := append(status.Standings[:0:0], status.Standings...)
	for i := range standings {
		standings[i].ArcLength = finite(standings[i].ArcLength)
	}
	racers := append(status.Racers[:0:0], status.Racers...)
	for i := range racers {
		racers[i].ArcLength = finite(racers[i].ArcLength)
	}
	status.Standings = standings
	status.Racers = racers
	return status
}

func finite(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	return v
}

func gauge(w http.ResponseWriter, name, help, value string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %s\n", name, help, name, name, value)
}

func counter(w http.ResponseWriter, name, help, value string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %s\n", name, help, name, name, value)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
