// Package match runs a race session: the lobby roster, countdown, optional
// classification lap, the race proper and the final results.
package match

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"poleposition/raceserver/internal/checkpoint"
	"poleposition/raceserver/internal/config"
	"poleposition/raceserver/internal/logging"
	"poleposition/raceserver/internal/standings"
	"poleposition/raceserver/internal/state"
)

var (
	// ErrRaceInProgress rejects lobby operations once the countdown has begun.
	ErrRaceInProgress = errors.New("race already in progress")
	// ErrNotRacing rejects checkpoint entries outside a running race.
	ErrNotRacing = errors.New("race is not running")
	// ErrInvalidRules is returned for rules the controller cannot run.
	ErrInvalidRules = errors.New("invalid race rules")
)

// Phase is the lifecycle state of the race session.
type Phase int

const (
	PhaseLobby Phase = iota
	PhaseCountdown
	PhaseClassification
	PhaseRacing
	PhaseFinishing
	PhaseResults
)

var phaseNames = [...]string{"lobby", "countdown", "classification", "racing", "finishing", "results"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// started reports whether the countdown for the current race has begun and
// the race has not yet finished.
func (p Phase) started() bool {
	return p == PhaseCountdown || p == PhaseClassification || p == PhaseRacing
}

// DefaultFadeOut is how long the finish cue plays before results are published.
const DefaultFadeOut = time.Second

// Rules configures a race session.
type Rules struct {
	PlayerCount       int
	MaxLaps           int
	ClassificationLap bool
	Countdown         time.Duration
	Checkpoints       int
	FadeOut           time.Duration
}

// RulesFromConfig maps the environment race settings onto Rules.
func RulesFromConfig(cfg config.RaceConfig) Rules {
	return Rules{
		PlayerCount:       cfg.PlayerCount,
		MaxLaps:           cfg.MaxLaps,
		ClassificationLap: cfg.ClassificationLap,
		Countdown:         cfg.Countdown,
		Checkpoints:       cfg.Checkpoints,
		FadeOut:           DefaultFadeOut,
	}
}

func (r Rules) validate() error {
	switch {
	case r.PlayerCount < 1:
		return fmt.Errorf("%w: player count must be positive", ErrInvalidRules)
	case r.MaxLaps < 1:
		return fmt.Errorf("%w: max laps must be positive", ErrInvalidRules)
	case r.Checkpoints < 3:
		return fmt.Errorf("%w: need at least 3 checkpoints", ErrInvalidRules)
	case r.Countdown < 0 || r.FadeOut < 0:
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidRules)
	}
	return nil
}

// Option configures optional Controller behaviour at construction time.
type Option func(*Controller)

// WithClock overrides the wall clock driving the race stopwatch.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithLogger routes lifecycle logs to logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRaceIDs overrides the race identifier generator.
func WithRaceIDs(next func() string) Option {
	return func(c *Controller) {
		if next != nil {
			c.newID = next
		}
	}
}

// Status is a read-only view of the session for observers.
type Status struct {
	RaceID         string               `json:"raceId"`
	Phase          string               `json:"phase"`
	Countdown      time.Duration        `json:"countdown"`
	Elapsed        time.Duration        `json:"elapsed"`
	Classification bool                 `json:"classification"`
	PlayerCount    int                  `json:"playerCount"`
	MaxLaps        int                  `json:"maxLaps"`
	Racers         []RacerStatus        `json:"racers"`
	Standings      []standings.Standing `json:"standings"`
}

// Controller is the authoritative race lifecycle. Every method takes a single
// coarse lock, so the roster and the race clock have one writer at a time.
type Controller struct {
	mu sync.Mutex

	rules  Rules
	now    func() time.Time
	newID  func() string
	logger *logging.Logger
	events *state.EventStore[Event]

	roster      *Roster
	phase       Phase
	raceID      string
	countdown   time.Duration
	announced   int
	fade        time.Duration
	classifying bool
	watch       stopwatch
	finished    bool
	forced      bool
	closing     bool
	results     *Results
}

// NewController builds a controller waiting in the lobby.
func NewController(rules Rules, opts ...Option) (*Controller, error) {
	if err := rules.validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		rules:  rules,
		now:    time.Now,
		newID:  func() string { return ksuid.New().String() },
		logger: logging.L(),
		events: state.NewEventStore[Event](),
		roster: newRoster(rules.PlayerCount, rules.Checkpoints, rules.MaxLaps),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Rules returns the session rules.
func (c *Controller) Rules() Rules { return c.rules }

// Events drains the events produced since the last call, oldest first.
func (c *Controller) Events() []Event { return c.events.ConsumeDiff() }

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Elapsed reads the race stopwatch.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watch.read(c.now())
}

// Join adds a driver to the lobby. An empty name defaults to "Player<n>".
func (c *Controller) Join(id, name string) (RacerStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseLobby {
		return RacerStatus{}, ErrRaceInProgress
	}
	racer, err := c.roster.Join(id, name, c.now())
	if err != nil {
		return RacerStatus{}, err
	}
	c.logger.Info("racer joined",
		logging.String("racer_id", racer.ID),
		logging.String("name", racer.Name),
		logging.Int("slot", racer.Slot),
		logging.Int("players", c.roster.Len()),
	)
	c.publishRosterLocked()
	return racer.status(), nil
}

// Leave removes a driver. When the race has started and at most one driver of
// a multiplayer grid is left, or nobody is left at all, the race is finished
// unless the server is shutting down.
func (c *Controller) Leave(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	racer, ok := c.roster.Leave(id)
	if !ok {
		return false
	}
	c.logger.Info("racer left",
		logging.String("racer_id", racer.ID),
		logging.String("phase", c.phase.String()),
		logging.Int("players", c.roster.Len()),
	)
	c.publishRosterLocked()

	switch {
	case c.phase.started() && (c.roster.Len() == 0 || (c.rules.PlayerCount > 1 && c.roster.Len() <= 1)):
		//1.- A lone driver would wait forever and an empty grid would never finish.
		if c.closing {
			c.logger.Info("forced finish suppressed during shutdown", logging.String("race_id", c.raceID))
			return true
		}
		c.finishLocked(true)
	case c.phase == PhaseClassification && c.allClassifiedLocked():
		c.regridLocked()
	}
	return true
}

// SetReady flags a driver as ready. The countdown begins once the lobby is
// full and every driver is ready.
func (c *Controller) SetReady(id string, ready bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	racer := c.roster.Get(id)
	if racer == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRacer, id)
	}
	if c.phase != PhaseLobby {
		return ErrRaceInProgress
	}
	racer.Ready = ready
	c.publishRosterLocked()
	if c.roster.AllReady() {
		c.beginRaceLocked()
	}
	return nil
}

// SetName renames a driver.
func (c *Controller) SetName(id, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	racer := c.roster.Get(id)
	if racer == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRacer, id)
	}
	if name == "" {
		return nil
	}
	racer.Name = name
	c.publishRosterLocked()
	return nil
}

// Advance moves the countdown and the finish cue forward by dt.
func (c *Controller) Advance(dt time.Duration) {
	if dt <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case PhaseCountdown:
		c.countdown -= dt
		if c.countdown <= 0 {
			c.goLocked()
			return
		}
		c.announceLocked()
	case PhaseFinishing:
		c.fade -= dt
		if c.fade <= 0 {
			c.publishResultsLocked()
		}
	}
}

// EnterCheckpoint applies a checkpoint trigger for a driver at the current
// race time and runs whatever the transition completes.
func (c *Controller) EnterCheckpoint(id string, checkpointID int) (checkpoint.Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	racer := c.roster.Get(id)
	if racer == nil {
		return checkpoint.Transition{}, fmt.Errorf("%w: %s", ErrUnknownRacer, id)
	}
	if c.phase != PhaseRacing && c.phase != PhaseClassification {
		return checkpoint.Transition{}, ErrNotRacing
	}

	tr := racer.Tracker.Enter(checkpointID, c.watch.read(c.now()))
	if tr.WrongWay {
		c.events.Add(Event{Kind: EventWrongWay, RaceID: c.raceID, RacerID: id, Lap: tr.Lap})
	}
	if tr.LapCompleted {
		c.logger.Info("lap completed",
			logging.String("racer_id", id),
			logging.Int("lap", tr.Lap),
			logging.Duration("elapsed", tr.Elapsed),
		)
		c.events.Add(Event{Kind: EventLapTime, RaceID: c.raceID, RacerID: id, Lap: tr.Lap, Elapsed: tr.Elapsed})
	}
	if !tr.Finished {
		return tr, nil
	}

	//1.- The last lap either seeds the grid or ends the race.
	racer.Tracker.SetClassified(true)
	if c.phase == PhaseClassification {
		racer.ClassificationTime = tr.Elapsed
		c.events.Add(Event{Kind: EventClassified, RaceID: c.raceID, RacerID: id, Elapsed: tr.Elapsed})
		if c.allClassifiedLocked() {
			c.regridLocked()
		}
		return tr, nil
	}
	c.finishLocked(false)
	return tr, nil
}

// ReportArcLength stores a driver's race progress as computed by its owner.
func (c *Controller) ReportArcLength(id string, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	racer := c.roster.Get(id)
	if racer == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRacer, id)
	}
	if math.IsInf(value, 0) || math.IsNaN(value) {
		value = standings.Sentinel
	}
	racer.ArcLength = value
	return nil
}

// Standings ranks the active roster by progress.
func (c *Controller) Standings() standings.Ranking {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rankLocked()
}

// Racer returns a copy of one driver's state.
func (c *Controller) Racer(id string) (RacerStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	racer := c.roster.Get(id)
	if racer == nil {
		return RacerStatus{}, false
	}
	return racer.status(), true
}

// Status returns a snapshot of the whole session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{
		RaceID:         c.raceID,
		Phase:          c.phase.String(),
		Elapsed:        c.watch.read(c.now()),
		Classification: c.classifying,
		PlayerCount:    c.rules.PlayerCount,
		MaxLaps:        c.rules.MaxLaps,
		Standings:      c.rankLocked().Standings,
	}
	if c.phase == PhaseCountdown {
		status.Countdown = c.countdown
	}
	for _, racer := range c.roster.racers {
		status.Racers = append(status.Racers, racer.status())
	}
	return status
}

// Results returns the final table once published.
func (c *Controller) Results() (Results, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		return Results{}, false
	}
	return *c.results, true
}

// Shutdown marks the server as closing so departures no longer force a finish.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
}

// Reset returns a finished session to the lobby, keeping the roster.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseResults {
		return ErrRaceInProgress
	}
	for _, racer := range c.roster.racers {
		racer.Ready = false
		racer.ArcLength = 0
		racer.ClassificationTime = 0
		racer.Tracker.SetMaxLaps(c.rules.MaxLaps)
		racer.Tracker.Reset()
		racer.Tracker.SetClassified(false)
	}
	c.phase = PhaseLobby
	c.raceID = ""
	c.finished = false
	c.forced = false
	c.results = nil
	c.watch.reset()
	c.logger.Info("session returned to lobby")
	c.publishRosterLocked()
	return nil
}

func (c *Controller) beginRaceLocked() {
	c.raceID = c.newID()
	c.classifying = c.rules.ClassificationLap
	c.finished = false
	c.forced = false
	c.results = nil

	//1.- A classification lap is one lap each from pole; otherwise the full race.
	laps := c.rules.MaxLaps
	if c.classifying {
		laps = 1
	}
	for _, racer := range c.roster.racers {
		racer.ArcLength = 0
		racer.ClassificationTime = 0
		racer.Tracker.SetMaxLaps(laps)
		racer.Tracker.Reset()
		racer.Tracker.SetClassified(!c.classifying)
	}

	grid := currentGrid(c.roster.racers)
	if c.classifying {
		grid = soloGrid(c.roster.racers)
	}
	c.logger.Info("race starting",
		logging.String("race_id", c.raceID),
		logging.Int("players", c.roster.Len()),
		logging.Bool("classification", c.classifying),
	)
	c.events.Add(Event{Kind: EventGrid, RaceID: c.raceID, Grid: grid, Classification: c.classifying})
	c.startCountdownLocked()
}

func (c *Controller) startCountdownLocked() {
	c.watch.reset()
	c.phase = PhaseCountdown
	c.countdown = c.rules.Countdown
	c.announced = -1
	if c.countdown <= 0 {
		c.goLocked()
		return
	}
	c.announceLocked()
}

// announceLocked emits one countdown event per whole second remaining.
func (c *Controller) announceLocked() {
	seconds := int(math.Ceil(c.countdown.Seconds()))
	if seconds == c.announced {
		return
	}
	c.announced = seconds
	c.events.Add(Event{Kind: EventCountdown, RaceID: c.raceID, Remaining: seconds})
}

func (c *Controller) goLocked() {
	c.countdown = 0
	c.watch.start(c.now())
	c.phase = PhaseRacing
	if c.classifying {
		c.phase = PhaseClassification
	}
	c.logger.Info("race started", logging.String("race_id", c.raceID), logging.String("phase", c.phase.String()))
	c.events.Add(Event{Kind: EventStartGame, RaceID: c.raceID, Classification: c.classifying})
}

func (c *Controller) allClassifiedLocked() bool {
	if c.roster.Len() == 0 {
		return false
	}
	for _, racer := range c.roster.racers {
		if !racer.Tracker.Classified() {
			return false
		}
	}
	return true
}

// regridLocked ends the classification lap and counts down to the race proper.
func (c *Controller) regridLocked() {
	grid := regrid(c.roster.racers)
	c.classifying = false
	for _, racer := range c.roster.racers {
		racer.ArcLength = 0
		racer.Tracker.SetMaxLaps(c.rules.MaxLaps)
		racer.Tracker.Reset()
	}
	c.logger.Info("classification complete", logging.String("race_id", c.raceID), logging.Int("players", len(grid)))
	c.events.Add(Event{Kind: EventGrid, RaceID: c.raceID, Grid: grid})
	c.startCountdownLocked()
}

// finishLocked ends the race exactly once.
func (c *Controller) finishLocked(forced bool) {
	if c.finished {
		return
	}
	c.finished = true
	c.forced = forced
	now := c.now()
	c.watch.stop(now)
	c.phase = PhaseFinishing
	c.fade = c.rules.FadeOut
	elapsed := c.watch.read(now)
	c.logger.Info("race finished",
		logging.String("race_id", c.raceID),
		logging.Bool("forced", forced),
		logging.Duration("elapsed", elapsed),
	)
	c.events.Add(Event{Kind: EventFinishGame, RaceID: c.raceID, Elapsed: elapsed, Forced: forced})
	if c.fade <= 0 {
		c.publishResultsLocked()
	}
}

func (c *Controller) publishResultsLocked() {
	now := c.now()
	results := buildResults(c.raceID, c.rules.MaxLaps, c.roster.racers, c.rankLocked(), c.watch.read(now), c.forced, now)
	c.results = &results
	c.phase = PhaseResults
	c.events.Add(Event{Kind: EventScores, RaceID: c.raceID, Results: &results})
}

func (c *Controller) publishRosterLocked() {
	roster := make([]RacerStatus, 0, c.roster.Len())
	for _, racer := range c.roster.racers {
		roster = append(roster, racer.status())
	}
	c.events.Add(Event{Kind: EventRoster, RaceID: c.raceID, Roster: roster})
}

func (c *Controller) rankLocked() standings.Ranking {
	entries := make([]*standings.Entry, 0, c.roster.Len())
	for _, racer := range c.roster.racers {
		entries = append(entries, &standings.Entry{
			ID:        racer.ID,
			Name:      racer.Name,
			Lap:       racer.Tracker.Lap(),
			ArcLength: racer.ArcLength,
		})
	}
	return standings.Rank(entries)
}
