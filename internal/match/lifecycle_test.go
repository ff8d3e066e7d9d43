package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poleposition/raceserver/internal/logging"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                       { return f.now }
func (f *fakeClock) set(from time.Time, d time.Duration) { f.now = from.Add(d) }

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestController(t *testing.T, rules Rules) (*Controller, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: base}
	c, err := NewController(rules,
		WithClock(clock.Now),
		WithLogger(logging.NewTestLogger()),
		WithRaceIDs(func() string { return "race-1" }),
	)
	require.NoError(t, err)
	return c, clock
}

func twoPlayerRules() Rules {
	return Rules{PlayerCount: 2, MaxLaps: 3, Countdown: 3 * time.Second, Checkpoints: 6, FadeOut: time.Second}
}

// lap drives a racer through checkpoints 1..5 and back to 0.
func lap(t *testing.T, c *Controller, id string) error {
	t.Helper()
	for cp := 1; cp <= 5; cp++ {
		if _, err := c.EnterCheckpoint(id, cp); err != nil {
			return err
		}
	}
	_, err := c.EnterCheckpoint(id, 0)
	return err
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func startRace(t *testing.T, c *Controller, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := c.Join(id, "")
		require.NoError(t, err)
	}
	for _, id := range ids {
		require.NoError(t, c.SetReady(id, true))
	}
	require.Equal(t, PhaseCountdown, c.Phase())
	c.Advance(c.Rules().Countdown)
}

func TestNewControllerRejectsInvalidRules(t *testing.T) {
	_, err := NewController(Rules{PlayerCount: 0, MaxLaps: 3, Checkpoints: 6})
	assert.ErrorIs(t, err, ErrInvalidRules)
	_, err = NewController(Rules{PlayerCount: 2, MaxLaps: 3, Checkpoints: 2})
	assert.ErrorIs(t, err, ErrInvalidRules)
	_, err = NewController(Rules{PlayerCount: 2, MaxLaps: 3, Checkpoints: 6, Countdown: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidRules)
}

func TestLobbyWaitsForFullReadyRoster(t *testing.T) {
	c, _ := newTestController(t, twoPlayerRules())

	a, err := c.Join("a", "")
	require.NoError(t, err)
	assert.Equal(t, "Player1", a.Name)
	assert.Equal(t, 0, a.Slot)

	_, err = c.Join("", "nobody")
	assert.ErrorIs(t, err, ErrInvalidPlayerID)

	require.NoError(t, c.SetReady("a", true))
	assert.Equal(t, PhaseLobby, c.Phase(), "one ready player must not start a two player race")

	b, err := c.Join("b", "Bob")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Slot)
	assert.Equal(t, 1, b.ArrayPosition)

	_, err = c.Join("c", "")
	assert.ErrorIs(t, err, ErrRaceFull)
	assert.ErrorIs(t, c.SetReady("zed", true), ErrUnknownRacer)

	require.NoError(t, c.SetReady("b", true))
	assert.Equal(t, PhaseCountdown, c.Phase())

	_, err = c.Join("late", "")
	assert.ErrorIs(t, err, ErrRaceInProgress)

	events := c.Events()
	assert.Equal(t, 1, countKind(events, EventGrid))
	assert.Equal(t, EventCountdown, events[len(events)-1].Kind)
	assert.Equal(t, 3, events[len(events)-1].Remaining)
}

func TestCountdownAnnouncesEachSecondThenStarts(t *testing.T) {
	c, clock := newTestController(t, twoPlayerRules())
	for _, id := range []string{"a", "b"} {
		_, err := c.Join(id, "")
		require.NoError(t, err)
		require.NoError(t, c.SetReady(id, true))
	}
	c.Events()

	for i := 0; i < 6; i++ {
		c.Advance(500 * time.Millisecond)
	}
	events := c.Events()
	var remaining []int
	for _, e := range events {
		if e.Kind == EventCountdown {
			remaining = append(remaining, e.Remaining)
		}
	}
	assert.Equal(t, []int{2, 1}, remaining)
	assert.Equal(t, EventStartGame, events[len(events)-1].Kind)
	assert.Equal(t, PhaseRacing, c.Phase())

	//1.- The stopwatch starts when the countdown reaches zero.
	clock.set(base, 42*time.Second)
	assert.Equal(t, 42*time.Second, c.Elapsed())

	_, err := c.EnterCheckpoint("a", 1)
	assert.NoError(t, err)
}

func TestCheckpointEntriesRejectedOutsideRace(t *testing.T) {
	c, _ := newTestController(t, twoPlayerRules())
	_, err := c.Join("a", "")
	require.NoError(t, err)

	_, err = c.EnterCheckpoint("a", 1)
	assert.ErrorIs(t, err, ErrNotRacing)
	_, err = c.EnterCheckpoint("ghost", 1)
	assert.ErrorIs(t, err, ErrUnknownRacer)
}

func TestEndToEndRaceFinishesOnceAndFormatsResults(t *testing.T) {
	c, clock := newTestController(t, twoPlayerRules())
	require.NoError(t, func() error { _, err := c.Join("a", "Alice"); return err }())
	require.NoError(t, func() error { _, err := c.Join("b", "Bob"); return err }())
	require.NoError(t, c.SetReady("a", true))
	require.NoError(t, c.SetReady("b", true))
	c.Advance(3 * time.Second)
	require.Equal(t, PhaseRacing, c.Phase())
	c.Events()

	clock.set(base, 60*time.Second)
	require.NoError(t, lap(t, c, "a"))
	clock.set(base, 70*time.Second)
	require.NoError(t, lap(t, c, "b"))
	clock.set(base, 125*time.Second)
	require.NoError(t, lap(t, c, "a"))
	clock.set(base, 140*time.Second)
	require.NoError(t, lap(t, c, "b"))
	clock.set(base, 190*time.Second)
	require.NoError(t, lap(t, c, "a"))

	assert.Equal(t, PhaseFinishing, c.Phase())
	_, published := c.Results()
	assert.False(t, published, "results wait for the finish cue")

	//1.- B crossing the line afterwards must not finish the race again.
	clock.set(base, 205*time.Second)
	err := lap(t, c, "b")
	assert.ErrorIs(t, err, ErrNotRacing)

	c.Advance(time.Second)
	assert.Equal(t, PhaseResults, c.Phase())

	events := c.Events()
	assert.Equal(t, 1, countKind(events, EventFinishGame))
	assert.Equal(t, 1, countKind(events, EventScores))
	assert.Equal(t, 5, countKind(events, EventLapTime))
	for _, e := range events {
		if e.Kind == EventFinishGame {
			assert.False(t, e.Forced)
			assert.Equal(t, 190*time.Second, e.Elapsed)
		}
	}

	results, ok := c.Results()
	require.True(t, ok)
	assert.Equal(t, "race-1", results.RaceID)
	require.Len(t, results.Rows, 2)

	winner := results.Rows[0]
	assert.Equal(t, "Alice", winner.Name)
	assert.Equal(t, 1, winner.Position)
	assert.Equal(t, []string{"01:00.000", "01:05.000", "01:05.000"}, winner.Laps)
	assert.Equal(t, "01:05.000", winner.Best)
	assert.Equal(t, "03:10.000", winner.Total)

	runnerUp := results.Rows[1]
	assert.Equal(t, "Bob", runnerUp.Name)
	assert.Equal(t, []string{"01:10.000", "01:10.000", UnsetTime}, runnerUp.Laps)
	assert.Equal(t, "01:10.000", runnerUp.Best)
	assert.Equal(t, UnsetTime, runnerUp.Total)

	scores := results.Scores()
	assert.Equal(t, []string{"Alice", "Bob"}, scores.Names)
	require.Len(t, scores.Laps, 3)
	assert.Equal(t, []string{"01:05.000", UnsetTime}, scores.Laps[2])
	assert.Equal(t, []string{"03:10.000", UnsetTime}, scores.Total)
}

func TestDisconnectMidRaceForcesFinish(t *testing.T) {
	rules := twoPlayerRules()
	rules.PlayerCount = 3
	rules.FadeOut = 0
	c, _ := newTestController(t, rules)
	startRace(t, c, "a", "b", "c")
	c.Events()

	assert.True(t, c.Leave("a"))
	assert.Equal(t, PhaseRacing, c.Phase())
	assert.True(t, c.Leave("b"))
	assert.False(t, c.Leave("b"))

	assert.Equal(t, PhaseResults, c.Phase())
	status, ok := c.Racer("c")
	require.True(t, ok)
	assert.Equal(t, 0, status.ArrayPosition)

	ranking := c.Standings()
	require.Len(t, ranking.Standings, 1)
	assert.Equal(t, 0, ranking.Standings[0].ArrayPosition)

	events := c.Events()
	assert.Equal(t, 1, countKind(events, EventFinishGame))
	results, ok := c.Results()
	require.True(t, ok)
	assert.True(t, results.Forced)
	require.Len(t, results.Rows, 1)
	assert.Equal(t, UnsetTime, results.Rows[0].Total)
}

func TestDisconnectDuringCountdownForcesFinish(t *testing.T) {
	c, _ := newTestController(t, twoPlayerRules())
	for _, id := range []string{"a", "b"} {
		_, err := c.Join(id, "")
		require.NoError(t, err)
		require.NoError(t, c.SetReady(id, true))
	}
	require.Equal(t, PhaseCountdown, c.Phase())
	c.Leave("a")
	assert.Equal(t, PhaseFinishing, c.Phase())
}

func TestShutdownSuppressesForcedFinish(t *testing.T) {
	c, _ := newTestController(t, twoPlayerRules())
	startRace(t, c, "a", "b")
	c.Events()

	c.Shutdown()
	c.Leave("a")
	assert.Equal(t, PhaseRacing, c.Phase())
	assert.Zero(t, countKind(c.Events(), EventFinishGame))
}

func TestSoloRacerLeavingFinishesRace(t *testing.T) {
	rules := twoPlayerRules()
	rules.PlayerCount = 1
	c, _ := newTestController(t, rules)
	startRace(t, c, "a")
	require.Equal(t, PhaseRacing, c.Phase())
	c.Events()

	c.Leave("a")
	assert.Equal(t, PhaseFinishing, c.Phase())
	assert.Equal(t, 1, countKind(c.Events(), EventFinishGame))

	c.Advance(rules.FadeOut)
	require.Equal(t, PhaseResults, c.Phase())
	results, ok := c.Results()
	require.True(t, ok)
	assert.True(t, results.Forced)

	//1.- The empty session can be recycled for the next driver.
	require.NoError(t, c.Reset())
	assert.Equal(t, PhaseLobby, c.Phase())
	_, err := c.Join("b", "")
	require.NoError(t, err)
}

func TestEmptyGridDuringShutdownStaysPut(t *testing.T) {
	rules := twoPlayerRules()
	rules.PlayerCount = 1
	c, _ := newTestController(t, rules)
	startRace(t, c, "a")
	c.Events()

	c.Shutdown()
	c.Leave("a")
	assert.Equal(t, PhaseRacing, c.Phase())
	assert.Zero(t, countKind(c.Events(), EventFinishGame))
}

func TestLeaveInLobbyRenumbersPositions(t *testing.T) {
	rules := twoPlayerRules()
	rules.PlayerCount = 3
	c, _ := newTestController(t, rules)
	for _, id := range []string{"a", "b", "c"} {
		_, err := c.Join(id, "")
		require.NoError(t, err)
	}
	c.Leave("a")
	assert.Equal(t, PhaseLobby, c.Phase())

	status := c.Status()
	require.Len(t, status.Racers, 2)
	assert.Equal(t, "b", status.Racers[0].ID)
	assert.Equal(t, 0, status.Racers[0].ArrayPosition)
	assert.Equal(t, 1, status.Racers[1].ArrayPosition)

	//1.- The freed pole slot goes to the next joiner.
	d, err := c.Join("d", "")
	require.NoError(t, err)
	assert.Equal(t, 0, d.Slot)
	assert.Equal(t, "Player4", d.Name)
}

func TestWrongWayIsBroadcast(t *testing.T) {
	c, _ := newTestController(t, twoPlayerRules())
	startRace(t, c, "a", "b")
	c.Events()

	_, err := c.EnterCheckpoint("a", 1)
	require.NoError(t, err)
	tr, err := c.EnterCheckpoint("a", 0)
	require.NoError(t, err)
	assert.True(t, tr.WrongWay)
	assert.Equal(t, 1, tr.Checkpoint)
	assert.Equal(t, []EventKind{EventWrongWay}, kinds(c.Events()))
}

func TestClassificationLapRegridsByTime(t *testing.T) {
	rules := twoPlayerRules()
	rules.ClassificationLap = true
	rules.MaxLaps = 2
	c, clock := newTestController(t, rules)
	for _, id := range []string{"a", "b"} {
		_, err := c.Join(id, "")
		require.NoError(t, err)
		require.NoError(t, c.SetReady(id, true))
	}

	events := c.Events()
	var grid []GridSlot
	for _, e := range events {
		if e.Kind == EventGrid {
			grid = e.Grid
			assert.True(t, e.Classification)
		}
	}
	assert.Equal(t, []GridSlot{{RacerID: "a", Slot: 0}, {RacerID: "b", Slot: 0}}, grid)

	c.Advance(3 * time.Second)
	require.Equal(t, PhaseClassification, c.Phase())
	assert.True(t, c.Status().Classification)

	clock.set(base, 50*time.Second)
	require.NoError(t, lap(t, c, "b"))
	assert.Equal(t, PhaseClassification, c.Phase())
	clock.set(base, 55*time.Second)
	require.NoError(t, lap(t, c, "a"))

	//1.- Everyone classified: back to the countdown on the new grid.
	assert.Equal(t, PhaseCountdown, c.Phase())
	events = c.Events()
	assert.Equal(t, 2, countKind(events, EventClassified))
	for _, e := range events {
		if e.Kind == EventGrid {
			grid = e.Grid
		}
	}
	assert.Equal(t, []GridSlot{{RacerID: "b", Slot: 0}, {RacerID: "a", Slot: 1}}, grid)

	a, _ := c.Racer("a")
	assert.Equal(t, 0, a.Lap)
	assert.True(t, a.Classified)

	c.Advance(3 * time.Second)
	require.Equal(t, PhaseRacing, c.Phase())
	clock.set(base, 55*time.Second+70*time.Second)
	require.NoError(t, lap(t, c, "a"))
	assert.Equal(t, PhaseRacing, c.Phase(), "two lap race continues after lap one")
}

func TestResetReturnsToLobby(t *testing.T) {
	rules := twoPlayerRules()
	rules.FadeOut = 0
	c, _ := newTestController(t, rules)
	startRace(t, c, "a", "b")
	assert.ErrorIs(t, c.Reset(), ErrRaceInProgress)

	c.Leave("b")
	require.Equal(t, PhaseResults, c.Phase())
	require.NoError(t, c.Reset())
	assert.Equal(t, PhaseLobby, c.Phase())
	_, ok := c.Results()
	assert.False(t, ok)

	a, _ := c.Racer("a")
	assert.False(t, a.Ready)
	assert.False(t, a.Finished)
}

func TestReportArcLengthDrivesStandings(t *testing.T) {
	c, _ := newTestController(t, twoPlayerRules())
	startRace(t, c, "a", "b")

	require.NoError(t, c.ReportArcLength("a", 120))
	require.NoError(t, c.ReportArcLength("b", 340))
	assert.ErrorIs(t, c.ReportArcLength("ghost", 1), ErrUnknownRacer)

	ranking := c.Standings()
	assert.Equal(t, []string{"b", "a"}, ranking.Order())

	require.NoError(t, c.SetName("a", "Alice"))
	status := c.Status()
	assert.Equal(t, "racing", status.Phase)
	assert.Equal(t, "Alice", status.Racers[0].Name)
	assert.Equal(t, "b", status.Standings[0].ID)
}
