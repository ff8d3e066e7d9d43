package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poleposition/raceserver/internal/circuit"
	"poleposition/raceserver/internal/logging"
	"poleposition/raceserver/internal/physics"
	"poleposition/raceserver/internal/standings"
	"poleposition/raceserver/internal/state"
	"poleposition/raceserver/internal/statebuffer"
	"poleposition/raceserver/internal/wire"
)

type sent struct {
	Type    wire.Type
	Payload any
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recorder) Send(t wire.Type, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{Type: t, Payload: payload})
	return nil
}

func (r *recorder) ofType(t wire.Type) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, msg := range r.msgs {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func envelope(t *testing.T, typ wire.Type, payload any) wire.Envelope {
	t.Helper()
	data, err := wire.Encode(typ, payload)
	require.NoError(t, err)
	env, err := wire.Decode(data)
	require.NoError(t, err)
	return env
}

func newTestSession(t *testing.T) (*Session, *recorder, *fakeClock) {
	t.Helper()
	rec := &recorder{}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := NewSession(circuit.Default(), rec,
		WithClock(clock.Now),
		WithLogger(logging.NewTestLogger()),
		WithBufferOptions(statebuffer.WithInterpolationDelay(10*time.Millisecond)),
	)
	require.NoError(t, s.Handle(envelope(t, wire.TypeWelcome, wire.Welcome{ID: "me", RaceID: "race-1"})))
	return s, rec, clock
}

func TestSessionWelcomeAssignsLocalID(t *testing.T) {
	s, _, _ := newTestSession(t)
	assert.Equal(t, "me", s.LocalID())
	assert.Equal(t, "race-1", s.RaceID.Get())
}

func TestSessionControlsAreDeltaSuppressed(t *testing.T) {
	unjoined := NewSession(circuit.Default(), &recorder{})
	_, err := unjoined.SetControls(physics.Controls{Acceleration: 1})
	assert.ErrorIs(t, err, ErrNotJoined)

	s, rec, _ := newTestSession(t)
	ok, err := s.SetControls(physics.Controls{Acceleration: 1})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SetControls(physics.Controls{Acceleration: 1})
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.SetControls(physics.Controls{Acceleration: 1, Steering: 2})
	require.NoError(t, err)

	inputs := rec.ofType(wire.TypeInput)
	require.Len(t, inputs, 2)
	second := inputs[1].Payload.(wire.Input)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, 1.0, second.Controls.Steering, "controls are clamped before sending")
}

func TestSessionBuffersRemoteKartsOnly(t *testing.T) {
	s, _, clock := newTestSession(t)
	var speeds []float64
	s.Speed.Observe(func(_, current float64) { speeds = append(speeds, current) })

	require.NoError(t, s.Handle(envelope(t, wire.TypeSnapshot, wire.Snapshot{Cars: []state.CarState{
		{ID: "me", Speed: 12, Position: physics.Vec3{X: 80, Z: 50}, Rotation: physics.Identity},
		{ID: "rival", Position: physics.Vec3{X: 80, Z: 10}, Velocity: physics.Vec3{Z: 10}, Rotation: physics.Identity},
	}})))

	assert.Equal(t, []string{"rival"}, s.RemoteIDs())
	assert.Equal(t, []float64{12}, speeds)
	local, ok := s.LocalCar()
	require.True(t, ok)
	assert.Equal(t, 50.0, local.Position.Z)

	//1.- 100ms later the remote kart is extrapolated from its arrival time.
	clock.advance(100 * time.Millisecond)
	pose, ok := s.RemotePose("rival")
	require.True(t, ok)
	assert.Equal(t, statebuffer.ModeExtrapolated, pose.Mode)
	assert.InDelta(t, 10.9, pose.Pose.Position.Z, 1e-9)

	require.NoError(t, s.Handle(envelope(t, wire.TypeSnapshot, wire.Snapshot{Removed: []string{"rival"}})))
	assert.Empty(t, s.RemoteIDs())
	_, ok = s.RemotePose("rival")
	assert.False(t, ok)
}

func TestSessionTickPushesOwnProgressOnChange(t *testing.T) {
	s, rec, _ := newTestSession(t)
	value, err := s.Tick()
	require.NoError(t, err)
	assert.Equal(t, standings.Sentinel, value, "no local kart yet")

	position := physics.Vec3{X: 80, Z: 50}
	require.NoError(t, s.Handle(envelope(t, wire.TypeSnapshot, wire.Snapshot{Cars: []state.CarState{
		{ID: "me", Lap: 1, Checkpoint: 0, Position: position, Rotation: physics.Identity},
		{ID: "rival", Lap: 1, ArcLength: 20, Position: physics.Vec3{X: 80, Z: 20}, Rotation: physics.Identity},
	}})))

	want := standings.ComputeProgress(circuit.Default(), position, 1, 0).ArcLength
	value, err = s.Tick()
	require.NoError(t, err)
	assert.InDelta(t, want, value, 1e-9)
	_, err = s.Tick()
	require.NoError(t, err)

	arcs := rec.ofType(wire.TypeArcLength)
	require.Len(t, arcs, 1)
	assert.InDelta(t, want, arcs[0].Payload.(wire.ArcLength).Value, 1e-9)

	//1.- Own progress from the projection, the rival's from its replicated field.
	ranking := s.Standings()
	require.Len(t, ranking.Standings, 2)
	assert.Equal(t, "me", ranking.Standings[0].ID)
	assert.Equal(t, "rival", ranking.Standings[1].ID)
}

func TestSessionLifecycleFields(t *testing.T) {
	s, _, _ := newTestSession(t)

	require.NoError(t, s.Handle(envelope(t, wire.TypeCountdown, wire.Countdown{Remaining: 2})))
	assert.Equal(t, 2, s.Countdown.Get())
	require.NoError(t, s.Handle(envelope(t, wire.TypeStartGame, wire.StartGame{RaceID: "race-1"})))
	assert.True(t, s.Started.Get())
	assert.Equal(t, 0, s.Countdown.Get())

	require.NoError(t, s.Handle(envelope(t, wire.TypeWrongWay, wire.WrongWay{RacerID: "other"})))
	assert.False(t, s.WrongWay.Get())
	require.NoError(t, s.Handle(envelope(t, wire.TypeWrongWay, wire.WrongWay{RacerID: "me"})))
	assert.True(t, s.WrongWay.Get())

	require.NoError(t, s.Handle(envelope(t, wire.TypeLapTime, wire.LapTime{RacerID: "me", Lap: 1, ElapsedTicks: wire.ToTicks(time.Minute)})))
	assert.Equal(t, 1, s.Lap.Get())
	assert.False(t, s.WrongWay.Get(), "a completed lap clears wrong way")
	assert.Equal(t, []LapTime{{RacerID: "me", Lap: 1, Elapsed: time.Minute}}, s.LapTimes())

	require.NoError(t, s.Handle(envelope(t, wire.TypeFinishGame, wire.FinishGame{Forced: true})))
	assert.True(t, s.Finished.Get())
	require.NoError(t, s.Handle(envelope(t, wire.TypeScores, wire.Scores{Names: []string{"me"}})))
	require.NotNil(t, s.Scores.Get())
	assert.Equal(t, []string{"me"}, s.Scores.Get().Names)

	//1.- A new grid starts a new race.
	require.NoError(t, s.Handle(envelope(t, wire.TypeGrid, wire.Grid{RaceID: "race-2", Slots: []wire.GridSlot{{RacerID: "me"}}})))
	assert.False(t, s.Started.Get())
	assert.False(t, s.Finished.Get())
	assert.Nil(t, s.Scores.Get())
	assert.Empty(t, s.LapTimes())
	assert.Equal(t, "race-2", s.RaceID.Get())

	require.NoError(t, s.Handle(envelope(t, wire.TypeError, wire.Error{Code: "race_full", Message: "race is full"})))
	assert.Equal(t, "race_full", s.LastError().Code)

	assert.Error(t, s.Handle(envelope(t, wire.TypeInput, wire.Input{})))
}

func TestSessionLobbyRequests(t *testing.T) {
	s, rec, _ := newTestSession(t)
	require.NoError(t, s.Join("Alice"))
	require.NoError(t, s.SetReady(true))
	require.NoError(t, s.SetName("Al"))

	assert.Equal(t, wire.Join{Name: "Alice"}, rec.ofType(wire.TypeJoin)[0].Payload)
	assert.Equal(t, wire.Ready{Ready: true}, rec.ofType(wire.TypeReady)[0].Payload)
	assert.Equal(t, wire.Name{Name: "Al"}, rec.ofType(wire.TypeName)[0].Payload)
}

func TestWatchdogFlagsSilence(t *testing.T) {
	w := NewWatchdog(20 * time.Millisecond)
	w.Start()
	assert.Eventually(t, w.Lost, time.Second, 5*time.Millisecond)

	w.Feed()
	assert.False(t, w.Lost())

	w.Stop()
	w.Feed()
	time.Sleep(40 * time.Millisecond)
	assert.False(t, w.Lost(), "a stopped watchdog never fires")

	var nilWatchdog *Watchdog
	assert.False(t, nilWatchdog.Lost())
}

func TestSessionFeedsWatchdog(t *testing.T) {
	w := NewWatchdog(time.Hour)
	s := NewSession(circuit.Default(), &recorder{}, WithWatchdog(w), WithLogger(logging.NewTestLogger()))
	defer w.Stop()
	w.lost.Store(true)
	require.NoError(t, s.Handle(envelope(t, wire.TypeCountdown, wire.Countdown{Remaining: 3})))
	assert.False(t, s.ConnectionLost())
}
