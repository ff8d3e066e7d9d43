package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"poleposition/raceserver/internal/match"
	"poleposition/raceserver/internal/physics"
	"poleposition/raceserver/internal/state"
)

func TestEncodeDecodeInput(t *testing.T) {
	data, err := Encode(TypeInput, Input{Sequence: 7, SentAt: 1234, Controls: physics.Controls{Acceleration: 1, Steering: -0.25}})
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeInput, env.Type)

	var input Input
	require.NoError(t, env.Into(&input))
	assert.Equal(t, uint64(7), input.Sequence)
	assert.Equal(t, int64(1234), input.SentAt)
	assert.Equal(t, -0.25, input.Controls.Steering)
}

func TestSnapshotCarriesCarIDs(t *testing.T) {
	data, err := Encode(TypeSnapshot, Snapshot{
		Tick:    3,
		Cars:    []state.CarState{{ID: "a", Position: physics.Vec3{X: 1, Y: 2, Z: 3}, Rotation: physics.Identity}},
		Removed: []string{"b"},
	})
	require.NoError(t, err)
	env, err := Decode(data)
	require.NoError(t, err)

	var snapshot Snapshot
	require.NoError(t, env.Into(&snapshot))
	require.Len(t, snapshot.Cars, 1)
	assert.Equal(t, "a", snapshot.Cars[0].ID)
	assert.Equal(t, physics.Vec3{X: 1, Y: 2, Z: 3}, snapshot.Cars[0].Position)
	assert.Equal(t, []string{"b"}, snapshot.Removed)
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	data, err := msgpack.Marshal(&Envelope{Type: "teleport"})
	require.NoError(t, err)
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte{0xc1})
	assert.Error(t, err)

	empty, err := Encode(TypeReady, nil)
	require.NoError(t, err)
	env, err := Decode(empty)
	require.NoError(t, err)
	assert.Error(t, env.Into(&Ready{}))
}

func TestTicksUseHundredNanoseconds(t *testing.T) {
	assert.Equal(t, int64(10_000_000), TicksPerSecond)
	assert.Equal(t, int64(600_000_000), ToTicks(time.Minute))
	assert.Equal(t, 65*time.Second, FromTicks(ToTicks(65*time.Second)))
}

func TestFromEventMapsLifecycleBroadcasts(t *testing.T) {
	typ, payload, ok := FromEvent(match.Event{Kind: match.EventLapTime, RacerID: "a", Lap: 2, Elapsed: 125 * time.Second})
	require.True(t, ok)
	assert.Equal(t, TypeLapTime, typ)
	assert.Equal(t, LapTime{RacerID: "a", Lap: 2, ElapsedTicks: 1_250_000_000}, payload)

	typ, payload, ok = FromEvent(match.Event{Kind: match.EventGrid, RaceID: "r", Grid: []match.GridSlot{{RacerID: "b", Slot: 0}}})
	require.True(t, ok)
	assert.Equal(t, TypeGrid, typ)
	assert.Equal(t, Grid{RaceID: "r", Slots: []GridSlot{{RacerID: "b", Slot: 0}}}, payload)

	_, _, ok = FromEvent(match.Event{Kind: match.EventScores})
	assert.False(t, ok, "scores without results")
}

func TestEncodeEventScores(t *testing.T) {
	results := match.Results{
		RaceID:  "race-1",
		MaxLaps: 1,
		Rows:    []match.Row{{Position: 1, Name: "Alice", Laps: []string{"01:00.000"}, Best: "01:00.000", Total: "01:00.000"}},
	}
	data, ok, err := EncodeEvent(match.Event{Kind: match.EventScores, Results: &results})
	require.NoError(t, err)
	require.True(t, ok)

	env, err := Decode(data)
	require.NoError(t, err)
	var scores Scores
	require.NoError(t, env.Into(&scores))
	assert.Equal(t, []string{"Alice"}, scores.Names)
	assert.Equal(t, [][]string{{"01:00.000"}}, scores.Laps)
	assert.Equal(t, []string{"01:00.000"}, scores.Total)
	assert.Contains(t, scores.Table, "Alice")
}
