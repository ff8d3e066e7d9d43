package results

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poleposition/raceserver/internal/config"
	"poleposition/raceserver/internal/logging"
	"poleposition/raceserver/internal/match"
)

func sampleResults(id string, finishedAt time.Time) match.Results {
	return match.Results{
		RaceID:     id,
		MaxLaps:    2,
		Elapsed:    130 * time.Second,
		FinishedAt: finishedAt,
		Rows: []match.Row{
			{
				Position: 1, ID: "a", Name: "Alice",
				Laps: []string{"01:00.000", "01:05.000"}, Best: "01:05.000", Total: "02:05.000",
				Splits: []time.Duration{60 * time.Second, 65 * time.Second}, BestLap: 65 * time.Second, TotalTime: 125 * time.Second,
				Finished: true,
			},
			{
				Position: 2, ID: "b", Name: "Bob",
				Laps: []string{"01:10.000", match.UnsetTime}, Best: "01:10.000", Total: match.UnsetTime,
				Splits: []time.Duration{70 * time.Second}, BestLap: 70 * time.Second,
			},
		},
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreSaveAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	finished := time.UnixMilli(1_700_000_000_000).UTC()
	want := sampleResults("race-1", finished)

	require.NoError(t, store.Save(ctx, want))
	got, err := store.Get(ctx, "race-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	//1.- Saving again replaces the earlier copy.
	want.Rows = want.Rows[:1]
	require.NoError(t, store.Save(ctx, want))
	got, err = store.Get(ctx, "race-1")
	require.NoError(t, err)
	assert.Len(t, got.Rows, 1)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRecentNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000).UTC()
	require.NoError(t, store.Save(ctx, sampleResults("old", base)))
	require.NoError(t, store.Save(ctx, sampleResults("new", base.Add(time.Hour))))

	recent, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "new", recent[0].RaceID)
	assert.Equal(t, "Alice", recent[0].Winner)
	assert.Equal(t, "02:10.000", recent[0].Elapsed)

	recent, err = store.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

type fakeService struct {
	mu       sync.Mutex
	subjects []string
	messages []string
}

func (f *fakeService) Send(_ context.Context, subject, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.messages = append(f.messages, message)
	return nil
}

func TestNotifierSendsSummary(t *testing.T) {
	service := &fakeService{}
	notifier := NewNotifierWithServices(logging.NewTestLogger(), service)
	require.True(t, notifier.Active())

	require.NoError(t, notifier.RaceFinished(context.Background(), sampleResults("race-1", time.Now())))
	require.Len(t, service.subjects, 1)
	assert.Equal(t, "Race finished", service.subjects[0])
	assert.Contains(t, service.messages[0], "Winner: Alice (02:05.000, best lap 01:05.000)")
	assert.Contains(t, service.messages[0], "Bob")
}

func TestNotifierWithoutTokenIsSilent(t *testing.T) {
	notifier, err := NewNotifier(config.NotifyConfig{}, logging.NewTestLogger())
	require.NoError(t, err)
	assert.False(t, notifier.Active())
	assert.NoError(t, notifier.RaceFinished(context.Background(), sampleResults("race-1", time.Now())))

	forced := sampleResults("race-2", time.Now())
	forced.Forced = true
	subject, _ := Summarize(forced)
	assert.Equal(t, "Race ended early", subject)
}
