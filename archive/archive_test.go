package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/clocksync"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

func openTemp(t *testing.T) (*Archive, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.db")
	a, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, path
}

func TestSaveSession_RoundTrip(t *testing.T) {
	a, _ := openTemp(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := Record{
		Session: registry.Session{
			ID:        "s-1",
			State:     registry.SessionActive,
			StartedAt: started,
			Devices:   []string{"phone-a", "shimmer-1"},
			Excluded:  []string{"thermal-1"},
		},
		DataDir: "/data/s-1",
	}
	require.NoError(t, a.SaveSession(ctx, rec))

	got, err := a.Session(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	rec.State = registry.SessionStopped
	rec.EndedAt = started.Add(time.Minute)
	rec.Lost = []string{"shimmer-1"}
	rec.Reason = "stopped by operator"
	require.NoError(t, a.SaveSession(ctx, rec))

	got, err = a.Session(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, registry.SessionStopped, got.State)
	assert.Equal(t, rec.EndedAt, got.EndedAt)
	assert.Equal(t, []string{"shimmer-1"}, got.Lost)
	assert.Equal(t, "stopped by operator", got.Reason)
}

func TestSession_Unknown(t *testing.T) {
	a, _ := openTemp(t)
	_, err := a.Session(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoSession))
}

func TestSaveSession_RequiresID(t *testing.T) {
	a, _ := openTemp(t)
	err := a.SaveSession(context.Background(), Record{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidData))
}

func TestSessions_MostRecentFirst(t *testing.T) {
	a, _ := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"s-1", "s-2", "s-3"} {
		require.NoError(t, a.SaveSession(ctx, Record{Session: registry.Session{
			ID:        id,
			State:     registry.SessionStopped,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}}))
	}

	all, err := a.Sessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "s-3", all[0].ID)
	assert.Equal(t, "s-1", all[2].ID)

	limited, err := a.Sessions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSyncEvents_AppendAndQuery(t *testing.T) {
	a, _ := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	events := []clocksync.Event{
		{DeviceID: "phone-a", MeasuredAt: base, RoundTrip: 4 * time.Millisecond, Offset: 50 * time.Millisecond,
			Smoothed: 50 * time.Millisecond, Jitter: 200 * time.Microsecond, Drift: 12.5, Accepted: true},
		{DeviceID: "phone-a", MeasuredAt: base.Add(time.Second), RoundTrip: 90 * time.Millisecond,
			Offset: 95 * time.Millisecond, Accepted: false, Reason: clocksync.ReasonRoundTrip},
		{DeviceID: "shimmer-1", MeasuredAt: base, RoundTrip: time.Millisecond, Accepted: true},
	}
	require.NoError(t, a.AppendSyncEvents(ctx, events...))
	require.NoError(t, a.AppendSyncEvents(ctx))

	got, err := a.SyncEvents(ctx, "phone-a", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, events[0], got[0])
	assert.Equal(t, events[1], got[1])

	later, err := a.SyncEvents(ctx, "phone-a", base.Add(500*time.Millisecond), 0)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.False(t, later[0].Accepted)

	one, err := a.SyncEvents(ctx, "phone-a", time.Time{}, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestOpen_ReappliesMigrationsIdempotently(t *testing.T) {
	a, path := openTemp(t)
	ctx := context.Background()
	require.NoError(t, a.SaveSession(ctx, Record{Session: registry.Session{ID: "s-1", State: registry.SessionStopped}}))
	require.NoError(t, a.Close())

	b, err := Open(ctx, path)
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Session(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", got.ID)
}

func TestOpen_InMemory(t *testing.T) {
	a, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.SaveSession(context.Background(), Record{Session: registry.Session{ID: "m", State: registry.SessionActive}}))
	all, err := a.Sessions(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	require.Error(t, err)
}

func TestUpSection(t *testing.T) {
	sql := "-- +migrate Up\nCREATE TABLE a (x INT);\n-- +migrate Down\nDROP TABLE a;\n"
	assert.Equal(t, "\nCREATE TABLE a (x INT);\n", upSection(sql))
	assert.Equal(t, "SELECT 1;", upSection("SELECT 1;"))
}
