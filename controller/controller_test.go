package controller

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/archive"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/fusion"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/gateway"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/timestamp"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/session"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/testutil"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/transport"
)

const wait = 5 * time.Second

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.FlushInterval = 50 * time.Millisecond

	// drift extrapolation stays off: the simulated clocks do not drift
	cfg.ClockSync.ProbesPerRound = 3
	cfg.ClockSync.ProbeSpacing = time.Millisecond
	cfg.ClockSync.ProbeTimeout = 500 * time.Millisecond
	cfg.ClockSync.MinDriftPoints = cfg.ClockSync.RegressionWindow
	cfg.ClockSync.ResyncInterval = 5 * time.Second
	cfg.ClockSync.Staleness = 30 * time.Second

	cfg.Connection.CommandTimeout = time.Second
	cfg.Session.AckTimeout = time.Second
	cfg.Session.StopTimeout = time.Second
	cfg.Ingest.HealthInterval = 100 * time.Millisecond
	cfg.Ingest.ShutdownTimeout = 2 * time.Second
	return cfg
}

type harness struct {
	c   *Controller
	hub *transport.Hub
	ctx context.Context
}

func newHarness(t *testing.T, cfg Config, arch *archive.Archive) *harness {
	t.Helper()
	clock := timestamp.SystemClock{}
	hub := transport.NewHub(time.Second, clock, nil, nil)
	c, err := New(cfg, hub, arch, WithClock(clock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		hub.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(wait):
			t.Error("controller did not stop")
		}
	})
	return &harness{c: c, hub: hub, ctx: ctx}
}

func openArchive(t *testing.T) *archive.Archive {
	t.Helper()
	arch, err := archive.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = arch.Close() })
	return arch
}

func (h *harness) connect(t *testing.T, dev *testutil.SimDevice) {
	t.Helper()
	require.NoError(t, dev.Connect(h.ctx, h.hub, registry.TransportDirect))
	t.Cleanup(dev.Close)
	require.Eventually(t, func() bool {
		d, ok := h.c.Registry().Device(dev.ID)
		return ok && d.State == registry.Streaming
	}, wait, 10*time.Millisecond, "device %s never streamed", dev.ID)
}

// stream sends n readings at 32 Hz stamped from start on the device clock.
func stream(t *testing.T, ctx context.Context, dev *testutil.SimDevice, start int64, n int) {
	t.Helper()
	period := time.Second / 32
	for sent := 0; sent < n; sent += 32 {
		count := min(32, n-sent)
		values := make([]float64, count)
		for i := range values {
			values[i] = 5 + 0.1*math.Sin(float64(sent+i)/10)
		}
		require.NoError(t, dev.SendSamples(ctx, "gsr", start+int64(sent)*int64(period), period, values))
	}
}

func TestController_AlignsOffsetDevices(t *testing.T) {
	h := newHarness(t, testConfig(t), nil)

	ahead := testutil.NewSimDevice("ahead")
	ahead.Offset = 50 * time.Millisecond
	exact := testutil.NewSimDevice("exact")
	h.connect(t, ahead)
	h.connect(t, exact)

	// both devices sample at the same controller instants for 11 s
	base := time.Now().UnixNano()
	n := 11 * 32
	stream(t, h.ctx, ahead, base+int64(50*time.Millisecond), n)
	stream(t, h.ctx, exact, base, n)

	aKey := fusion.Key{DeviceID: "ahead", Channel: "gsr"}
	eKey := fusion.Key{DeviceID: "exact", Channel: "gsr"}
	require.Eventually(t, func() bool {
		return h.c.Fusion().Len(aKey) == n && h.c.Fusion().Len(eKey) == n
	}, wait, 10*time.Millisecond)

	at := base + int64(10*time.Second)
	w, err := h.c.Window(gateway.WindowQuery{
		From:      at - int64(500*time.Millisecond),
		To:        at + int64(500*time.Millisecond),
		Keys:      []fusion.Key{eKey},
		Reference: &aKey,
	})
	require.NoError(t, err)
	require.NotEmpty(t, w.Rows)
	assert.Equal(t, 5*time.Millisecond, w.Tolerance)

	for _, row := range w.Rows {
		require.NotNil(t, row.Others[0], "no match for %d", row.Reference.Time)
		diff := row.Reference.Time - row.Others[0].Time
		assert.LessOrEqual(t, math.Abs(float64(diff)), float64(5*time.Millisecond))
		assert.Equal(t, row.Reference.RawTime-int64(50*time.Millisecond), row.Others[0].RawTime)
	}
}

func TestController_SessionIsRecordedAndArchived(t *testing.T) {
	arch := openArchive(t)
	h := newHarness(t, testConfig(t), arch)

	dev := testutil.NewSimDevice("d1")
	h.connect(t, dev)

	s, err := h.c.StartSession(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, registry.SessionActive, s.State)
	assert.Equal(t, []string{"d1"}, s.Devices)

	key := fusion.Key{DeviceID: "d1", Channel: "gsr"}
	stream(t, h.ctx, dev, dev.Now(), 64)
	require.Eventually(t, func() bool { return h.c.Fusion().Len(key) == 64 }, wait, 10*time.Millisecond)
	w, ok := h.c.Store().Writer(s.ID)
	require.True(t, ok)
	require.Eventually(t, func() bool { return rows(w) == 64 }, wait, 10*time.Millisecond)

	stopped, err := h.c.StopSession(h.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, registry.SessionStopped, stopped.State)

	m, err := h.c.Store().Manifest(s.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.SessionStopped, m.Session.State)
	require.Len(t, m.Streams, 1)
	assert.Equal(t, uint64(64), m.Streams[0].Rows)

	recs, err := h.c.Sessions(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, s.ID, recs[0].ID)
	assert.Equal(t, registry.SessionStopped, recs[0].State)
	assert.Equal(t, h.c.Store().Dir(s.ID), recs[0].DataDir)

	require.Eventually(t, func() bool {
		evs, err := arch.SyncEvents(context.Background(), "d1", time.Time{}, 0)
		return err == nil && len(evs) >= 3
	}, wait, 20*time.Millisecond)

	_, err = h.c.StopSession(h.ctx, "again")
	assert.True(t, errors.Is(err, errors.ErrNoSession))
}

func TestController_SessionsWithoutArchiveReadManifests(t *testing.T) {
	h := newHarness(t, testConfig(t), nil)
	dev := testutil.NewSimDevice("d1")
	h.connect(t, dev)

	first, err := h.c.StartSession(h.ctx)
	require.NoError(t, err)
	_, err = h.c.StopSession(h.ctx, "done")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	second, err := h.c.StartSession(h.ctx)
	require.NoError(t, err)
	_, err = h.c.StopSession(h.ctx, "done")
	require.NoError(t, err)

	recs, err := h.c.Sessions(h.ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, second.ID, recs[0].ID)
	assert.Equal(t, first.ID, recs[1].ID)

	recs, err = h.c.Sessions(h.ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestController_StatusAndHealth(t *testing.T) {
	h := newHarness(t, testConfig(t), openArchive(t))
	dev := testutil.NewSimDevice("d1")
	h.connect(t, dev)

	st := h.c.Status()
	require.Len(t, st.Devices, 1)
	assert.Equal(t, "d1", st.Devices[0].ID)
	assert.Nil(t, st.Session)

	hs := h.c.Health(h.ctx)
	assert.Equal(t, "controller", hs.Component)
	names := make([]string, 0, len(hs.SubStatuses))
	for _, sub := range hs.SubStatuses {
		names = append(names, sub.Component)
	}
	assert.Equal(t, []string{"archive", "devices", "session", "storage"}, names)
}

func TestController_Reconfigure(t *testing.T) {
	h := newHarness(t, testConfig(t), nil)

	err := h.c.Reconfigure(gateway.Reconfig{})
	assert.True(t, errors.IsInvalid(err))

	low, high := 0.4, 0.8
	q := session.Quorum{Mode: session.QuorumCount, Count: 2}
	require.NoError(t, h.c.Reconfigure(gateway.Reconfig{Quorum: &q, LowWater: &low, HighWater: &high}))

	cfg, ok := h.c.Settings().(Config)
	require.True(t, ok)
	assert.Equal(t, q, cfg.Session.Quorum)
	assert.Equal(t, 0.4, cfg.Quality.LowWater)
	assert.Equal(t, 0.8, cfg.Quality.HighWater)

	bad := 0.9
	assert.Error(t, h.c.Reconfigure(gateway.Reconfig{LowWater: &bad}))
	badQ := session.Quorum{Mode: "most"}
	assert.Error(t, h.c.Reconfigure(gateway.Reconfig{Quorum: &badQ, LowWater: &low}))

	cfg = h.c.Settings().(Config)
	assert.Equal(t, q, cfg.Session.Quorum)
	assert.Equal(t, 0.8, cfg.Quality.HighWater)
}

func TestController_DeviceCommandsForUnknownDevice(t *testing.T) {
	h := newHarness(t, testConfig(t), nil)
	assert.Error(t, h.c.ResyncDevice(h.ctx, "nope"))
	assert.Error(t, h.c.FailoverDevice("nope", ""))
	assert.Error(t, h.c.ResetDevice("nope"))
}

func TestNew_RequiresHub(t *testing.T) {
	_, err := New(testConfig(t), nil, nil)
	assert.True(t, errors.IsFatal(err))

	cfg := testConfig(t)
	cfg.Ingest.DeferCapacity = 0
	_, err = New(cfg, transport.NewHub(time.Second, nil, nil, nil), nil)
	assert.True(t, errors.IsInvalid(err))
}
