package controller

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/clocksync"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/fusion"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/timestamp"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/signalproc"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/storage"
)

type fakeClock struct {
	mu      sync.Mutex
	offsets map[string]time.Duration
}

func (c *fakeClock) set(id string, offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offsets == nil {
		c.offsets = make(map[string]time.Duration)
	}
	c.offsets[id] = offset
}

func (c *fakeClock) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.offsets, id)
}

func (c *fakeClock) Correct(id string, deviceNs int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.offsets[id]
	if !ok {
		return 0, false
	}
	return deviceNs - int64(off), true
}

func (c *fakeClock) Synchronized(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.offsets[id]
	return ok
}

type fakeSink struct {
	mu sync.Mutex
	w  *storage.SessionWriter
}

func (s *fakeSink) Sink(string) *storage.SessionWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w
}

type ingestHarness struct {
	reg    *registry.Registry
	clock  *fakeClock
	fusion *fusion.Buffer
	sink   *fakeSink
	store  *storage.Store
	in     *Ingestor
}

func newIngestHarness(t *testing.T, deferCapacity int) *ingestHarness {
	t.Helper()
	h := &ingestHarness{
		reg:   registry.New(timestamp.SystemClock{}),
		clock: &fakeClock{},
		sink:  &fakeSink{},
	}
	h.reg.Update("d1", func(d *registry.Device) {
		d.Channels = []registry.Channel{{Name: "gsr", Kind: "eda", RateHz: 32, Unit: "uS"}}
	})

	banks, err := signalproc.NewBanks(signalproc.DefaultConfig())
	require.NoError(t, err)
	h.fusion, err = fusion.New(fusion.DefaultConfig(), h.clock, nil)
	require.NoError(t, err)

	cfg := storage.DefaultConfig()
	cfg.DataDir = t.TempDir()
	h.store, err = storage.NewStore(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.store.Close() })

	h.in = NewIngestor(h.reg, h.clock, banks, h.fusion, h.sink, nil, deferCapacity, nil, nil)
	return h
}

func (h *ingestHarness) record(t *testing.T) *storage.SessionWriter {
	t.Helper()
	w, err := h.store.Open(registry.Session{ID: "s1", State: registry.SessionActive, Devices: []string{"d1"}}, nil)
	require.NoError(t, err)
	h.sink.mu.Lock()
	h.sink.w = w
	h.sink.mu.Unlock()
	return w
}

func batch(start int64, n int) *protocol.SensorData {
	readings := make([]protocol.Reading, n)
	period := int64(time.Second / 32)
	for i := range readings {
		readings[i] = protocol.Reading{T: start + int64(i)*period, V: 2 + float64(i%4)*0.01}
	}
	return &protocol.SensorData{DeviceID: "d1", Channel: "gsr", Samples: readings}
}

var gsr = fusion.Key{DeviceID: "d1", Channel: "gsr"}

func rows(w *storage.SessionWriter) uint64 {
	var n uint64
	for _, st := range w.Stats() {
		n += st.Rows
	}
	return n
}

func TestIngestor_CorrectsOntoControllerClock(t *testing.T) {
	h := newIngestHarness(t, 16)
	h.clock.set("d1", 50*time.Millisecond)

	base := time.Now().UnixNano()
	h.in.OnSensorData("d1", batch(base+int64(50*time.Millisecond), 10), time.Now())

	require.Equal(t, 10, h.fusion.Len(gsr))
	s, ok := h.fusion.Nearest(gsr, base)
	require.True(t, ok)
	assert.Equal(t, base, s.Time)
	assert.Equal(t, base+int64(50*time.Millisecond), s.RawTime)
	assert.NotEqual(t, fusion.FlagUnsynchronized, s.Flag)
	assert.Zero(t, h.in.Deferred())
	assert.Zero(t, h.in.Dropped())
}

func TestIngestor_DefersUntilSynchronized(t *testing.T) {
	h := newIngestHarness(t, 16)
	base := time.Now().UnixNano()

	h.in.OnSensorData("d1", batch(base, 5), time.Now())
	assert.Equal(t, 5, h.in.Deferred())
	assert.Zero(t, h.fusion.Len(gsr))

	h.clock.set("d1", 0)
	h.in.OnSynchronized("d1")
	assert.Zero(t, h.in.Deferred())
	assert.Equal(t, 5, h.fusion.Len(gsr))

	// later batches flow straight through
	h.in.OnSensorData("d1", batch(base+int64(time.Second), 3), time.Now())
	assert.Equal(t, 8, h.fusion.Len(gsr))
}

func TestIngestor_ReplaysDeferredBeforeLiveReadings(t *testing.T) {
	h := newIngestHarness(t, 16)
	base := time.Now().UnixNano()

	h.in.OnSensorData("d1", batch(base, 5), time.Now())
	require.Equal(t, 5, h.in.Deferred())

	// the estimate lands before the synchronization round completes
	h.clock.set("d1", 0)
	h.in.OnSensorData("d1", batch(base+int64(time.Second), 3), time.Now())
	assert.Zero(t, h.in.Deferred())
	assert.Equal(t, 8, h.fusion.Len(gsr))

	h.in.OnSynchronized("d1")
	assert.Equal(t, 8, h.fusion.Len(gsr))
	assert.Zero(t, h.in.Dropped())

	first, ok := h.fusion.Nearest(gsr, base)
	require.True(t, ok)
	assert.Equal(t, base, first.Time)
}

func TestIngestor_UnfusableReplayIsRecordedUnsynchronized(t *testing.T) {
	h := newIngestHarness(t, 16)
	w := h.record(t)
	base := time.Now().UnixNano()

	h.clock.set("d1", 0)
	h.in.OnSensorData("d1", batch(base+int64(time.Second), 2), time.Now())

	// estimate lost, older readings arrive and wait
	h.clock.forget("d1")
	h.in.OnSensorData("d1", batch(base, 3), time.Now())
	require.Equal(t, 3, h.in.Deferred())

	h.clock.set("d1", 0)
	h.in.OnSynchronized("d1")
	assert.Zero(t, h.in.Deferred())
	assert.Equal(t, 2, h.fusion.Len(gsr))
	assert.Zero(t, h.in.Dropped())

	require.NoError(t, w.Flush())
	assert.Equal(t, uint64(5), rows(w))
}

func TestIngestor_FlushAnnouncesArtifactRuns(t *testing.T) {
	h := newIngestHarness(t, 16)
	h.reg.Update("d1", func(d *registry.Device) {
		d.Channels = []registry.Channel{{Name: "gsr", Kind: "eda", RateHz: 4, Unit: "uS"}}
	})
	h.clock.set("d1", 0)
	events, unsubscribe := h.reg.Subscribe(256)
	defer unsubscribe()

	// a steady 1.2 uS/s climb is baseline drift
	base := time.Now().UnixNano()
	readings := make([]protocol.Reading, 160)
	for i := range readings {
		readings[i] = protocol.Reading{T: base + int64(i)*int64(time.Second/4), V: 2 + 1.2*float64(i)/4}
	}
	h.in.OnSensorData("d1", &protocol.SensorData{DeviceID: "d1", Channel: "gsr", Samples: readings}, time.Now())
	h.in.Flush("d1")

	recs := h.in.banks.ArtifactRecords("d1")
	require.NotEmpty(t, recs)
	last := recs[len(recs)-1]
	assert.Equal(t, signalproc.DetectorBaselineDrift, last.Detector)
	assert.Equal(t, signalproc.SeverityHigh, last.Severity)

	var announced []registry.Event
	for len(events) > 0 {
		if ev := <-events; ev.Kind == registry.EventQuality && ev.State == "artifact" {
			announced = append(announced, ev)
		}
	}
	require.NotEmpty(t, announced)
	assert.Equal(t, "d1", announced[len(announced)-1].DeviceID)
	assert.Contains(t, announced[len(announced)-1].Message, "baseline_drift")
}

func TestRecorder_SyncEventsFollowTheSession(t *testing.T) {
	h := newIngestHarness(t, 4)
	w := h.record(t)
	rec := &recorder{
		logger:    slog.Default(),
		writer:    w,
		recording: func(id string) bool { return id == "d1" },
	}

	rec.syncEvent(clocksync.Event{DeviceID: "d1", Offset: time.Millisecond, Accepted: true})
	rec.syncEvent(clocksync.Event{DeviceID: "d2", Accepted: true})
	require.NoError(t, w.Close(nil))
	rec.syncEvent(clocksync.Event{DeviceID: "d1"})

	m, err := h.store.Manifest("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.SyncEvents)
	data, err := os.ReadFile(filepath.Join(w.Dir(), storage.SyncLogName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"device_id":"d1"`)
	assert.NotContains(t, string(data), `"device_id":"d2"`)
}

func TestIngestor_OverflowIsRecordedUnsynchronized(t *testing.T) {
	h := newIngestHarness(t, 2)
	w := h.record(t)

	h.in.OnSensorData("d1", batch(time.Now().UnixNano(), 5), time.Now())
	assert.Equal(t, 2, h.in.Deferred())
	assert.Equal(t, uint64(3), h.in.Overflowed())

	require.NoError(t, w.Flush())
	assert.Equal(t, uint64(3), rows(w))

	h.in.Flush("d1")
	assert.Zero(t, h.in.Deferred())
	require.NoError(t, w.Flush())
	assert.Equal(t, uint64(5), rows(w))
	assert.Zero(t, h.fusion.Len(gsr))
}

func TestIngestor_OverflowOutsideRecordingIsDropped(t *testing.T) {
	h := newIngestHarness(t, 2)

	h.in.OnSensorData("d1", batch(time.Now().UnixNano(), 5), time.Now())
	assert.Equal(t, uint64(3), h.in.Overflowed())
	assert.Equal(t, uint64(3), h.in.Dropped())
}

func TestIngestor_RecordsWhileSinkOpen(t *testing.T) {
	h := newIngestHarness(t, 16)
	h.clock.set("d1", 0)
	base := time.Now().UnixNano()

	h.in.OnSensorData("d1", batch(base, 4), time.Now())
	w := h.record(t)
	h.in.OnSensorData("d1", batch(base+int64(time.Second), 6), time.Now())

	require.NoError(t, w.Flush())
	assert.Equal(t, uint64(6), rows(w))
	assert.Equal(t, 10, h.fusion.Len(gsr))
}

func TestIngestor_RejectsUnknownDeviceAndOutOfOrder(t *testing.T) {
	h := newIngestHarness(t, 16)
	h.clock.set("d1", 0)
	h.clock.set("ghost", 0)
	base := time.Now().UnixNano()

	ghost := batch(base, 3)
	ghost.DeviceID = "ghost"
	h.in.OnSensorData("ghost", ghost, time.Now())
	assert.Equal(t, uint64(3), h.in.Dropped())

	h.in.OnSensorData("d1", batch(base+int64(time.Second), 2), time.Now())
	h.in.OnSensorData("d1", batch(base, 2), time.Now())
	assert.Equal(t, uint64(5), h.in.Dropped())
	assert.Equal(t, 2, h.fusion.Len(gsr))

	unknown := batch(base+int64(2*time.Second), 2)
	unknown.Channel = "ppg"
	h.in.OnSensorData("d1", unknown, time.Now())
	assert.Equal(t, uint64(7), h.in.Dropped())
}

func TestIngestor_ForgetClearsDeferred(t *testing.T) {
	h := newIngestHarness(t, 16)
	h.in.OnSensorData("d1", batch(time.Now().UnixNano(), 4), time.Now())
	require.Equal(t, 4, h.in.Deferred())

	h.in.Forget("d1")
	assert.Zero(t, h.in.Deferred())
}
