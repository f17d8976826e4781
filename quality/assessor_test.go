package quality

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/signalproc"
)

type fakeSync struct {
	mu     sync.Mutex
	jitter map[string]time.Duration
}

func (f *fakeSync) Estimate(id string) (time.Duration, time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jitter[id]
	return 0, j, ok
}

func (f *fakeSync) set(id string, j time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jitter[id] = j
}

type fakeArtifacts struct {
	mu      sync.Mutex
	scores  map[string]float64
	records map[string][]signalproc.ArtifactRecord
}

func (f *fakeArtifacts) ArtifactRecords(id string) []signalproc.ArtifactRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id]
}

func (f *fakeArtifacts) ArtifactScore(id string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scores[id]
	return s, ok
}

func (f *fakeArtifacts) set(id string, s float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores[id] = s
}

type fakeLinks struct {
	mu        sync.Mutex
	drops     map[string]float64
	failovers []string
	quality   map[string]bool
	noStandby bool
}

func (f *fakeLinks) DropRate(id string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drops[id]
}

func (f *fakeLinks) RecommendFailover(id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failovers = append(f.failovers, id)
	if f.noStandby {
		return errors.ErrNoStandbyTransport
	}
	return nil
}

func (f *fakeLinks) SetQuality(id string, _ float64, degraded bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quality[id] = degraded
}

type fixture struct {
	reg       *registry.Registry
	sync      *fakeSync
	artifacts *fakeArtifacts
	links     *fakeLinks
	a         *Assessor
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()
	f := &fixture{
		reg:       registry.New(nil),
		sync:      &fakeSync{jitter: map[string]time.Duration{}},
		artifacts: &fakeArtifacts{scores: map[string]float64{}, records: map[string][]signalproc.ArtifactRecord{}},
		links:     &fakeLinks{drops: map[string]float64{}, quality: map[string]bool{}},
	}
	for _, id := range ids {
		f.reg.Update(id, func(d *registry.Device) { d.State = registry.Streaming })
		f.sync.set(id, 0)
	}
	var err error
	f.a, err = New(DefaultConfig(), f.reg, f.sync, f.artifacts, f.links, nil, nil, nil)
	require.NoError(t, err)
	return f
}

func TestEvaluate_Composite(t *testing.T) {
	f := newFixture(t, "d1")

	as, ok := f.a.Evaluate("d1")
	require.True(t, ok)
	assert.Equal(t, 1.0, as.Score)
	assert.False(t, as.Degraded)

	// jitter at half the ceiling, artifact 0.3, drop rate at the ceiling
	f.sync.set("d1", 10*time.Millisecond)
	f.artifacts.set("d1", 0.3)
	f.links.drops["d1"] = 12
	as, _ = f.a.Evaluate("d1")
	assert.InDelta(t, 0.5, as.SyncPenalty, 1e-9)
	assert.InDelta(t, 0.3, as.ArtifactScore, 1e-9)
	assert.Equal(t, 1.0, as.LinkPenalty)
	assert.InDelta(t, 1-(0.5+0.3+1)/3, as.Score, 1e-9)
}

func TestEvaluate_CarriesRecentArtifacts(t *testing.T) {
	f := newFixture(t, "d1")
	recs := make([]signalproc.ArtifactRecord, RecentArtifacts+3)
	for i := range recs {
		recs[i] = signalproc.ArtifactRecord{
			DeviceID: "d1",
			Channel:  "gsr",
			Start:    int64(i) * 1e9,
			End:      int64(i)*1e9 + 5e8,
			Severity: signalproc.SeverityHigh,
			Detector: signalproc.DetectorBaselineDrift,
			Samples:  4,
		}
	}
	f.artifacts.mu.Lock()
	f.artifacts.records["d1"] = recs
	f.artifacts.mu.Unlock()

	as, ok := f.a.Evaluate("d1")
	require.True(t, ok)
	require.Len(t, as.Artifacts, RecentArtifacts)
	assert.Equal(t, recs[3], as.Artifacts[0])
	assert.Equal(t, recs[len(recs)-1], as.Artifacts[RecentArtifacts-1])

	stored, ok := f.a.Score("d1")
	require.True(t, ok)
	assert.Len(t, stored.Artifacts, RecentArtifacts)
}

func TestEvaluate_UnsynchronizedIsFullPenalty(t *testing.T) {
	f := newFixture(t, "d1")
	f.sync.mu.Lock()
	delete(f.sync.jitter, "d1")
	f.sync.mu.Unlock()

	as, _ := f.a.Evaluate("d1")
	assert.Equal(t, 1.0, as.SyncPenalty)
	assert.InDelta(t, 2.0/3, as.Score, 1e-9)
}

func TestEvaluate_Hysteresis(t *testing.T) {
	f := newFixture(t, "d1")
	events, unsubscribe := f.reg.Subscribe(32)
	defer unsubscribe()

	set := func(jitter time.Duration, artifact, drops float64) Assessment {
		f.sync.set("d1", jitter)
		f.artifacts.set("d1", artifact)
		f.links.mu.Lock()
		f.links.drops["d1"] = drops
		f.links.mu.Unlock()
		as, ok := f.a.Evaluate("d1")
		require.True(t, ok)
		return as
	}

	// score 1 - (1 + 0.8 + 0)/3 = 0.4
	as := set(40*time.Millisecond, 0.8, 0)
	assert.True(t, as.Degraded)
	assert.True(t, f.links.quality["d1"])
	assert.Equal(t, []string{"d1"}, f.links.failovers)

	// between the thresholds the flag holds
	as = set(20*time.Millisecond, 0.2, 0) // 0.6
	assert.True(t, as.Degraded)
	set(20*time.Millisecond, 0.2, 0)
	assert.Len(t, f.links.failovers, 1, "failover is recommended once per episode")

	as = set(0, 0.2, 0) // 0.93
	assert.False(t, as.Degraded)
	assert.False(t, f.links.quality["d1"])

	var kinds []string
	for _, ev := range drain(events) {
		kinds = append(kinds, string(ev.Kind)+":"+ev.State+ev.ErrorKind)
	}
	assert.Equal(t, []string{"quality:degraded", "error:artifact_overload", "quality:recovered"}, kinds)
}

func TestEvaluate_NoOverloadForSyncDegradation(t *testing.T) {
	f := newFixture(t, "d1")
	f.links.noStandby = true
	events, unsubscribe := f.reg.Subscribe(32)
	defer unsubscribe()

	f.sync.set("d1", time.Second)
	f.links.drops["d1"] = 10
	as, _ := f.a.Evaluate("d1")
	assert.True(t, as.Degraded)

	for _, ev := range drain(events) {
		assert.NotEqual(t, registry.EventError, ev.Kind)
	}
}

func drain(events <-chan registry.Event) []registry.Event {
	var out []registry.Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEvaluateAll_LiveDevicesOnly(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.reg.Update("c", func(d *registry.Device) { d.State = registry.Reconnecting })

	out := f.a.EvaluateAll()
	assert.Len(t, out, 2)
	_, ok := f.a.Evaluate("c")
	assert.False(t, ok)

	f.reg.Update("b", func(d *registry.Device) { d.State = registry.Reconnecting })
	f.a.EvaluateAll()
	scores := f.a.Scores()
	require.Len(t, scores, 1)
	assert.Equal(t, "a", scores[0].DeviceID)
}

func TestRun_EvaluatesOnInterval(t *testing.T) {
	f := newFixture(t, "d1")
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	a, err := New(cfg, f.reg, f.sync, nil, f.links, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := a.Score("d1")
		return ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestSetThresholds(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.a.SetThresholds(0.3, 0.6))
	assert.Equal(t, 0.3, f.a.Config().LowWater)
	assert.Equal(t, 0.6, f.a.Config().HighWater)

	assert.ErrorIs(t, f.a.SetThresholds(0.7, 0.6), errors.ErrInvalidConfig)
	assert.ErrorIs(t, f.a.SetThresholds(-0.1, 0.6), errors.ErrInvalidConfig)
	assert.Equal(t, 0.3, f.a.Config().LowWater)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := map[string]func(*Config){
		"negative weight": func(c *Config) { c.LinkWeight = -1 },
		"zero weights":    func(c *Config) { c.SyncWeight, c.ArtifactWeight, c.LinkWeight = 0, 0, 0 },
		"jitter ceiling":  func(c *Config) { c.JitterCeiling = 0 },
		"drop ceiling":    func(c *Config) { c.DropCeiling = 0 },
		"inverted":        func(c *Config) { c.LowWater, c.HighWater = 0.8, 0.7 },
		"interval":        func(c *Config) { c.Interval = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)
		})
	}
}
