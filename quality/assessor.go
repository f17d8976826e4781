// Package quality combines clock sync health, signal artifacts and link
// stability into one score per device and flags devices that fall below an
// acceptable level.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/timestamp"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/signalproc"
)

// RecentArtifacts bounds the artifact records carried by an assessment.
const RecentArtifacts = 8

// SyncSource reports the clock estimate of a device.
type SyncSource interface {
	Estimate(deviceID string) (offset, jitter time.Duration, valid bool)
}

// ArtifactSource reports the worst channel artifact score of a device and
// its closed artifact runs.
type ArtifactSource interface {
	ArtifactScore(deviceID string) (float64, bool)
	ArtifactRecords(deviceID string) []signalproc.ArtifactRecord
}

// LinkSource reports link stability and accepts the assessor's verdicts.
type LinkSource interface {
	DropRate(deviceID string) float64
	RecommendFailover(deviceID, reason string) error
	SetQuality(deviceID string, score float64, degraded bool)
}

// Assessment is the latest evaluation of one device.
type Assessment struct {
	DeviceID      string    `json:"device_id"`
	Score         float64   `json:"score"`
	SyncPenalty   float64   `json:"sync_penalty"`
	ArtifactScore float64   `json:"artifact_score"`
	LinkPenalty   float64   `json:"link_penalty"`
	Degraded      bool      `json:"degraded"`
	At            time.Time `json:"at"`
	// Artifacts are the most recent closed artifact runs, oldest first.
	Artifacts []signalproc.ArtifactRecord `json:"artifacts,omitempty"`
}

// Assessor evaluates live devices on an interval.
type Assessor struct {
	reg       *registry.Registry
	sync      SyncSource
	artifacts ArtifactSource
	links     LinkSource
	clock     timestamp.Clock
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu     sync.RWMutex
	cfg    Config
	scores map[string]Assessment
}

// New creates an assessor. artifacts may be nil when no signal processing
// runs; the artifact term is then zero.
func New(cfg Config, reg *registry.Registry, syncSrc SyncSource, artifacts ArtifactSource, links LinkSource,
	clock timestamp.Clock, logger *slog.Logger, metrics *metric.Metrics,
) (*Assessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil || syncSrc == nil || links == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: registry, sync and link sources are required", errors.ErrMissingConfig),
			"Assessor", "New", "check dependencies")
	}
	if clock == nil {
		clock = timestamp.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assessor{
		cfg:       cfg,
		reg:       reg,
		sync:      syncSrc,
		artifacts: artifacts,
		links:     links,
		clock:     clock,
		logger:    logger.With("component", "quality-assessor"),
		metrics:   metrics,
		scores:    make(map[string]Assessment),
	}, nil
}

// Run evaluates every live device each interval until ctx ends.
func (a *Assessor) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.Config().Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.EvaluateAll()
		}
	}
}

// Config returns the current configuration.
func (a *Assessor) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// SetThresholds changes the hysteresis thresholds at runtime.
func (a *Assessor) SetThresholds(low, high float64) error {
	if err := checkThresholds(low, high); err != nil {
		return err
	}
	a.mu.Lock()
	a.cfg.LowWater, a.cfg.HighWater = low, high
	a.mu.Unlock()
	a.logger.Info("Quality thresholds changed", "low_water", low, "high_water", high)
	return nil
}

// EvaluateAll evaluates every live device and forgets devices that are no
// longer live.
func (a *Assessor) EvaluateAll() []Assessment {
	live := a.reg.DevicesIn(registry.Streaming, registry.Degraded)
	seen := make(map[string]bool, len(live))
	out := make([]Assessment, 0, len(live))
	for _, d := range live {
		seen[d.ID] = true
		out = append(out, a.evaluate(d.ID))
	}

	a.mu.Lock()
	for id := range a.scores {
		if !seen[id] {
			delete(a.scores, id)
		}
	}
	a.mu.Unlock()
	return out
}

// Evaluate scores one device now. Devices that are not live are not scored.
func (a *Assessor) Evaluate(deviceID string) (Assessment, bool) {
	d, ok := a.reg.Device(deviceID)
	if !ok || !d.State.Live() {
		return Assessment{}, false
	}
	return a.evaluate(deviceID), true
}

func (a *Assessor) evaluate(id string) Assessment {
	start := a.clock.Now()
	cfg := a.Config()

	as := Assessment{DeviceID: id, At: start}
	as.SyncPenalty = 1
	if _, jitter, valid := a.sync.Estimate(id); valid {
		as.SyncPenalty = math.Min(float64(jitter)/float64(cfg.JitterCeiling), 1)
	}
	if a.artifacts != nil {
		if s, ok := a.artifacts.ArtifactScore(id); ok {
			as.ArtifactScore = clamp(s)
		}
		recs := a.artifacts.ArtifactRecords(id)
		if over := len(recs) - RecentArtifacts; over > 0 {
			recs = recs[over:]
		}
		as.Artifacts = recs
	}
	as.LinkPenalty = math.Min(a.links.DropRate(id)/cfg.DropCeiling, 1)

	total := cfg.SyncWeight + cfg.ArtifactWeight + cfg.LinkWeight
	penalty := cfg.SyncWeight*as.SyncPenalty + cfg.ArtifactWeight*as.ArtifactScore + cfg.LinkWeight*as.LinkPenalty
	as.Score = clamp(1 - penalty/total)

	a.mu.Lock()
	prev, known := a.scores[id]
	as.Degraded = known && prev.Degraded
	switch {
	case !as.Degraded && as.Score < cfg.LowWater:
		as.Degraded = true
	case as.Degraded && as.Score > cfg.HighWater:
		as.Degraded = false
	}
	a.scores[id] = as
	a.mu.Unlock()

	a.links.SetQuality(id, as.Score, as.Degraded)
	a.metrics.RecordQualityScore(id, as.Score)
	a.metrics.RecordProcessingDuration("quality", a.clock.Now().Sub(start))

	wasDegraded := known && prev.Degraded
	switch {
	case as.Degraded && !wasDegraded:
		a.degraded(as, cfg)
	case !as.Degraded && wasDegraded:
		a.reg.Publish(registry.Event{
			Kind:     registry.EventQuality,
			DeviceID: id,
			State:    "recovered",
			Message:  fmt.Sprintf("quality %.2f above %.2f", as.Score, cfg.HighWater),
		})
		a.logger.Info("Device quality recovered", "device_id", id, "score", as.Score)
	}
	return as
}

// degraded handles the start of a degradation episode.
func (a *Assessor) degraded(as Assessment, cfg Config) {
	msg := fmt.Sprintf("quality %.2f below %.2f (sync %.2f, artifact %.2f, link %.2f)",
		as.Score, cfg.LowWater, as.SyncPenalty, as.ArtifactScore, as.LinkPenalty)
	a.reg.Publish(registry.Event{Kind: registry.EventQuality, DeviceID: as.DeviceID, State: "degraded", Message: msg})
	a.logger.Warn("Device quality degraded", "device_id", as.DeviceID, "score", as.Score,
		"sync_penalty", as.SyncPenalty, "artifact_score", as.ArtifactScore, "link_penalty", as.LinkPenalty)

	if as.ArtifactScore >= cfg.OverloadScore {
		err := errors.WrapInvalid(fmt.Errorf("%w: score %.2f", errors.ErrArtifactOverload, as.ArtifactScore),
			"Assessor", "evaluate", "assess signal")
		a.metrics.RecordError("quality", errors.Kind(err))
		a.reg.Publish(registry.Event{
			Kind:      registry.EventError,
			DeviceID:  as.DeviceID,
			ErrorKind: errors.Kind(err),
			Message:   err.Error(),
		})
	}

	if err := a.links.RecommendFailover(as.DeviceID, "quality"); err != nil {
		a.logger.Debug("Failover not possible", "device_id", as.DeviceID, "error", err)
	}
}

// Scores returns the latest assessments sorted by device id.
func (a *Assessor) Scores() []Assessment {
	a.mu.RLock()
	out := make([]Assessment, 0, len(a.scores))
	for _, s := range a.scores {
		out = append(out, s)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Score returns the latest assessment of one device.
func (a *Assessor) Score(deviceID string) (Assessment, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.scores[deviceID]
	return s, ok
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
