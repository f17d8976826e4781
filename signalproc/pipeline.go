package signalproc

import (
	"fmt"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

// Pipeline conditions one channel of one device sample by sample. It is not
// safe for concurrent use; Bank serializes access.
type Pipeline struct {
	deviceID string
	channel  registry.Channel
	cfg      ChannelConfig

	filter   *biquad
	rate     rateDetector
	hf       hfDetector
	motion   motionDetector
	drift    driftDetector
	runs     map[Detector]*runTracker
	features *featureWindow

	motionLevel float64
	motionAt    int64
	hasMotion   bool

	origin   int64
	lastT    int64
	started  bool
	lastVal  float64
	score    float64
	scoreAt  float64
	baseline float64
	baseAt   float64
	hasBase  bool

	samples   uint64
	artifacts uint64
}

// NewPipeline builds the pipeline of one channel.
func NewPipeline(deviceID string, ch registry.Channel, cfg ChannelConfig) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ch.Name == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: channel name required", errors.ErrInvalidConfig),
			"Pipeline", "NewPipeline", "check channel")
	}

	p := &Pipeline{
		deviceID: deviceID,
		channel:  ch,
		cfg:      cfg,
		filter:   newLowPass(cfg.CutoffHz, ch.RateHz),
		rate:     rateDetector{limit: cfg.MaxRate},
		hf: hfDetector{
			threshold: cfg.HFThreshold,
			tau:       cfg.HFTau.Seconds(),
			warmup:    cfg.HFWarmup.Seconds(),
		},
		motion: motionDetector{
			threshold:   cfg.MotionThreshold,
			correlation: cfg.MotionCorrelation,
			pairs:       pairWindow{width: cfg.MotionWindow.Seconds()},
		},
		drift: driftDetector{
			limit:  cfg.DriftLimit,
			hop:    cfg.DriftHop.Seconds(),
			window: span{width: cfg.LongWindow.Seconds()},
		},
		runs:     make(map[Detector]*runTracker, len(detectors)),
		features: newFeatureWindow(ch.RateHz, cfg),
	}
	for _, d := range detectors {
		p.runs[d] = &runTracker{}
	}
	return p, nil
}

// Channel returns the channel descriptor.
func (p *Pipeline) Channel() registry.Channel { return p.channel }

// SetMotion records the latest motion magnitude of the device at corrected
// time t. Readings older than the motion window are ignored by Process.
func (p *Pipeline) SetMotion(t int64, magnitude float64) {
	p.motionLevel = magnitude
	p.motionAt = t
	p.hasMotion = true
}

// Process conditions one sample at corrected time t (Unix ns). A timestamp
// earlier than the previous one, or a value that cannot be converted, is
// rejected without touching any state.
func (p *Pipeline) Process(t int64, raw float64) (Result, error) {
	if p.started && t < p.lastT {
		return Result{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s/%s at %d after %d", errors.ErrNonMonotonic, p.deviceID, p.channel.Name, t, p.lastT),
			"Pipeline", "Process", "order sample")
	}
	x, err := p.cfg.Converter.Convert(raw)
	if err != nil {
		return Result{}, err
	}

	if !p.started {
		p.origin = t
		p.started = true
	}
	ts := float64(t-p.origin) / 1e9
	y := p.filter.step(x)

	motion, hasMotion := p.currentMotion(t)
	sev := map[Detector]Severity{
		DetectorRateOfChange:  p.rate.observe(ts, x),
		DetectorHFEnergy:      p.hf.observe(ts, x, y),
		DetectorMotion:        p.motion.observe(ts, x, motion, hasMotion),
		DetectorBaselineDrift: p.drift.observe(ts, y),
	}

	res := Result{Time: t, Raw: raw, Value: y}
	clean := 1.0
	for _, d := range detectors {
		s := sev[d]
		clean *= 1 - p.cfg.Weights.of(d)*s.Weight()
		if s > res.Severity {
			res.Severity = s
		}
		template := ArtifactRecord{DeviceID: p.deviceID, Channel: p.channel.Name, Detector: d}
		if rec, closed := p.runs[d].observe(t, s, template); closed {
			res.Closed = append(res.Closed, rec)
		}
	}
	res.SampleScore = 1 - clean
	res.Artifact = res.Severity > SeverityNone

	if p.samples == 0 {
		p.scoreAt = ts
	}
	a := ewmaAlpha(ts-p.scoreAt, p.cfg.ScoreTau.Seconds())
	p.score += a * (res.SampleScore - p.score)
	p.scoreAt = ts

	if !res.Artifact {
		if !p.hasBase {
			p.baseline, p.baseAt, p.hasBase = y, ts, true
		} else {
			b := ewmaAlpha(ts-p.baseAt, p.cfg.BaselineTau.Seconds())
			p.baseline += b * (y - p.baseline)
			p.baseAt = ts
		}
	}

	p.features.observe(ts, t, y)

	p.lastT = t
	p.lastVal = y
	p.samples++
	if res.Artifact {
		p.artifacts++
	}

	res.Score = p.score
	res.Grade = GradeOf(p.score)
	return res, nil
}

func (p *Pipeline) currentMotion(t int64) (float64, bool) {
	if !p.hasMotion {
		return 0, false
	}
	age := float64(t-p.motionAt) / 1e9
	if age < 0 {
		age = -age
	}
	if age > p.cfg.MotionWindow.Seconds() {
		return 0, false
	}
	return p.motionLevel, true
}

// Flush closes every open artifact run.
func (p *Pipeline) Flush() []ArtifactRecord {
	var out []ArtifactRecord
	for _, d := range detectors {
		if rec, ok := p.runs[d].close(); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Score returns the channel artifact score.
func (p *Pipeline) Score() float64 { return p.score }

// Features returns the latest window features, nil before the window fills.
func (p *Pipeline) Features() *Features { return p.features.features() }

// Summary returns a snapshot of the channel.
func (p *Pipeline) Summary() Summary {
	return Summary{
		DeviceID:    p.deviceID,
		Channel:     p.channel.Name,
		Kind:        p.channel.Kind,
		Unit:        p.channel.Unit,
		Score:       p.score,
		Grade:       GradeOf(p.score),
		Baseline:    p.baseline,
		HasBaseline: p.hasBase,
		Features:    p.features.features(),
		LastValue:   p.lastVal,
		LastTime:    p.lastT,
		Samples:     p.samples,
		Artifacts:   p.artifacts,
	}
}
