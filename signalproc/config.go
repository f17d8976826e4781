package signalproc

import (
	"fmt"
	"math"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

// Weights scales each detector's contribution to the per-sample score.
type Weights struct {
	RateOfChange  float64 `json:"rate_of_change" yaml:"rate_of_change"`
	HFEnergy      float64 `json:"hf_energy" yaml:"hf_energy"`
	Motion        float64 `json:"motion" yaml:"motion"`
	BaselineDrift float64 `json:"baseline_drift" yaml:"baseline_drift"`
}

func (w Weights) of(d Detector) float64 {
	switch d {
	case DetectorRateOfChange:
		return w.RateOfChange
	case DetectorHFEnergy:
		return w.HFEnergy
	case DetectorMotion:
		return w.Motion
	case DetectorBaselineDrift:
		return w.BaselineDrift
	}
	return 0
}

// ChannelConfig tunes the pipeline of one channel. Zero-valued fields of an
// override are filled from Config.Defaults.
type ChannelConfig struct {
	Converter ConverterConfig `json:"converter" yaml:"converter"`
	// CutoffHz is the low-pass cutoff. At or above Nyquist the filter is bypassed.
	CutoffHz float64 `json:"cutoff_hz" yaml:"cutoff_hz"`

	// MaxRate is the plausible rate-of-change limit in units/s (0 disables).
	MaxRate float64 `json:"max_rate" yaml:"max_rate"`
	// HFThreshold is the residual/total energy ratio limit (0 disables).
	HFThreshold float64       `json:"hf_threshold" yaml:"hf_threshold"`
	HFTau       time.Duration `json:"hf_tau" yaml:"hf_tau"`
	HFWarmup    time.Duration `json:"hf_warmup" yaml:"hf_warmup"`
	// MotionThreshold gates the motion detector on the motion magnitude.
	MotionThreshold   float64       `json:"motion_threshold" yaml:"motion_threshold"`
	MotionCorrelation float64       `json:"motion_correlation" yaml:"motion_correlation"`
	MotionWindow      time.Duration `json:"motion_window" yaml:"motion_window"`
	// DriftLimit is the long-window trend slope limit in units/s (0 disables).
	DriftLimit float64       `json:"drift_limit" yaml:"drift_limit"`
	LongWindow time.Duration `json:"long_window" yaml:"long_window"`
	DriftHop   time.Duration `json:"drift_hop" yaml:"drift_hop"`

	Weights     Weights       `json:"weights" yaml:"weights"`
	ScoreTau    time.Duration `json:"score_tau" yaml:"score_tau"`
	BaselineTau time.Duration `json:"baseline_tau" yaml:"baseline_tau"`

	MinWindow  time.Duration `json:"min_window" yaml:"min_window"`
	FeatureHop time.Duration `json:"feature_hop" yaml:"feature_hop"`
	BandLow    float64       `json:"band_low" yaml:"band_low"`
	BandHigh   float64       `json:"band_high" yaml:"band_high"`
}

// Config holds defaults plus per-channel overrides keyed by channel name or,
// failing that, channel kind.
type Config struct {
	Defaults ChannelConfig            `json:"defaults" yaml:"defaults"`
	Channels map[string]ChannelConfig `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// DefaultChannelConfig returns defaults for slow biosignals such as
// electrodermal activity.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Converter:         ConverterConfig{Kind: ConvertIdentity},
		CutoffHz:          5,
		MaxRate:           0,
		HFThreshold:       0.5,
		HFTau:             time.Second,
		HFWarmup:          2 * time.Second,
		MotionThreshold:   0.2,
		MotionCorrelation: 0.6,
		MotionWindow:      2 * time.Second,
		DriftLimit:        0,
		LongWindow:        30 * time.Second,
		DriftHop:          time.Second,
		Weights: Weights{
			RateOfChange:  1.0,
			HFEnergy:      0.6,
			Motion:        0.8,
			BaselineDrift: 0.5,
		},
		ScoreTau:    2 * time.Second,
		BaselineTau: 10 * time.Second,
		MinWindow:   5 * time.Second,
		FeatureHop:  time.Second,
		BandLow:     0.05,
		BandHigh:    1.0,
	}
}

// DefaultConfig returns the default configuration with a conductance
// override for "gsr" channels.
func DefaultConfig() Config {
	gsr := ChannelConfig{
		MaxRate:    10,  // µS/s
		DriftLimit: 0.5, // µS/s
	}
	return Config{
		Defaults: DefaultChannelConfig(),
		Channels: map[string]ChannelConfig{"gsr": gsr},
	}
}

// Resolve returns the effective configuration for a channel.
func (c Config) Resolve(ch registry.Channel) ChannelConfig {
	override, ok := c.Channels[ch.Name]
	if !ok {
		override, ok = c.Channels[ch.Kind]
	}
	if !ok {
		return c.Defaults
	}
	return merge(c.Defaults, override)
}

func merge(base, o ChannelConfig) ChannelConfig {
	if o.Converter.Kind != "" {
		base.Converter = o.Converter
	}
	fill := func(dst *float64, v float64) {
		if v != 0 {
			*dst = v
		}
	}
	fillD := func(dst *time.Duration, v time.Duration) {
		if v != 0 {
			*dst = v
		}
	}
	fill(&base.CutoffHz, o.CutoffHz)
	fill(&base.MaxRate, o.MaxRate)
	fill(&base.HFThreshold, o.HFThreshold)
	fillD(&base.HFTau, o.HFTau)
	fillD(&base.HFWarmup, o.HFWarmup)
	fill(&base.MotionThreshold, o.MotionThreshold)
	fill(&base.MotionCorrelation, o.MotionCorrelation)
	fillD(&base.MotionWindow, o.MotionWindow)
	fill(&base.DriftLimit, o.DriftLimit)
	fillD(&base.LongWindow, o.LongWindow)
	fillD(&base.DriftHop, o.DriftHop)
	fill(&base.Weights.RateOfChange, o.Weights.RateOfChange)
	fill(&base.Weights.HFEnergy, o.Weights.HFEnergy)
	fill(&base.Weights.Motion, o.Weights.Motion)
	fill(&base.Weights.BaselineDrift, o.Weights.BaselineDrift)
	fillD(&base.ScoreTau, o.ScoreTau)
	fillD(&base.BaselineTau, o.BaselineTau)
	fillD(&base.MinWindow, o.MinWindow)
	fillD(&base.FeatureHop, o.FeatureHop)
	fill(&base.BandLow, o.BandLow)
	fill(&base.BandHigh, o.BandHigh)
	return base
}

// Validate checks defaults and every override.
func (c Config) Validate() error {
	if err := c.Defaults.Validate(); err != nil {
		return err
	}
	for name, o := range c.Channels {
		if err := merge(c.Defaults, o).Validate(); err != nil {
			return fmt.Errorf("channel %q: %w", name, err)
		}
	}
	return nil
}

// Validate checks one channel configuration.
func (c ChannelConfig) Validate() error {
	if err := c.Converter.Validate(); err != nil {
		return err
	}
	nonNeg := map[string]float64{
		"cutoff_hz": c.CutoffHz, "max_rate": c.MaxRate, "hf_threshold": c.HFThreshold,
		"motion_threshold": c.MotionThreshold, "drift_limit": c.DriftLimit, "band_low": c.BandLow,
	}
	for name, v := range nonNeg {
		if v < 0 || math.IsNaN(v) {
			return invalid(name + " cannot be negative")
		}
	}
	positive := map[string]time.Duration{
		"hf_tau": c.HFTau, "motion_window": c.MotionWindow, "long_window": c.LongWindow,
		"drift_hop": c.DriftHop, "score_tau": c.ScoreTau, "baseline_tau": c.BaselineTau,
		"min_window": c.MinWindow, "feature_hop": c.FeatureHop,
	}
	for name, v := range positive {
		if v <= 0 {
			return invalid(name + " must be positive")
		}
	}
	if c.HFWarmup < 0 {
		return invalid("hf_warmup cannot be negative")
	}
	if c.MotionCorrelation < 0 || c.MotionCorrelation > 1 {
		return invalid("motion_correlation must be in [0,1]")
	}
	if c.BandHigh < c.BandLow {
		return invalid("band_high must be >= band_low")
	}
	for _, w := range []float64{c.Weights.RateOfChange, c.Weights.HFEnergy, c.Weights.Motion, c.Weights.BaselineDrift} {
		if w < 0 || w > 1 {
			return invalid("detector weights must be in [0,1]")
		}
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "signalproc", "Validate", "check config")
}
