package clocksync

import (
	"fmt"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
)

// Config tunes offset estimation.
type Config struct {
	// MaxRoundTrip discards exchanges slower than this as outliers.
	MaxRoundTrip time.Duration `json:"max_round_trip" yaml:"max_round_trip"`
	// Alpha is the EWMA weight of a new accepted offset.
	Alpha float64 `json:"alpha" yaml:"alpha"`
	// RegressionWindow is the number of accepted measurements kept for jitter
	// and drift.
	RegressionWindow int `json:"regression_window" yaml:"regression_window"`
	// MinDriftPoints is the number of measurements needed before drift is used
	// to extrapolate.
	MinDriftPoints int           `json:"min_drift_points" yaml:"min_drift_points"`
	Staleness      time.Duration `json:"staleness" yaml:"staleness"`
	ResyncInterval time.Duration `json:"resync_interval" yaml:"resync_interval"`
	ProbesPerRound int           `json:"probes_per_round" yaml:"probes_per_round"`
	ProbeTimeout   time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	ProbeSpacing   time.Duration `json:"probe_spacing" yaml:"probe_spacing"`
	// AuditLimit caps the in-memory event log per device. Events of recording
	// devices are also kept in the session's sync log.
	AuditLimit int `json:"audit_limit" yaml:"audit_limit"`
}

// DefaultConfig returns defaults suited to a local wireless network.
func DefaultConfig() Config {
	return Config{
		MaxRoundTrip:     200 * time.Millisecond,
		Alpha:            0.3,
		RegressionWindow: 30,
		MinDriftPoints:   5,
		Staleness:        30 * time.Second,
		ResyncInterval:   10 * time.Second,
		ProbesPerRound:   8,
		ProbeTimeout:     2 * time.Second,
		ProbeSpacing:     20 * time.Millisecond,
		AuditLimit:       10000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.MaxRoundTrip <= 0:
		return invalid("max_round_trip must be positive")
	case c.Alpha <= 0 || c.Alpha > 1:
		return invalid(fmt.Sprintf("alpha must be in (0,1], got %v", c.Alpha))
	case c.RegressionWindow < 2:
		return invalid("regression_window must be at least 2")
	case c.MinDriftPoints < 2 || c.MinDriftPoints > c.RegressionWindow:
		return invalid("min_drift_points must be in [2, regression_window]")
	case c.Staleness <= 0:
		return invalid("staleness must be positive")
	case c.ResyncInterval <= 0 || c.ResyncInterval >= c.Staleness:
		return invalid("resync_interval must be positive and shorter than staleness")
	case c.ProbesPerRound < 1:
		return invalid("probes_per_round must be at least 1")
	case c.ProbeTimeout <= 0:
		return invalid("probe_timeout must be positive")
	case c.ProbeSpacing < 0:
		return invalid("probe_spacing cannot be negative")
	case c.AuditLimit < 1:
		return invalid("audit_limit must be at least 1")
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "clocksync", "Validate", "check config")
}
