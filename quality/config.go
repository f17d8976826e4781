package quality

import (
	"fmt"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
)

// Config weights the composite score and sets the degradation thresholds.
type Config struct {
	SyncWeight     float64 `json:"sync_weight" yaml:"sync_weight"`
	ArtifactWeight float64 `json:"artifact_weight" yaml:"artifact_weight"`
	LinkWeight     float64 `json:"link_weight" yaml:"link_weight"`

	// JitterCeiling is the sync jitter that saturates the sync penalty.
	JitterCeiling time.Duration `json:"jitter_ceiling" yaml:"jitter_ceiling"`
	// DropCeiling is the link drop rate, per minute, that saturates the link
	// penalty.
	DropCeiling float64 `json:"drop_ceiling" yaml:"drop_ceiling"`

	// A device is flagged degraded below LowWater and cleared above
	// HighWater.
	LowWater  float64 `json:"low_water" yaml:"low_water"`
	HighWater float64 `json:"high_water" yaml:"high_water"`

	// OverloadScore is the artifact score at which a degradation is reported
	// as an artifact overload.
	OverloadScore float64       `json:"overload_score" yaml:"overload_score"`
	Interval      time.Duration `json:"interval" yaml:"interval"`
}

// DefaultConfig returns the default weights and thresholds.
func DefaultConfig() Config {
	return Config{
		SyncWeight:     1,
		ArtifactWeight: 1,
		LinkWeight:     1,
		JitterCeiling:  20 * time.Millisecond,
		DropCeiling:    6,
		LowWater:       0.5,
		HighWater:      0.7,
		OverloadScore:  0.5,
		Interval:       2 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.SyncWeight < 0 || c.ArtifactWeight < 0 || c.LinkWeight < 0:
		return invalid("weights cannot be negative")
	case c.SyncWeight+c.ArtifactWeight+c.LinkWeight == 0:
		return invalid("at least one weight must be positive")
	case c.JitterCeiling <= 0:
		return invalid("jitter_ceiling must be positive")
	case c.DropCeiling <= 0:
		return invalid("drop_ceiling must be positive")
	case c.OverloadScore <= 0 || c.OverloadScore > 1:
		return invalid("overload_score must be in (0,1]")
	case c.Interval <= 0:
		return invalid("interval must be positive")
	}
	return checkThresholds(c.LowWater, c.HighWater)
}

func checkThresholds(low, high float64) error {
	if low < 0 || high > 1 || low >= high {
		return invalid(fmt.Sprintf("thresholds need 0 <= low_water < high_water <= 1, got %v and %v", low, high))
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "quality", "Validate", "check config")
}
