package connection

import (
	"fmt"
	"time"

	"golang.org/x/mod/semver"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/retry"
)

// Config tunes link handling.
type Config struct {
	// ProtocolVersion is the controller's wire protocol version. Devices must
	// share its major version.
	ProtocolVersion string `json:"protocol_version" yaml:"protocol_version"`
	// IdleTimeout drops an active link that delivers no frame for this long.
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	CommandTimeout time.Duration `json:"command_timeout" yaml:"command_timeout"`
	// Backoff paces the wait for a dropped device to come back.
	Backoff retry.Config `json:"backoff" yaml:"backoff"`
	// DropWindow is the span DropRate averages over.
	DropWindow   time.Duration `json:"drop_window" yaml:"drop_window"`
	PriorityLane int           `json:"priority_lane" yaml:"priority_lane"`
	BulkLane     int           `json:"bulk_lane" yaml:"bulk_lane"`
}

// DefaultConfig returns the default link settings.
func DefaultConfig() Config {
	return Config{
		ProtocolVersion: "1.2.0",
		IdleTimeout:     15 * time.Second,
		CommandTimeout:  3 * time.Second,
		Backoff:         retry.DefaultConfig(),
		DropWindow:      time.Minute,
		PriorityLane:    64,
		BulkLane:        1024,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case !semver.IsValid("v" + c.ProtocolVersion):
		return invalid(fmt.Sprintf("protocol_version %q is not a semantic version", c.ProtocolVersion))
	case c.IdleTimeout <= 0:
		return invalid("idle_timeout must be positive")
	case c.CommandTimeout <= 0:
		return invalid("command_timeout must be positive")
	case c.DropWindow <= 0:
		return invalid("drop_window must be positive")
	case c.PriorityLane <= 0 || c.BulkLane <= 0:
		return invalid("lane sizes must be positive")
	}
	if err := c.Backoff.Validate(); err != nil {
		return invalid(err.Error())
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "connection", "Validate", "check config")
}
