package session

import (
	"fmt"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
)

// QuorumMode selects how many candidates must acknowledge a start.
type QuorumMode string

const (
	QuorumAll      QuorumMode = "all"
	QuorumMajority QuorumMode = "majority"
	QuorumCount    QuorumMode = "count"
)

// Quorum is the start acknowledgement policy.
type Quorum struct {
	Mode  QuorumMode `json:"mode" yaml:"mode"`
	Count int        `json:"count,omitempty" yaml:"count,omitempty"`
}

// Required returns how many of n devices must acknowledge. It is never
// below one.
func (q Quorum) Required(n int) int {
	var r int
	switch q.Mode {
	case QuorumAll:
		r = n
	case QuorumCount:
		r = q.Count
	default:
		r = n/2 + 1
	}
	if r < 1 {
		r = 1
	}
	return r
}

// Validate checks the policy.
func (q Quorum) Validate() error {
	switch q.Mode {
	case QuorumAll, QuorumMajority:
		return nil
	case QuorumCount:
		if q.Count < 1 {
			return invalid("quorum count must be at least 1")
		}
		return nil
	default:
		return invalid(fmt.Sprintf("unknown quorum mode %q", q.Mode))
	}
}

func (q Quorum) String() string {
	if q.Mode == QuorumCount {
		return fmt.Sprintf("count(%d)", q.Count)
	}
	return string(q.Mode)
}

// Config tunes session coordination.
type Config struct {
	AckTimeout  time.Duration `json:"ack_timeout" yaml:"ack_timeout"`
	StopTimeout time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
	// AllowLateJoin lets streaming non-participants join a running session.
	AllowLateJoin bool   `json:"allow_late_join" yaml:"allow_late_join"`
	Quorum        Quorum `json:"quorum" yaml:"quorum"`
}

// DefaultConfig returns the default coordination settings.
func DefaultConfig() Config {
	return Config{
		AckTimeout:  3 * time.Second,
		StopTimeout: 5 * time.Second,
		Quorum:      Quorum{Mode: QuorumMajority},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.AckTimeout <= 0:
		return invalid("ack_timeout must be positive")
	case c.StopTimeout <= 0:
		return invalid("stop_timeout must be positive")
	}
	return c.Quorum.Validate()
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "session", "Validate", "check config")
}
