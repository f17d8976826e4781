package clocksync

import (
	"context"
	"time"
)

// Exchange is one four-timestamp measurement, all in Unix nanoseconds:
// T1 controller send, T2 device receive, T3 device send, T4 controller receive.
type Exchange struct {
	T1 int64
	T2 int64
	T3 int64
	T4 int64
}

// RoundTrip is the network delay excluding device processing time.
func (e Exchange) RoundTrip() time.Duration {
	return time.Duration((e.T4 - e.T1) - (e.T3 - e.T2))
}

// Offset is the device clock minus the controller clock, assuming a
// symmetric path.
func (e Exchange) Offset() time.Duration {
	return time.Duration(((e.T2 - e.T1) + (e.T3 - e.T4)) / 2)
}

// Prober performs one exchange with a device.
type Prober interface {
	Exchange(ctx context.Context) (Exchange, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (Exchange, error)

// Exchange calls f.
func (f ProberFunc) Exchange(ctx context.Context) (Exchange, error) { return f(ctx) }

// Event is one entry of a device's sync audit log. Rejected measurements are
// logged too.
type Event struct {
	DeviceID   string        `json:"device_id"`
	MeasuredAt time.Time     `json:"measured_at"`
	RoundTrip  time.Duration `json:"round_trip_ns"`
	Offset     time.Duration `json:"offset_ns"`
	Smoothed   time.Duration `json:"smoothed_ns"`
	Jitter     time.Duration `json:"jitter_ns"`
	// Drift is the offset slope in ns per second.
	Drift    float64 `json:"drift_ns_per_s"`
	Accepted bool    `json:"accepted"`
	Reason   string  `json:"reason,omitempty"`
}

// Rejection reasons.
const (
	ReasonRoundTrip         = "round_trip_exceeded"
	ReasonNegativeRoundTrip = "negative_round_trip"
)
