// Package timestamp provides the controller's time representations and clock sources.
//
// Two integer encodings are used on the wire:
//   - Unix milliseconds for the message envelope "timestamp" field
//   - Unix nanoseconds for sync exchanges and sample times, where millisecond
//     resolution would swamp the alignment tolerance
//
// Zero means "not set" in both encodings.
//
// Components never call time.Now directly for measurements; they take a Clock so
// tests can drive time deterministically.
package timestamp

import (
	"fmt"
	"sync"
	"time"
)

// Clock is the controller reference clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the host clock. time.Now carries a monotonic reading, so
// differences between two Now() values are immune to wall-clock steps.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock advanced explicitly by tests.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a ManualClock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time.
// Returns zero time if timestamp is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ToUnixNs converts a time.Time to Unix nanoseconds.
func ToUnixNs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// FromUnixNs converts Unix nanoseconds to time.Time.
// Returns zero time if timestamp is 0.
func FromUnixNs(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Format converts Unix milliseconds to RFC3339 string for display.
// Returns empty string if timestamp is 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// FormatNs renders Unix nanoseconds with sub-second precision.
func FormatNs(ns int64) string {
	if ns == 0 {
		return ""
	}
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}

// Seconds converts a nanosecond span into float seconds.
func Seconds(ns int64) float64 {
	return float64(ns) / float64(time.Second)
}

// Validate checks that a millisecond timestamp is plausible for the wire envelope:
// positive and not further than a day into the future of now.
func Validate(ms int64, now time.Time) error {
	if ms <= 0 {
		return fmt.Errorf("timestamp must be positive, got %d", ms)
	}
	if limit := now.Add(24 * time.Hour).UnixMilli(); ms > limit {
		return fmt.Errorf("timestamp %d is more than 24h in the future", ms)
	}
	return nil
}
