// Package fusion keeps the recent processed samples of every device channel,
// keyed by corrected time, and answers time-window and alignment queries
// across channels.
package fusion

import (
	"fmt"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/signalproc"
)

// Flag is the quality tag of a sample.
type Flag string

const (
	FlagOK             Flag = "ok"
	FlagArtifact       Flag = "artifact"
	FlagUnsynchronized Flag = "unsynchronized"
)

// Sample is one conditioned reading. Time is the corrected controller time and
// RawTime the device send time, both Unix ns. Samples are immutable once
// corrected.
type Sample struct {
	DeviceID string           `json:"device_id"`
	Channel  string           `json:"channel"`
	RawTime  int64            `json:"raw_ns"`
	Time     int64            `json:"t_ns"`
	Value    float64          `json:"value"`
	RawValue float64          `json:"raw_value"`
	Flag     Flag             `json:"flag"`
	Grade    signalproc.Grade `json:"grade"`
}

// Key identifies a channel stream.
type Key struct {
	DeviceID string `json:"device_id"`
	Channel  string `json:"channel"`
}

// Wildcard matches any device id or channel in a query key.
const Wildcard = "*"

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.DeviceID, k.Channel) }

func (k Key) wild() bool { return k.DeviceID == Wildcard || k.Channel == Wildcard }

func (k Key) matches(other Key) bool {
	return (k.DeviceID == Wildcard || k.DeviceID == other.DeviceID) &&
		(k.Channel == Wildcard || k.Channel == other.Channel)
}

// KeyOf returns the stream key of s.
func KeyOf(s Sample) Key { return Key{DeviceID: s.DeviceID, Channel: s.Channel} }

// Stream is the result of a window query for one channel.
type Stream struct {
	Key     Key      `json:"key"`
	Samples []Sample `json:"samples"`
}

// Row is one reference sample with the nearest sample of every other
// channel. A nil entry means no sample within tolerance.
type Row struct {
	Reference Sample    `json:"reference"`
	Others    []*Sample `json:"others"`
}
