package registry

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// TransportKind identifies the path a device link travels over.
type TransportKind string

const (
	// TransportDirect is the low-latency sensor link.
	TransportDirect TransportKind = "direct"
	// TransportRelayed is forwarded through a companion device.
	TransportRelayed TransportKind = "relayed"
)

// Valid reports whether k is a known transport kind.
func (k TransportKind) Valid() bool {
	return k == TransportDirect || k == TransportRelayed
}

// State is the connection lifecycle state of a device.
type State int

const (
	Disconnected State = iota
	Discovering
	Connecting
	Handshaking
	Connected
	Streaming
	Degraded
	Reconnecting
	Failed
)

var stateNames = [...]string{
	"disconnected", "discovering", "connecting", "handshaking",
	"connected", "streaming", "degraded", "reconnecting", "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown device state %q", b)
}

// Live reports whether the device has a synchronized, data-carrying link.
func (s State) Live() bool {
	return s == Streaming || s == Degraded
}

// Channel describes one sensor channel a device offers.
type Channel struct {
	Name   string  `json:"name"`
	Kind   string  `json:"kind"`
	RateHz float64 `json:"rate_hz"`
	Unit   string  `json:"unit,omitempty"`
}

// ChannelKindMotion marks an auxiliary motion-magnitude channel.
const ChannelKindMotion = "motion"

// Device is the controller's record of one sensing client.
type Device struct {
	ID              string        `json:"id"`
	Name            string        `json:"name,omitempty"`
	Transport       TransportKind `json:"transport,omitempty"`
	Standby         TransportKind `json:"standby,omitempty"`
	State           State         `json:"state"`
	Channels        []Channel     `json:"channels,omitempty"`
	ProtocolVersion string        `json:"protocol_version,omitempty"`

	Offset       time.Duration `json:"offset_ns"`
	Jitter       time.Duration `json:"jitter_ns"`
	Synchronized bool          `json:"synchronized"`
	LastSync     time.Time     `json:"last_sync,omitempty"`
	LastSeen     time.Time     `json:"last_seen,omitempty"`

	Battery         float64 `json:"battery,omitempty"`
	ReportedQuality float64 `json:"reported_quality,omitempty"`
	QualityScore    float64 `json:"quality_score"`
	QualityDegraded bool    `json:"quality_degraded"`

	Failovers int    `json:"failovers,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Clone returns a deep copy.
func (d Device) Clone() Device {
	d.Channels = slices.Clone(d.Channels)
	return d
}

// Channel returns the capability entry for name.
func (d Device) Channel(name string) (Channel, bool) {
	for _, c := range d.Channels {
		if c.Name == name {
			return c, true
		}
	}
	return Channel{}, false
}

// SessionState is the lifecycle state of a recording session.
type SessionState int

const (
	SessionPending SessionState = iota + 1
	SessionActive
	SessionDegraded
	SessionStopped
)

func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionActive:
		return "active"
	case SessionDegraded:
		return "degraded"
	case SessionStopped:
		return "stopped"
	default:
		return "none"
	}
}

// MarshalJSON encodes the state by name.
func (s SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *SessionState) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for _, c := range []SessionState{SessionPending, SessionActive, SessionDegraded, SessionStopped} {
		if c.String() == name {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", name)
}

// Running reports whether the session is not yet stopped.
func (s SessionState) Running() bool {
	return s == SessionPending || s == SessionActive || s == SessionDegraded
}

// Session is one recording session.
type Session struct {
	ID        string       `json:"id"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at,omitempty"`
	// Devices lists participants in registry order.
	Devices  []string `json:"devices"`
	Excluded []string `json:"excluded,omitempty"`
	Lost     []string `json:"lost,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	s.Devices = slices.Clone(s.Devices)
	s.Excluded = slices.Clone(s.Excluded)
	s.Lost = slices.Clone(s.Lost)
	return s
}

// Has reports whether deviceID is a current participant.
func (s Session) Has(deviceID string) bool {
	return slices.Contains(s.Devices, deviceID)
}
