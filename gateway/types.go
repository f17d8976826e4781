package gateway

import (
	"fmt"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/fusion"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/quality"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/session"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/signalproc"
)

// Config configures the operator API
type Config struct {
	Addr string `json:"addr" yaml:"addr"`

	// EnableCORS enables CORS headers (requires explicit cors_origins)
	EnableCORS  bool     `json:"enable_cors" yaml:"enable_cors"`
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`

	// MaxRequestSize limits request body size in bytes
	MaxRequestSize int64 `json:"max_request_size" yaml:"max_request_size"`
	// RequestTimeout bounds session and device commands issued through the API
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// StreamRate caps status stream events per second per client
	StreamRate   float64       `json:"stream_rate" yaml:"stream_rate"`
	StreamBurst  int           `json:"stream_burst" yaml:"stream_burst"`
	StreamBuffer int           `json:"stream_buffer" yaml:"stream_buffer"`
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`

	// MaxWindow is the longest span a window query may request
	MaxWindow time.Duration `json:"max_window" yaml:"max_window"`
}

// DefaultConfig returns the default API configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		MaxRequestSize: 1 << 20,
		RequestTimeout: 15 * time.Second,
		StreamRate:     20,
		StreamBurst:    40,
		StreamBuffer:   256,
		PingInterval:   30 * time.Second,
		MaxWindow:      5 * time.Minute,
	}
}

// Validate ensures the configuration is usable
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return invalid("addr is required")
	case c.EnableCORS && len(c.CORSOrigins) == 0:
		return invalid("cors_origins must be set when CORS is enabled")
	case c.MaxRequestSize <= 0:
		return invalid("max_request_size must be positive")
	case c.RequestTimeout <= 0:
		return invalid("request_timeout must be positive")
	case c.StreamRate <= 0 || c.StreamBurst < 1:
		return invalid("stream_rate and stream_burst must be positive")
	case c.StreamBuffer < 1:
		return invalid("stream_buffer must be positive")
	case c.PingInterval <= 0:
		return invalid("ping_interval must be positive")
	case c.MaxWindow <= 0:
		return invalid("max_window must be positive")
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "gateway", "Validate", "check config")
}

// Status is the operator snapshot served by GET /api/status
type Status struct {
	Time     time.Time            `json:"time"`
	Devices  []registry.Device    `json:"devices"`
	Session  *registry.Session    `json:"session,omitempty"`
	Quality  []quality.Assessment `json:"quality"`
	Channels []signalproc.Summary `json:"channels"`

	RejectedFrames  uint64 `json:"rejected_frames"`
	DroppedEvents   uint64 `json:"dropped_events"`
	DeferredSamples int    `json:"deferred_samples"`
}

// WindowQuery selects a span of the fused buffer. With a Reference the
// other keys are aligned onto the reference channel's samples.
type WindowQuery struct {
	From      int64        `json:"from_ns"`
	To        int64        `json:"to_ns"`
	Keys      []fusion.Key `json:"keys"`
	Reference *fusion.Key  `json:"reference,omitempty"`
}

// Window is the answer to a WindowQuery
type Window struct {
	From      int64           `json:"from_ns"`
	To        int64           `json:"to_ns"`
	Tolerance time.Duration   `json:"tolerance_ns"`
	Streams   []fusion.Stream `json:"streams,omitempty"`
	Rows      []fusion.Row    `json:"rows,omitempty"`
}

// Reconfig changes policies at runtime. Nil fields are left unchanged.
type Reconfig struct {
	Quorum    *session.Quorum `json:"quorum,omitempty"`
	LowWater  *float64        `json:"low_water,omitempty"`
	HighWater *float64        `json:"high_water,omitempty"`
}

// Empty reports whether r changes nothing.
func (r Reconfig) Empty() bool {
	return r.Quorum == nil && r.LowWater == nil && r.HighWater == nil
}
