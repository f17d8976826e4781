package transport

import (
	"fmt"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
)

// DirectConfig configures the websocket endpoint.
type DirectConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
}

// NATSConfig configures the NATS relay endpoint. Secrets come from the
// environment and are never serialized.
type NATSConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	URL           string        `json:"url" yaml:"url"`
	SubjectPrefix string        `json:"subject_prefix" yaml:"subject_prefix"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"-" yaml:"-"`
	Token         string        `json:"-" yaml:"-"`
}

// Config selects and configures the transport endpoints.
type Config struct {
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	Direct           DirectConfig  `json:"direct" yaml:"direct"`
	NATS             NATSConfig    `json:"nats" yaml:"nats"`
	MQTT             MQTTConfig    `json:"mqtt" yaml:"mqtt"`
}

// DefaultConfig enables only the direct endpoint.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		Direct:           DirectConfig{Enabled: true, Addr: ":8765", Path: "/ws"},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "sensorsync",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "sensorsync-controller",
			TopicPrefix: "sensorsync",
		},
	}
}

// Validate checks the enabled endpoints.
func (c Config) Validate() error {
	if c.HandshakeTimeout <= 0 {
		return invalid("handshake_timeout must be positive")
	}
	if !c.Direct.Enabled && !c.NATS.Enabled && !c.MQTT.Enabled {
		return invalid("at least one transport endpoint must be enabled")
	}
	if c.Direct.Enabled && c.Direct.Addr == "" {
		return invalid("direct.addr is required")
	}
	if c.NATS.Enabled {
		switch {
		case c.NATS.URL == "":
			return invalid("nats.url is required")
		case c.NATS.MaxReconnects < -1:
			return invalid("nats.max_reconnects must be -1 (forever) or more")
		case c.NATS.ReconnectWait < 0:
			return invalid("nats.reconnect_wait must not be negative")
		case (c.NATS.Username == "") != (c.NATS.Password == ""):
			return invalid("nats username and password must be set together")
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return invalid("mqtt.broker is required")
	}
	if c.MQTT.QoS > 2 {
		return invalid(fmt.Sprintf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "transport", "Validate", "check config")
}
