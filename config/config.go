package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/clocksync"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/connection"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/controller"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/fusion"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/gateway"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/quality"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/session"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/signalproc"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/storage"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/transport"
)

// Config is the complete controller configuration
type Config struct {
	Log        LogConfig               `json:"log" yaml:"log"`
	Connection connection.Config       `json:"connection" yaml:"connection"`
	ClockSync  clocksync.Config        `json:"clocksync" yaml:"clocksync"`
	Signal     signalproc.Config       `json:"signal" yaml:"signal"`
	Fusion     fusion.Config           `json:"fusion" yaml:"fusion"`
	Quality    quality.Config          `json:"quality" yaml:"quality"`
	Session    session.Config          `json:"session" yaml:"session"`
	Storage    storage.Config          `json:"storage" yaml:"storage"`
	Transport  transport.Config        `json:"transport" yaml:"transport"`
	Gateway    gateway.Config          `json:"gateway" yaml:"gateway"`
	Metrics    MetricsConfig           `json:"metrics" yaml:"metrics"`
	Archive    ArchiveConfig           `json:"archive" yaml:"archive"`
	Ingest     controller.IngestConfig `json:"ingest" yaml:"ingest"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json or text
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
}

// ArchiveConfig configures the SQLite session history
type ArchiveConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
	// Workers and QueueSize size the pool that performs archive writes off
	// the ingestion path.
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// Default returns the built-in configuration every file layer is merged over.
func Default() *Config {
	return &Config{
		Log:        LogConfig{Level: "info", Format: "json"},
		Connection: connection.DefaultConfig(),
		ClockSync:  clocksync.DefaultConfig(),
		Signal:     signalproc.DefaultConfig(),
		Fusion:     fusion.DefaultConfig(),
		Quality:    quality.DefaultConfig(),
		Session:    session.DefaultConfig(),
		Storage:    storage.DefaultConfig(),
		Transport:  transport.DefaultConfig(),
		Gateway:    gateway.DefaultConfig(),
		Metrics:    MetricsConfig{Enabled: true, Addr: ":9090", Path: "/metrics"},
		Archive:    ArchiveConfig{Enabled: true, Path: "./data/archive.db", Workers: 2, QueueSize: 256},
		Ingest:     controller.DefaultIngestConfig(),
	}
}

type validator interface {
	Validate() error
}

// Validate checks every section and reports the first failure prefixed with
// its section name.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid(fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid(fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}

	sections := []struct {
		name string
		v    validator
	}{
		{"connection", c.Connection},
		{"clocksync", c.ClockSync},
		{"signal", c.Signal},
		{"fusion", c.Fusion},
		{"quality", c.Quality},
		{"session", c.Session},
		{"storage", c.Storage},
		{"transport", c.Transport},
		{"gateway", c.Gateway},
		{"ingest", c.Ingest},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr is required when metrics are enabled")
	}
	if c.Archive.Enabled {
		if strings.TrimSpace(c.Archive.Path) == "" {
			return invalid("archive.path is required when the archive is enabled")
		}
		if c.Archive.Workers < 1 || c.Archive.QueueSize < 1 {
			return invalid("archive.workers and archive.queue_size must be positive")
		}
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "Config", "Validate", "check config")
}

// ControllerConfig extracts the settings of the components the controller
// builds.
func (c *Config) ControllerConfig() controller.Config {
	return controller.Config{
		Connection:     c.Connection,
		ClockSync:      c.ClockSync,
		Signal:         c.Signal,
		Fusion:         c.Fusion,
		Quality:        c.Quality,
		Session:        c.Session,
		Storage:        c.Storage,
		Ingest:         c.Ingest,
		ArchiveWorkers: c.Archive.Workers,
		ArchiveQueue:   c.Archive.QueueSize,
	}
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	// not serialized
	clone.Transport.MQTT.Password = c.Transport.MQTT.Password
	clone.Transport.NATS.Password = c.Transport.NATS.Password
	clone.Transport.NATS.Token = c.Transport.NATS.Token
	return &clone
}

// String returns a JSON representation of the config. Secrets are never
// serialized.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return writeConfigFile(path, data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return invalid("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Modify applies fn to a copy of the configuration and stores the result if
// it validates.
func (sc *SafeConfig) Modify(fn func(*Config)) (*Config, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	next := sc.config.Clone()
	fn(next)
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	sc.config = next
	return next.Clone(), nil
}
