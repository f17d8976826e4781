package controller

import (
	"fmt"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/clocksync"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/connection"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/fusion"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/quality"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/session"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/signalproc"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/storage"
)

// IngestConfig tunes the ingestion path.
type IngestConfig struct {
	// DeferCapacity bounds the readings held per device while its clock is
	// not synchronized. Older readings then go to the recording flagged
	// unsynchronized.
	DeferCapacity int `json:"defer_capacity" yaml:"defer_capacity"`
	// ShutdownTimeout bounds stopping the running session on shutdown.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// HealthInterval is how often health probes run.
	HealthInterval time.Duration `json:"health_interval" yaml:"health_interval"`
}

// DefaultIngestConfig holds about 30 s of a 32 Hz channel per device.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		DeferCapacity:   1024,
		ShutdownTimeout: 10 * time.Second,
		HealthInterval:  5 * time.Second,
	}
}

// Validate checks the ingestion settings.
func (c IngestConfig) Validate() error {
	switch {
	case c.DeferCapacity < 1:
		return invalid("defer_capacity must be at least 1")
	case c.ShutdownTimeout <= 0:
		return invalid("shutdown_timeout must be positive")
	case c.HealthInterval <= 0:
		return invalid("health_interval must be positive")
	}
	return nil
}

// Config gathers the settings of every component the controller builds.
type Config struct {
	Connection connection.Config
	ClockSync  clocksync.Config
	Signal     signalproc.Config
	Fusion     fusion.Config
	Quality    quality.Config
	Session    session.Config
	Storage    storage.Config
	Ingest     IngestConfig

	// ArchiveWorkers and ArchiveQueue size the archive write pool.
	ArchiveWorkers int
	ArchiveQueue   int
}

// DefaultConfig returns every component's defaults.
func DefaultConfig() Config {
	return Config{
		Connection:     connection.DefaultConfig(),
		ClockSync:      clocksync.DefaultConfig(),
		Signal:         signalproc.DefaultConfig(),
		Fusion:         fusion.DefaultConfig(),
		Quality:        quality.DefaultConfig(),
		Session:        session.DefaultConfig(),
		Storage:        storage.DefaultConfig(),
		Ingest:         DefaultIngestConfig(),
		ArchiveWorkers: 2,
		ArchiveQueue:   256,
	}
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "controller", "Validate", "check config")
}
