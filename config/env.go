package config

import (
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/session"
)

// envOverrides lists the settings that may come from the environment. Each
// field is seeded from the file configuration so unset variables keep it.
type envOverrides struct {
	LogLevel     string   `env:"LOG_LEVEL"`
	LogFormat    string   `env:"LOG_FORMAT"`
	DataDir      string   `env:"DATA_DIR"`
	DirectAddr   string   `env:"DIRECT_ADDR"`
	NATSEnabled  bool     `env:"NATS_ENABLED"`
	NATSURL      string   `env:"NATS_URL"`
	NATSUsername string   `env:"NATS_USERNAME"`
	NATSPassword string   `env:"NATS_PASSWORD"`
	NATSToken    string   `env:"NATS_TOKEN"`
	MQTTEnabled  bool     `env:"MQTT_ENABLED"`
	MQTTBroker   string   `env:"MQTT_BROKER"`
	MQTTUsername string   `env:"MQTT_USERNAME"`
	MQTTPassword string   `env:"MQTT_PASSWORD"`
	GatewayAddr  string   `env:"GATEWAY_ADDR"`
	CORSOrigins  []string `env:"CORS_ORIGINS" envSeparator:","`
	MetricsAddr  string   `env:"METRICS_ADDR"`
	ArchivePath  string   `env:"ARCHIVE_PATH"`
	QuorumMode   string   `env:"QUORUM_MODE"`
	QuorumCount  int      `env:"QUORUM_COUNT"`
}

func applyEnv(cfg *Config, prefix string) error {
	o := envOverrides{
		LogLevel:     cfg.Log.Level,
		LogFormat:    cfg.Log.Format,
		DataDir:      cfg.Storage.DataDir,
		DirectAddr:   cfg.Transport.Direct.Addr,
		NATSEnabled:  cfg.Transport.NATS.Enabled,
		NATSURL:      cfg.Transport.NATS.URL,
		NATSUsername: cfg.Transport.NATS.Username,
		NATSPassword: cfg.Transport.NATS.Password,
		NATSToken:    cfg.Transport.NATS.Token,
		MQTTEnabled:  cfg.Transport.MQTT.Enabled,
		MQTTBroker:   cfg.Transport.MQTT.Broker,
		MQTTUsername: cfg.Transport.MQTT.Username,
		MQTTPassword: cfg.Transport.MQTT.Password,
		GatewayAddr:  cfg.Gateway.Addr,
		CORSOrigins:  cfg.Gateway.CORSOrigins,
		MetricsAddr:  cfg.Metrics.Addr,
		ArchivePath:  cfg.Archive.Path,
		QuorumMode:   string(cfg.Session.Quorum.Mode),
		QuorumCount:  cfg.Session.Quorum.Count,
	}

	if err := env.ParseWithOptions(&o, env.Options{Prefix: prefix + "_"}); err != nil {
		return errors.WrapInvalid(fmt.Errorf("parse env: %w", err), "Loader", "Load", "apply environment")
	}

	cfg.Log.Level = o.LogLevel
	cfg.Log.Format = o.LogFormat
	cfg.Storage.DataDir = o.DataDir
	cfg.Transport.Direct.Addr = o.DirectAddr
	cfg.Transport.NATS.Enabled = o.NATSEnabled
	cfg.Transport.NATS.URL = o.NATSURL
	cfg.Transport.NATS.Username = o.NATSUsername
	cfg.Transport.NATS.Password = o.NATSPassword
	cfg.Transport.NATS.Token = o.NATSToken
	cfg.Transport.MQTT.Enabled = o.MQTTEnabled
	cfg.Transport.MQTT.Broker = o.MQTTBroker
	cfg.Transport.MQTT.Username = o.MQTTUsername
	cfg.Transport.MQTT.Password = o.MQTTPassword
	cfg.Gateway.Addr = o.GatewayAddr
	cfg.Gateway.CORSOrigins = o.CORSOrigins
	cfg.Metrics.Addr = o.MetricsAddr
	cfg.Archive.Path = o.ArchivePath
	cfg.Session.Quorum = session.Quorum{Mode: session.QuorumMode(o.QuorumMode), Count: o.QuorumCount}
	return nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return errors.WrapInvalid(err, "config", "LoadDotEnv", fmt.Sprintf("load %s", p))
		}
	}
	return nil
}
