package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	EnvFile         string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

// layerFlag collects repeated -config values; later files override earlier ones.
type layerFlag []string

func (l *layerFlag) String() string { return fmt.Sprint([]string(*l)) }

func (l *layerFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}
	var layers layerFlag

	flag.Var(&layers, "config",
		"Configuration file (JSON or YAML), repeatable (env: SENSORSYNC_CONFIG)")
	flag.Var(&layers, "c", "Shorthand for -config")

	flag.StringVar(&cfg.EnvFile, "env-file",
		getEnv("SENSORSYNC_ENV_FILE", ".env"),
		"KEY=VALUE file loaded into the environment before config (env: SENSORSYNC_ENV_FILE)")

	// Empty means "use the configuration file".
	flag.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level override: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format override: json, text")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("SENSORSYNC_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: SENSORSYNC_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	cfg.ConfigPaths = layers
	if len(cfg.ConfigPaths) == 0 {
		if p := os.Getenv("SENSORSYNC_CONFIG"); p != "" {
			cfg.ConfigPaths = []string{p}
		}
	}
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}

	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - multi-sensor recording controller

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with built-in defaults
  %s

  # Layer a site file over a base file
  %s -config=configs/base.yaml -config=configs/lab.yaml

  # Override settings from the environment
  export SENSORSYNC_DATA_DIR=/srv/recordings
  export SENSORSYNC_QUORUM_MODE=all
  %s

  # Validate configuration only
  %s -config=configs/lab.yaml -validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
