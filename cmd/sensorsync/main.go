// Package main implements the entry point of the sensorsync recording
// controller. It wires the configured transport endpoints, the controller
// and the operator API into one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/archive"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/config"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/controller"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/gateway"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/natsclient"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/retry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/timestamp"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "sensorsync"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "layers", cliCfg.ConfigPaths)
		return nil
	}

	slog.Info("Starting sensorsync controller",
		"version", Version,
		"build_time", BuildTime,
		"config_layers", cliCfg.ConfigPaths,
		"data_dir", cfg.Storage.DataDir)

	ctx := context.Background()
	infra, err := setupInfrastructure(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.close(cliCfg.ShutdownTimeout)

	ctrl, err := controller.New(cfg.ControllerConfig(), infra.hub, infra.archive,
		controller.WithLogger(logger),
		controller.WithMetricsRegistry(infra.metrics))
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}

	api, err := gateway.NewServer(cfg.Gateway, &backend{Controller: ctrl, cfg: config.NewSafeConfig(cfg)}, logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return runWithSignalHandling(ctx, infra, ctrl, api, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and handles -version and -help
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}
	return cliCfg, false, nil
}

// initializeConfiguration loads the dotenv file, the config layers and the
// environment, in that order, then applies flag overrides.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	if cliCfg.EnvFile != "" {
		if err := config.LoadDotEnv(cliCfg.EnvFile); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	loader := config.NewLoader()
	for _, p := range cliCfg.ConfigPaths {
		loader.AddLayer(p)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// infrastructure holds the process-level resources the controller depends on.
type infrastructure struct {
	metrics       *metric.MetricsRegistry
	metricsServer *metric.Server
	archive       *archive.Archive
	hub           *transport.Hub
	direct        *transport.WebsocketServer
	directAddr    string
	nats          *natsclient.Client
	natsRelay     *transport.NATSRelay
	mqttRelay     *transport.MQTTRelay
}

// startupRetry paces attempts to reach the archive and the brokers, which
// may still be coming up when the controller starts.
var startupRetry = retry.Config{
	MaxAttempts:  5,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2,
	AddJitter:    true,
}

// retryable marks errors another attempt cannot fix, including an open NATS
// circuit.
func retryable(err error) error {
	if err != nil && !errors.IsTransient(err) {
		return retry.NonRetryable(err)
	}
	return err
}

// setupInfrastructure creates the metrics registry, archive and transport
// endpoints. Endpoints are constructed here and started by
// runWithSignalHandling.
func setupInfrastructure(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*infrastructure, error) {
	infra := &infrastructure{metrics: metric.NewMetricsRegistry()}

	if cfg.Metrics.Enabled {
		infra.metricsServer = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, infra.metrics)
		if err := infra.metricsServer.Start(); err != nil {
			return nil, fmt.Errorf("start metrics server: %w", err)
		}
		slog.Info("Metrics endpoint listening", "url", infra.metricsServer.Address())
	}

	if cfg.Archive.Enabled {
		arch, err := retry.DoWithResult(ctx, startupRetry, func() (*archive.Archive, error) {
			arch, err := archive.Open(ctx, cfg.Archive.Path)
			return arch, retryable(err)
		})
		if err != nil {
			infra.close(5 * time.Second)
			return nil, fmt.Errorf("open archive: %w", err)
		}
		infra.archive = arch
		slog.Info("Session archive opened", "path", cfg.Archive.Path)
	}

	tc := cfg.Transport
	infra.hub = transport.NewHub(tc.HandshakeTimeout, timestamp.SystemClock{}, logger, infra.metrics.CoreMetrics())

	if tc.Direct.Enabled {
		infra.direct = transport.NewWebsocketServer(infra.hub, tc.Direct.Path, logger)
		infra.directAddr = tc.Direct.Addr
	}

	if tc.NATS.Enabled {
		if err := infra.connectNATS(ctx, tc.NATS, logger); err != nil {
			infra.close(5 * time.Second)
			return nil, err
		}
	}

	if tc.MQTT.Enabled {
		infra.mqttRelay = transport.NewMQTTRelay(tc.MQTT, infra.hub, logger)
	}

	return infra, nil
}

// connectNATS connects the relay client and waits for it to be ready
func (i *infrastructure) connectNATS(ctx context.Context, nc transport.NATSConfig, logger *slog.Logger) error {
	client, err := natsclient.NewClient(nc.URL,
		natsclient.WithName(appName),
		natsclient.WithLogger(logger),
		natsclient.WithReconnect(nc.MaxReconnects, nc.ReconnectWait),
		natsclient.WithCredentials(nc.Username, nc.Password),
		natsclient.WithToken(nc.Token))
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", nc.URL)
	if err := retry.Do(ctx, startupRetry, func() error { return retryable(client.Connect(ctx)) }); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(ctx)
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	client.OnHealthChange(func(healthy bool) {
		if !healthy {
			i.metrics.CoreMetrics().RecordError("natsclient", "transient")
		}
	})

	i.nats = client
	i.natsRelay = transport.NewNATSRelay(client, nc.SubjectPrefix, i.hub, logger)
	return nil
}

// startEndpoints opens every configured transport endpoint
func (i *infrastructure) startEndpoints(ctx context.Context) error {
	if i.direct != nil {
		if err := i.direct.Start(i.directAddr); err != nil {
			return fmt.Errorf("start direct endpoint: %w", err)
		}
	}
	if i.natsRelay != nil {
		if err := i.natsRelay.Start(ctx); err != nil {
			return fmt.Errorf("start NATS relay: %w", err)
		}
	}
	if i.mqttRelay != nil {
		err := retry.Do(ctx, startupRetry, func() error { return retryable(i.mqttRelay.Start(ctx)) })
		if err != nil {
			return fmt.Errorf("start MQTT relay: %w", err)
		}
	}
	return nil
}

// stopEndpoints stops accepting new links
func (i *infrastructure) stopEndpoints(ctx context.Context) {
	if i.direct != nil {
		if err := i.direct.Stop(ctx); err != nil {
			slog.Warn("Direct endpoint shutdown failed", "error", err)
		}
	}
	if i.natsRelay != nil {
		i.natsRelay.Stop()
	}
	if i.mqttRelay != nil {
		i.mqttRelay.Stop()
	}
}

// close releases the infrastructure in reverse order of creation
func (i *infrastructure) close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if i.hub != nil {
		i.hub.Close()
	}
	if i.nats != nil {
		if err := i.nats.Close(ctx); err != nil {
			slog.Warn("NATS close failed", "error", err)
		}
	}
	if i.archive != nil {
		if err := i.archive.Close(); err != nil {
			slog.Warn("Archive close failed", "error", err)
		}
	}
	if i.metricsServer != nil {
		if err := i.metricsServer.Stop(ctx); err != nil {
			slog.Warn("Metrics server shutdown failed", "error", err)
		}
	}
}

// runWithSignalHandling runs the controller and API until SIGINT or SIGTERM,
// then shuts down: the API and endpoints stop first, then the controller ends
// any running session and closes its links.
func runWithSignalHandling(
	ctx context.Context,
	infra *infrastructure,
	ctrl *controller.Controller,
	api *gateway.Server,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	ctrlCtx, ctrlCancel := context.WithCancel(ctx)
	defer ctrlCancel()

	g, gctx := errgroup.WithContext(ctrlCtx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})

	if err := infra.startEndpoints(signalCtx); err != nil {
		ctrlCancel()
		_ = g.Wait()
		return err
	}
	if err := api.Start(); err != nil {
		infra.stopEndpoints(context.Background())
		ctrlCancel()
		_ = g.Wait()
		return fmt.Errorf("start gateway: %w", err)
	}
	slog.Info("sensorsync started", "api", api.Address())

	select {
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	case <-gctx.Done():
		slog.Warn("Controller stopped unexpectedly")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := api.Stop(shutdownCtx); err != nil {
		slog.Warn("Gateway shutdown failed", "error", err)
	}
	infra.stopEndpoints(shutdownCtx)

	ctrlCancel()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("controller: %w", err)
		}
	case <-shutdownCtx.Done():
		return fmt.Errorf("graceful shutdown failed: %w", shutdownCtx.Err())
	}

	slog.Info("sensorsync shutdown complete")
	return nil
}
