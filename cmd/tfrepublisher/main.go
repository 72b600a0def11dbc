// Package main implements the entry point for the transform-tree web
// republisher. It ingests the upstream transform stream from NATS, resolves
// client-requested frame pairs against the graph, and republishes the
// results at reduced rates over WebSocket.
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

	"github.com/tessel-la/robo-boy/component"
	"github.com/tessel-la/robo-boy/config"
	"github.com/tessel-la/robo-boy/input/transform"
	"github.com/tessel-la/robo-boy/metric"
	"github.com/tessel-la/robo-boy/natsclient"
	"github.com/tessel-la/robo-boy/output/natsmirror"
	"github.com/tessel-la/robo-boy/output/websocket"
	"github.com/tessel-la/robo-boy/scheduler"
	"github.com/tessel-la/robo-boy/session"
	"github.com/tessel-la/robo-boy/subscription"
	"github.com/tessel-la/robo-boy/tfgraph"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "tfrepublisher"
)

func main() {
	// Add panic recovery
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
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting transform republisher",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	// Metrics registry and endpoint (nil registry disables all metrics)
	var metricsRegistry *metric.MetricsRegistry
	if cfg.Metrics.Enabled {
		metricsRegistry = metric.NewMetricsRegistry()
		metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() { _ = metricsServer.Stop(5 * time.Second) }()
		slog.Info("Metrics endpoint up", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	}

	natsClient, err := connectNATS(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = natsClient.Close(ctx) }()

	store, err := tfgraph.NewStore(cfg.Store.ToStoreConfig(),
		logger.With("component", "tfgraph-store"))
	if err != nil {
		return fmt.Errorf("create transform store: %w", err)
	}

	components, sched, err := buildPipeline(cfg, store, natsClient, metricsRegistry, logger)
	if err != nil {
		return err
	}
	defer func() { _ = sched.Stop(cliCfg.ShutdownTimeout) }()

	return runWithSignalHandling(ctx, components, cliCfg.ShutdownTimeout)
}

// loadConfig reads the config file, or falls back to defaults when no path
// was given.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// connectNATS creates the shared NATS client and waits for the connection.
func connectNATS(ctx context.Context, cfg config.Config) (*natsclient.Client, error) {
	natsClient, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := natsClient.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	return natsClient, nil
}

// buildPipeline wires the store, scheduler, session manager, and the input
// and output components together.
func buildPipeline(
	cfg config.Config,
	store *tfgraph.Store,
	natsClient *natsclient.Client,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) ([]component.LifecycleComponent, *scheduler.Scheduler, error) {
	wsServer := websocket.NewServer(websocket.Deps{
		Name:            "websocket-output",
		Config:          cfg.WebSocket,
		MetricsRegistry: metricsRegistry,
		Logger:          logger.With("component", "websocket-output"),
	})

	// The WebSocket server is the primary sink; the NATS mirror, when
	// enabled, receives every batch best-effort.
	var sink scheduler.Sink = wsServer
	if cfg.Mirror.Enabled {
		mirror, err := natsmirror.NewSink(natsClient, cfg.Mirror.SubjectPrefix,
			logger.With("component", "natsmirror"))
		if err != nil {
			return nil, nil, fmt.Errorf("create NATS mirror: %w", err)
		}
		sink = scheduler.NewFanOut(logger.With("component", "sink-fanout"), wsServer, mirror)
		slog.Info("NATS republish mirror enabled", "subject_prefix", cfg.Mirror.SubjectPrefix)
	}

	sched, err := scheduler.NewScheduler(scheduler.Deps{
		Config:          cfg.Scheduler,
		Store:           store,
		Sink:            sink,
		MetricsRegistry: metricsRegistry,
		Logger:          logger.With("component", "scheduler"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create scheduler: %w", err)
	}

	registry := subscription.NewRegistry(logger.With("component", "subscription-registry"))
	sessions, err := session.NewManager(session.Deps{
		Registry:  registry,
		Scheduler: sched,
		Notifier:  wsServer,
		Logger:    logger.With("component", "session-manager"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create session manager: %w", err)
	}
	wsServer.SetSessions(sessions)

	input := transform.NewInput(transform.Deps{
		Name:            "transform-input",
		Config:          cfg.Input,
		Store:           store,
		NATSClient:      natsClient,
		MetricsRegistry: metricsRegistry,
		Logger:          logger.With("component", "transform-input"),
	})

	// Start order: output first so subscribers can connect before edges flow
	return []component.LifecycleComponent{wsServer, input}, sched, nil
}

// runWithSignalHandling starts all components and blocks until a shutdown
// signal arrives, then stops them in reverse order.
func runWithSignalHandling(ctx context.Context, components []component.LifecycleComponent, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	for _, c := range components {
		if err := c.Initialize(); err != nil {
			return fmt.Errorf("initialize component: %w", err)
		}
	}
	for i, c := range components {
		if err := c.Start(signalCtx); err != nil {
			stopComponents(components[:i], shutdownTimeout)
			return fmt.Errorf("start component: %w", err)
		}
	}

	slog.Info("Transform republisher started")
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	stopComponents(components, shutdownTimeout)
	slog.Info("Shutdown complete")
	return nil
}

// stopComponents stops components in reverse start order.
func stopComponents(components []component.LifecycleComponent, timeout time.Duration) {
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].Stop(timeout); err != nil {
			slog.Error("Error stopping component", "error", err)
		}
	}
}
