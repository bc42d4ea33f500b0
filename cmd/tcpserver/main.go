// Package main implements the entry point for the activecore TCP server.
// The server accepts connections on an active-object component, echoes or
// forwards the received bytes, and exposes Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/activecore/config"
	"github.com/c360/activecore/health"
	"github.com/c360/activecore/input/tcp"
	"github.com/c360/activecore/metric"
	natsout "github.com/c360/activecore/output/nats"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "activecore"
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

	cfg, err := initializeConfiguration(cliCfg, os.Getenv)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting activecore",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	ctx := context.Background()
	registry := metric.NewMetricsRegistry()

	srv, err := newServer(cfg, registry, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	monitor := health.NewMonitor()
	monitor.Register(cfg.Server.Name, srv)

	if cfg.NATS.Enabled {
		fwd, closeNATS, err := setupForwarding(ctx, cfg, srv, registry, logger)
		if err != nil {
			return err
		}
		defer closeNATS()
		monitor.Register("nats-forwarder", fwd)
	}

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		metricsServer.SetHealthHandler(monitor.Handler(appName))
	}

	return runWithSignalHandling(ctx, cfg, srv, metricsServer)
}

// initializeCLI parses and validates flags. It reports whether the process
// should exit without starting, as for -version and -help.
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
		printDetailedHelp(flag.CommandLine)
		return nil, true, nil
	}

	return cliCfg, false, nil
}

// initializeConfiguration loads the configuration file, if any, applies
// environment and flag overrides and validates the result
func initializeConfiguration(cliCfg *CLIConfig, getenv func(string) string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.SetEnv(getenv)
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	applyFlagOverrides(cfg, cliCfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlagOverrides gives explicitly set flags precedence over the file
// and environment
func applyFlagOverrides(cfg *config.Config, cliCfg *CLIConfig) {
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}
	if cliCfg.Host != "" {
		cfg.Server.Host = cliCfg.Host
	}
	if cliCfg.Port != "" {
		cfg.Server.Port = cliCfg.Port
	}
	if cliCfg.ShutdownTimeout > 0 {
		cfg.Server.ShutdownTimeout = config.Duration(cliCfg.ShutdownTimeout)
	}
}

// serverOptions translates the server configuration into tcp options
func serverOptions(cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) []tcp.ServerOption {
	opts := []tcp.ServerOption{
		tcp.WithName(cfg.Server.Name),
		tcp.WithLogger(logger),
		tcp.WithMetricsRegistry(registry),
	}
	if cfg.Server.Workers > 0 {
		opts = append(opts, tcp.WithWorkerPool(cfg.Server.Workers, cfg.Server.QueueSize))
	}
	if cfg.Server.RetainSessions {
		opts = append(opts, tcp.WithRetainSessions())
	}
	if cfg.Server.AcceptRate > 0 {
		opts = append(opts, tcp.WithAcceptRate(cfg.Server.AcceptRate, cfg.Server.AcceptBurst))
	}
	if cfg.Server.ReadBufferSize > 0 {
		opts = append(opts, tcp.WithSessionOptions(tcp.WithReadBufferSize(cfg.Server.ReadBufferSize)))
	}
	return opts
}

// newServer builds the TCP server and, when enabled, installs the echo
// handler on every accepted session
func newServer(cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*tcp.Server[*tcp.Session], error) {
	srv, err := tcp.NewDefaultServer(serverOptions(cfg, registry, logger)...)
	if err != nil {
		return nil, err
	}

	if cfg.Server.Echo {
		srv.OnConnected(func(s *tcp.Session) {
			s.OnData(func(data []byte) {
				if err := s.Send(data); err != nil {
					logger.Debug("Echo failed", "session", s.ID(), "error", err)
				}
			})
		})
	}

	srv.OnConnected(func(s *tcp.Session) {
		logger.Debug("Session connected", "session", s.ID(), "remote", s.RemoteAddr())
		s.OnClose(func(err error) {
			logger.Debug("Session closed", "session", s.ID(), "error", err)
		})
	})

	return srv, nil
}

// setupForwarding connects to NATS and forwards every session's data. The
// returned func drains the connection.
func setupForwarding(
	ctx context.Context,
	cfg *config.Config,
	srv *tcp.Server[*tcp.Session],
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*natsout.Forwarder, func(), error) {
	nc, err := natsout.Connect(ctx, cfg.NATS.URL,
		natsout.WithClientName(cfg.NATS.ClientName),
		natsout.WithTimeout(cfg.NATS.ConnectTimeout.Std()),
		natsout.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsout.WithConnectLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	fwd, err := natsout.NewForwarder(natsout.ForwarderDeps{
		Publisher:       nc,
		Subject:         cfg.NATS.Subject,
		Logger:          logger,
		MetricsRegistry: registry,
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create forwarder: %w", err)
	}
	fwd.AttachServer(srv)

	slog.Info("Forwarding session data to NATS",
		"url", cfg.NATS.URL,
		"subject", cfg.NATS.Subject)

	return fwd, func() {
		if err := nc.Drain(); err != nil {
			slog.Warn("NATS drain failed", "error", err)
			nc.Close()
		}
	}, nil
}

// runWithSignalHandling runs the TCP and metrics servers until a shutdown
// signal arrives or either of them fails
func runWithSignalHandling(
	ctx context.Context,
	cfg *config.Config,
	srv *tcp.Server[*tcp.Session],
	metricsServer *metric.Server,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	g, gctx := errgroup.WithContext(signalCtx)

	if metricsServer != nil {
		g.Go(func() error {
			slog.Info("Metrics server listening", "address", metricsServer.Address())
			return metricsServer.Start()
		})
	}

	g.Go(func() error {
		slog.Info("TCP server starting",
			"host", cfg.Server.Host,
			"port", cfg.Server.Port,
			"parallel", srv.Parallel())
		return srv.StartServer(gctx, cfg.Server.Host, cfg.Server.Port)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")
		return shutdown(srv, metricsServer, cfg.Server.ShutdownTimeout.Std())
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("activecore shutdown complete")
	return nil
}

// shutdown stops accepting, closes sessions and stops the metrics server
// within timeout
func shutdown(srv *tcp.Server[*tcp.Session], metricsServer *metric.Server, timeout time.Duration) error {
	if err := srv.Shutdown(timeout); err != nil {
		return fmt.Errorf("tcp server shutdown: %w", err)
	}

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := metricsServer.Stop(ctx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
	}
	return nil
}
