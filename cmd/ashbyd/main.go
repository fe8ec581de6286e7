package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ashby-io/ashby/internal/acquire"
	"github.com/ashby-io/ashby/internal/api"
	"github.com/ashby-io/ashby/internal/bus"
	"github.com/ashby-io/ashby/internal/config"
	"github.com/ashby-io/ashby/internal/discovery"
	"github.com/ashby-io/ashby/internal/metrics"
	"github.com/ashby-io/ashby/internal/monitor"
	"github.com/ashby-io/ashby/internal/router"
	"github.com/ashby-io/ashby/internal/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// errStartup marks failures before the orchestrator reached steady state.
// main maps these to a distinct exit code so supervising init systems can
// tell "never came up" from "came up and then broke".
var errStartup = errors.New("startup failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errStartup) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var registryList string

	root := &cobra.Command{
		Use:   "ashbyd",
		Short: "Ashby — autonomous capability-acquisition orchestrator",
		Long: `Ashby watches its own capability set, discovers npm packages that can
close the gap, installs them, and supervises them as child MCP servers
speaking JSON-RPC over stdio. A local HTTP API exposes the capability
registry, the server fleet, and task execution.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.RegistryEndpoints = splitList(registryList)
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.IntVar(&cfg.HTTPPort, "http-port", envInt("ASHBY_HTTP_PORT", cfg.HTTPPort), "Control API listen port")
	f.BoolVar(&cfg.DaemonEnabled, "daemon-enabled", envBool("ASHBY_DAEMON_ENABLED", cfg.DaemonEnabled), "Start the variety monitor in the scanning state")
	f.DurationVar(&cfg.DaemonInterval, "daemon-interval", envDuration("ASHBY_DAEMON_INTERVAL", cfg.DaemonInterval), "Variety monitor scan interval")
	f.DurationVar(&cfg.RouterRefresh, "router-refresh", envDuration("ASHBY_ROUTER_REFRESH", cfg.RouterRefresh), "Capability router full-refresh interval")
	f.DurationVar(&cfg.SpawnHandshake, "spawn-handshake", envDuration("ASHBY_SPAWN_HANDSHAKE", cfg.SpawnHandshake), "Deadline for a child's initialize handshake")
	f.DurationVar(&cfg.CallTimeout, "call-timeout", envDuration("ASHBY_CALL_TIMEOUT", cfg.CallTimeout), "Default per-request JSON-RPC timeout")
	f.IntVar(&cfg.RestartMaxAttempts, "restart-max-attempts", envInt("ASHBY_RESTART_MAX_ATTEMPTS", cfg.RestartMaxAttempts), "Child restarts allowed within the restart window")
	f.DurationVar(&cfg.RestartWindow, "restart-window", envDuration("ASHBY_RESTART_WINDOW", cfg.RestartWindow), "Rolling window for the restart cap")
	f.DurationVar(&cfg.InstallTimeout, "install-timeout", envDuration("ASHBY_INSTALL_TIMEOUT", cfg.InstallTimeout), "Deadline for one npm install run")
	f.DurationVar(&cfg.AcquisitionWait, "acquisition-wait", envDuration("ASHBY_ACQUISITION_WAIT", cfg.AcquisitionWait), "How long to wait for a spawned server to expose a capability")
	f.IntVar(&cfg.AcquisitionConcurrency, "acquisition-concurrency", envInt("ASHBY_ACQUISITION_CONCURRENCY", cfg.AcquisitionConcurrency), "Parallel acquisitions per monitor tick")
	f.StringVar(&cfg.InstallDir, "install-dir", envOrDefault("ASHBY_INSTALL_DIR", cfg.InstallDir), "Directory for installed packages")
	f.StringVar(&registryList, "registries", envOrDefault("ASHBY_REGISTRIES", strings.Join(cfg.RegistryEndpoints, ",")), "Comma-separated npm registry search endpoints")
	f.Uint64Var(&cfg.MaxChildMemoryBytes, "max-child-memory", envUint64("ASHBY_MAX_CHILD_MEMORY", cfg.MaxChildMemoryBytes), "Per-child RSS cap in bytes (0 disables)")
	f.Float64Var(&cfg.MaxChildCPUPct, "max-child-cpu", envFloat("ASHBY_MAX_CHILD_CPU", cfg.MaxChildCPUPct), "Per-child CPU cap in percent of one core (0 disables)")
	f.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", envDuration("ASHBY_SHUTDOWN_GRACE", cfg.ShutdownGrace), "Graceful shutdown deadline before escalating")
	f.StringVar(&cfg.LogLevel, "log-level", envOrDefault("ASHBY_LOG_LEVEL", cfg.LogLevel), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ashbyd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting ashbyd",
		zap.String("version", version),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Bool("daemon_enabled", cfg.DaemonEnabled),
		zap.Duration("daemon_interval", cfg.DaemonInterval),
		zap.String("install_dir", cfg.InstallDir),
		zap.Strings("registries", cfg.RegistryEndpoints),
	)

	if err := os.MkdirAll(cfg.InstallDir, 0o755); err != nil {
		return fmt.Errorf("%w: create install dir: %v", errStartup, err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	events := bus.New()
	go events.Run(ctx)

	sup := supervisor.New(supervisor.Options{
		InstallDir:         cfg.InstallDir,
		InstallTimeout:     cfg.InstallTimeout,
		HandshakeTimeout:   cfg.SpawnHandshake,
		RestartMaxAttempts: cfg.RestartMaxAttempts,
		RestartWindow:      cfg.RestartWindow,
		MaxChildMemory:     cfg.MaxChildMemoryBytes,
		MaxChildCPUPct:     cfg.MaxChildCPUPct,
	}, events, logger.Named("supervisor"))

	disc := discovery.New(cfg.RegistryEndpoints, logger.Named("discovery"))

	reg := router.New(sup, events, router.DefaultMapFunc, cfg.RouterRefresh, cfg.CallTimeout, logger.Named("router"))
	coord := acquire.New(disc, sup, reg, events, cfg.AcquisitionWait, logger.Named("acquire"))
	mon := monitor.New(cfg.DaemonInterval, cfg.AcquisitionConcurrency, cfg.DaemonEnabled, reg, coord, logger.Named("monitor"))

	sink := metrics.New(
		func() float64 {
			n := 0
			for _, info := range sup.List() {
				if info.Status == supervisor.StatusRunning {
					n++
				}
			}
			return float64(n)
		},
		func() float64 { return float64(len(reg.Capabilities())) },
	)
	go sink.Run(ctx, events)

	// The router and monitor schedulers are long-lived; a failure to start
	// either is fatal.
	fatal := make(chan error, 3)
	go func() {
		if err := reg.Run(ctx); err != nil {
			fatal <- fmt.Errorf("%w: router: %v", errStartup, err)
		}
	}()
	go func() {
		if err := mon.Run(ctx); err != nil {
			fatal <- fmt.Errorf("%w: monitor: %v", errStartup, err)
		}
	}()

	handler := api.NewRouter(api.RouterConfig{
		Monitor:        mon,
		Supervisor:     sup,
		Registry:       reg,
		Logger:         logger,
		ExecuteTimeout: cfg.CallTimeout,
		MetricsHandler: sink.Handler(),
		ObserveHTTP:    sink.ObserveHTTP,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("control api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal <- fmt.Errorf("%w: http: %v", errStartup, err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-fatal:
		cancel()
	}

	logger.Info("shutting down ashbyd")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	mon.Disable()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sup.StopAll(shutdownCtx)

	logger.Info("shutdown complete")
	return runErr
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envUint64(key string, defaultVal uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
