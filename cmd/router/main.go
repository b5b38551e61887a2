// Package main is the entry point for the LLM inference router.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/balancer"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/dispatch"
	"github.com/vyrodovalexey/avllmrouter/internal/health"
	"github.com/vyrodovalexey/avllmrouter/internal/metrics"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
	"github.com/vyrodovalexey/avllmrouter/internal/server"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	run(app, flags.configPath, logger)
}

func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("ROUTER_CONFIG_PATH", "configs/router.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("ROUTER_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("ROUTER_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

func printVersion() {
	fmt.Printf("avllmrouter version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

func loadConfig(configPath string, logger observability.Logger) *config.RouterConfig {
	logger.Info("starting avllmrouter",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.Int("backends", len(cfg.Backends)),
		observability.Bool("engaged", cfg.Engaged()),
		observability.String("strategy", cfg.LoadBalancer.Strategy),
	)
	return cfg
}

// application holds all long-lived components.
type application struct {
	config   *config.RouterConfig
	registry *backend.Registry
	engine   *balancer.Engine
	checker  *health.Checker
	server   *server.Server
	tracer   *observability.Tracer
	metrics  *metrics.RouterMetrics
}

// initApplication wires the component graph. With a single backend and no
// explicit enablement the engine is skipped and requests go straight to
// that backend; otherwise the full selection and failover path is built.
func initApplication(cfg *config.RouterConfig, logger observability.Logger) *application {
	routerMetrics := metrics.GetRouterMetrics()
	tracer := initTracer(cfg, logger)

	registry := backend.NewRegistry(
		backend.WithRegistryLogger(logger),
		backend.WithRegistryMetrics(routerMetrics),
	)
	if err := registry.LoadFromConfig(cfg.Backends); err != nil {
		logger.Fatal("failed to load backends", observability.Error(err))
	}

	checker := health.NewChecker(registry, cfg.LoadBalancer,
		health.WithCheckerLogger(logger),
		health.WithCheckerMetrics(routerMetrics),
	)

	caller := dispatch.NewHTTPCaller()

	var engine *balancer.Engine
	var invoker server.Invoker
	adminOpts := []server.AdminOption{server.WithAdminLogger(logger)}

	if cfg.Engaged() {
		var err error
		engine, err = balancer.NewEngine(registry, cfg.LoadBalancer.Strategy,
			balancer.WithEngineLogger(logger),
			balancer.WithEngineMetrics(routerMetrics),
		)
		if err != nil {
			logger.Fatal("failed to create dispatch engine", observability.Error(err))
		}

		dispatcherOpts := []dispatch.DispatcherOption{
			dispatch.WithDispatcherLogger(logger),
			dispatch.WithDispatcherMetrics(routerMetrics),
		}
		if cfg.LoadBalancer.CircuitBreaker {
			breakers := dispatch.NewBreakerPool(logger)
			dispatcherOpts = append(dispatcherOpts, dispatch.WithBreakers(breakers))
			adminOpts = append(adminOpts, server.WithAdminBreakers(breakers))
		}

		dispatcher := dispatch.NewDispatcher(engine, caller, cfg.LoadBalancer, dispatcherOpts...)
		invoker = server.NewEngineInvoker(dispatcher)
		adminOpts = append(adminOpts, server.WithAdminEngine(engine))
	} else {
		sole := registry.List()[0]
		invoker = server.NewDirectInvoker(sole, caller)
		logger.Info("load balancing not engaged, using direct backend",
			observability.String("backend", sole.Name()),
		)
	}

	srv := server.NewServer(cfg.Server, registry,
		server.NewDataPlane(invoker, logger),
		server.NewAdmin(registry, adminOpts...),
		server.WithServerLogger(logger),
	)

	return &application{
		config:   cfg,
		registry: registry,
		engine:   engine,
		checker:  checker,
		server:   srv,
		tracer:   tracer,
		metrics:  routerMetrics,
	}
}

func initTracer(cfg *config.RouterConfig, logger observability.Logger) *observability.Tracer {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  "avllmrouter",
		Enabled:      cfg.Observability.TracingEnabled,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		SamplingRate: cfg.Observability.SamplingRate,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Error(err))
	}
	return tracer
}

func run(app *application, configPath string, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.checker.Start(ctx)
	go startMetricsServer(app.config.Server.MetricsPort, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- app.server.Start(ctx)
	}()

	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, watcher, serverErr, logger)
}

func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.RouterConfig) {
		logger.Info("configuration changed, reloading")
		if reloadErr := reload(app, newCfg, logger); reloadErr != nil {
			logger.Error("failed to apply new configuration", observability.Error(reloadErr))
		}
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}
	return watcher
}

func waitForShutdown(app *application, watcher *config.Watcher, serverErr <-chan error, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("server exited", observability.Error(err))
		}
	}

	shutdownTimeout := time.Duration(app.config.Server.ShutdownTimeout)
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}
	app.checker.Stop()

	if err := app.server.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop server gracefully", observability.Error(err))
	}
	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("router stopped")
}

func startMetricsServer(port int, logger observability.Logger) {
	if port == 0 {
		port = config.DefaultMetricsPort
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", observability.String("address", addr))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", observability.Error(err))
	}
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
