// Package main runs the service kernel: it loads the configured services by
// run level, serves the admin API and shuts everything down on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/service_kernel/internal/config"
	"github.com/R3E-Network/service_kernel/internal/engine/metrics"
	"github.com/R3E-Network/service_kernel/internal/httpapi"
	"github.com/R3E-Network/service_kernel/pkg/logger"
	"github.com/R3E-Network/service_kernel/platform/engine"

	// Builtin modules
	_ "github.com/R3E-Network/service_kernel/services/ping"
	_ "github.com/R3E-Network/service_kernel/services/pong"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kernel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to the kernel config (.yaml, .json or .toml)")
	envFile := flag.String("env", ".env", "Optional .env file loaded before the config")
	httpAddr := flag.String("http", "", "Admin API listen address (overrides the config)")
	flag.Parse()

	if err := config.LoadEnvFiles(*envFile); err != nil {
		return err
	}
	// Environment variables win over flags.
	if v := os.Getenv("KERNEL_CONFIG"); v != "" {
		*configPath = v
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *httpAddr != "" && os.Getenv("KERNEL_HTTP_ADDR") == "" {
		cfg.HTTP.Addr = *httpAddr
	}

	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Component: "kernel",
	})
	collector := metrics.NewCollector(cfg.Engine.MetricsNamespace)

	engCfg := engine.ConfigFrom(cfg)
	engCfg.Logger = log
	engCfg.Metrics = collector
	eng, err := engine.New(engCfg)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	// Signals cancel ctx, which also aborts a startup still loading services.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting kernel", "config", *configPath, "services", len(cfg.Services))
	if err := eng.EngineOn(ctx); err != nil {
		shutdownEngine(eng, cfg.Engine.ShutdownTimeout.Std(), log)
		if ctx.Err() != nil {
			log.Info("interrupted during startup")
			return nil
		}
		return err
	}

	var server *http.Server
	serverErr := make(chan error, 1)
	if cfg.HTTP.Addr != "" {
		api := httpapi.NewHandler(eng, httpapi.Options{
			Logger:           log,
			Metrics:          collector.Handler(),
			Registerer:       collector.Registry(),
			MetricsNamespace: cfg.Engine.MetricsNamespace,
		})
		server = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("admin API listening", "addr", cfg.HTTP.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	var cause error
	select {
	case <-ctx.Done():
		log.Info("shutting down", "reason", "signal")
	case err := <-serverErr:
		cause = fmt.Errorf("admin API: %w", err)
		log.Error("admin API failed", "error", err)
	case <-eng.Done():
		cause = eng.Err()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout.Std()+5*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("admin API shutdown", "error", err)
		}
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Warn("engine shutdown", "error", err)
	}
	if cause == nil {
		cause = eng.Err()
	}
	return cause
}

// shutdownEngine stops an engine whose startup did not complete.
func shutdownEngine(eng *engine.Engine, timeout time.Duration, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		log.Warn("engine shutdown", "error", err)
	}
}

// loadConfig reads path, or builds the default configuration with KERNEL_*
// overrides when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}
