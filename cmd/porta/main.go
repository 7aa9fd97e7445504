package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/porta/internal/admin"
	"github.com/wudi/porta/internal/config"
	"github.com/wudi/porta/internal/gateway"
	"github.com/wudi/porta/internal/logging"
	"github.com/wudi/porta/internal/metrics"
	"github.com/wudi/porta/internal/plugin"
	"github.com/wudi/porta/internal/plugin/builtin"
	"github.com/wudi/porta/internal/router"
	"github.com/wudi/porta/internal/upstream"
)

func main() {
	configPath := flag.String("config", "configs/porta.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("porta %s\n", gateway.Version)
		os.Exit(0)
	}

	registry := plugin.NewRegistry()
	builtin.RegisterAll(registry)

	loader := config.NewLoader()
	loader.SetKnownPlugins(registry.Known())

	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(cfg.Gateway.Logging.Level, logging.Options{
		File:       cfg.Gateway.Logging.File,
		MaxSizeMB:  cfg.Gateway.Logging.MaxSizeMB,
		MaxBackups: cfg.Gateway.Logging.MaxBackups,
		MaxAgeDays: cfg.Gateway.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting porta",
		zap.String("version", gateway.Version),
		zap.String("config", *configPath),
		zap.Int("upstreams", len(cfg.Upstreams)),
		zap.Int("services", len(cfg.Services)))

	mx := metrics.New()
	upstreams := upstream.NewManager(mx)
	env := &plugin.Env{Consumers: plugin.NewConsumerStore(cfg.Consumers)}
	gw := gateway.New(router.New(), upstreams, registry, env, mx)

	if err := gw.Apply(cfg); err != nil {
		logging.Error("failed to apply configuration", zap.Error(err))
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath, loader)
	if err != nil {
		logging.Warn("config watcher unavailable", zap.Error(err))
	} else {
		watcher.OnChange(gw.Reload)
		if err := watcher.Start(); err != nil {
			logging.Warn("config watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	var adminHandler = admin.New(gw, mx).Handler()
	if cfg.Gateway.AdminEnabled != nil && !*cfg.Gateway.AdminEnabled {
		adminHandler = nil
	}

	server := gateway.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, cfg.Gateway.AdminPort, gw, adminHandler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		logging.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logging.Info("shutting down")
	if err := server.Shutdown(15 * time.Second); err != nil {
		logging.Warn("shutdown incomplete", zap.Error(err))
	}
	upstreams.Stop()
	gw.Close()
}
