package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/straja-ai/sentiment/internal/backend"
	"github.com/straja-ai/sentiment/internal/config"
	"github.com/straja-ai/sentiment/internal/logger"
	"github.com/straja-ai/sentiment/internal/metrics"
	"github.com/straja-ai/sentiment/internal/server"
	"github.com/straja-ai/sentiment/internal/telemetry"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sentiment: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "sentiment.yaml", "Path to config file")
	flag.Parse()

	// A missing .env is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *addrFlag != "" {
		cfg.Server.Addr = *addrFlag
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  cfg.Telemetry.Service,
		Version:  version,
	}, log.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		tel.Shutdown(shutdownCtx)
	}()

	// The model is loaded before the listener is bound; failure is fatal.
	model, err := backend.Open(ctx, cfg, log)
	if err != nil {
		log.Error("model load failed", zap.Error(err))
		return err
	}
	defer func() {
		if err := model.Close(); err != nil {
			log.Warn("close model", zap.Error(err))
		}
	}()
	if cfg.Model.WarmupEnabled() {
		if err := backend.Warmup(model, log); err != nil {
			log.Error("model warmup failed", zap.Error(err))
			return err
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.MetricsEnabled() {
		m = metrics.New()
	}
	srv := server.New(cfg, model, server.Options{Logger: log, Metrics: m, Telemetry: tel})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Server.Addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
