package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"hedge-grid-bot/config"
	"hedge-grid-bot/internal/api"
	"hedge-grid-bot/internal/binance"
	"hedge-grid-bot/internal/events"
	"hedge-grid-bot/internal/grid"
	"hedge-grid-bot/internal/logging"
	"hedge-grid-bot/internal/metrics"
	"hedge-grid-bot/internal/notification"
	"hedge-grid-bot/internal/vault"
)

// venue is what main needs from either the live gateway or the paper venue
type venue interface {
	grid.Gateway
	Prepare(ctx context.Context, symbol string, leverage int) error
}

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Bot exited with error")
	}
	logger.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	symbol := cfg.GridConfig.Symbol

	// Vault fills in credentials that the config and env left empty
	vaultClient, err := vault.ResolveCredentials(ctx, cfg)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	opts := []binance.ClientOption{
		binance.WithRateLimiter(binance.NewRateLimiter(cfg.BinanceConfig.RequestsPerSecond, cfg.BinanceConfig.Burst)),
		binance.WithMaxRetries(uint(cfg.BinanceConfig.MaxRetries)),
	}
	if cfg.BinanceConfig.BaseURL != "" {
		opts = append(opts, binance.WithBaseURL(cfg.BinanceConfig.BaseURL))
	}
	client := binance.NewFuturesClient(cfg.BinanceConfig.APIKey, cfg.BinanceConfig.SecretKey,
		cfg.BinanceConfig.TestNet, logger, opts...)

	var gw venue
	if cfg.DryRun {
		gw = binance.NewPaperVenue(cfg.BinanceConfig.PaperBalance, client, logger)
		logger.Warn().Float64("balance", cfg.BinanceConfig.PaperBalance).Msg("Dry run: orders go to the paper venue")
	} else {
		gw = binance.NewGateway(client, logger)
	}
	if err := gw.Prepare(ctx, symbol, cfg.GridConfig.Leverage); err != nil {
		return fmt.Errorf("failed to prepare %s: %w", symbol, err)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(registry, symbol)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// Events
	bus := events.NewEventBus()
	checks := map[string]api.HealthCheck{}

	var redisSink *events.RedisSink
	if cfg.RedisConfig.Enabled {
		redisSink, err = events.NewRedisSink(cfg.RedisConfig, logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		bus.SubscribeAll(redisSink.Subscriber())
		checks["redis"] = func(ctx context.Context) error {
			if !redisSink.IsHealthy() {
				return errors.New("event stream degraded")
			}
			return nil
		}
	}
	if vaultClient != nil {
		checks["vault"] = vaultClient.Health
	}

	notifier := notification.NewManagerFromConfig(cfg.NotificationConfig)
	if notifier.HasProviders() {
		bus.SubscribeAll(notification.NewGridAlerts(notifier, logger).Handle)
	}

	if !cfg.DryRun {
		bus.Subscribe(grid.EventTickCompleted, func(ctx context.Context, e grid.Event) {
			recorder.SetUsedWeight(client.RateLimitStatus().UsedWeight)
		})
	}

	reconciler := grid.NewReconciler(cfg.GridConfig, gw, logger,
		grid.WithEventSink(bus),
		grid.WithRecorder(recorder),
	)
	tracker := api.NewTickTracker(reconciler)

	// Ops server
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		serverOpts := api.Options{
			Symbol:     symbol,
			DryRun:     cfg.DryRun,
			Tracker:    tracker,
			Gatherer:   registry,
			StaleAfter: 3 * (cfg.GridConfig.PollInterval() + cfg.GridConfig.MaxErrorBackoff()),
			Checks:     checks,
		}
		if !cfg.DryRun {
			serverOpts.RateLimits = client
		}
		server = api.NewServer(cfg.ServerConfig, serverOpts, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	logger.Info().
		Str("symbol", symbol).
		Bool("dry_run", cfg.DryRun).
		Bool("testnet", cfg.BinanceConfig.TestNet).
		Msg("Starting hedge grid bot")

	done := make(chan struct{})
	go func() {
		defer close(done)
		grid.NewScheduler(tracker, cfg.GridConfig, logger).Run(ctx)
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down...")

	grace := config.ShutdownGrace()
	select {
	case <-done:
	case <-time.After(grace):
		logger.Warn().Dur("grace", grace).Msg("In-flight tick did not finish before the grace period")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error shutting down HTTP server")
		}
	}

	bus.Wait()
	if redisSink != nil {
		if err := redisSink.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing redis client")
		}
	}
	return nil
}
