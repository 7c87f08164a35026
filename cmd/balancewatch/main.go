// Command balancewatch periodically reads the futures account and sends a
// notification whenever balance, margin or unrealized PnL moves by more
// than the configured threshold.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"hedge-grid-bot/config"
	"hedge-grid-bot/internal/binance"
	"hedge-grid-bot/internal/logging"
	"hedge-grid-bot/internal/monitor"
	"hedge-grid-bot/internal/notification"
	"hedge-grid-bot/internal/vault"
)

// logSender stands in for the notification manager when no provider is set up
type logSender struct {
	logger zerolog.Logger
}

func (l logSender) Send(ctx context.Context, n *notification.Notification) error {
	ev := l.logger.Info().Str("title", n.Title)
	for _, f := range n.Fields {
		ev = ev.Str(f.Name, f.Value)
	}
	ev.Msg(n.Message)
	return nil
}

func main() {
	once := flag.Bool("once", false, "run a single check and exit")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "balancewatch",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := vault.ResolveCredentials(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("Failed to resolve credentials")
	}
	if cfg.BinanceConfig.APIKey == "" || cfg.BinanceConfig.SecretKey == "" {
		logger.Fatal().Msg("balancewatch needs live API keys; dry_run has no account to watch")
	}

	client := binance.NewFuturesClient(cfg.BinanceConfig.APIKey, cfg.BinanceConfig.SecretKey,
		cfg.BinanceConfig.TestNet, logger,
		binance.WithRateLimiter(binance.NewRateLimiter(cfg.BinanceConfig.RequestsPerSecond, cfg.BinanceConfig.Burst)),
		binance.WithMaxRetries(uint(cfg.BinanceConfig.MaxRetries)),
	)

	var sender monitor.Sender = logSender{logger: logger}
	if m := notification.NewManagerFromConfig(cfg.NotificationConfig); m.HasProviders() {
		sender = m
	} else {
		logger.Warn().Msg("No notification provider configured, reports go to the log only")
	}

	watcher := monitor.NewBalanceWatcher(client, sender, cfg.MonitorConfig.ChangeThreshold, logger)

	check := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		report, notified, err := watcher.Check(checkCtx)
		if err != nil {
			return
		}
		logger.Info().
			Float64("total_balance", report.TotalBalance).
			Str("risk", string(report.Risk)).
			Bool("notified", notified).
			Msg("Balance check completed")
	}

	if *once {
		check()
		return
	}

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(cfg.MonitorConfig.Schedule, check); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.MonitorConfig.Schedule).Msg("Invalid monitor schedule")
	}

	// first reading right away so the baseline notification goes out on start
	check()
	c.Start()
	logger.Info().Str("schedule", cfg.MonitorConfig.Schedule).Msg("Balance watcher started")

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info().Msg("Balance watcher stopped")
}
