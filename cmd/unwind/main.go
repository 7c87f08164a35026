// Command unwind places a staged exit ladder for every open futures position:
// take-profit limits in the profit direction and stop-limits in the loss
// direction, each for an equal share of the position.
//
// Run it while the grid bot is stopped. The bot treats resting LIMIT orders
// as grid entries and would cancel the take-profit levels.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"hedge-grid-bot/config"
	"hedge-grid-bot/internal/binance"
	"hedge-grid-bot/internal/exitplan"
	"hedge-grid-bot/internal/logging"
	"hedge-grid-bot/internal/vault"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "print the ladders without placing orders")
	symbol := flag.String("symbol", "", "only unwind this symbol")
	levels := flag.Int("levels", exitplan.DefaultParams.Levels, "levels per leg")
	spacing := flag.Float64("spacing", exitplan.DefaultParams.Spacing, "fraction of entry between levels")
	offset := flag.Float64("stop-offset", exitplan.DefaultParams.StopLimitOffset, "stop-limit price distance past the trigger")
	flag.Parse()

	godotenv.Load()

	params := exitplan.Params{Levels: *levels, Spacing: *spacing, StopLimitOffset: *offset}
	if err := params.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid ladder parameters: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Config{
		Level:     cfg.LoggingConfig.Level,
		Output:    cfg.LoggingConfig.Output,
		Component: "unwind",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := vault.ResolveCredentials(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("Failed to resolve credentials")
	}

	client := binance.NewFuturesClient(cfg.BinanceConfig.APIKey, cfg.BinanceConfig.SecretKey,
		cfg.BinanceConfig.TestNet, logger,
		binance.WithRateLimiter(binance.NewRateLimiter(cfg.BinanceConfig.RequestsPerSecond, cfg.BinanceConfig.Burst)),
		binance.WithMaxRetries(uint(cfg.BinanceConfig.MaxRetries)),
	)

	account, err := client.GetFuturesAccountInfo(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to read futures account")
	}
	mode, err := client.GetPositionMode(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to read position mode")
	}
	exchange, err := client.GetFuturesExchangeInfo(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to read exchange info")
	}

	positions := exitplan.PositionsFromAccount(account)
	if len(positions) == 0 {
		fmt.Println("No open positions")
		return
	}

	failed := 0
	for _, pos := range positions {
		if *symbol != "" && !strings.EqualFold(pos.Symbol, *symbol) {
			continue
		}
		rules, err := binance.FindSymbolRules(exchange, pos.Symbol)
		if err != nil {
			logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Skipping position")
			failed++
			continue
		}
		plan, err := exitplan.Build(pos, rules, params)
		if err != nil {
			logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Skipping position")
			failed++
			continue
		}

		printPlan(plan)
		if *dryRun {
			continue
		}

		for _, res := range exitplan.Place(ctx, client, plan, mode.DualSidePosition) {
			var ev *zerolog.Event
			if res.Err != nil {
				ev = logger.Error().Err(res.Err)
				failed++
			} else {
				ev = logger.Info()
			}
			ev.Str("symbol", plan.Symbol).
				Str("kind", string(res.Level.Kind)).
				Int("level", res.Level.Index).
				Str("order_id", res.OrderID).
				Msg("Exit level placed")
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func printPlan(p exitplan.Plan) {
	fmt.Printf("\n%s %s qty=%g entry=%g\n", p.Symbol, strings.ToUpper(string(p.Side)), p.Quantity, p.Entry)
	for _, l := range p.TakeProfits() {
		fmt.Printf("  TP %2d  limit %-14s qty %s\n", l.Index, l.Price, l.Quantity)
	}
	for _, l := range p.Stops() {
		fmt.Printf("  SL %2d  stop %-14s limit %-14s qty %s\n", l.Index, l.Trigger, l.Price, l.Quantity)
	}
}
