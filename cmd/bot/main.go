/*
Package main runs the autonomous digit trading bot.

The bot authorizes a trading session against the configured endpoint, then
cycles propose → buy → monitor → settle on the configured market until a
take-profit, a stop-loss, a fatal exchange error, or an interrupt stops it.
Strategy and connectivity come from a YAML file; the account API token comes
from the DERIV_TOKEN environment variable (a .env file is honored).

Usage:

	go run main.go -config=config.yaml

A Prometheus /metrics endpoint is served when app.metrics_addr is set.
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/makoti942/digitbot/internal/bot"
	"github.com/makoti942/digitbot/internal/config"
	"github.com/makoti942/digitbot/internal/metrics"
	"github.com/makoti942/digitbot/internal/model"
	"github.com/makoti942/digitbot/internal/session"
)

var (
	// configPath locates the YAML configuration file
	configPath = flag.String("config", "config.yaml", "Path to the YAML configuration file")
)

func main() {
	flag.Parse()

	// Structured console logging with RFC3339 timestamps
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	applyLogLevel(cfg.App.LogLevel)

	token, err := config.Token()
	if err != nil {
		log.Fatal().Err(err).Msg("missing API token")
	}

	strategy, err := cfg.StrategyConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid strategy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Expose Prometheus metrics when an address is configured
	if cfg.App.MetricsAddr != "" {
		metrics.Serve(cfg.App.MetricsAddr)
	}

	account := model.Account{Token: token, Virtual: cfg.Exchange.Virtual}
	orchestrator, err := bot.New(bot.Config{
		NewSession: func(ctx context.Context, hooks session.Hooks) (bot.TradeSession, error) {
			s, err := session.New(session.Config{
				Endpoint: cfg.Exchange.Endpoint,
				Account:  account,
			}, hooks)
			if err != nil {
				return nil, err
			}
			if err := s.Connect(ctx); err != nil {
				return nil, err
			}
			return s, nil
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create orchestrator")
	}

	if err := orchestrator.Start(ctx, strategy); err != nil {
		log.Fatal().Err(err).Msg("failed to start bot")
	}

	log.Info().
		Str("market", strategy.Market).
		Str("contract_type", strategy.ContractType.Wire()).
		Str("endpoint", cfg.Exchange.Endpoint).
		Msg("bot starting")

	// Run until an interrupt or until a stop condition ends the run
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sig:
			log.Info().Msg("initiating graceful shutdown")
			orchestrator.Stop("shutdown requested")
			cancel()
			return
		case <-ticker.C:
			if !orchestrator.IsRunning() {
				cancel()
				return
			}
		}
	}
}

// applyLogLevel maps the configured level onto the global zerolog level,
// defaulting to info on unknown values.
func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
