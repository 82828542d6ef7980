/*
Package main runs a one-shot digit scan.

The scanner subscribes to a market's tick stream, waits until a full rolling
window of ticks is available, runs the multi-strategy consensus engine over
it and prints the per-strategy votes with the final prediction. While the
window fills, incoming ticks are aggregated into OHLC candles and logged.
It places no trades and needs no API token.

Usage:

	go run main.go -symbol=R_10 -window=50
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/makoti942/digitbot/internal/candles"
	"github.com/makoti942/digitbot/internal/consensus"
	"github.com/makoti942/digitbot/internal/tickstream"
)

var (
	// endpoint is the market data WebSocket URL
	endpoint = flag.String("endpoint", "wss://ws.derivws.com/websockets/v3?app_id=1089", "Market data WebSocket URL")
	// symbol is the instrument to scan
	symbol = flag.String("symbol", "R_10", "Instrument symbol to scan")
	// window is the rolling tick window size
	window = flag.Int("window", 50, "Number of ticks to collect before scanning")
	// timeout bounds the whole scan
	timeout = flag.Duration("timeout", 2*time.Minute, "Maximum time to wait for a full window")
	// candleInterval is the OHLC aggregation period for the progress candles
	candleInterval = flag.Duration("candle-interval", 15*time.Second, "OHLC candle aggregation interval")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	stream, err := tickstream.New(tickstream.Config{
		Endpoint:   *endpoint,
		Symbol:     *symbol,
		WindowSize: *window,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid stream configuration")
	}
	if err := stream.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start tick stream")
	}

	// Live ticks feed the candle aggregator; the consensus scan reads the
	// window snapshot directly.
	aggregator := candles.NewAggregator(*symbol, *candleInterval)
	dispatcher := candles.NewDispatcher(candles.DispatcherConfig{MaxSymbolsAllowed: 1})
	if err := dispatcher.StartDispatching(ctx, aggregator.Stream(ctx, stream.Ticks())); err != nil {
		log.Fatal().Err(err).Msg("failed to start candle dispatcher")
	}
	sub, err := dispatcher.Subscribe([]string{*symbol})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to candles")
	}

	log.Info().Str("symbol", *symbol).Int("window", *window).Msg("collecting ticks")

	// The history backfill usually fills the window on the first message;
	// live ticks top it up if the feed returns fewer.
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()
	for len(stream.Window()) < *window {
		select {
		case <-ctx.Done():
			log.Fatal().Msgf("timed out with %d/%d ticks", len(stream.Window()), *window)
		case candle := <-sub.Candles():
			log.Info().
				Str("open", candle.Open.String()).
				Str("high", candle.High.String()).
				Str("low", candle.Low.String()).
				Str("close", candle.Close.String()).
				Int("ticks", candle.Ticks).
				Msg("candle")
		case <-poll.C:
		}
	}

	ticks := stream.Window()
	prediction, results := consensus.ScanDetailed(ticks)

	for _, r := range results {
		line := log.Info().Str("strategy", r.Name).Float64("weight", r.Weight)
		if r.Vote.OK {
			line.Int("digit", r.Vote.Digit).Float64("confidence", r.Vote.Confidence).Msg("vote")
		} else {
			line.Msg("no vote")
		}
	}

	if !prediction.OK {
		log.Warn().Float64("confidence", prediction.Confidence).Msg("no consensus")
		fmt.Println("no consensus")
		return
	}

	log.Info().
		Int("digit", prediction.Digit).
		Float64("confidence", prediction.Confidence).
		Msg("consensus")
	fmt.Printf("predicted digit: %d (confidence %.2f)\n", prediction.Digit, prediction.Confidence)
}
