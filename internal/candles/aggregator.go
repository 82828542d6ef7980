// Package candles aggregates a live tick stream into fixed-interval OHLC
// (Open, High, Low, Close) candlesticks.
//
// Thread Safety:
//   - Candle state is owned by a single processing goroutine
//   - Channel operations provide memory barrier synchronization
//   - The output channel is closed when the input closes or the context ends
package candles

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/makoti942/digitbot/internal/model"
)

// defaultInterval is the candlestick period used when none is configured.
const defaultInterval = 15 * time.Second

// Aggregator folds tick events for one instrument into OHLC candlesticks.
//
// The aggregator consumes the live tick channel of a tick stream, maintains
// one in-progress candle, and publishes it when the interval timer fires.
// Ticks carry no traded quantity, so candles count observations instead of
// accumulating volume. The candle object is reused between intervals; fields
// are reset to zero values rather than allocating a new candle each period.
type Aggregator struct {
	symbol   string
	interval time.Duration
	current  *model.Candle
}

// NewAggregator creates a candlestick aggregator for one instrument.
func NewAggregator(symbol string, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Aggregator{
		symbol:   symbol,
		interval: interval,
		current:  &model.Candle{Symbol: symbol},
	}
}

// Stream starts the aggregation loop and returns a channel of completed
// candles. The loop drains the input until it closes or the context is
// cancelled, publishing the in-progress candle on every interval boundary.
// Intervals that saw no ticks publish nothing.
func (agg *Aggregator) Stream(ctx context.Context, ticks <-chan model.Tick) <-chan model.Candle {
	output := make(chan model.Candle, 100)
	ticker := time.NewTicker(agg.interval)

	go func() {
		defer close(output)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info().Str("symbol", agg.symbol).Msg("candle aggregator stopped")
				return
			case <-ticker.C:
				agg.publish(output)
				agg.clearCandle()
			case tick, ok := <-ticks:
				if !ok {
					agg.publish(output)
					return
				}
				agg.updateCandle(tick)
			}
		}
	}()

	return output
}

// publish emits the in-progress candle if it aggregated at least one tick.
func (agg *Aggregator) publish(out chan<- model.Candle) {
	if agg.current.Ticks == 0 {
		return
	}
	out <- *agg.current
}

// clearCandle resets the candle fields for the next interval without
// reallocating the candle object.
func (agg *Aggregator) clearCandle() {
	agg.current.StartTime = time.Time{}
	agg.current.EndTime = time.Time{}
	agg.current.Open = decimal.Zero
	agg.current.High = decimal.Zero
	agg.current.Low = decimal.Zero
	agg.current.Close = decimal.Zero
	agg.current.Ticks = 0
}

// updateCandle folds one tick into the in-progress candle with proper OHLC
// semantics. Out-of-order ticks are tolerated: the earliest timestamp owns
// Open and the latest owns Close, regardless of arrival order.
func (agg *Aggregator) updateCandle(tick model.Tick) {
	current := agg.current

	earlier := false
	later := false

	if current.StartTime.IsZero() || tick.Timestamp.Before(current.StartTime) {
		current.StartTime = tick.Timestamp
		earlier = true
	}
	if current.EndTime.IsZero() || tick.Timestamp.After(current.EndTime) {
		current.EndTime = tick.Timestamp
		later = true
	}

	if current.Open.IsZero() || earlier {
		current.Open = tick.Quote
	}
	if tick.Quote.GreaterThan(current.High) {
		current.High = tick.Quote
	}
	if current.Low.IsZero() || tick.Quote.LessThan(current.Low) {
		current.Low = tick.Quote
	}
	if later {
		current.Close = tick.Quote
	}

	current.Ticks++
}
