package candles

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makoti942/digitbot/internal/model"
	"github.com/makoti942/digitbot/internal/utils"
)

func candleFor(symbol string, close string) model.Candle {
	c := decimal.RequireFromString(close)
	return model.Candle{
		Symbol: symbol,
		Open:   c,
		High:   c,
		Low:    c,
		Close:  c,
		Ticks:  1,
	}
}

func startedDispatcher(t *testing.T) (*Dispatcher, chan model.Candle, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(DispatcherConfig{MaxSymbolsAllowed: 5})
	candleCh := make(chan model.Candle, 200)
	require.NoError(t, d.StartDispatching(ctx, candleCh))
	return d, candleCh, cancel
}

func TestDispatcher_SubscribeBeforeStart(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MaxSymbolsAllowed: 5})
	_, err := d.Subscribe([]string{"R_10"})
	assert.ErrorContains(t, err, "not started")
}

func TestDispatcher_StartTwice(t *testing.T) {
	d, candleCh, cancel := startedDispatcher(t)
	defer cancel()

	err := d.StartDispatching(context.Background(), candleCh)
	assert.ErrorContains(t, err, "already started")
}

func TestDispatcher_SubscribeValidatesMarkets(t *testing.T) {
	d, _, cancel := startedDispatcher(t)
	defer cancel()

	_, err := d.Subscribe([]string{"BTC-USDT"})
	assert.ErrorIs(t, err, utils.ErrUnknownMarket)

	_, err = d.Subscribe(nil)
	assert.ErrorIs(t, err, utils.ErrNoMarkets)

	_, err = d.Subscribe([]string{"R_10", "R_25", "R_50", "R_75", "R_100", "1HZ10V"})
	assert.ErrorIs(t, err, utils.ErrTooManyMarkets)
}

func TestDispatcher_FansOutBySymbol(t *testing.T) {
	d, candleCh, cancel := startedDispatcher(t)
	defer cancel()

	sub10, err := d.Subscribe([]string{"R_10"})
	require.NoError(t, err)
	sub25, err := d.Subscribe([]string{"R_25"})
	require.NoError(t, err)
	subBoth, err := d.Subscribe([]string{"R_10", "R_25"})
	require.NoError(t, err)

	// Registration is asynchronous; the idle dispatch goroutine drains the
	// queued subscriptions before any candle is pushed.
	time.Sleep(100 * time.Millisecond)

	candleCh <- candleFor("R_10", "1000")
	candleCh <- candleFor("R_25", "2000")

	receive := func(sub *Subscriber) model.Candle {
		select {
		case c := <-sub.Candles():
			return c
		case <-time.After(time.Second):
			t.Fatal("no candle delivered")
			return model.Candle{}
		}
	}

	assert.Equal(t, "1000", receive(sub10).Close.String())
	assert.Equal(t, "2000", receive(sub25).Close.String())
	assert.Equal(t, "1000", receive(subBoth).Close.String())
	assert.Equal(t, "2000", receive(subBoth).Close.String())

	// No cross-delivery of the other symbol.
	select {
	case c := <-sub10.Candles():
		t.Fatalf("unexpected candle for subscriber: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d, candleCh, cancel := startedDispatcher(t)
	defer cancel()

	sub, err := d.Subscribe([]string{"R_10"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	candleCh <- candleFor("R_10", "1000")
	<-sub.Candles()

	require.NoError(t, d.Unsubscribe(sub))

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Candles():
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "channel should close on unsubscribe")
}

func TestDispatcher_ShutdownClosesSubscribers(t *testing.T) {
	d, candleCh, cancel := startedDispatcher(t)

	sub, err := d.Subscribe([]string{"R_10"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	candleCh <- candleFor("R_10", "1000")
	<-sub.Candles()

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Candles():
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "channel should close on shutdown")
}

func TestDispatcher_SlowSubscriberDropsOldest(t *testing.T) {
	d, candleCh, cancel := startedDispatcher(t)
	defer cancel()

	sub, err := d.Subscribe([]string{"R_10"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	// Overflow the per-subscriber buffer without draining it.
	total := cap(sub.ch) + 50
	for i := 1; i <= total; i++ {
		c := candleFor("R_10", "1000")
		c.Ticks = i
		candleCh <- c
	}

	require.Eventually(t, func() bool {
		return len(candleCh) == 0
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	first := <-sub.Candles()
	assert.Equal(t, 51, first.Ticks, "oldest buffered candles should have been dropped")
}
