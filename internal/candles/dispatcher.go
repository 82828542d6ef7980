package candles

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/makoti942/digitbot/internal/model"
	"github.com/makoti942/digitbot/internal/utils"
)

// Subscriber represents a client subscription to candles for specific markets.
//
// Each subscriber owns a buffered channel for candle delivery and a set of
// symbols used for filtering.
type Subscriber struct {
	id      int64
	ch      chan model.Candle
	symbols map[string]struct{}
}

// Candles returns the subscriber's delivery channel. It is closed on
// unsubscribe or dispatcher shutdown.
func (s *Subscriber) Candles() <-chan model.Candle {
	return s.ch
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxSymbolsAllowed int // Maximum markets per subscription to prevent resource abuse
}

// Dispatcher fans completed candles out to any number of subscribers.
//
// A single goroutine owns the subscribers map; subscription changes and
// candle deliveries all flow through channels, so no mutex is needed and
// dispatch is naturally serialized.
type Dispatcher struct {
	cfg              DispatcherConfig
	subscribers      map[int64]*Subscriber // owned by the dispatch goroutine
	subscriptionCh   chan *Subscriber
	unsubscriptionCh chan *Subscriber
	started          atomic.Bool
	randIDGen        *rand.Rand
}

// NewDispatcher creates a Dispatcher with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[int64]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, 10),
		unsubscriptionCh: make(chan *Subscriber, 10),
		randIDGen:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe registers a new subscription for the given market symbols.
//
// The symbols are validated against the supported volatility indices before
// the subscription request is handed to the dispatch goroutine.
func (d *Dispatcher) Subscribe(symbols []string) (*Subscriber, error) {
	if !d.started.Load() {
		return nil, errors.New("dispatcher not started")
	}

	if err := utils.ValidateMarkets(symbols, d.cfg.MaxSymbolsAllowed); err != nil {
		return nil, err
	}

	symSet := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		symSet[s] = struct{}{}
	}

	sub := &Subscriber{
		id:      d.randIDGen.Int63(),
		ch:      make(chan model.Candle, 100), // buffer size per client
		symbols: symSet,
	}

	select {
	case d.subscriptionCh <- sub:
	default:
		return nil, fmt.Errorf("subscription channel is full")
	}

	return sub, nil
}

// Unsubscribe removes a subscriber from the dispatcher.
func (d *Dispatcher) Unsubscribe(sub *Subscriber) error {
	select {
	case d.unsubscriptionCh <- sub:
		return nil
	default:
		return fmt.Errorf("unsubscription channel is full")
	}
}

func (d *Dispatcher) subscribe(sub *Subscriber) {
	d.subscribers[sub.id] = sub
}

func (d *Dispatcher) unsubscribe(sub *Subscriber) {
	if _, ok := d.subscribers[sub.id]; ok {
		delete(d.subscribers, sub.id)
		close(sub.ch)
	}
}

// StartDispatching starts the dispatch goroutine that owns all subscriber
// state: it consumes candles from the given channel and distributes them to
// every matching subscriber until the context ends.
func (d *Dispatcher) StartDispatching(ctx context.Context, candleCh <-chan model.Candle) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	go func() {
		defer func() {
			for _, sub := range d.subscribers {
				close(sub.ch)
			}
			d.subscribers = make(map[int64]*Subscriber)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("candle dispatcher stopped")
				return
			case sub := <-d.subscriptionCh:
				d.subscribe(sub)
			case sub := <-d.unsubscriptionCh:
				d.unsubscribe(sub)
			case candle, ok := <-candleCh:
				if !ok {
					return
				}
				d.dispatch(candle)
			}
		}
	}()
	return nil
}

// dispatch delivers one candle to every subscriber interested in its symbol.
// Only the dispatch goroutine calls this, so subscriber access needs no lock.
//
// Slow clients never block delivery: a full subscriber channel drops its
// oldest buffered candle to make room for the new one.
func (d *Dispatcher) dispatch(candle model.Candle) {
	for _, sub := range d.subscribers {
		if _, ok := sub.symbols[candle.Symbol]; !ok {
			continue
		}
		select {
		case sub.ch <- candle:
			// Delivered without blocking
		default:
			log.Info().Str("symbol", candle.Symbol).Msg("subscriber is too slow, dropping oldest buffered candle")
			<-sub.ch
			sub.ch <- candle
		}
	}
}
