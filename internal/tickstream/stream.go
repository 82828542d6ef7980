// Package tickstream maintains a live, bounded, time-ordered window of market
// ticks for one instrument.
//
// On every (re)connection the stream first loads the most recent 50 historical
// prices, replacing the window wholesale, and then subscribes to live updates
// that append to the window with FIFO eviction. Connection loss triggers an
// unconditional reconnect after a fixed short delay for as long as the stream
// context is alive; subscribing to a different symbol means creating a new
// stream.
package tickstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/makoti942/digitbot/internal/deriv"
	"github.com/makoti942/digitbot/internal/metrics"
	"github.com/makoti942/digitbot/internal/model"
	"github.com/makoti942/digitbot/internal/utils"
	"github.com/makoti942/digitbot/internal/websocket"
)

const (
	// defaultWindowSize is the fixed capacity of the tick window.
	defaultWindowSize = 50

	// defaultReconnectDelay is the fixed pause before redialing a lost feed.
	defaultReconnectDelay = 1200 * time.Millisecond
)

var (
	// ErrAlreadyStarted indicates Start was called on a running stream.
	ErrAlreadyStarted = errors.New("tick stream already started")
)

// Config defines settings for a tick stream.
type Config struct {
	// Endpoint is the market-data WebSocket URL.
	// Required: This field must be provided and non-empty.
	Endpoint string

	// Symbol is the instrument to stream (e.g. "R_10").
	// Required: This field must be provided and non-empty.
	Symbol string

	// WindowSize overrides the tick window capacity.
	WindowSize int

	// ReconnectDelay overrides the pause between reconnect attempts.
	ReconnectDelay time.Duration
}

// Stream produces a live-updating bounded window of ticks for one symbol.
//
// The window and the connectivity flag are owned by the stream; observers
// get read-only snapshots. Live ticks are additionally fanned out on a
// buffered channel where the newest tick replaces the oldest buffered one
// for slow consumers.
type Stream struct {
	cfg      Config
	validate *validator.Validate

	mu     sync.RWMutex
	window []model.Tick

	connected atomic.Bool
	started   atomic.Bool

	ticks  chan model.Tick
	logger zerolog.Logger
}

// New creates a tick stream for one symbol. Defaults are applied for the
// window size and reconnect delay.
func New(cfg Config) (*Stream, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if err := utils.ValidateMarket(cfg.Symbol); err != nil {
		return nil, err
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	return &Stream{
		cfg:      cfg,
		validate: validator.New(),
		window:   make([]model.Tick, 0, cfg.WindowSize),
		ticks:    make(chan model.Tick, 100),
		logger: log.With().
			Str("component", "tickstream").
			Str("symbol", cfg.Symbol).
			Logger(),
	}, nil
}

// Start launches the connect/history/subscribe loop. It returns once the
// loop is running; connection failures are retried inside the loop until the
// context is cancelled.
func (s *Stream) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	go s.run(ctx)
	return nil
}

// run dials the feed and keeps it alive, reloading history and resubscribing
// after every reconnect. The retry count is unbounded; interest ends only
// with the context.
func (s *Stream) run(ctx context.Context) {
	defer close(s.ticks)

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			s.logger.Info().Msg("tick stream stopped")
			return
		}

		if attempt > 0 {
			metrics.ReconnectsTotal.WithLabelValues("tickstream").Inc()
			select {
			case <-time.After(s.cfg.ReconnectDelay):
			case <-ctx.Done():
				s.logger.Info().Msg("tick stream stopped")
				return
			}
		}

		client, err := websocket.NewClient(ctx, websocket.Config{
			Endpoint:        s.cfg.Endpoint,
			Handler:         s.handleMessage,
			InitialMessages: s.subscriptionMessages(),
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("feed connection failed, retrying")
			continue
		}

		s.connected.Store(true)
		s.logger.Info().Msg("tick feed connected")

		select {
		case <-client.DisconnectChan():
			s.connected.Store(false)
			s.logger.Warn().Msg("tick feed lost, reconnecting")
		case <-ctx.Done():
			s.connected.Store(false)
			client.Close()
			s.logger.Info().Msg("tick stream stopped")
			return
		}
	}
}

// subscriptionMessages builds the two frames sent on every (re)connect:
// the history reload followed by the live subscription.
func (s *Stream) subscriptionMessages() [][]byte {
	history, _ := json.Marshal(deriv.TicksHistoryRequest{
		TicksHistory: s.cfg.Symbol,
		Count:        s.cfg.WindowSize,
		End:          "latest",
		Style:        "ticks",
	})
	subscribe, _ := json.Marshal(deriv.TicksRequest{
		Ticks:     s.cfg.Symbol,
		Subscribe: 1,
	})
	return [][]byte{history, subscribe}
}

// handleMessage processes one raw inbound frame from the feed.
func (s *Stream) handleMessage(raw []byte) error {
	msg, err := deriv.ParseMessage(raw)
	if err != nil {
		s.logger.Error().Err(err).Msg("invalid feed JSON")
		return err
	}

	switch {
	case msg.History != nil:
		return s.handleHistory(msg.History)
	case msg.Tick != nil:
		return s.handleTick(msg.Tick)
	case msg.Error != nil:
		s.logger.Warn().
			Str("code", msg.Error.Code).
			Str("message", msg.Error.Message).
			Msg("feed error")
	}
	return nil
}

// handleHistory replaces the window with the returned history, newest last.
func (s *Stream) handleHistory(h *deriv.HistoryResult) error {
	if err := s.validate.Struct(h); err != nil {
		s.logger.Warn().Err(err).Msg("history validation failed")
		return err
	}

	window := make([]model.Tick, 0, s.cfg.WindowSize)
	for i, p := range h.Prices {
		quote, err := decimal.NewFromString(p.String())
		if err != nil {
			s.logger.Error().Err(err).Msg("invalid history price")
			return err
		}

		ts := time.Now()
		if i < len(h.Times) {
			if epoch, err := h.Times[i].Int64(); err == nil {
				ts = time.Unix(epoch, 0)
			}
		}
		window = append(window, model.NewTick(quote, ts))
	}
	if len(window) > s.cfg.WindowSize {
		window = window[len(window)-s.cfg.WindowSize:]
	}

	s.mu.Lock()
	s.window = window
	s.mu.Unlock()

	s.logger.Info().Int("ticks", len(window)).Msg("history loaded")
	return nil
}

// handleTick appends one live tick, evicting the oldest beyond capacity, and
// fans it out to the live channel.
func (s *Stream) handleTick(t *deriv.TickResult) error {
	if err := s.validate.Struct(t); err != nil {
		s.logger.Warn().Err(err).Msg("tick validation failed")
		return err
	}

	quote, err := decimal.NewFromString(t.Quote.String())
	if err != nil {
		s.logger.Error().Err(err).Msg("invalid tick quote")
		return err
	}

	ts := time.Now()
	if t.Epoch > 0 {
		ts = time.Unix(t.Epoch, 0)
	}
	tick := model.NewTick(quote, ts)

	s.mu.Lock()
	s.window = append(s.window, tick)
	if len(s.window) > s.cfg.WindowSize {
		s.window = s.window[len(s.window)-s.cfg.WindowSize:]
	}
	s.mu.Unlock()

	metrics.TicksTotal.WithLabelValues(s.cfg.Symbol).Inc()

	select {
	case s.ticks <- tick:
		// Delivered without blocking
	default:
		// Channel full: drop the oldest buffered tick for the slow consumer
		<-s.ticks
		s.ticks <- tick
	}
	return nil
}

// Window returns a read-only snapshot of the current tick window, oldest
// first.
func (s *Stream) Window() []model.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Tick, len(s.window))
	copy(out, s.window)
	return out
}

// Ticks returns the live tick channel. It is closed when the stream stops.
func (s *Stream) Ticks() <-chan model.Tick {
	return s.ticks
}

// Connected reports whether the feed connection is currently up.
func (s *Stream) Connected() bool {
	return s.connected.Load()
}
