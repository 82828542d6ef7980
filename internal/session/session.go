// Package session owns the single trading connection to the exchange.
//
// A Session layers two facilities over the raw WebSocket stream: a bounded
// readiness-polling Send, and a predicate-based Await that correlates
// responses on an inherently asynchronous, unordered message stream. Every
// inbound message is offered to all pending awaits (listeners are not
// exclusive consumers), so concurrently pending predicates must be mutually
// exclusive by message shape — the wire protocol carries no request
// identifiers, which leaves shape-based correlation as the only option and
// makes overlapping predicates a documented race.
//
// The session also owns the connection lifecycle: on open it authorizes with
// the account token, on authorization it subscribes to balance updates and
// invokes the authorized hook, and on connection loss it redials after a
// fixed delay for as long as the run-active hook reports an active run.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/makoti942/digitbot/internal/deriv"
	"github.com/makoti942/digitbot/internal/metrics"
	"github.com/makoti942/digitbot/internal/model"
	"github.com/makoti942/digitbot/internal/websocket"
)

const (
	// defaultSendTimeout bounds how long Send waits for the connection to
	// become ready.
	defaultSendTimeout = 4 * time.Second

	// defaultPollInterval is the cadence of connection-readiness checks
	// while Send waits.
	defaultPollInterval = 100 * time.Millisecond

	// defaultReconnectDelay is the fixed pause before redialing a lost
	// trading connection.
	defaultReconnectDelay = 3 * time.Second
)

var (
	// ErrAlreadyStarted indicates Connect was called on a running session.
	ErrAlreadyStarted = errors.New("session already started")
)

// Config defines settings for a trade session.
type Config struct {
	// Endpoint is the trading WebSocket URL.
	// Required: This field must be provided and non-empty.
	Endpoint string

	// Account is the authenticated account whose token authorizes the
	// session. Required.
	Account model.Account

	// SendTimeout overrides the Send readiness wait.
	SendTimeout time.Duration

	// PollInterval overrides the readiness polling cadence.
	PollInterval time.Duration

	// ReconnectDelay overrides the pause before redialing.
	ReconnectDelay time.Duration
}

// Hooks are the collaborator callbacks a session invokes. All fields are
// optional; nil hooks are skipped.
type Hooks struct {
	// OnAuthorized runs on its own goroutine after every successful
	// authorization, including re-authorizations after a reconnect.
	OnAuthorized func()

	// OnMessage observes every inbound message after pending awaits have
	// been offered it. It runs on the connection's read goroutine and must
	// not block; schedule long work elsewhere.
	OnMessage func(*deriv.Message)

	// RunActive reports whether a trade run is in progress. It gates the
	// reconnect loop: a lost connection is only redialed while the run is
	// active.
	RunActive func() bool
}

// listener is a one-shot await registered against the inbound stream.
type listener struct {
	pred func(*deriv.Message) bool
	ch   chan *deriv.Message
	done atomic.Bool
}

// Session is one logical connection to the trading channel.
type Session struct {
	cfg   Config
	hooks Hooks

	clientMu sync.RWMutex
	client   *websocket.Client

	listenerMu sync.Mutex
	listeners  map[int64]*listener
	nextID     int64

	balanceMu sync.RWMutex
	balance   decimal.Decimal

	started atomic.Bool
	logger  zerolog.Logger
}

// New creates a session for the given account. Defaults are applied for all
// timing parameters.
func New(cfg Config, hooks Hooks) (*Session, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Account.Token == "" {
		return nil, errors.New("account token is required")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	return &Session{
		cfg:       cfg,
		hooks:     hooks,
		listeners: make(map[int64]*listener),
		logger: log.With().
			Str("component", "session").
			Str("loginid", cfg.Account.LoginID).
			Logger(),
	}, nil
}

// Connect dials the trading endpoint and starts the lifecycle loop. It
// returns once the loop is running; the first authorization completes
// asynchronously and is signalled through the OnAuthorized hook.
func (s *Session) Connect(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	go s.run(ctx)
	return nil
}

// run maintains the connection: dial, authorize, and redial after loss while
// a run is active.
func (s *Session) run(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			s.logger.Info().Msg("session stopped")
			return
		}

		if attempt > 0 {
			metrics.ReconnectsTotal.WithLabelValues("session").Inc()
			select {
			case <-time.After(s.cfg.ReconnectDelay):
			case <-ctx.Done():
				s.logger.Info().Msg("session stopped")
				return
			}
		}

		authorize, _ := json.Marshal(deriv.AuthorizeRequest{Authorize: s.cfg.Account.Token})

		client, err := websocket.NewClient(ctx, websocket.Config{
			Endpoint:        s.cfg.Endpoint,
			Handler:         s.handleMessage,
			InitialMessages: [][]byte{authorize},
		})
		if err != nil {
			if s.hooks.RunActive == nil || !s.hooks.RunActive() {
				s.logger.Warn().Err(err).Msg("trading connection failed with no active run")
				return
			}
			s.logger.Warn().Err(err).Msg("trading connection failed, retrying")
			continue
		}

		s.clientMu.Lock()
		s.client = client
		s.clientMu.Unlock()

		s.logger.Info().Msg("trading connection established")

		select {
		case <-client.DisconnectChan():
			if s.hooks.RunActive == nil || !s.hooks.RunActive() {
				s.logger.Info().Msg("connection closed with no active run")
				return
			}
			s.logger.Warn().Msg("trading connection lost, reconnecting")
		case <-ctx.Done():
			client.Close()
			s.logger.Info().Msg("session stopped")
			return
		}
	}
}

// handleMessage dispatches one inbound frame: pending awaits first, then the
// session's own bookkeeping, then the observer hook.
func (s *Session) handleMessage(raw []byte) error {
	msg, err := deriv.ParseMessage(raw)
	if err != nil {
		s.logger.Error().Err(err).Msg("invalid trading JSON")
		return err
	}

	s.offer(msg)

	switch {
	case msg.Authorize != nil:
		s.handleAuthorize(msg.Authorize)
	case msg.Balance != nil:
		s.setBalanceFromNumber(msg.Balance.Balance)
	case msg.Error != nil:
		s.logger.Warn().
			Str("code", msg.Error.Code).
			Str("message", msg.Error.Message).
			Msg("exchange error")
	}

	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(msg)
	}
	return nil
}

// handleAuthorize records the opening balance, subscribes to balance pushes
// and signals the authorized hook.
func (s *Session) handleAuthorize(auth *deriv.AuthorizeResult) {
	s.setBalanceFromNumber(auth.Balance)
	s.logger.Info().
		Str("loginid", auth.LoginID).
		Str("balance", s.Balance().String()).
		Msg("authorized")

	s.Send(deriv.BalanceRequest{Balance: 1, Subscribe: 1})

	if s.hooks.OnAuthorized != nil {
		// The hook performs awaits of its own; it must not run on the
		// read goroutine that feeds them.
		go s.hooks.OnAuthorized()
	}
}

func (s *Session) setBalanceFromNumber(n json.Number) {
	if n == "" {
		return
	}
	b, err := decimal.NewFromString(n.String())
	if err != nil {
		s.logger.Warn().Err(err).Msg("invalid balance value")
		return
	}

	s.balanceMu.Lock()
	s.balance = b
	s.balanceMu.Unlock()
}

// Balance returns the most recent balance reported by the exchange.
func (s *Session) Balance() decimal.Decimal {
	s.balanceMu.RLock()
	defer s.balanceMu.RUnlock()
	return s.balance
}

// Currency returns the session account's currency.
func (s *Session) Currency() string {
	return s.cfg.Account.Currency
}

// Send marshals and delivers one request. If the connection is momentarily
// down it polls readiness at a fixed interval up to the send timeout.
// The return value reports whether the request reached the wire.
func (s *Session) Send(v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("request marshal failed")
		return false
	}

	deadline := time.Now().Add(s.cfg.SendTimeout)
	for {
		s.clientMu.RLock()
		client := s.client
		s.clientMu.RUnlock()

		if client != nil && client.IsOpen() {
			if err := client.Send(payload); err == nil {
				return true
			}
		}

		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(s.cfg.PollInterval)
	}
}

// addListener registers a pending await against the inbound stream.
func (s *Session) addListener(pred func(*deriv.Message) bool) (int64, *listener) {
	l := &listener{pred: pred, ch: make(chan *deriv.Message, 1)}

	s.listenerMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	s.listenerMu.Unlock()
	return id, l
}

func (s *Session) removeListener(id int64) {
	s.listenerMu.Lock()
	delete(s.listeners, id)
	s.listenerMu.Unlock()
}

func (s *Session) waitListener(ctx context.Context, l *listener, timeout time.Duration) *deriv.Message {
	select {
	case msg := <-l.ch:
		return msg
	case <-time.After(timeout):
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Await blocks until an inbound message satisfies pred or the timeout
// elapses, returning nil on timeout.
//
// Awaits are one-shot and non-exclusive: every pending await is offered
// every message, so two concurrent awaits with overlapping predicates race
// for their respective first match. Callers keep predicates disjoint by
// discriminating on message shape.
func (s *Session) Await(ctx context.Context, pred func(*deriv.Message) bool, timeout time.Duration) *deriv.Message {
	id, l := s.addListener(pred)
	defer s.removeListener(id)
	return s.waitListener(ctx, l, timeout)
}

// Request sends one request and blocks for the matching response. The
// listener is registered before the send so a response cannot slip through
// between the write and the await. Returns nil on send failure or timeout.
func (s *Session) Request(ctx context.Context, v any, pred func(*deriv.Message) bool, timeout time.Duration) *deriv.Message {
	id, l := s.addListener(pred)
	defer s.removeListener(id)

	if !s.Send(v) {
		return nil
	}
	return s.waitListener(ctx, l, timeout)
}

// offer presents an inbound message to every pending await.
func (s *Session) offer(msg *deriv.Message) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	for _, l := range s.listeners {
		if !l.done.Load() && l.pred(msg) && l.done.CompareAndSwap(false, true) {
			l.ch <- msg
		}
	}
}

// SubscribeTicks subscribes the trading connection to a symbol's tick
// stream. The orchestrator uses these pushes as trade triggers when trading
// on every tick.
func (s *Session) SubscribeTicks(symbol string) bool {
	return s.Send(deriv.TicksRequest{Ticks: symbol, Subscribe: 1})
}

// ForgetTicks cancels all tick subscriptions on the trading connection.
func (s *Session) ForgetTicks() bool {
	return s.Send(deriv.ForgetAllRequest{ForgetAll: "ticks"})
}

// TopUpVirtual resets a demo account's balance to its default amount and
// waits for the exchange to acknowledge. Returns false for real accounts,
// on send failure, or on timeout.
func (s *Session) TopUpVirtual(ctx context.Context) bool {
	if !s.cfg.Account.Virtual {
		s.logger.Warn().Msg("top-up requested for a real account, ignoring")
		return false
	}

	msg := s.Request(ctx, deriv.TopUpVirtualRequest{TopUpVirtual: 1}, func(m *deriv.Message) bool {
		return m.TopUpVirtual != nil || m.Error != nil
	}, s.cfg.SendTimeout)

	if msg == nil || msg.Error != nil {
		return false
	}

	// A balance push follows the top-up on the existing subscription; the
	// session picks it up in handleMessage.
	return true
}

// IsOpen reports whether the trading connection is currently up.
func (s *Session) IsOpen() bool {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return s.client != nil && s.client.IsOpen()
}

// Close shuts the connection down. The lifecycle loop exits through its
// context; Close only tears down the active client.
func (s *Session) Close() {
	s.clientMu.RLock()
	client := s.client
	s.clientMu.RUnlock()

	if client != nil {
		client.Close()
	}
}
