// Package bot drives the autonomous trading loop.
//
// The Orchestrator consumes an immutable StrategyConfig and cycles a trade
// session through authorize → propose → buy → monitor → settle, applying the
// martingale stake policy and the take-profit/stop-loss stop conditions after
// every settlement. Trading is serialized through an executing guard unless
// the configuration asks for a trade on every tick, in which case cycles are
// triggered per incoming tick and open contracts may overlap.
//
// All failures resolve locally into a log line and, where fatal, an explicit
// Stop with a reason; nothing panics across the trade-cycle boundary. A stop
// never cancels in-flight exchange calls — their continuations observe the
// run flag and discard results that arrive after the run ended.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/makoti942/digitbot/internal/deriv"
	"github.com/makoti942/digitbot/internal/metrics"
	"github.com/makoti942/digitbot/internal/model"
	"github.com/makoti942/digitbot/internal/session"
)

const (
	// proposalTimeout bounds the wait for a proposal response.
	proposalTimeout = 4 * time.Second

	// buyTimeout bounds the wait for a buy confirmation.
	buyTimeout = 4 * time.Second

	// maxProposalRetries is how many times a failed or timed-out proposal
	// is retried before the run stops.
	maxProposalRetries = 3

	// retryGap is the fixed pause between proposal retries.
	retryGap = 500 * time.Millisecond

	// nextCycleDelay is the pause between a settlement and the next cycle
	// in serialized trading.
	nextCycleDelay = 500 * time.Millisecond
)

var (
	// ErrAlreadyRunning indicates Start was called while a run is active.
	ErrAlreadyRunning = errors.New("bot is already running")
)

// TradeSession is the slice of the session the orchestrator drives. The
// concrete implementation is session.Session; tests substitute a scripted
// fake.
type TradeSession interface {
	Send(v any) bool
	Request(ctx context.Context, v any, pred func(*deriv.Message) bool, timeout time.Duration) *deriv.Message
	Balance() decimal.Decimal
	Currency() string
	SubscribeTicks(symbol string) bool
	ForgetTicks() bool
	IsOpen() bool
	Close()
}

// SessionFactory creates and connects a trade session wired to the given
// hooks. The orchestrator invokes it lazily on Start so each run can reuse a
// still-open session or dial a fresh one.
type SessionFactory func(ctx context.Context, hooks session.Hooks) (TradeSession, error)

// Config defines the orchestrator's collaborators.
type Config struct {
	// NewSession creates the trade session. Required.
	NewSession SessionFactory

	// LogFunc receives human-readable trade events for the activity log.
	// Optional; structured logging happens regardless.
	LogFunc func(string)
}

// Orchestrator is the trading state machine: Idle until Start, Running until
// a stop condition, a fatal failure, or an explicit Stop.
type Orchestrator struct {
	newSession SessionFactory
	logFunc    func(string)
	logger     zerolog.Logger

	mu           sync.Mutex
	running      bool
	executing    bool
	cfg          *model.StrategyConfig
	sess         TradeSession
	runCtx       context.Context
	baseStake    decimal.Decimal
	currentStake decimal.Decimal
	totalProfit  decimal.Decimal
	active       map[string]struct{}
	trades       []model.TradeResult
}

// New creates an idle orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.NewSession == nil {
		return nil, errors.New("session factory is required")
	}

	return &Orchestrator{
		newSession: cfg.NewSession,
		logFunc:    cfg.LogFunc,
		logger:     log.With().Str("component", "bot").Logger(),
		active:     make(map[string]struct{}),
	}, nil
}

// Start transitions Idle→Running: resets the run accumulators, binds the
// strategy configuration, and opens (or reuses) the trade session. The first
// trade cycle begins as soon as the session authorizes.
func (o *Orchestrator) Start(ctx context.Context, cfg *model.StrategyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.executing = false
	o.cfg = cfg
	o.runCtx = ctx
	o.baseStake = cfg.Stake
	o.currentStake = cfg.Stake
	o.totalProfit = decimal.Zero
	o.active = make(map[string]struct{})
	sess := o.sess
	o.mu.Unlock()

	metrics.ProfitTotal.Set(0)

	o.eventf("starting bot: market=%s type=%s stake=%s tp=%s sl=%s",
		cfg.Market, cfg.ContractType.Wire(), cfg.Stake, cfg.TakeProfit, cfg.StopLoss)
	o.eventf("martingale: %sx multiplier, max stake %s", cfg.MartingaleMultiplier, cfg.MaxStake)

	if sess != nil && sess.IsOpen() {
		// A session surviving a previous run skips the dial and the
		// authorize round-trip.
		o.eventf("using existing connection")
		go o.onAuthorized()
		return nil
	}

	hooks := session.Hooks{
		OnAuthorized: o.onAuthorized,
		OnMessage:    o.onMessage,
		RunActive:    o.IsRunning,
	}
	sess, err := o.newSession(ctx, hooks)
	if err != nil {
		o.mu.Lock()
		o.running = false
		o.cfg = nil
		o.mu.Unlock()
		return fmt.Errorf("failed to open trade session: %w", err)
	}

	o.mu.Lock()
	o.sess = sess
	o.mu.Unlock()
	return nil
}

// onAuthorized runs after every successful (re)authorization: it subscribes
// the trading connection to the configured market's ticks and kicks off a
// trade cycle.
func (o *Orchestrator) onAuthorized() {
	o.mu.Lock()
	cfg, running, sess := o.cfg, o.running, o.sess
	o.mu.Unlock()

	if !running || cfg == nil || sess == nil {
		return
	}

	if sess.SubscribeTicks(cfg.Market) {
		o.eventf("subscribed to %s ticks", cfg.Market)
	}
	o.tryStartCycle()
}

// onMessage observes every inbound trading message. It runs on the session's
// read goroutine, so settlement handling is quick bookkeeping and new cycles
// are scheduled onto their own goroutines.
func (o *Orchestrator) onMessage(msg *deriv.Message) {
	switch {
	case msg.ProposalOpenContract != nil:
		poc := msg.ProposalOpenContract
		if poc.IsSold == 1 || poc.Status == "sold" {
			o.handleSettlement(poc)
		}
	case msg.Tick != nil:
		o.mu.Lock()
		everyTick := o.running && o.cfg != nil && o.cfg.TradeOnEveryTick
		o.mu.Unlock()
		if everyTick {
			o.tryStartCycle()
		}
	case msg.Error != nil:
		if msg.Error.IsAuthFailure() {
			o.Stop(fmt.Sprintf("authorization failed: %s", msg.Error.Message))
			return
		}
		o.eventf("exchange error: %s", msg.Error.Message)
	}
}

// tryStartCycle begins a trade cycle on its own goroutine. In serialized
// trading the executing guard rejects overlapping triggers (a settlement and
// a tick firing close together must not double-buy), and no new cycle starts
// while a contract is still open — a reconnect mid-contract re-fires the
// authorized path, which must not double the exposure.
func (o *Orchestrator) tryStartCycle() {
	o.mu.Lock()
	if !o.running || o.cfg == nil || o.sess == nil {
		o.mu.Unlock()
		return
	}
	cfg, sess, ctx := o.cfg, o.sess, o.runCtx
	if !cfg.TradeOnEveryTick {
		if o.executing || len(o.active) > 0 {
			o.mu.Unlock()
			return
		}
		o.executing = true
	}
	o.mu.Unlock()

	go func() {
		defer func() {
			if !cfg.TradeOnEveryTick {
				o.mu.Lock()
				o.executing = false
				o.mu.Unlock()
			}
		}()
		o.runCycle(ctx, sess, cfg)
	}()
}

// runCycle is one Proposing→Buying→Monitoring pass.
//
// Proposals are retried up to maxProposalRetries on send failure or response
// timeout; exhausting the retries stops the run. The buy is a single
// attempt: a failed or timed-out buy is logged and the run waits for its
// next natural trigger rather than silently re-entering.
func (o *Orchestrator) runCycle(ctx context.Context, sess TradeSession, cfg *model.StrategyConfig) {
	var proposal *deriv.ProposalResult

	for attempt := 0; attempt <= maxProposalRetries; attempt++ {
		if !o.IsRunning() {
			return
		}
		if attempt > 0 {
			o.eventf("retrying proposal (%d/%d)", attempt, maxProposalRetries)
			select {
			case <-time.After(retryGap):
			case <-ctx.Done():
				return
			}
		}

		stake := o.CurrentStake()
		if sess.Balance().LessThan(stake) {
			o.eventf("insufficient balance: %s %s", sess.Balance(), sess.Currency())
			o.Stop("insufficient balance")
			return
		}

		req := buildProposal(cfg, stake, sess.Currency())
		o.eventf("proposal sent (stake: %s, type: %s)", stake, req.ContractType)

		msg := sess.Request(ctx, req, func(m *deriv.Message) bool {
			return m.Proposal != nil
		}, proposalTimeout)
		if msg == nil {
			o.eventf("proposal failed or timed out")
			continue
		}

		proposal = msg.Proposal
		break
	}

	if proposal == nil {
		o.Stop("proposal retries exhausted")
		return
	}

	askPrice := numberToDecimal(proposal.AskPrice)
	if askPrice.IsZero() {
		askPrice = numberToDecimal(proposal.DisplayValue)
	}
	o.eventf("proposal received (id: %s, ask: %s %s)", proposal.ID, askPrice, sess.Currency())

	if !o.IsRunning() {
		o.eventf("proposal resolved after stop, discarding")
		return
	}

	// Buy immediately at the quoted price. Single attempt, no retry.
	o.eventf("buy sent (proposal id: %s)", proposal.ID)
	buyMsg := sess.Request(ctx, deriv.BuyRequest{Buy: proposal.ID, Price: askPrice.String()}, func(m *deriv.Message) bool {
		return m.Buy != nil || (m.Error != nil && m.Error.Code == deriv.ErrCodeContractCreationFailure)
	}, buyTimeout)

	if buyMsg == nil || buyMsg.Error != nil {
		o.eventf("buy failed or timed out")
		return
	}

	contract := buyMsg.Buy
	contractID := contract.ContractID.String()
	buyPrice := numberToDecimal(contract.BuyPrice)

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		o.eventf("buy confirmed after stop, not tracking contract %s", contractID)
		return
	}
	o.active[contractID] = struct{}{}
	o.trades = append(o.trades, model.TradeResult{
		ContractID: contractID,
		BuyPrice:   buyPrice,
		Status:     model.Open,
		Timestamp:  time.Now(),
	})
	o.mu.Unlock()

	o.eventf("buy accepted, contract %s, stake %s %s", contractID, buyPrice, sess.Currency())

	// Monitor the contract until it settles.
	sess.Send(deriv.OpenContractRequest{
		ProposalOpenContract: 1,
		ContractID:           contractID,
		Subscribe:            1,
	})
}

// handleSettlement resolves one tracked contract: records the outcome,
// applies the martingale policy, evaluates the stop conditions, and in
// serialized trading schedules the next cycle.
func (o *Orchestrator) handleSettlement(poc *deriv.OpenContractResult) {
	contractID := poc.ContractID.String()

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		o.eventf("settlement after stop, not registering contract %s", contractID)
		return
	}
	if _, tracked := o.active[contractID]; !tracked {
		o.mu.Unlock()
		return
	}
	delete(o.active, contractID)

	profit := numberToDecimal(poc.Profit)
	sellPrice := numberToDecimal(poc.SellPrice)
	status := model.Lost
	if profit.GreaterThanOrEqual(decimal.Zero) {
		status = model.Won
	}

	for i := range o.trades {
		if o.trades[i].ContractID == contractID && o.trades[i].Status == model.Open {
			o.trades[i].SellPrice = sellPrice
			o.trades[i].Profit = profit
			o.trades[i].Status = status
			break
		}
	}

	o.totalProfit = o.totalProfit.Add(profit)
	total := o.totalProfit
	cfg := o.cfg
	o.mu.Unlock()

	if cfg == nil {
		return
	}

	metrics.TradesTotal.WithLabelValues(cfg.Market, status.String()).Inc()
	metrics.ProfitTotal.Set(total.InexactFloat64())

	win := status == model.Won
	if win {
		o.eventf("won: +%s | total: %s", profit, total)
	} else {
		o.eventf("lost: %s | total: %s", profit, total)
	}

	o.applyMartingale(win)

	// Stop conditions are checked before any further cycle may start.
	if total.GreaterThanOrEqual(cfg.TakeProfit) {
		o.eventf("take profit reached: %s", total)
		o.Stop("take profit reached")
		return
	}
	if total.LessThanOrEqual(cfg.StopLoss.Neg()) {
		o.eventf("stop loss reached: %s", total)
		o.Stop("stop loss reached")
		return
	}

	if !cfg.TradeOnEveryTick {
		time.AfterFunc(nextCycleDelay, o.tryStartCycle)
	}
}

// applyMartingale adapts the stake after a settlement: a win resets to the
// base stake, a loss multiplies the stake up to the configured cap.
func (o *Orchestrator) applyMartingale(win bool) {
	o.mu.Lock()
	cfg := o.cfg
	if cfg == nil {
		o.mu.Unlock()
		return
	}

	if win {
		o.currentStake = o.baseStake
		o.mu.Unlock()
		o.eventf("stake reset to base: %s", o.CurrentStake())
		return
	}

	next := o.currentStake.Mul(cfg.MartingaleMultiplier)
	capped := next.GreaterThanOrEqual(cfg.MaxStake)
	if capped {
		next = cfg.MaxStake
	}
	o.currentStake = next
	o.mu.Unlock()

	if capped {
		o.eventf("martingale stake capped at max: %s", next)
	}
	o.eventf("martingale stake updated: %s (%sx multiplier)", next, cfg.MartingaleMultiplier)
}

// Stop transitions Running→Idle with a reason, cancels the tick
// subscriptions, and logs the run summary. Calling Stop on an idle
// orchestrator is a no-op.
func (o *Orchestrator) Stop(reason string) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.executing = false
	o.cfg = nil
	o.active = make(map[string]struct{})
	sess := o.sess
	trades := make([]model.TradeResult, len(o.trades))
	copy(trades, o.trades)
	total := o.totalProfit
	o.mu.Unlock()

	if sess != nil && sess.IsOpen() {
		// Keep the connection itself alive for a faster restart; only the
		// tick subscriptions go.
		sess.ForgetTicks()
	}

	wins := 0
	for _, t := range trades {
		if t.Status == model.Won {
			wins++
		}
	}
	winRate := 0.0
	if len(trades) > 0 {
		winRate = float64(wins) / float64(len(trades)) * 100
	}

	o.eventf("bot stopped: %s", reason)
	o.eventf("summary: %d trades | win rate: %.1f%% | total p/l: %s", len(trades), winRate, total)
	o.logger.Info().
		Str("reason", reason).
		Int("trades", len(trades)).
		Float64("win_rate", winRate).
		Str("total_profit", total.String()).
		Msg("run finished")
}

// ResetTrades clears the trade history and the cumulative-profit
// accumulator. Run state is unaffected.
func (o *Orchestrator) ResetTrades() {
	o.mu.Lock()
	o.trades = nil
	o.totalProfit = decimal.Zero
	o.mu.Unlock()

	metrics.ProfitTotal.Set(0)
}

// IsRunning reports whether a run is active.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Trades returns a read-only snapshot of the trade history, oldest first.
func (o *Orchestrator) Trades() []model.TradeResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]model.TradeResult, len(o.trades))
	copy(out, o.trades)
	return out
}

// CurrentStake returns the stake the next cycle will use.
func (o *Orchestrator) CurrentStake() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentStake
}

// TotalProfit returns the cumulative settled profit since the run started
// or the last reset.
func (o *Orchestrator) TotalProfit() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totalProfit
}

// ActiveContracts returns the number of currently open contracts.
func (o *Orchestrator) ActiveContracts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// buildProposal maps the strategy configuration onto the exchange's proposal
// vocabulary. The barrier digit is attached only for digit-comparison
// contract types.
func buildProposal(cfg *model.StrategyConfig, stake decimal.Decimal, currency string) deriv.ProposalRequest {
	req := deriv.ProposalRequest{
		Proposal:     1,
		Amount:       stake.String(),
		Basis:        "stake",
		ContractType: cfg.ContractType.Wire(),
		Currency:     currency,
		Duration:     cfg.Duration,
		DurationUnit: "t",
		Symbol:       cfg.Market,
	}
	if cfg.ContractType.RequiresBarrier() {
		req.Barrier = strconv.Itoa(cfg.Digit)
	}
	return req
}

// numberToDecimal converts a JSON number, tolerating empty fields.
func numberToDecimal(n interface{ String() string }) decimal.Decimal {
	s := n.String()
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// eventf formats one activity-log line, forwarding it to the event sink and
// the structured log.
func (o *Orchestrator) eventf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if o.logFunc != nil {
		o.logFunc(msg)
	}
	o.logger.Info().Msg(msg)
}
