package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makoti942/digitbot/internal/deriv"
	"github.com/makoti942/digitbot/internal/model"
	"github.com/makoti942/digitbot/internal/session"
)

// fakeSession scripts the trade session: requests pop canned responses by
// request type and every outbound interaction is recorded.
type fakeSession struct {
	mu         sync.Mutex
	balance    decimal.Decimal
	currency   string
	open       bool
	requests   []any
	sends      []any
	subscribes []string
	forgets    int

	proposals []*deriv.Message
	buys      []*deriv.Message

	// gate, when set, blocks every Request until the test releases it.
	gate chan struct{}

	hooks session.Hooks
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		balance:  decimal.RequireFromString("10000"),
		currency: "USD",
		open:     true,
	}
}

func (f *fakeSession) Send(v any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, v)
	return true
}

func (f *fakeSession) Request(ctx context.Context, v any, pred func(*deriv.Message) bool, timeout time.Duration) *deriv.Message {
	f.mu.Lock()
	f.requests = append(f.requests, v)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch v.(type) {
	case deriv.ProposalRequest:
		if len(f.proposals) == 0 {
			return nil
		}
		msg := f.proposals[0]
		f.proposals = f.proposals[1:]
		return msg
	case deriv.BuyRequest:
		if len(f.buys) == 0 {
			return nil
		}
		msg := f.buys[0]
		f.buys = f.buys[1:]
		return msg
	}
	return nil
}

func (f *fakeSession) Balance() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance
}

func (f *fakeSession) Currency() string { return f.currency }

func (f *fakeSession) SubscribeTicks(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, symbol)
	return true
}

func (f *fakeSession) ForgetTicks() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgets++
	return true
}

func (f *fakeSession) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
}

func (f *fakeSession) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeSession) forgetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forgets
}

func proposalMsg(id, ask string) *deriv.Message {
	return &deriv.Message{Proposal: &deriv.ProposalResult{ID: id, AskPrice: json.Number(ask)}}
}

func buyMsg(contractID, price string) *deriv.Message {
	return &deriv.Message{Buy: &deriv.BuyResult{ContractID: json.Number(contractID), BuyPrice: json.Number(price)}}
}

func settlementMsg(contractID, profit, sellPrice string) *deriv.Message {
	return &deriv.Message{ProposalOpenContract: &deriv.OpenContractResult{
		ContractID: json.Number(contractID),
		IsSold:     1,
		Status:     "sold",
		Profit:     json.Number(profit),
		SellPrice:  json.Number(sellPrice),
	}}
}

// eventLog collects the orchestrator's activity lines.
type eventLog struct {
	mu    sync.Mutex
	lines []string
}

func (e *eventLog) add(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lines = append(e.lines, line)
}

func (e *eventLog) count(sub string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, l := range e.lines {
		if strings.Contains(l, sub) {
			n++
		}
	}
	return n
}

func (e *eventLog) contains(sub string) bool {
	return e.count(sub) > 0
}

func testStrategy() *model.StrategyConfig {
	return &model.StrategyConfig{
		Market:               "R_10",
		ContractType:         model.Matches,
		Stake:                decimal.RequireFromString("0.35"),
		Duration:             1,
		Digit:                5,
		TakeProfit:           decimal.RequireFromString("2"),
		StopLoss:             decimal.RequireFromString("5"),
		MartingaleMultiplier: decimal.RequireFromString("2"),
		MaxStake:             decimal.RequireFromString("10"),
	}
}

func newTestOrchestrator(t *testing.T, fake *fakeSession, events *eventLog) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		NewSession: func(ctx context.Context, hooks session.Hooks) (TradeSession, error) {
			fake.hooks = hooks
			return fake, nil
		},
		LogFunc: events.add,
	})
	require.NoError(t, err)
	return o
}

func TestNew_RequiresFactory(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestOrchestrator_StartValidation(t *testing.T) {
	o := newTestOrchestrator(t, newFakeSession(), &eventLog{})

	cfg := testStrategy()
	cfg.Stake = decimal.RequireFromString("0.10")
	err := o.Start(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)
	assert.False(t, o.IsRunning())
}

func TestOrchestrator_StartTwice(t *testing.T) {
	o := newTestOrchestrator(t, newFakeSession(), &eventLog{})

	require.NoError(t, o.Start(context.Background(), testStrategy()))
	assert.ErrorIs(t, o.Start(context.Background(), testStrategy()), ErrAlreadyRunning)
	o.Stop("test cleanup")
}

func TestOrchestrator_FullCycle(t *testing.T) {
	fake := newFakeSession()
	fake.proposals = []*deriv.Message{proposalMsg("prop-1", "0.35")}
	fake.buys = []*deriv.Message{buyMsg("111", "0.35")}
	events := &eventLog{}
	o := newTestOrchestrator(t, fake, events)

	cfg := testStrategy()
	cfg.TakeProfit = decimal.RequireFromString("0.3")
	require.NoError(t, o.Start(context.Background(), cfg))

	// Authorization kicks off the subscription and the first cycle.
	fake.hooks.OnAuthorized()

	require.Eventually(t, func() bool {
		return o.ActiveContracts() == 1
	}, 2*time.Second, 10*time.Millisecond)

	fake.mu.Lock()
	subscribes := append([]string(nil), fake.subscribes...)
	var monitored *deriv.OpenContractRequest
	for _, v := range fake.sends {
		if req, ok := v.(deriv.OpenContractRequest); ok {
			monitored = &req
		}
	}
	fake.mu.Unlock()

	assert.Equal(t, []string{"R_10"}, subscribes)
	require.NotNil(t, monitored, "settlement subscription missing")
	assert.Equal(t, "111", monitored.ContractID)
	assert.Equal(t, 1, monitored.Subscribe)

	trades := o.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "111", trades[0].ContractID)
	assert.Equal(t, model.Open, trades[0].Status)
	assert.Equal(t, "0.35", trades[0].BuyPrice.String())

	// Settle as a win that clears the take-profit threshold.
	fake.hooks.OnMessage(settlementMsg("111", "0.33", "0.68"))

	assert.False(t, o.IsRunning())
	trades = o.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, model.Won, trades[0].Status)
	assert.Equal(t, "0.33", trades[0].Profit.String())
	assert.Equal(t, "0.33", o.TotalProfit().String())
	assert.Zero(t, o.ActiveContracts())
	assert.Equal(t, 1, fake.forgetCount())
	assert.True(t, events.contains("take profit reached"))
}

func TestOrchestrator_TakeProfitAcrossTrades(t *testing.T) {
	fake := newFakeSession()
	fake.proposals = []*deriv.Message{proposalMsg("p1", "0.35"), proposalMsg("p2", "0.35")}
	fake.buys = []*deriv.Message{buyMsg("201", "0.35"), buyMsg("202", "0.35")}
	events := &eventLog{}
	o := newTestOrchestrator(t, fake, events)

	require.NoError(t, o.Start(context.Background(), testStrategy()))
	o.tryStartCycle()
	require.Eventually(t, func() bool {
		return o.ActiveContracts() == 1
	}, 2*time.Second, 10*time.Millisecond)

	fake.mu.Lock()
	first, ok := fake.requests[0].(deriv.ProposalRequest)
	fake.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "DIGITMATCH", first.ContractType)
	assert.Equal(t, "5", first.Barrier)

	// First win lands under the take-profit threshold; trading continues
	// with the next scheduled cycle.
	fake.hooks.OnMessage(settlementMsg("201", "1.5", "1.85"))
	assert.True(t, o.IsRunning())

	require.Eventually(t, func() bool {
		return len(o.Trades()) == 2 && o.ActiveContracts() == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The second win pushes the total over the threshold and ends the run.
	fake.hooks.OnMessage(settlementMsg("202", "0.6", "0.95"))

	assert.False(t, o.IsRunning())
	assert.Equal(t, "2.1", o.TotalProfit().String())
	trades := o.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, model.Won, trades[0].Status)
	assert.Equal(t, model.Won, trades[1].Status)
	assert.True(t, events.contains("take profit reached"))
}

func TestOrchestrator_Martingale(t *testing.T) {
	fake := newFakeSession()
	o := newTestOrchestrator(t, fake, &eventLog{})

	cfg := testStrategy()
	cfg.Stake = decimal.RequireFromString("1")
	cfg.MaxStake = decimal.RequireFromString("5")
	require.NoError(t, o.Start(context.Background(), cfg))
	defer o.Stop("test cleanup")

	require.Equal(t, "1", o.CurrentStake().String())

	// Losses double the stake up to the cap.
	o.applyMartingale(false)
	assert.Equal(t, "2", o.CurrentStake().String())
	o.applyMartingale(false)
	assert.Equal(t, "4", o.CurrentStake().String())
	o.applyMartingale(false)
	assert.Equal(t, "5", o.CurrentStake().String())
	o.applyMartingale(false)
	assert.Equal(t, "5", o.CurrentStake().String())

	// A win resets to the base stake.
	o.applyMartingale(true)
	assert.Equal(t, "1", o.CurrentStake().String())
}

func TestOrchestrator_SettlementOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		profit string
		want   model.TradeStatus
	}{
		{"positive profit wins", "0.33", model.Won},
		{"zero profit wins", "0", model.Won},
		{"negative profit loses", "-0.35", model.Lost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeSession()
			fake.proposals = []*deriv.Message{proposalMsg("p", "0.35")}
			fake.buys = []*deriv.Message{buyMsg("42", "0.35")}
			o := newTestOrchestrator(t, fake, &eventLog{})

			require.NoError(t, o.Start(context.Background(), testStrategy()))
			o.tryStartCycle()
			require.Eventually(t, func() bool {
				return o.ActiveContracts() == 1
			}, 2*time.Second, 10*time.Millisecond)

			fake.hooks.OnMessage(settlementMsg("42", tt.profit, "0.68"))

			trades := o.Trades()
			require.Len(t, trades, 1)
			assert.Equal(t, tt.want, trades[0].Status)
			o.Stop("test cleanup")
		})
	}
}

func TestOrchestrator_DuplicateSettlementIgnored(t *testing.T) {
	fake := newFakeSession()
	fake.proposals = []*deriv.Message{proposalMsg("p", "0.35")}
	fake.buys = []*deriv.Message{buyMsg("77", "0.35")}
	o := newTestOrchestrator(t, fake, &eventLog{})

	require.NoError(t, o.Start(context.Background(), testStrategy()))
	o.tryStartCycle()
	require.Eventually(t, func() bool {
		return o.ActiveContracts() == 1
	}, 2*time.Second, 10*time.Millisecond)

	fake.hooks.OnMessage(settlementMsg("77", "-0.35", "0"))
	fake.hooks.OnMessage(settlementMsg("77", "-0.35", "0"))

	assert.Equal(t, "-0.35", o.TotalProfit().String())
	o.Stop("test cleanup")
}

func TestOrchestrator_StopAtExactThresholds(t *testing.T) {
	t.Run("take profit at exactly the threshold", func(t *testing.T) {
		fake := newFakeSession()
		fake.proposals = []*deriv.Message{proposalMsg("p", "2")}
		fake.buys = []*deriv.Message{buyMsg("1", "2")}
		events := &eventLog{}
		o := newTestOrchestrator(t, fake, events)

		require.NoError(t, o.Start(context.Background(), testStrategy()))
		o.tryStartCycle()
		require.Eventually(t, func() bool {
			return o.ActiveContracts() == 1
		}, 2*time.Second, 10*time.Millisecond)

		fake.hooks.OnMessage(settlementMsg("1", "2", "4"))

		assert.False(t, o.IsRunning())
		assert.True(t, events.contains("take profit reached"))
	})

	t.Run("stop loss at exactly the threshold", func(t *testing.T) {
		fake := newFakeSession()
		fake.proposals = []*deriv.Message{proposalMsg("p", "5")}
		fake.buys = []*deriv.Message{buyMsg("2", "5")}
		events := &eventLog{}
		o := newTestOrchestrator(t, fake, events)

		require.NoError(t, o.Start(context.Background(), testStrategy()))
		o.tryStartCycle()
		require.Eventually(t, func() bool {
			return o.ActiveContracts() == 1
		}, 2*time.Second, 10*time.Millisecond)

		fake.hooks.OnMessage(settlementMsg("2", "-5", "0"))

		assert.False(t, o.IsRunning())
		assert.True(t, events.contains("stop loss reached"))
	})
}

func TestOrchestrator_ExecutingGuard(t *testing.T) {
	t.Run("serialized trading rejects overlap", func(t *testing.T) {
		fake := newFakeSession()
		o := newTestOrchestrator(t, fake, &eventLog{})

		require.NoError(t, o.Start(context.Background(), testStrategy()))
		defer o.Stop("test cleanup")

		o.mu.Lock()
		o.executing = true
		o.mu.Unlock()

		o.tryStartCycle()
		time.Sleep(100 * time.Millisecond)
		assert.Zero(t, fake.requestCount())
	})

	t.Run("trade on every tick allows overlap", func(t *testing.T) {
		fake := newFakeSession()
		fake.proposals = []*deriv.Message{proposalMsg("p", "0.35")}
		fake.buys = []*deriv.Message{buyMsg("3", "0.35")}
		o := newTestOrchestrator(t, fake, &eventLog{})

		cfg := testStrategy()
		cfg.TradeOnEveryTick = true
		require.NoError(t, o.Start(context.Background(), cfg))
		defer o.Stop("test cleanup")

		o.mu.Lock()
		o.executing = true
		o.mu.Unlock()

		o.tryStartCycle()
		require.Eventually(t, func() bool {
			return fake.requestCount() > 0
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestOrchestrator_OpenContractBlocksNewCycles(t *testing.T) {
	fake := newFakeSession()
	fake.proposals = []*deriv.Message{proposalMsg("p1", "0.35"), proposalMsg("p2", "0.35")}
	fake.buys = []*deriv.Message{buyMsg("301", "0.35"), buyMsg("302", "0.35")}
	o := newTestOrchestrator(t, fake, &eventLog{})

	require.NoError(t, o.Start(context.Background(), testStrategy()))
	o.tryStartCycle()
	require.Eventually(t, func() bool {
		return o.ActiveContracts() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Triggers landing while the contract is open must not buy again. The
	// reauthorization path after a mid-contract reconnect is one such
	// trigger; raw cycle attempts are another.
	fake.hooks.OnAuthorized()
	for i := 0; i < 25; i++ {
		o.tryStartCycle()
	}
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 1, o.ActiveContracts())
	require.Len(t, o.Trades(), 1)
	assert.Equal(t, 2, fake.requestCount(), "exactly one proposal and one buy")

	// Settlement releases the gate and the next scheduled cycle proceeds.
	fake.hooks.OnMessage(settlementMsg("301", "-0.35", "0"))
	require.Eventually(t, func() bool {
		return len(o.Trades()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	o.Stop("test cleanup")
}

func TestOrchestrator_SettlementAfterStopNotRegistered(t *testing.T) {
	fake := newFakeSession()
	fake.proposals = []*deriv.Message{proposalMsg("p", "0.35")}
	fake.buys = []*deriv.Message{buyMsg("42", "0.35")}
	events := &eventLog{}
	o := newTestOrchestrator(t, fake, events)

	require.NoError(t, o.Start(context.Background(), testStrategy()))
	o.tryStartCycle()
	require.Eventually(t, func() bool {
		return o.ActiveContracts() == 1
	}, 2*time.Second, 10*time.Millisecond)

	o.Stop("manual stop")
	assert.Zero(t, o.ActiveContracts())

	// A result arriving after the final summary is logged but never
	// registered.
	fake.hooks.OnMessage(settlementMsg("42", "0.33", "0.68"))

	trades := o.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, model.Open, trades[0].Status)
	assert.True(t, o.TotalProfit().IsZero())
	assert.True(t, events.contains("settlement after stop"))
}

func TestOrchestrator_ProposalResolvedAfterStop(t *testing.T) {
	fake := newFakeSession()
	fake.gate = make(chan struct{})
	fake.proposals = []*deriv.Message{proposalMsg("late", "0.35")}
	fake.buys = []*deriv.Message{buyMsg("9", "0.35")}
	events := &eventLog{}
	o := newTestOrchestrator(t, fake, events)

	require.NoError(t, o.Start(context.Background(), testStrategy()))
	o.tryStartCycle()
	require.Eventually(t, func() bool {
		return fake.requestCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Stop while the proposal is still in flight, then let it resolve.
	o.Stop("test stop")
	close(fake.gate)

	require.Eventually(t, func() bool {
		return events.contains("proposal resolved after stop")
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, o.Trades())
	assert.Zero(t, o.ActiveContracts())
}

func TestOrchestrator_IdempotentStop(t *testing.T) {
	fake := newFakeSession()
	events := &eventLog{}
	o := newTestOrchestrator(t, fake, events)

	require.NoError(t, o.Start(context.Background(), testStrategy()))

	o.Stop("first")
	o.Stop("second")
	o.Stop("third")

	assert.False(t, o.IsRunning())
	assert.Equal(t, 1, events.count("bot stopped"))
	assert.Equal(t, 1, events.count("summary:"))
	assert.Equal(t, 1, fake.forgetCount())
}

func TestOrchestrator_ResetTrades(t *testing.T) {
	fake := newFakeSession()
	fake.proposals = []*deriv.Message{proposalMsg("p", "0.35")}
	fake.buys = []*deriv.Message{buyMsg("5", "0.35")}
	o := newTestOrchestrator(t, fake, &eventLog{})

	require.NoError(t, o.Start(context.Background(), testStrategy()))
	o.tryStartCycle()
	require.Eventually(t, func() bool {
		return o.ActiveContracts() == 1
	}, 2*time.Second, 10*time.Millisecond)
	fake.hooks.OnMessage(settlementMsg("5", "-0.35", "0"))
	o.Stop("test cleanup")

	require.NotEmpty(t, o.Trades())
	o.ResetTrades()
	assert.Empty(t, o.Trades())
	assert.True(t, o.TotalProfit().IsZero())
}

func TestOrchestrator_InsufficientBalanceStops(t *testing.T) {
	fake := newFakeSession()
	fake.balance = decimal.RequireFromString("0.10")
	events := &eventLog{}
	o := newTestOrchestrator(t, fake, events)

	require.NoError(t, o.Start(context.Background(), testStrategy()))
	o.tryStartCycle()

	require.Eventually(t, func() bool {
		return !o.IsRunning()
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, events.contains("insufficient balance"))
}

func TestOrchestrator_AuthFailureStops(t *testing.T) {
	fake := newFakeSession()
	events := &eventLog{}
	o := newTestOrchestrator(t, fake, events)

	require.NoError(t, o.Start(context.Background(), testStrategy()))
	fake.hooks.OnMessage(&deriv.Message{Error: &deriv.APIError{
		Code:    deriv.ErrCodeInvalidToken,
		Message: "The token is invalid.",
	}})

	assert.False(t, o.IsRunning())
	assert.True(t, events.contains("authorization failed"))
}

func TestBuildProposal(t *testing.T) {
	cfg := testStrategy()
	stake := decimal.RequireFromString("0.70")

	req := buildProposal(cfg, stake, "USD")
	assert.Equal(t, "0.7", req.Amount)
	assert.Equal(t, "stake", req.Basis)
	assert.Equal(t, "DIGITMATCH", req.ContractType)
	assert.Equal(t, "t", req.DurationUnit)
	assert.Equal(t, "5", req.Barrier)

	cfg.ContractType = model.Even
	req = buildProposal(cfg, stake, "USD")
	assert.Equal(t, "DIGITEVEN", req.ContractType)
	assert.Empty(t, req.Barrier)
}
