// Package model defines core data types for the digit trading bot.
//
// This package contains the fundamental data structures shared by the tick
// stream, the consensus engine, the trade session and the orchestrator:
// market ticks, strategy configuration, trade results and account identity.
// All monetary values use decimal.Decimal for precise financial calculations
// to avoid floating-point precision issues common in financial applications.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ContractType enumerates the supported digit contract types.
type ContractType int

const (
	// Matches wins when the last digit of the exit quote equals the barrier digit.
	Matches ContractType = iota

	// Differs wins when the last digit of the exit quote differs from the barrier digit.
	Differs

	// Even wins when the last digit of the exit quote is even.
	Even

	// Odd wins when the last digit of the exit quote is odd.
	Odd

	// Over wins when the last digit of the exit quote is strictly above the barrier digit.
	Over

	// Under wins when the last digit of the exit quote is strictly below the barrier digit.
	Under
)

// Wire returns the exchange's contract-type vocabulary for the UI-level type.
func (ct ContractType) Wire() string {
	switch ct {
	case Matches:
		return "DIGITMATCH"
	case Differs:
		return "DIGITDIFF"
	case Even:
		return "DIGITEVEN"
	case Odd:
		return "DIGITODD"
	case Over:
		return "DIGITOVER"
	case Under:
		return "DIGITUNDER"
	default:
		return "DIGITMATCH"
	}
}

// RequiresBarrier reports whether the contract type takes a target digit as
// its barrier parameter. Even/Odd contracts carry no barrier.
func (ct ContractType) RequiresBarrier() bool {
	switch ct {
	case Matches, Differs, Over, Under:
		return true
	default:
		return false
	}
}

// ParseContractType maps a configuration label (e.g. "Matches", "digit_differs")
// to a ContractType. The match is case-insensitive and substring based, so the
// labels produced by the strategy builder UI all resolve correctly.
func ParseContractType(label string) (ContractType, bool) {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "match"):
		return Matches, true
	case strings.Contains(l, "differ"):
		return Differs, true
	case strings.Contains(l, "even"):
		return Even, true
	case strings.Contains(l, "odd"):
		return Odd, true
	case strings.Contains(l, "over"):
		return Over, true
	case strings.Contains(l, "under"):
		return Under, true
	default:
		return Matches, false
	}
}

// Tick represents one price update from the market feed.
//
// Ticks are produced only by the tick stream and are immutable once created.
// The Digit field is always the last base-10 digit of the quote's decimal
// string representation; this is a domain invariant of digit contracts, not
// a statistical artifact.
type Tick struct {
	Digit     int             // Last decimal digit of the quote (0-9)
	Quote     decimal.Decimal // Raw quote price (precise decimal)
	Timestamp time.Time       // Time the tick was observed
}

// DigitFromQuote derives the trade digit from a quote: the last base-10 digit
// of the quote's decimal string representation. "1234.56" yields 6 and the
// integral quote "1234" yields 4.
func DigitFromQuote(quote decimal.Decimal) int {
	s := quote.String()
	c := s[len(s)-1]
	if c < '0' || c > '9' {
		return 0
	}
	return int(c - '0')
}

// NewTick builds a Tick from a raw quote and timestamp, deriving the digit.
func NewTick(quote decimal.Decimal, ts time.Time) Tick {
	return Tick{Digit: DigitFromQuote(quote), Quote: quote, Timestamp: ts}
}

// Candle is one OHLC aggregation of ticks over a fixed interval. Digit feeds
// carry no traded quantity, so Ticks counts the observations instead of a
// volume.
type Candle struct {
	Symbol    string          // Instrument the candle belongs to
	Open      decimal.Decimal // First quote of the interval
	High      decimal.Decimal // Highest quote of the interval
	Low       decimal.Decimal // Lowest quote of the interval
	Close     decimal.Decimal // Last quote of the interval
	Ticks     int             // Number of ticks aggregated
	StartTime time.Time       // Timestamp of the first tick
	EndTime   time.Time       // Timestamp of the last tick
}

// StrategyConfig is the declarative trade configuration produced by the
// strategy builder. It is immutable for the lifetime of one bot run and owned
// exclusively by the orchestrator once a run starts.
type StrategyConfig struct {
	// Market is the instrument symbol to trade (e.g. "R_10").
	Market string

	// ContractType selects the digit contract variant.
	ContractType ContractType

	// Stake is the base stake per contract. Must meet the broker minimum.
	Stake decimal.Decimal

	// Duration is the contract length in ticks.
	Duration int

	// Digit is the barrier digit; required for Matches/Differs/Over/Under.
	Digit int

	// TakeProfit stops the run once cumulative profit reaches this value.
	TakeProfit decimal.Decimal

	// StopLoss stops the run once cumulative profit falls to its negation.
	StopLoss decimal.Decimal

	// TradeOnEveryTick starts a new cycle on each incoming tick instead of
	// after each settlement, allowing overlapping open contracts.
	TradeOnEveryTick bool

	// MartingaleMultiplier scales the stake after a loss. Must be >= 1.
	MartingaleMultiplier decimal.Decimal

	// MaxStake caps the martingale stake escalation.
	MaxStake decimal.Decimal
}

// TradeStatus tracks the lifecycle of a purchased contract.
type TradeStatus int

const (
	// Open means the purchase was confirmed and settlement is pending.
	Open TradeStatus = iota

	// Won means the contract settled with a non-negative profit.
	Won

	// Lost means the contract settled with a negative profit.
	Lost
)

// String returns the lower-case label used in logs and summaries.
func (s TradeStatus) String() string {
	switch s {
	case Won:
		return "won"
	case Lost:
		return "lost"
	default:
		return "open"
	}
}

// TradeResult records one purchased contract. It is created in Open state the
// instant a purchase is confirmed and transitions exactly once to Won or Lost
// when the exchange reports settlement; it is never mutated afterward.
type TradeResult struct {
	ContractID string          // Exchange-assigned contract identifier
	BuyPrice   decimal.Decimal // Price paid at purchase
	SellPrice  decimal.Decimal // Settlement price (zero until settled)
	Profit     decimal.Decimal // Realized profit or loss (zero until settled)
	Status     TradeStatus     // Open, Won or Lost
	Timestamp  time.Time       // Purchase confirmation time
}

// Account identifies the authenticated trading account used by a session.
type Account struct {
	LoginID  string // Broker login identifier
	Token    string // API token used to authorize the session
	Currency string // Account currency (e.g. "USD")
	Virtual  bool   // True for demo accounts eligible for virtual top-up
}
