package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidConfig indicates that a StrategyConfig contains invalid values.
	ErrInvalidConfig = errors.New("invalid strategy configuration")
)

// minimumStake is the broker's minimum stake per contract.
var minimumStake = decimal.RequireFromString("0.35")

// Validate checks a StrategyConfig before a bot run starts.
//
// Decimal fields cannot carry struct-tag validation, so the monetary
// constraints are checked here and the remaining scalar fields are left to
// the struct tags enforced by the configuration loader.
func (c *StrategyConfig) Validate() error {
	if c.Market == "" {
		return fmt.Errorf("%w: market symbol is required", ErrInvalidConfig)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("%w: duration must be a positive tick count", ErrInvalidConfig)
	}
	if c.Stake.LessThan(minimumStake) {
		return fmt.Errorf("%w: stake %s is below the broker minimum %s",
			ErrInvalidConfig, c.Stake, minimumStake)
	}
	if !c.TakeProfit.IsPositive() {
		return fmt.Errorf("%w: take profit must be positive", ErrInvalidConfig)
	}
	if !c.StopLoss.IsPositive() {
		return fmt.Errorf("%w: stop loss must be positive", ErrInvalidConfig)
	}
	if c.MartingaleMultiplier.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: martingale multiplier must be >= 1", ErrInvalidConfig)
	}
	if !c.MaxStake.IsPositive() {
		return fmt.Errorf("%w: max stake must be positive", ErrInvalidConfig)
	}
	if c.MaxStake.LessThan(c.Stake) {
		return fmt.Errorf("%w: max stake %s is below the base stake %s",
			ErrInvalidConfig, c.MaxStake, c.Stake)
	}
	if c.ContractType.RequiresBarrier() && (c.Digit < 0 || c.Digit > 9) {
		return fmt.Errorf("%w: barrier digit must be between 0 and 9", ErrInvalidConfig)
	}
	return nil
}
