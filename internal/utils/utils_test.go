package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateMarket(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		wantErr error
	}{
		{name: "volatility 10", symbol: "R_10"},
		{name: "volatility 100", symbol: "R_100"},
		{name: "one second index", symbol: "1HZ50V"},
		{name: "lower case accepted", symbol: "r_25"},
		{name: "mixed case accepted", symbol: "1hz100v"},
		{name: "empty symbol", symbol: "", wantErr: ErrEmptyMarketName},
		{name: "unknown index", symbol: "R_15", wantErr: ErrUnknownMarket},
		{name: "forex pair rejected", symbol: "frxEURUSD", wantErr: ErrUnknownMarket},
		{name: "crypto pair rejected", symbol: "BTC-USDT", wantErr: ErrUnknownMarket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMarket(tt.symbol)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateMarket_ErrorNamesSupportedSet(t *testing.T) {
	err := ValidateMarket("R_15")
	assert.ErrorContains(t, err, "R_15")
	assert.ErrorContains(t, err, "supported:")
}

func TestValidateMarkets(t *testing.T) {
	tests := []struct {
		name       string
		symbols    []string
		maxAllowed int
		wantErr    error
	}{
		{name: "single market", symbols: []string{"R_10"}, maxAllowed: 5},
		{name: "several markets", symbols: []string{"R_10", "R_25", "1HZ100V"}, maxAllowed: 5},
		{name: "at the limit", symbols: []string{"R_10", "R_25"}, maxAllowed: 2},
		{name: "no markets", symbols: nil, maxAllowed: 5, wantErr: ErrNoMarkets},
		{name: "over the limit", symbols: []string{"R_10", "R_25", "R_50"}, maxAllowed: 2, wantErr: ErrTooManyMarkets},
		{name: "non positive limit", symbols: []string{"R_10"}, maxAllowed: 0, wantErr: ErrTooManyMarkets},
		{name: "unknown market in list", symbols: []string{"R_10", "R_15"}, maxAllowed: 5, wantErr: ErrUnknownMarket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMarkets(tt.symbols, tt.maxAllowed)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateMarkets_ReportsIndex(t *testing.T) {
	err := ValidateMarkets([]string{"R_10", "bogus"}, 5)
	assert.ErrorContains(t, err, "index 1")
	assert.ErrorContains(t, err, "bogus")
}
