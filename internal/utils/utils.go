// Package utils provides common utility functions for data validation.
//
// This package contains utilities for working with synthetic-index trading
// data, including validating market symbols against the set of volatility
// indices the digit contracts trade on.
package utils

import (
	"errors"
	"fmt"
	"strings"
)

// Error definitions for validation functions
var (
	ErrNoMarkets       = errors.New("zero markets requested")
	ErrTooManyMarkets  = errors.New("too many markets requested")
	ErrUnknownMarket   = errors.New("unknown market")
	ErrEmptyMarketName = errors.New("market symbol cannot be empty")
)

// marketSet contains the supported volatility-index symbols.
// This map is used for O(1) lookup performance when validating symbols.
var marketSet = map[string]bool{
	"R_10":    true, // Volatility 10 Index
	"R_25":    true, // Volatility 25 Index
	"R_50":    true, // Volatility 50 Index
	"R_75":    true, // Volatility 75 Index
	"R_100":   true, // Volatility 100 Index
	"1HZ10V":  true, // Volatility 10 (1s) Index
	"1HZ25V":  true, // Volatility 25 (1s) Index
	"1HZ50V":  true, // Volatility 50 (1s) Index
	"1HZ75V":  true, // Volatility 75 (1s) Index
	"1HZ100V": true, // Volatility 100 (1s) Index
}

// supportedMarketsCache is a pre-computed string of supported symbols to
// avoid rebuilding it on every validation error.
var supportedMarketsCache = getSupportedMarkets(marketSet)

// ValidateMarket validates that a market symbol names one of the supported
// volatility indices.
//
// The validation is case-insensitive; symbols are compared in upper case the
// way the exchange publishes them.
func ValidateMarket(symbol string) error {
	if symbol == "" {
		return ErrEmptyMarketName
	}

	if !marketSet[strings.ToUpper(symbol)] {
		return fmt.Errorf("%w: %s (supported: %s)",
			ErrUnknownMarket, symbol, supportedMarketsCache)
	}

	return nil
}

// ValidateMarkets validates a slice of market symbols and enforces quantity limits.
//
// This function performs two types of validation:
//  1. Quantity validation: Ensures the number of markets is within acceptable limits
//  2. Symbol validation: Validates each symbol using ValidateMarket
func ValidateMarkets(symbols []string, maxAllowed int) error {
	if len(symbols) == 0 {
		return ErrNoMarkets
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManyMarkets, maxAllowed)
	}

	if len(symbols) > maxAllowed {
		return fmt.Errorf("%w: requested %d markets, maximum allowed %d",
			ErrTooManyMarkets, len(symbols), maxAllowed)
	}

	for i, symbol := range symbols {
		if err := ValidateMarket(symbol); err != nil {
			return fmt.Errorf("invalid market at index %d (%q): %w", i, symbol, err)
		}
	}

	return nil
}

// getSupportedMarkets builds a comma-separated string of supported symbols
// from the provided market set. This function is used to generate
// user-friendly error messages.
//
// Note: The order of symbols in the returned string is not guaranteed due to
// Go's map iteration order being unspecified.
func getSupportedMarkets(markets map[string]bool) string {
	keys := make([]string, 0, len(markets))
	for k := range markets {
		keys = append(keys, k)
	}
	return strings.Join(keys, ", ")
}
