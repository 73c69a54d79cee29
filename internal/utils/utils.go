// Package utils provides common helpers for validating and partitioning
// trading pair symbols.
//
// Canonical symbols use the "BASE-QUOTE" form (e.g., "BTC-USDT"). Venue
// specific spellings are converted at the exchange boundary.
package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error definitions for validation functions
var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
)

// QuoteAssetSet contains the supported quote assets for trading pairs.
var QuoteAssetSet = map[string]bool{
	"USDT": true, // Tether USD
	"USDC": true, // USD Coin
	"USD":  true, // US Dollar (Coinbase)
	"EUR":  true, // Euro
	"BTC":  true, // Bitcoin
	"ETH":  true, // Ethereum
}

// supportedQuotesCache is a pre-computed string of supported quote assets
// to avoid rebuilding this string on every validation error.
var supportedQuotesCache = getSupportedQuotes(QuoteAssetSet)

// ValidateSymbol validates that a trading pair symbol follows the canonical
// "BASE-QUOTE" format, that BASE is alphanumeric and that QUOTE is one of the
// supported quote assets. Validation is case-insensitive.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return errors.New("symbol cannot be empty")
	}

	parts := strings.Split(symbol, "-")
	if len(parts) != 2 {
		return fmt.Errorf("invalid symbol format: expected BASE-QUOTE, got %q", symbol)
	}

	if len(parts[0]) == 0 {
		return errors.New("base asset cannot be empty")
	}

	if len(parts[1]) == 0 {
		return errors.New("quote asset cannot be empty")
	}

	base := strings.ToUpper(parts[0])
	if !isAlnum(base) {
		return fmt.Errorf("invalid base asset: %q", parts[0])
	}

	quote := strings.ToUpper(parts[1])
	if !QuoteAssetSet[quote] {
		return fmt.Errorf("unsupported quote asset: %s (supported: %s)",
			quote, supportedQuotesCache)
	}

	return nil
}

// NormalizeSymbol upper-cases a valid symbol into its canonical spelling.
func NormalizeSymbol(symbol string) (string, error) {
	if err := ValidateSymbol(symbol); err != nil {
		return "", err
	}
	return strings.ToUpper(symbol), nil
}

// ValidatePairs validates a slice of trading pair symbols and enforces quantity limits.
//
// This function performs two types of validation:
//  1. Quantity validation: Ensures the number of pairs is within acceptable limits
//  2. Format validation: Validates each symbol using ValidateSymbol
func ValidatePairs(pairs []string, maxAllowed int) error {
	if len(pairs) == 0 {
		return ErrNoSymbols
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(pairs) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(pairs), maxAllowed)
	}

	for i, symbol := range pairs {
		if err := ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
	}

	return nil
}

// ShardSymbols splits symbols into groups of at most perConnection entries,
// one group per exchange connection, failing when more than maxConnections
// groups would be needed. Duplicates are removed and output is sorted so the
// assignment is stable across restarts.
func ShardSymbols(symbols []string, perConnection, maxConnections int) ([][]string, error) {
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}
	if perConnection <= 0 || maxConnections <= 0 {
		return nil, fmt.Errorf("%w: per-connection and connection limits must be positive", ErrTooManySymbols)
	}

	set := make(map[string]struct{}, len(symbols))
	unique := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(s)
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		unique = append(unique, s)
	}
	sort.Strings(unique)

	needed := (len(unique) + perConnection - 1) / perConnection
	if needed > maxConnections {
		return nil, fmt.Errorf("%w: %d symbols need %d connections, maximum allowed %d",
			ErrTooManySymbols, len(unique), needed, maxConnections)
	}

	groups := make([][]string, 0, needed)
	for start := 0; start < len(unique); start += perConnection {
		end := start + perConnection
		if end > len(unique) {
			end = len(unique)
		}
		groups = append(groups, unique[start:end])
	}
	return groups, nil
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// getSupportedQuotes builds a sorted, comma-separated string of supported
// quote assets for user-facing error messages.
func getSupportedQuotes(quoteAssetSet map[string]bool) string {
	keys := make([]string, 0, len(quoteAssetSet))
	for k := range quoteAssetSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
