// Package exchange provides venue adapters that translate exchange specific
// market-data streams into canonical ticks.
//
// This file contains the Venue contract, the shared configuration structure and
// the helpers used across all exchange implementations. Venues are stateless:
// they describe how to connect and subscribe, and decode raw frames. Connection
// lifecycle belongs to the collector.
package exchange

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"candlefeed/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidConfig indicates that the provided ExchangeConfig contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownExchange is returned by New for an exchange without an adapter.
	ErrUnknownExchange = errors.New("unknown exchange")

	// ErrMalformed marks a frame that cannot be mapped to a complete tick.
	// Such frames are dropped as a whole, never partially processed.
	ErrMalformed = errors.New("malformed message")
)

// Venue adapts one exchange's streaming API.
//
// Decode returns (nil, nil) for control frames such as heartbeats and
// subscription acknowledgements, and an error wrapping ErrMalformed for any
// frame that cannot be fully normalized.
type Venue interface {
	// Name returns the exchange identifier.
	Name() model.Exchange

	// Endpoint returns the WebSocket URL to dial for the given canonical symbols.
	Endpoint(symbols []string) (string, error)

	// SubscribeMessages returns the frames to send right after connecting.
	SubscribeMessages(symbols []string) ([][]byte, error)

	// KeepaliveMessage returns an application level ping frame, or nil if the
	// exchange relies on protocol pings only.
	KeepaliveMessage() []byte

	// Decode converts one raw frame into canonical ticks stamped with ingest.
	Decode(raw []byte, ingest time.Time) ([]model.Tick, error)

	// MaxSymbols returns the number of symbols one connection may carry.
	MaxSymbols() int
}

// ExchangeConfig provides common configuration parameters for all exchange venues.
type ExchangeConfig struct {
	// BaseURL is the WebSocket endpoint URL for the exchange API.
	BaseURL string

	// MaxSymbols is the maximum number of trading pairs one connection may subscribe to.
	MaxSymbols int
}

// New returns the venue adapter for the named exchange. A nil cfg selects the
// exchange defaults.
func New(name model.Exchange, cfg *ExchangeConfig) (Venue, error) {
	switch name {
	case model.BinanceExchange:
		return NewBinanceVenue(cfg)
	case model.CoinbaseExchange:
		return NewCoinbaseVenue(cfg)
	case model.OkxExchange:
		return NewOkxVenue(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
	}
}

// validateConfig ensures all required configuration fields are present and valid,
// applying defaults for omitted fields.
func validateConfig(cfg *ExchangeConfig, defaultCfg *ExchangeConfig) error {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCfg.BaseURL
	}

	if !strings.HasPrefix(cfg.BaseURL, "ws://") && !strings.HasPrefix(cfg.BaseURL, "wss://") {
		return fmt.Errorf("base url must use ws:// or wss://, got %q", cfg.BaseURL)
	}

	if cfg.MaxSymbols <= 0 {
		cfg.MaxSymbols = defaultCfg.MaxSymbols
	}

	return nil
}

// resolveConfig copies cfg (or the defaults) and validates the copy so the
// caller's struct and the package defaults are never mutated.
func resolveConfig(cfg *ExchangeConfig, defaultCfg ExchangeConfig) (ExchangeConfig, error) {
	resolved := defaultCfg
	if cfg != nil {
		resolved = *cfg
	}
	if err := validateConfig(&resolved, &defaultCfg); err != nil {
		return ExchangeConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return resolved, nil
}

// malformed wraps err with ErrMalformed and the exchange name.
func malformed(exchange model.Exchange, err error) error {
	return fmt.Errorf("%s: %w: %v", exchange, ErrMalformed, err)
}

// parseAmounts converts price and size strings, rejecting non-positive prices
// and negative sizes.
func parseAmounts(price, size string) (decimal.Decimal, decimal.Decimal, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("invalid trade price %q: %w", price, err)
	}
	if !p.IsPositive() {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("non-positive trade price %s", p)
	}

	s, err := decimal.NewFromString(size)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("invalid trade quantity %q: %w", size, err)
	}
	if s.IsNegative() {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("negative trade quantity %s", s)
	}
	return p, s, nil
}

// parseSide maps a vendor side string to model.Side.
func parseSide(side string) model.Side {
	switch strings.ToLower(side) {
	case "buy":
		return model.SideBuy
	case "sell":
		return model.SideSell
	default:
		return model.SideUnknown
	}
}

// newValidator returns the validator shared by the vendor payload structs.
func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// quotesBySuffixLength lists the supported quote assets longest first so that
// "USDT" is matched before "USD".
func quotesBySuffixLength(quotes map[string]bool) []string {
	out := make([]string, 0, len(quotes))
	for q := range quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}
