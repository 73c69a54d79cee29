package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/adshao/go-binance/v2"
)

// ErrUnknownSymbol is returned when an exchange does not list a configured symbol.
var ErrUnknownSymbol = errors.New("unknown symbol")

// BinanceSymbolChecker verifies configured symbols against the Binance REST
// exchangeInfo endpoint before any stream is opened.
type BinanceSymbolChecker struct {
	client *binance.Client
}

// NewBinanceSymbolChecker creates a checker. An empty restURL keeps the
// library default (https://api.binance.com). The key pair is optional;
// exchangeInfo is public.
func NewBinanceSymbolChecker(restURL, apiKey, secretKey string) *BinanceSymbolChecker {
	client := binance.NewClient(apiKey, secretKey)
	if restURL != "" {
		client.BaseURL = restURL
	}
	return &BinanceSymbolChecker{client: client}
}

// Check returns ErrUnknownSymbol listing every canonical symbol that Binance
// does not trade.
func (c *BinanceSymbolChecker) Check(ctx context.Context, symbols []string) error {
	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("binance exchange info: %w", err)
	}

	trading := make(map[string]bool, len(info.Symbols))
	for _, s := range info.Symbols {
		trading[s.Symbol] = s.Status == "TRADING"
	}

	var missing []string
	for _, s := range symbols {
		if !trading[strings.ToUpper(toBinanceSymbol(s))] {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w on binance: %s", ErrUnknownSymbol, strings.Join(missing, ", "))
	}
	return nil
}
