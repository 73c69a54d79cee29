// Package exchange provides venue adapters that translate exchange specific
// market-data streams into canonical ticks.
//
// The Binance venue consumes the combined trade stream. Symbols are selected
// in the URL, so no subscription frames are sent after connecting.
package exchange

import (
	"fmt"
	"strings"
	"time"

	"candlefeed/internal/model"
	"candlefeed/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

var (
	// defaultBinanceConfig provides default configuration values for Binance connections.
	defaultBinanceConfig = ExchangeConfig{
		BaseURL:    "wss://stream.binance.com:9443",
		MaxSymbols: 200,
	}

	binanceQuotes = quotesBySuffixLength(utils.QuoteAssetSet)
)

// BinanceVenue decodes Binance combined-stream trade events.
type BinanceVenue struct {
	config   ExchangeConfig      // Configuration parameters for the venue
	validate *validator.Validate // Validator instance for message validation
}

// msg represents the outer wrapper structure for Binance combined-stream messages.
//
// Example Binance message format:
//
//	{
//		"stream": "btcusdt@trade",
//		"data": {
//			"e": "trade",
//			"s": "BTCUSDT",
//			"t": 12345,
//			"p": "50000.12",
//			"q": "0.001",
//			"T": 1634567890123,
//			"m": true
//		}
//	}
//
// Replies to control requests ({"result":null,"id":1}) carry neither field.
type msg struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// trade represents the inner trade payload. Price and quantity stay strings
// until parsed into decimals. Time is the trade time in Unix milliseconds.
// TradeID is a pointer so that a missing id is told apart from id 0.
type trade struct {
	Event      string `json:"e" validate:"required,eq=trade"`
	Symbol     string `json:"s" validate:"required"`
	TradeID    *int64 `json:"t" validate:"required,gte=0"`
	Price      string `json:"p" validate:"required,numeric"`
	Quantity   string `json:"q" validate:"required,numeric"`
	Time       int64  `json:"T" validate:"required,gt=0"`
	BuyerMaker bool   `json:"m"`
}

// NewBinanceVenue creates a Binance venue. A nil cfg uses the defaults.
func NewBinanceVenue(cfg *ExchangeConfig) (*BinanceVenue, error) {
	resolved, err := resolveConfig(cfg, defaultBinanceConfig)
	if err != nil {
		return nil, err
	}

	return &BinanceVenue{
		config:   resolved,
		validate: newValidator(),
	}, nil
}

// Name returns model.BinanceExchange.
func (bv *BinanceVenue) Name() model.Exchange { return model.BinanceExchange }

// MaxSymbols returns the per-connection stream limit.
func (bv *BinanceVenue) MaxSymbols() int { return bv.config.MaxSymbols }

// KeepaliveMessage returns nil; Binance uses protocol level pings.
func (bv *BinanceVenue) KeepaliveMessage() []byte { return nil }

// SubscribeMessages returns nil; streams are selected in the URL.
func (bv *BinanceVenue) SubscribeMessages([]string) ([][]byte, error) { return nil, nil }

// Endpoint constructs the combined-stream URL:
// wss://stream.binance.com:9443/stream?streams=btcusdt@trade/ethusdt@trade
func (bv *BinanceVenue) Endpoint(symbols []string) (string, error) {
	if err := utils.ValidatePairs(symbols, bv.config.MaxSymbols); err != nil {
		return "", err
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, toBinanceSymbol(s)+"@trade")
	}

	return fmt.Sprintf("%s/stream?streams=%s", bv.config.BaseURL, strings.Join(streams, "/")), nil
}

// Decode converts a Binance frame into a tick.
func (bv *BinanceVenue) Decode(raw []byte, ingest time.Time) ([]model.Tick, error) {
	var m msg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, malformed(model.BinanceExchange, err)
	}

	if m.Stream == "" && len(m.Data) == 0 {
		// request acknowledgement
		return nil, nil
	}

	if !strings.HasSuffix(m.Stream, "@trade") {
		return nil, malformed(model.BinanceExchange, fmt.Errorf("unexpected stream %q", m.Stream))
	}

	var t trade
	if err := json.Unmarshal(m.Data, &t); err != nil {
		return nil, malformed(model.BinanceExchange, err)
	}

	if err := bv.validate.Struct(&t); err != nil {
		return nil, malformed(model.BinanceExchange, err)
	}

	price, size, err := parseAmounts(t.Price, t.Quantity)
	if err != nil {
		return nil, malformed(model.BinanceExchange, err)
	}

	// m=true means the buyer was the maker, so the aggressor sold.
	side := model.SideBuy
	if t.BuyerMaker {
		side = model.SideSell
	}

	return []model.Tick{{
		Symbol:       toNormalizedSymbol(t.Symbol),
		Exchange:     model.BinanceExchange,
		Price:        price,
		Size:         size,
		Side:         side,
		ExchangeTime: time.UnixMilli(t.Time).UTC(),
		IngestTime:   ingest,
		SequenceID:   *t.TradeID,
	}}, nil
}

// toBinanceSymbol converts "BTC-USDT" into the stream spelling "btcusdt".
func toBinanceSymbol(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "-", ""))
}

// toNormalizedSymbol converts Binance symbol format to the canonical format.
func toNormalizedSymbol(symbol string) string {
	symbol = strings.ToUpper(symbol)

	for _, quote := range binanceQuotes {
		if len(symbol) > len(quote) && strings.HasSuffix(symbol, quote) {
			return symbol[:len(symbol)-len(quote)] + "-" + quote
		}
	}

	return symbol
}
