// Package exchange provides venue adapters that translate exchange specific
// market-data streams into canonical ticks.
//
// The Coinbase venue subscribes to the "matches" and "heartbeat" channels.
// Coinbase differs from the other venues in that:
//   - Trade events are called "match" (or "last_match" right after subscribing)
//   - Symbols are already in hyphenated format (BTC-USD, ETH-USD)
//   - Timestamps are RFC3339 strings with fractional seconds
//   - Heartbeats arrive once per second per product and keep the idle timer fed
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
	// defaultCoinbaseConfig provides default configuration values for Coinbase connections.
	defaultCoinbaseConfig = ExchangeConfig{
		BaseURL:    "wss://ws-feed.exchange.coinbase.com",
		MaxSymbols: 50,
	}
)

// CoinbaseVenue decodes Coinbase Exchange match events.
type CoinbaseVenue struct {
	config   ExchangeConfig      // Configuration parameters for the venue
	validate *validator.Validate // Validator instance for message validation
}

// coinbaseEnvelope reads only the discriminator of a Coinbase frame.
type coinbaseEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// coinbaseMatch represents a trade execution (match) message.
//
// Example Coinbase match message:
//
//	{
//		"type": "match",
//		"trade_id": 12345,
//		"side": "buy",
//		"size": "0.00100000",
//		"price": "50000.00",
//		"product_id": "BTC-USD",
//		"sequence": 987654321,
//		"time": "2023-01-01T12:00:00.123456Z"
//	}
//
// Side is the maker side; the aggressor took the opposite side.
type coinbaseMatch struct {
	Type      string `json:"type" validate:"required,oneof=match last_match"`
	TradeID   int64  `json:"trade_id" validate:"gt=0"`
	Side      string `json:"side" validate:"required,oneof=buy sell"`
	Price     string `json:"price" validate:"required,numeric"`
	Size      string `json:"size" validate:"required,numeric"`
	ProductID string `json:"product_id" validate:"required"`
	Time      string `json:"time" validate:"required"`
}

// coinbaseSubscribe is the subscription request sent after connecting.
type coinbaseSubscribe struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// NewCoinbaseVenue creates a Coinbase venue. A nil cfg uses the defaults.
func NewCoinbaseVenue(cfg *ExchangeConfig) (*CoinbaseVenue, error) {
	resolved, err := resolveConfig(cfg, defaultCoinbaseConfig)
	if err != nil {
		return nil, err
	}

	return &CoinbaseVenue{
		config:   resolved,
		validate: newValidator(),
	}, nil
}

// Name returns model.CoinbaseExchange.
func (cv *CoinbaseVenue) Name() model.Exchange { return model.CoinbaseExchange }

// MaxSymbols returns the per-connection product limit.
func (cv *CoinbaseVenue) MaxSymbols() int { return cv.config.MaxSymbols }

// KeepaliveMessage returns nil; the heartbeat channel keeps the stream alive.
func (cv *CoinbaseVenue) KeepaliveMessage() []byte { return nil }

// Endpoint returns the feed URL; products are chosen by the subscription frame.
func (cv *CoinbaseVenue) Endpoint(symbols []string) (string, error) {
	if err := utils.ValidatePairs(symbols, cv.config.MaxSymbols); err != nil {
		return "", err
	}
	return cv.config.BaseURL, nil
}

// SubscribeMessages builds the subscription frame:
//
//	{
//	  "type": "subscribe",
//	  "product_ids": ["BTC-USD", "ETH-USD"],
//	  "channels": ["matches", "heartbeat"]
//	}
func (cv *CoinbaseVenue) SubscribeMessages(symbols []string) ([][]byte, error) {
	products := make([]string, 0, len(symbols))
	for _, s := range symbols {
		products = append(products, strings.ToUpper(s))
	}

	b, err := json.Marshal(coinbaseSubscribe{
		Type:       "subscribe",
		ProductIDs: products,
		Channels:   []string{"matches", "heartbeat"},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

// Decode converts a Coinbase frame into a tick.
func (cv *CoinbaseVenue) Decode(raw []byte, ingest time.Time) ([]model.Tick, error) {
	var env coinbaseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed(model.CoinbaseExchange, err)
	}

	switch env.Type {
	case "match", "last_match":
	case "heartbeat", "subscriptions":
		return nil, nil
	case "error":
		return nil, malformed(model.CoinbaseExchange, fmt.Errorf("exchange error: %s %s", env.Message, env.Reason))
	default:
		return nil, malformed(model.CoinbaseExchange, fmt.Errorf("unexpected message type %q", env.Type))
	}

	var m coinbaseMatch
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, malformed(model.CoinbaseExchange, err)
	}

	if err := cv.validate.Struct(&m); err != nil {
		return nil, malformed(model.CoinbaseExchange, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, m.Time)
	if err != nil {
		return nil, malformed(model.CoinbaseExchange, err)
	}

	price, size, err := parseAmounts(m.Price, m.Size)
	if err != nil {
		return nil, malformed(model.CoinbaseExchange, err)
	}

	symbol, err := utils.NormalizeSymbol(m.ProductID)
	if err != nil {
		return nil, malformed(model.CoinbaseExchange, err)
	}

	// Coinbase reports the maker side.
	side := model.SideSell
	if parseSide(m.Side) == model.SideSell {
		side = model.SideBuy
	}

	return []model.Tick{{
		Symbol:       symbol,
		Exchange:     model.CoinbaseExchange,
		Price:        price,
		Size:         size,
		Side:         side,
		ExchangeTime: ts.UTC(),
		IngestTime:   ingest,
		SequenceID:   m.TradeID,
	}}, nil
}
