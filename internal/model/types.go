// Package model defines core data types for the candle streaming service.
//
// This package contains fundamental data structures used throughout the system
// for representing normalized ticks, candles, subscriptions and collector
// connection state. All monetary values use decimal.Decimal for precise
// financial calculations to avoid floating-point precision issues.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange identifies the venue a tick was collected from.
type Exchange string

const (
	// BinanceExchange represents the Binance cryptocurrency exchange
	BinanceExchange Exchange = "binance"

	// CoinbaseExchange represents the Coinbase Exchange (formerly Coinbase Pro)
	CoinbaseExchange Exchange = "coinbase"

	// OkxExchange represents the OKX cryptocurrency exchange
	OkxExchange Exchange = "okx"
)

// Side is the aggressor side of a trade.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = "unknown"
)

// Tick is a single normalized trade event from an exchange.
//
// A Tick is immutable once published on the bus. SequenceID is the exchange
// assigned trade identifier and, together with Exchange, forms the tick-level
// idempotency key used for deduplication.
type Tick struct {
	Symbol       string          // Canonical trading pair (e.g., "BTC-USDT")
	Exchange     Exchange        // Source exchange
	Price        decimal.Decimal // Trade execution price
	Size         decimal.Decimal // Volume of base asset traded
	Side         Side            // Aggressor side
	ExchangeTime time.Time       // Exchange timestamp of the trade
	IngestTime   time.Time       // Local receive timestamp
	SequenceID   int64           // Exchange trade id
}

// DedupKey returns the idempotency key of the tick within its symbol.
func (t Tick) DedupKey() TickKey {
	return TickKey{Exchange: t.Exchange, SequenceID: t.SequenceID}
}

// TickKey identifies a tick within a symbol across exchanges.
type TickKey struct {
	Exchange   Exchange
	SequenceID int64
}

// CandleState is the lifecycle state of a candle window.
type CandleState string

const (
	StateOpen    CandleState = "OPEN"
	StateClosed  CandleState = "CLOSED"
	StateEmitted CandleState = "EMITTED"
)

// SeriesKey identifies one (symbol, timeframe) aggregation series.
type SeriesKey struct {
	Symbol    string
	Timeframe Timeframe
}

// WindowKey is the candle-level idempotency key.
type WindowKey struct {
	Symbol      string
	Timeframe   Timeframe
	WindowStart time.Time
}

// Candle represents a time-based aggregated OHLCV window.
//
// Fields:
//   - Symbol: Trading pair symbol this candle represents
//   - Timeframe: Window length
//   - WindowStart: Beginning of the window (inclusive)
//   - WindowEnd: End of the window (exclusive)
//   - Open, High, Low, Close: Prices within the window
//   - Volume: Total size traded during the window
//   - TradeCount: Number of distinct ticks merged into the window
//   - State: OPEN for live snapshots, CLOSED for the terminal emission
type Candle struct {
	Symbol      string
	Timeframe   Timeframe
	WindowStart time.Time
	WindowEnd   time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	TradeCount  int64
	State       CandleState
}

// Key returns the window identity of the candle.
func (c Candle) Key() WindowKey {
	return WindowKey{Symbol: c.Symbol, Timeframe: c.Timeframe, WindowStart: c.WindowStart}
}

// Series returns the (symbol, timeframe) series the candle belongs to.
func (c Candle) Series() SeriesKey {
	return SeriesKey{Symbol: c.Symbol, Timeframe: c.Timeframe}
}

// Consistent reports whether high >= max(open, close) and low <= min(open, close).
func (c Candle) Consistent() bool {
	return c.High.GreaterThanOrEqual(decimal.Max(c.Open, c.Close)) &&
		c.Low.LessThanOrEqual(decimal.Min(c.Open, c.Close))
}

// Subscription is a single (connection, symbol, timeframe) interest.
type Subscription struct {
	ConnectionID string
	Symbol       string
	Timeframe    Timeframe
}

// Series returns the series the subscription is interested in.
func (s Subscription) Series() SeriesKey {
	return SeriesKey{Symbol: s.Symbol, Timeframe: s.Timeframe}
}

// ConnectionStatus is the collector connection state machine status.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusBackoff
	StatusCircuitOpen
	StatusHalfOpen
)

var connectionStatusNames = [...]string{
	StatusDisconnected: "DISCONNECTED",
	StatusConnecting:   "CONNECTING",
	StatusConnected:    "CONNECTED",
	StatusBackoff:      "BACKOFF",
	StatusCircuitOpen:  "CIRCUIT_OPEN",
	StatusHalfOpen:     "HALF_OPEN",
}

func (s ConnectionStatus) String() string {
	if int(s) < 0 || int(s) >= len(connectionStatusNames) {
		return "UNKNOWN"
	}
	return connectionStatusNames[s]
}

// MarshalText renders the status name for JSON/YAML encoders.
func (s ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionState is a point-in-time view of one collector connection.
type ConnectionState struct {
	Status              ConnectionStatus `json:"status"`
	ConsecutiveFailures int              `json:"consecutiveFailures"`
	LastEventTime       time.Time        `json:"lastEventTime"`
}
