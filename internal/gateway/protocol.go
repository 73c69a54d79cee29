package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"candlefeed/internal/model"

	"github.com/shopspring/decimal"
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Server message types.
const (
	TypeCandle    = "candle"
	TypeAck       = "ack"
	TypeError     = "error"
	TypeHeartbeat = "heartbeat"
	TypeShutdown  = "shutdown"
)

// ClientMessage is a subscription request sent by a client.
type ClientMessage struct {
	Action    string `json:"action"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// CandleMessage is the wire form of a candle.
type CandleMessage struct {
	Symbol      string            `json:"symbol"`
	Timeframe   string            `json:"timeframe"`
	WindowStart time.Time         `json:"windowStart"`
	WindowEnd   time.Time         `json:"windowEnd"`
	Open        decimal.Decimal   `json:"open"`
	High        decimal.Decimal   `json:"high"`
	Low         decimal.Decimal   `json:"low"`
	Close       decimal.Decimal   `json:"close"`
	Volume      decimal.Decimal   `json:"volume"`
	TradeCount  int64             `json:"tradeCount"`
	State       model.CandleState `json:"state"`
}

// ServerMessage is every message sent to a client. Candle fields are inlined
// for TypeCandle; control messages carry the request they answer.
type ServerMessage struct {
	Type string `json:"type"`
	*CandleMessage
	Request *ClientMessage `json:"request,omitempty"`
	Error   string         `json:"error,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Time    *time.Time     `json:"time,omitempty"`
}

// NewCandleMessage converts a candle to its wire form.
func NewCandleMessage(c model.Candle) ServerMessage {
	return ServerMessage{
		Type: TypeCandle,
		CandleMessage: &CandleMessage{
			Symbol:      c.Symbol,
			Timeframe:   c.Timeframe.String(),
			WindowStart: c.WindowStart.UTC(),
			WindowEnd:   c.WindowEnd.UTC(),
			Open:        c.Open,
			High:        c.High,
			Low:         c.Low,
			Close:       c.Close,
			Volume:      c.Volume,
			TradeCount:  c.TradeCount,
			State:       c.State,
		},
	}
}

// NewHeartbeat builds an idle heartbeat.
func NewHeartbeat(now time.Time) ServerMessage {
	now = now.UTC()
	return ServerMessage{Type: TypeHeartbeat, Time: &now}
}

// NewShutdown builds the notice sent before the server closes a connection.
func NewShutdown(reason CloseReason) ServerMessage {
	return ServerMessage{Type: TypeShutdown, Reason: string(reason)}
}

// ToCandle converts a wire candle back to the model type.
func (m *CandleMessage) ToCandle() (model.Candle, error) {
	tf, err := model.ParseTimeframe(m.Timeframe)
	if err != nil {
		return model.Candle{}, err
	}
	return model.Candle{
		Symbol:      m.Symbol,
		Timeframe:   tf,
		WindowStart: m.WindowStart,
		WindowEnd:   m.WindowEnd,
		Open:        m.Open,
		High:        m.High,
		Low:         m.Low,
		Close:       m.Close,
		Volume:      m.Volume,
		TradeCount:  m.TradeCount,
		State:       m.State,
	}, nil
}

// Session applies the requests of one registered connection to a Gateway.
type Session struct {
	gw *Gateway
	id string
}

// NewSession binds a connection id to gw. The connection must already be
// registered.
func NewSession(gw *Gateway, id string) *Session {
	return &Session{gw: gw, id: id}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// Handle executes msg and returns the ack or error reply for the client.
func (s *Session) Handle(ctx context.Context, msg ClientMessage) ServerMessage {
	req := msg
	if err := s.apply(ctx, msg); err != nil {
		return ServerMessage{Type: TypeError, Request: &req, Error: err.Error()}
	}
	return ServerMessage{Type: TypeAck, Request: &req}
}

func (s *Session) apply(ctx context.Context, msg ClientMessage) error {
	tf, err := model.ParseTimeframe(msg.Timeframe)
	if err != nil {
		return err
	}
	switch strings.ToLower(msg.Action) {
	case ActionSubscribe:
		return s.gw.Subscribe(ctx, s.id, msg.Symbol, tf)
	case ActionUnsubscribe:
		return s.gw.Unsubscribe(ctx, s.id, msg.Symbol, tf)
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
}
