// Package exchange provides venue adapters that translate exchange specific
// market-data streams into canonical ticks.
//
// This file implements the OKX venue over the public v5 WebSocket API. OKX
// batches several trades per frame and closes idle connections after 30
// seconds unless the client sends a text "ping".
package exchange

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"candlefeed/internal/model"
	"candlefeed/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

var (
	// defaultOkxConfig provides defaults for OKX exchange connections.
	defaultOkxConfig = ExchangeConfig{
		BaseURL:    "wss://ws.okx.com:8443/ws/v5/public",
		MaxSymbols: 100,
	}

	okxPing = []byte("ping")
	okxPong = []byte("pong")
)

// OkxVenue decodes OKX trade channel pushes.
type OkxVenue struct {
	// config stores the validated exchange configuration.
	config ExchangeConfig

	// validate provides field validation for incoming OKX messages.
	validate *validator.Validate
}

// subscription is the OKX v5 subscription request.
//
//	{
//	  "op": "subscribe",
//	  "args": [
//	    {"channel": "trades", "instId": "BTC-USDT"},
//	    {"channel": "trades", "instId": "ETH-USDT"}
//	  ]
//	}
type subscription struct {
	Op   string            `json:"op"`
	Args []subscriptionArg `json:"args"`
}

type subscriptionArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// okxEvent carries OKX control replies such as
// {"event":"subscribe","arg":{...}} or {"event":"error","code":"60012","msg":"..."}.
type okxEvent struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
}

// okxTradeMessage is one trades channel push. OKX usually batches 1-10 trades
// per message.
//
//	{
//	  "arg": {"channel": "trades", "instId": "BTC-USDT"},
//	  "data": [
//	    {
//	      "instId": "BTC-USDT",
//	      "tradeId": "123456789",
//	      "px": "50000.00",
//	      "sz": "0.001",
//	      "side": "buy",
//	      "ts": "1640995200000"
//	    }
//	  ]
//	}
type okxTradeMessage struct {
	Arg struct {
		Channel string `json:"channel" validate:"required,eq=trades"`
		InstID  string `json:"instId" validate:"required"`
	} `json:"arg"`

	Data []okxTrade `json:"data" validate:"required,min=1,dive"`
}

// okxTrade is a single trade. Side is the taker side.
type okxTrade struct {
	InstID  string `json:"instId" validate:"required"`
	TradeID string `json:"tradeId" validate:"required,numeric"`
	Price   string `json:"px" validate:"required,numeric"`
	Size    string `json:"sz" validate:"required,numeric"`
	Side    string `json:"side" validate:"required,oneof=buy sell"`
	TS      string `json:"ts" validate:"required,numeric"`
}

// NewOkxVenue creates an OKX venue. A nil cfg uses the defaults.
func NewOkxVenue(cfg *ExchangeConfig) (*OkxVenue, error) {
	resolved, err := resolveConfig(cfg, defaultOkxConfig)
	if err != nil {
		return nil, err
	}

	return &OkxVenue{
		config:   resolved,
		validate: newValidator(),
	}, nil
}

// Name returns model.OkxExchange.
func (oc *OkxVenue) Name() model.Exchange { return model.OkxExchange }

// MaxSymbols returns the per-connection instrument limit.
func (oc *OkxVenue) MaxSymbols() int { return oc.config.MaxSymbols }

// KeepaliveMessage returns the text ping OKX expects on quiet connections.
func (oc *OkxVenue) KeepaliveMessage() []byte { return okxPing }

// Endpoint returns the public endpoint; instruments are chosen by the subscription frame.
func (oc *OkxVenue) Endpoint(symbols []string) (string, error) {
	if err := utils.ValidatePairs(symbols, oc.config.MaxSymbols); err != nil {
		return "", err
	}
	return oc.config.BaseURL, nil
}

// SubscribeMessages builds one subscription frame covering every symbol.
func (oc *OkxVenue) SubscribeMessages(symbols []string) ([][]byte, error) {
	args := make([]subscriptionArg, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, subscriptionArg{Channel: "trades", InstID: strings.ToUpper(s)})
	}

	b, err := json.Marshal(subscription{Op: "subscribe", Args: args})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

// Decode converts an OKX frame into ticks. Every trade in the batch must be
// valid or the whole frame is rejected.
func (oc *OkxVenue) Decode(raw []byte, ingest time.Time) ([]model.Tick, error) {
	if string(raw) == string(okxPong) {
		return nil, nil
	}

	var ev okxEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, malformed(model.OkxExchange, err)
	}
	switch ev.Event {
	case "":
	case "error":
		return nil, malformed(model.OkxExchange, fmt.Errorf("exchange error %s: %s", ev.Code, ev.Msg))
	default:
		// subscribe / unsubscribe / notice acknowledgements
		return nil, nil
	}

	var m okxTradeMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, malformed(model.OkxExchange, err)
	}

	if err := oc.validate.Struct(&m); err != nil {
		return nil, malformed(model.OkxExchange, err)
	}

	ticks := make([]model.Tick, 0, len(m.Data))
	for _, d := range m.Data {
		tsInt, err := strconv.ParseInt(d.TS, 10, 64)
		if err != nil {
			return nil, malformed(model.OkxExchange, fmt.Errorf("invalid timestamp %q: %w", d.TS, err))
		}

		seq, err := strconv.ParseInt(d.TradeID, 10, 64)
		if err != nil {
			return nil, malformed(model.OkxExchange, fmt.Errorf("invalid trade id %q: %w", d.TradeID, err))
		}

		price, size, err := parseAmounts(d.Price, d.Size)
		if err != nil {
			return nil, malformed(model.OkxExchange, err)
		}

		symbol, err := utils.NormalizeSymbol(d.InstID)
		if err != nil {
			return nil, malformed(model.OkxExchange, err)
		}

		ticks = append(ticks, model.Tick{
			Symbol:       symbol,
			Exchange:     model.OkxExchange,
			Price:        price,
			Size:         size,
			Side:         parseSide(d.Side),
			ExchangeTime: time.UnixMilli(tsInt).UTC(),
			IngestTime:   ingest,
			SequenceID:   seq,
		})
	}

	return ticks, nil
}
