package exchange

import (
	"testing"
	"time"

	"candlefeed/internal/model"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestOkxTradeMessage creates an OKX trades push with the given trades
func createTestOkxTradeMessage(instID string, trades []okxTrade) []byte {
	var m okxTradeMessage
	m.Arg.Channel = "trades"
	m.Arg.InstID = instID
	m.Data = trades
	raw, _ := json.Marshal(m)
	return raw
}

func validOkxTrade(id, px, sz, ts string) okxTrade {
	return okxTrade{InstID: "BTC-USDT", TradeID: id, Price: px, Size: sz, Side: "buy", TS: ts}
}

func Test_NewOkxVenue(t *testing.T) {
	v, err := NewOkxVenue(&ExchangeConfig{MaxSymbols: 3})
	require.NoError(t, err)
	assert.Equal(t, defaultOkxConfig.BaseURL, v.config.BaseURL)
	assert.Equal(t, 3, v.MaxSymbols())
	assert.Equal(t, []byte("ping"), v.KeepaliveMessage())
}

func Test_Okx_SubscribeMessages(t *testing.T) {
	v, err := NewOkxVenue(nil)
	require.NoError(t, err)

	msgs, err := v.SubscribeMessages([]string{"BTC-USDT", "eth-usdt"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t,
		`{"op":"subscribe","args":[{"channel":"trades","instId":"BTC-USDT"},{"channel":"trades","instId":"ETH-USDT"}]}`,
		string(msgs[0]))

	_, err = v.Endpoint(nil)
	assert.Error(t, err, "Should reject an empty symbol list")
}

func Test_Okx_Decode(t *testing.T) {
	v, err := NewOkxVenue(nil)
	require.NoError(t, err)
	ingest := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)

	tests := []struct {
		name        string
		raw         []byte
		expectError bool
		expectTicks int
		validate    func(t *testing.T, ticks []model.Tick)
		description string
	}{
		{
			name: "Batch of trades",
			raw: createTestOkxTradeMessage("BTC-USDT", []okxTrade{
				validOkxTrade("100", "50000.5", "0.1", "1704067200000"),
				{InstID: "BTC-USDT", TradeID: "101", Price: "50001", Size: "0.2", Side: "sell", TS: "1704067200500"},
			}),
			expectTicks: 2,
			validate: func(t *testing.T, ticks []model.Tick) {
				assert.Equal(t, int64(100), ticks[0].SequenceID)
				assert.True(t, decimal.RequireFromString("50000.5").Equal(ticks[0].Price))
				assert.Equal(t, model.SideBuy, ticks[0].Side)
				assert.Equal(t, model.SideSell, ticks[1].Side)
				assert.Equal(t, time.UnixMilli(1704067200500).UTC(), ticks[1].ExchangeTime)
				assert.Equal(t, model.OkxExchange, ticks[1].Exchange)
				assert.Equal(t, ingest, ticks[1].IngestTime)
			},
			description: "Should decode every trade in the batch",
		},
		{
			name:        "Pong",
			raw:         []byte("pong"),
			description: "Should treat pong as a control frame",
		},
		{
			name:        "Subscribe event",
			raw:         []byte(`{"event":"subscribe","arg":{"channel":"trades","instId":"BTC-USDT"},"connId":"a4d3ae55"}`),
			description: "Should treat acknowledgements as control frames",
		},
		{
			name:        "Error event",
			raw:         []byte(`{"event":"error","code":"60012","msg":"Invalid request"}`),
			expectError: true,
			description: "Should surface exchange errors",
		},
		{
			name:        "Empty data",
			raw:         createTestOkxTradeMessage("BTC-USDT", []okxTrade{}),
			expectError: true,
			description: "Should reject pushes without trades",
		},
		{
			name:        "Wrong channel",
			raw:         []byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","tradeId":"1","px":"1","sz":"1","side":"buy","ts":"1"}]}`),
			expectError: true,
			description: "Should reject other channels",
		},
		{
			name: "One bad trade rejects the batch",
			raw: createTestOkxTradeMessage("BTC-USDT", []okxTrade{
				validOkxTrade("100", "50000.5", "0.1", "1704067200000"),
				validOkxTrade("101", "abc", "0.1", "1704067200000"),
			}),
			expectError: true,
			description: "Should never partially process a frame",
		},
		{
			name:        "Invalid side",
			raw:         createTestOkxTradeMessage("BTC-USDT", []okxTrade{{InstID: "BTC-USDT", TradeID: "1", Price: "1", Size: "1", Side: "hold", TS: "1"}}),
			expectError: true,
			description: "Should reject unknown sides",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ticks, err := v.Decode(tt.raw, ingest)

			if tt.expectError {
				assert.ErrorIs(t, err, ErrMalformed, tt.description)
				assert.Nil(t, ticks)
				return
			}

			require.NoError(t, err, tt.description)
			require.Len(t, ticks, tt.expectTicks)
			if tt.validate != nil {
				tt.validate(t, ticks)
			}
		})
	}
}
