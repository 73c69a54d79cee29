package gateway

import (
	"testing"
	"time"

	"candlefeed/internal/model"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ServerMessage_JSON(t *testing.T) {
	tests := []struct {
		name    string
		msg     ServerMessage
		want    map[string]any
		missing []string
	}{
		{
			name: "candle",
			msg:  NewCandleMessage(candle("BTC-USDT", 1, model.StateClosed)),
			want: map[string]any{
				"type":        "candle",
				"symbol":      "BTC-USDT",
				"timeframe":   "1m",
				"windowStart": "2024-01-01T10:01:00Z",
				"windowEnd":   "2024-01-01T10:02:00Z",
				"open":        "101",
				"close":       "101",
				"volume":      "1",
				"tradeCount":  float64(1),
				"state":       "CLOSED",
			},
			missing: []string{"request", "error", "reason", "time"},
		},
		{
			name:    "heartbeat",
			msg:     NewHeartbeat(base),
			want:    map[string]any{"type": "heartbeat", "time": "2024-01-01T10:00:00Z"},
			missing: []string{"symbol", "open"},
		},
		{
			name:    "shutdown",
			msg:     NewShutdown(ReasonSlowClient),
			want:    map[string]any{"type": "shutdown", "reason": "slow_client"},
			missing: []string{"symbol", "time"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.msg)
			require.NoError(t, err)

			var got map[string]any
			require.NoError(t, json.Unmarshal(b, &got))
			for k, v := range tt.want {
				assert.Equal(t, v, got[k], k)
			}
			for _, k := range tt.missing {
				assert.NotContains(t, got, k)
			}
		})
	}
}

func Test_CandleMessage_ToCandle(t *testing.T) {
	want := candle("ETH-USDT", 3, model.StateOpen)
	b, err := json.Marshal(NewCandleMessage(want))
	require.NoError(t, err)

	var m ServerMessage
	require.NoError(t, json.Unmarshal(b, &m))
	require.NotNil(t, m.CandleMessage)

	got, err := m.ToCandle()
	require.NoError(t, err)
	assert.Equal(t, want.Symbol, got.Symbol)
	assert.Equal(t, want.Timeframe, got.Timeframe)
	assert.True(t, want.WindowStart.Equal(got.WindowStart))
	assert.True(t, want.Close.Equal(got.Close))
	assert.Equal(t, model.StateOpen, got.State)

	m.Timeframe = "soon"
	_, err = m.ToCandle()
	assert.ErrorIs(t, err, model.ErrInvalidTimeframe)
}

func Test_Session_Handle(t *testing.T) {
	h := startGateway(t, Config{Timeframes: []model.Timeframe{model.Minute1}})
	_, err := h.gw.Register(t.Context(), "c1")
	require.NoError(t, err)
	s := NewSession(h.gw, "c1")
	assert.Equal(t, "c1", s.ID())

	tests := []struct {
		name     string
		msg      ClientMessage
		wantType string
		wantSubs int
	}{
		{name: "subscribe", msg: ClientMessage{Action: "subscribe", Symbol: "btc-usdt", Timeframe: "1m"}, wantType: TypeAck, wantSubs: 1},
		{name: "action is case insensitive", msg: ClientMessage{Action: "SUBSCRIBE", Symbol: "ETH-USDT", Timeframe: "1m"}, wantType: TypeAck, wantSubs: 2},
		{name: "unsupported timeframe", msg: ClientMessage{Action: "subscribe", Symbol: "ETH-USDT", Timeframe: "5m"}, wantType: TypeError, wantSubs: 2},
		{name: "unparseable timeframe", msg: ClientMessage{Action: "subscribe", Symbol: "ETH-USDT", Timeframe: "x"}, wantType: TypeError, wantSubs: 2},
		{name: "unknown action", msg: ClientMessage{Action: "replay", Symbol: "ETH-USDT", Timeframe: "1m"}, wantType: TypeError, wantSubs: 2},
		{name: "unsubscribe", msg: ClientMessage{Action: "unsubscribe", Symbol: "BTC-USDT", Timeframe: "1m"}, wantType: TypeAck, wantSubs: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := s.Handle(t.Context(), tt.msg)
			assert.Equal(t, tt.wantType, reply.Type)
			require.NotNil(t, reply.Request)
			assert.Equal(t, tt.msg, *reply.Request)
			if tt.wantType == TypeError {
				assert.NotEmpty(t, reply.Error)
			}
			assert.Equal(t, tt.wantSubs, h.stats(t).Subscriptions)
		})
	}
}

func Test_Serialize(t *testing.T) {
	var n int
	send := Serialize(func(ServerMessage) error {
		n++
		return nil
	})

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				_ = send(NewHeartbeat(time.Now()))
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, 800, n)
}
