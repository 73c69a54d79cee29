package gateway

import (
	"context"
	"testing"
	"time"

	"candlefeed/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func candle(symbol string, minute int, state model.CandleState) model.Candle {
	start := base.Add(time.Duration(minute) * time.Minute)
	p := decimal.NewFromInt(int64(100 + minute))
	return model.Candle{
		Symbol:      symbol,
		Timeframe:   model.Minute1,
		WindowStart: start,
		WindowEnd:   start.Add(time.Minute),
		Open:        p,
		High:        p,
		Low:         p,
		Close:       p,
		Volume:      decimal.NewFromInt(1),
		TradeCount:  1,
		State:       state,
	}
}

func Test_Outbox_Push(t *testing.T) {
	o := NewOutbox(2)

	steps := []struct {
		name   string
		candle model.Candle
		want   PushResult
		queued []int
	}{
		{"first open", candle("BTC-USDT", 0, model.StateOpen), Queued, []int{0}},
		{"second open fills", candle("BTC-USDT", 1, model.StateOpen), Queued, []int{0, 1}},
		{"closed evicts oldest open", candle("BTC-USDT", 2, model.StateClosed), EvictedOpen, []int{1, 2}},
		{"open evicts remaining open", candle("BTC-USDT", 3, model.StateOpen), EvictedOpen, []int{2, 3}},
		{"closed evicts open again", candle("BTC-USDT", 4, model.StateClosed), EvictedOpen, []int{2, 4}},
		{"open dropped when only closed queued", candle("BTC-USDT", 5, model.StateOpen), DroppedIncoming, []int{2, 4}},
		{"closed overflows", candle("BTC-USDT", 6, model.StateClosed), Overflow, []int{2, 4}},
	}

	for _, s := range steps {
		got := o.Push(s.candle, base)
		assert.Equal(t, s.want, got, s.name)

		var minutes []int
		for _, c := range o.items {
			minutes = append(minutes, int(c.WindowStart.Sub(base)/time.Minute))
		}
		assert.Equal(t, s.queued, minutes, s.name)
	}
}

func Test_Outbox_BehindFor(t *testing.T) {
	o := NewOutbox(2)
	assert.Zero(t, o.BehindFor(base))

	o.Push(candle("BTC-USDT", 0, model.StateClosed), base)
	assert.Zero(t, o.BehindFor(base.Add(time.Hour)), "not full yet")

	o.Push(candle("BTC-USDT", 1, model.StateClosed), base.Add(time.Second))
	assert.Equal(t, 4*time.Second, o.BehindFor(base.Add(5*time.Second)))

	_, err := o.Next(t.Context())
	require.NoError(t, err)
	assert.Zero(t, o.BehindFor(base.Add(time.Minute)), "reader caught up")
}

func Test_Outbox_Next(t *testing.T) {
	t.Run("waits for push", func(t *testing.T) {
		o := NewOutbox(4)
		got := make(chan model.Candle, 1)
		go func() {
			c, err := o.Next(context.Background())
			if err == nil {
				got <- c
			}
		}()

		time.Sleep(10 * time.Millisecond)
		o.Push(candle("ETH-USDT", 3, model.StateClosed), base)

		select {
		case c := <-got:
			assert.Equal(t, "ETH-USDT", c.Symbol)
		case <-time.After(time.Second):
			t.Fatal("Next did not return after push")
		}
	})

	t.Run("honors context", func(t *testing.T) {
		o := NewOutbox(4)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := o.Next(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("shutdown drains queued candles first", func(t *testing.T) {
		o := NewOutbox(4)
		o.Push(candle("BTC-USDT", 0, model.StateClosed), base)
		o.Push(candle("BTC-USDT", 1, model.StateClosed), base)
		require.True(t, o.close(ReasonShutdown))
		assert.False(t, o.close(ReasonShutdown), "second close is a no-op")

		for i := 0; i < 2; i++ {
			_, err := o.Next(t.Context())
			require.NoError(t, err)
		}
		_, err := o.Next(t.Context())
		var closed *ClosedError
		require.ErrorAs(t, err, &closed)
		assert.Equal(t, ReasonShutdown, closed.Reason)
		assert.ErrorIs(t, err, ErrOutboxClosed)
		assert.Equal(t, Rejected, o.Push(candle("BTC-USDT", 2, model.StateClosed), base))
	})

	t.Run("slow close discards queue", func(t *testing.T) {
		o := NewOutbox(4)
		o.Push(candle("BTC-USDT", 0, model.StateClosed), base)
		o.close(ReasonSlowClient)

		_, err := o.Next(t.Context())
		var closed *ClosedError
		require.ErrorAs(t, err, &closed)
		assert.Equal(t, ReasonSlowClient, closed.Reason)
		assert.Zero(t, o.Len())
		select {
		case <-o.Done():
		default:
			t.Fatal("Done not closed")
		}
	})
}
