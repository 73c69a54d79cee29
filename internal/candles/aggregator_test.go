package candles

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"candlefeed/internal/bus"
	"candlefeed/internal/clock"
	"candlefeed/internal/metrics"
	"candlefeed/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

// recordingEmitter captures published candles in order.
type recordingEmitter struct {
	mu      sync.Mutex
	candles []model.Candle
	err     error
}

func (e *recordingEmitter) Publish(_ context.Context, _ string, c model.Candle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.candles = append(e.candles, c)
	return nil
}

func (e *recordingEmitter) all() []model.Candle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Candle(nil), e.candles...)
}

func (e *recordingEmitter) closed() []model.Candle {
	var out []model.Candle
	for _, c := range e.all() {
		if c.State == model.StateClosed {
			out = append(out, c)
		}
	}
	return out
}

// memoryCheckpointer serves fixed checkpoints and records saves.
type memoryCheckpointer struct {
	mu      sync.Mutex
	initial []Checkpoint
	saved   []Checkpoint
	loadErr error
}

func (m *memoryCheckpointer) LoadCheckpoints(context.Context) ([]Checkpoint, error) {
	return m.initial, m.loadErr
}

func (m *memoryCheckpointer) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, cp)
	return nil
}

func tick(symbol string, seq int64, price, size string, at time.Time) model.Tick {
	return model.Tick{
		Symbol:       symbol,
		Exchange:     model.BinanceExchange,
		Price:        decimal.RequireFromString(price),
		Size:         decimal.RequireFromString(size),
		Side:         model.SideBuy,
		ExchangeTime: at,
		IngestTime:   at,
		SequenceID:   seq,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// runTicks feeds ticks through a single-partition pool and waits for the drain.
func runTicks(t *testing.T, cfg Config, ticks []model.Tick, opts ...Option) *recordingEmitter {
	t.Helper()
	em := &recordingEmitter{}
	opts = append([]Option{WithClock(clock.NewFake(base))}, opts...)
	pool, err := NewPool(cfg, em, opts...)
	require.NoError(t, err)

	in := make(chan model.Tick, len(ticks))
	for _, tk := range ticks {
		in <- tk
	}
	close(in)
	require.NoError(t, pool.Run(t.Context(), []<-chan model.Tick{in}))
	return em
}

func Test_NewPool(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		emitter Emitter
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}, emitter: &recordingEmitter{}},
		{name: "several timeframes", cfg: Config{Timeframes: []model.Timeframe{model.Minute1, model.Minute5}}, emitter: &recordingEmitter{}},
		{name: "missing emitter", cfg: Config{}, wantErr: true},
		{name: "duplicate timeframe", cfg: Config{Timeframes: []model.Timeframe{model.Minute1, model.Minute1}}, emitter: &recordingEmitter{}, wantErr: true},
		{name: "sub-second timeframe", cfg: Config{Timeframes: []model.Timeframe{model.Timeframe(time.Millisecond)}}, emitter: &recordingEmitter{}, wantErr: true},
		{name: "negative grace", cfg: Config{GracePeriod: -time.Second}, emitter: &recordingEmitter{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, err := NewPool(tt.cfg, tt.emitter)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, pool.cfg.Timeframes)
			assert.Equal(t, 5*time.Second, pool.cfg.IdleFlush)
			assert.Equal(t, 1440, pool.cfg.MaxGapFill)
		})
	}
}

func Test_Aggregate_SingleWindow(t *testing.T) {
	em := runTicks(t, Config{}, []model.Tick{
		tick("BTC-USDT", 1, "100", "1", base.Add(1*time.Second)),
		tick("BTC-USDT", 2, "105", "2", base.Add(2*time.Second)),
		tick("BTC-USDT", 3, "95", "1", base.Add(3*time.Second)),
		tick("BTC-USDT", 4, "102", "3", base.Add(4*time.Second)),
	})

	out := em.closed()
	require.Len(t, out, 1)
	c := out[0]
	assert.Equal(t, base, c.WindowStart)
	assert.Equal(t, base.Add(time.Minute), c.WindowEnd)
	assert.True(t, c.Open.Equal(dec("100")))
	assert.True(t, c.High.Equal(dec("105")))
	assert.True(t, c.Low.Equal(dec("95")))
	assert.True(t, c.Close.Equal(dec("102")))
	assert.True(t, c.Volume.Equal(dec("7")))
	assert.Equal(t, int64(4), c.TradeCount)
	assert.True(t, c.Consistent())
}

func Test_Aggregate_DuplicateTick(t *testing.T) {
	reg := metrics.NewRegistry()
	em := runTicks(t, Config{}, []model.Tick{
		tick("BTC-USDT", 42, "100", "1", base.Add(time.Second)),
		tick("BTC-USDT", 42, "100", "1", base.Add(time.Second)),
	}, WithMetrics(reg))

	out := em.closed()
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].TradeCount)
	assert.True(t, out[0].Volume.Equal(dec("1")))
	assert.Equal(t, uint64(1), reg.Get(metrics.AggregatorDuplicates))
	assert.Equal(t, uint64(1), reg.Get(metrics.AggregatorTicks))
}

func Test_Aggregate_SameSequenceOnDifferentExchanges(t *testing.T) {
	a := tick("BTC-USDT", 7, "100", "1", base.Add(time.Second))
	b := tick("BTC-USDT", 7, "101", "1", base.Add(2*time.Second))
	b.Exchange = model.OkxExchange

	out := runTicks(t, Config{}, []model.Tick{a, b}).closed()
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].TradeCount)
}

func Test_Aggregate_ContinuityFillsFlatCandles(t *testing.T) {
	reg := metrics.NewRegistry()
	em := runTicks(t, Config{GracePeriod: 2 * time.Second, Continuity: true}, []model.Tick{
		tick("ETH-USDT", 1, "100", "1", base.Add(10*time.Second)),
		tick("ETH-USDT", 2, "110", "2", base.Add(3*time.Minute+10*time.Second)),
	}, WithMetrics(reg))

	out := em.closed()
	require.Len(t, out, 4)
	for i, c := range out {
		assert.Equal(t, base.Add(time.Duration(i)*time.Minute), c.WindowStart, "candle %d", i)
	}
	for _, flat := range out[1:3] {
		assert.Equal(t, int64(0), flat.TradeCount)
		assert.True(t, flat.Volume.IsZero())
		for _, p := range []decimal.Decimal{flat.Open, flat.High, flat.Low, flat.Close} {
			assert.True(t, p.Equal(dec("100")))
		}
	}
	assert.True(t, out[3].Open.Equal(dec("110")))
	assert.Equal(t, uint64(2), reg.Sum(metrics.AggregatorGapFilled))
	assert.Equal(t, uint64(4), reg.Sum(metrics.AggregatorEmitted))
}

func Test_Aggregate_WithoutContinuityLeavesGaps(t *testing.T) {
	out := runTicks(t, Config{GracePeriod: 2 * time.Second}, []model.Tick{
		tick("ETH-USDT", 1, "100", "1", base.Add(10*time.Second)),
		tick("ETH-USDT", 2, "110", "2", base.Add(3*time.Minute+10*time.Second)),
	}).closed()

	require.Len(t, out, 2)
	assert.Equal(t, base, out[0].WindowStart)
	assert.Equal(t, base.Add(3*time.Minute), out[1].WindowStart)
}

func Test_Aggregate_MaxGapFillSkips(t *testing.T) {
	reg := metrics.NewRegistry()
	em := runTicks(t, Config{GracePeriod: 2 * time.Second, Continuity: true, MaxGapFill: 2}, []model.Tick{
		tick("SOL-USDT", 1, "20", "1", base.Add(10*time.Second)),
		tick("SOL-USDT", 2, "21", "1", base.Add(10*time.Minute+10*time.Second)),
	}, WithMetrics(reg))

	var starts []time.Time
	for _, c := range em.closed() {
		starts = append(starts, c.WindowStart)
	}
	assert.Equal(t, []time.Time{
		base,
		base.Add(8 * time.Minute),
		base.Add(9 * time.Minute),
		base.Add(10 * time.Minute),
	}, starts)
	assert.Equal(t, uint64(1), reg.Sum(metrics.AggregatorGapSkipped))
	assert.Equal(t, uint64(2), reg.Sum(metrics.AggregatorGapFilled))
}

func Test_Aggregate_GraceAndLateTicks(t *testing.T) {
	reg := metrics.NewRegistry()
	em := runTicks(t, Config{GracePeriod: 2 * time.Second}, []model.Tick{
		tick("BTC-USDT", 1, "100", "1", base.Add(10*time.Second)),
		// inside the grace period of the first window
		tick("BTC-USDT", 2, "101", "1", base.Add(time.Minute+time.Second)),
		tick("BTC-USDT", 3, "99", "1", base.Add(59*time.Second)),
		// closes the first window
		tick("BTC-USDT", 4, "102", "1", base.Add(time.Minute+5*time.Second)),
		tick("BTC-USDT", 5, "50", "1", base.Add(58*time.Second)),
	}, WithMetrics(reg))

	out := em.closed()
	require.Len(t, out, 2)
	assert.Equal(t, int64(2), out[0].TradeCount)
	assert.True(t, out[0].Close.Equal(dec("99")))
	assert.True(t, out[0].Low.Equal(dec("99")))
	assert.Equal(t, int64(2), out[1].TradeCount)
	assert.Equal(t, uint64(1), reg.Sum(metrics.AggregatorLate))
}

func Test_Aggregate_SeveralTimeframes(t *testing.T) {
	out := runTicks(t, Config{Timeframes: []model.Timeframe{model.Minute1, model.Minute5}}, []model.Tick{
		tick("BTC-USDT", 1, "100", "1", base.Add(10*time.Second)),
		tick("BTC-USDT", 2, "110", "1", base.Add(2*time.Minute)),
		tick("BTC-USDT", 3, "90", "1", base.Add(4*time.Minute)),
	}).closed()

	byTF := map[model.Timeframe][]model.Candle{}
	for _, c := range out {
		byTF[c.Timeframe] = append(byTF[c.Timeframe], c)
	}
	assert.Len(t, byTF[model.Minute1], 3)
	require.Len(t, byTF[model.Minute5], 1)
	five := byTF[model.Minute5][0]
	assert.Equal(t, int64(3), five.TradeCount)
	assert.True(t, five.High.Equal(dec("110")))
	assert.True(t, five.Low.Equal(dec("90")))
	assert.True(t, five.Close.Equal(dec("90")))
}

func Test_Aggregate_LiveUpdates(t *testing.T) {
	em := runTicks(t, Config{LiveUpdates: true}, []model.Tick{
		tick("BTC-USDT", 1, "100", "1", base.Add(time.Second)),
		tick("BTC-USDT", 2, "104", "1", base.Add(2*time.Second)),
	})

	all := em.all()
	require.Len(t, all, 3)
	assert.Equal(t, model.StateOpen, all[0].State)
	assert.Equal(t, int64(1), all[0].TradeCount)
	assert.Equal(t, model.StateOpen, all[1].State)
	assert.True(t, all[1].Close.Equal(dec("104")))
	assert.Equal(t, model.StateClosed, all[2].State)
	assert.Equal(t, int64(2), all[2].TradeCount)
}

func Test_Aggregate_RestartFromCheckpoint(t *testing.T) {
	cp := &memoryCheckpointer{initial: []Checkpoint{{
		Symbol:           "BTC-USDT",
		Timeframe:        model.Minute1,
		LastEmittedStart: base,
		LastClose:        dec("100"),
	}}}

	em := runTicks(t, Config{GracePeriod: 2 * time.Second, Continuity: true}, []model.Tick{
		// replayed tick of the already emitted window
		tick("BTC-USDT", 1, "90", "1", base.Add(30*time.Second)),
		tick("BTC-USDT", 2, "105", "1", base.Add(2*time.Minute+10*time.Second)),
	}, WithCheckpointer(cp))

	out := em.closed()
	require.Len(t, out, 2)
	assert.Equal(t, base.Add(time.Minute), out[0].WindowStart)
	assert.True(t, out[0].Close.Equal(dec("100")))
	assert.Equal(t, base.Add(2*time.Minute), out[1].WindowStart)

	require.Len(t, cp.saved, 2)
	assert.Equal(t, base.Add(2*time.Minute), cp.saved[1].LastEmittedStart)
	assert.True(t, cp.saved[1].LastClose.Equal(dec("105")))
}

func Test_Aggregate_CheckpointLoadFailure(t *testing.T) {
	pool, err := NewPool(Config{}, &recordingEmitter{}, WithCheckpointer(&memoryCheckpointer{loadErr: errors.New("db down")}))
	require.NoError(t, err)

	err = pool.Run(t.Context(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func Test_Aggregate_PublishFailureSkipsCheckpoint(t *testing.T) {
	cp := &memoryCheckpointer{}
	em := &recordingEmitter{err: bus.ErrClosed}
	pool, err := NewPool(Config{}, em, WithCheckpointer(cp))
	require.NoError(t, err)

	in := make(chan model.Tick, 1)
	in <- tick("BTC-USDT", 1, "100", "1", base)
	close(in)
	require.NoError(t, pool.Run(t.Context(), []<-chan model.Tick{in}))
	assert.Empty(t, cp.saved)
}

func Test_Aggregate_IdleFlush(t *testing.T) {
	w := newTestWorker(t, Config{GracePeriod: 2 * time.Second, IdleFlush: 5 * time.Second})
	em := w.emitter.(*recordingEmitter)

	// the tick arrives at local time base, ten seconds behind the exchange
	w.process(t.Context(), tick("BTC-USDT", 1, "100", "1", base.Add(10*time.Second)))

	w.flushIdle(t.Context(), base.Add(3*time.Second))
	assert.Empty(t, em.closed(), "series not idle yet")

	w.flushIdle(t.Context(), base.Add(30*time.Second))
	assert.Empty(t, em.closed(), "window still inside grace")

	w.flushIdle(t.Context(), base.Add(time.Minute+2*time.Second))
	out := em.closed()
	require.Len(t, out, 1)
	assert.Equal(t, base, out[0].WindowStart)
}

func Test_Aggregate_IdleFlushIgnoresClockOffset(t *testing.T) {
	// the local clock runs ten minutes ahead of the exchange
	pool, err := NewPool(Config{GracePeriod: 2 * time.Second, IdleFlush: 5 * time.Second}, &recordingEmitter{},
		WithClock(clock.NewFake(base.Add(10*time.Minute))))
	require.NoError(t, err)
	w := pool.newWorker(0, nil)
	em := w.emitter.(*recordingEmitter)

	w.process(t.Context(), tick("BTC-USDT", 1, "100", "1", base.Add(50*time.Second)))
	w.flushIdle(t.Context(), base.Add(10*time.Minute+6*time.Second))
	assert.Empty(t, em.closed(), "window must stay open until the exchange clock passes its end")

	w.process(t.Context(), tick("BTC-USDT", 2, "101", "1", base.Add(55*time.Second)))
	w.flushAll(t.Context())
	out := em.closed()
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].TradeCount, "tick after the idle spell must not be late")
	assert.True(t, out[0].Close.Equal(dec("101")))
}

func Test_Aggregate_IdleFlushTicker(t *testing.T) {
	fake := clock.NewFake(base)
	em := &recordingEmitter{}
	pool, err := NewPool(Config{GracePeriod: 2 * time.Second, IdleFlush: 5 * time.Second, LiveUpdates: true}, em, WithClock(fake))
	require.NoError(t, err)

	in := make(chan model.Tick, 1)
	done := make(chan error, 1)
	go func() { done <- pool.Run(context.Background(), []<-chan model.Tick{in}) }()

	fake.BlockUntil(1)
	in <- tick("BTC-USDT", 1, "100", "1", base.Add(10*time.Second))
	require.Eventually(t, func() bool { return len(em.all()) == 1 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		fake.Advance(5 * time.Second)
		return len(em.closed()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	close(in)
	require.NoError(t, <-done)
	assert.Len(t, em.closed(), 1, "drain must not emit the window again")
}

func Test_Aggregate_PartitionedBus(t *testing.T) {
	raw := bus.New[model.Tick](bus.TopicRawMarketData, 4, 64)
	sub, err := raw.Subscribe("aggregator")
	require.NoError(t, err)

	em := &recordingEmitter{}
	pool, err := NewPool(Config{}, em)
	require.NoError(t, err)

	inputs := make([]<-chan model.Tick, raw.Partitions())
	for i := range inputs {
		inputs[i] = sub.Partition(i)
	}
	done := make(chan error, 1)
	go func() { done <- pool.Run(t.Context(), inputs) }()

	symbols := []string{"BTC-USDT", "ETH-USDT", "SOL-USDT", "XRP-USDT", "ADA-USDT"}
	for i, sym := range symbols {
		for j := 0; j < 3; j++ {
			require.NoError(t, raw.Publish(t.Context(), sym, tick(sym, int64(j+1), "10", "1", base.Add(time.Duration(i+j)*time.Second))))
		}
	}
	raw.Close()
	require.NoError(t, <-done)

	out := em.closed()
	require.Len(t, out, len(symbols))
	for _, c := range out {
		assert.Equal(t, int64(3), c.TradeCount, c.Symbol)
	}
}

func Test_Aggregate_OutputInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var ticks []model.Tick
	for i := 0; i < 2000; i++ {
		sym := []string{"BTC-USDT", "ETH-USDT"}[rng.Intn(2)]
		// mostly forward, with jitter that produces late ticks and duplicates
		at := base.Add(time.Duration(i)*700*time.Millisecond - time.Duration(rng.Intn(90))*time.Second)
		seq := int64(i)
		if rng.Intn(10) == 0 && i > 0 {
			seq = int64(i - 1)
		}
		price := decimal.NewFromInt(int64(100 + rng.Intn(20)))
		ticks = append(ticks, model.Tick{
			Symbol: sym, Exchange: model.CoinbaseExchange, Price: price, Size: decimal.NewFromInt(1),
			ExchangeTime: at, IngestTime: at, SequenceID: seq,
		})
	}

	out := runTicks(t, Config{GracePeriod: 5 * time.Second, Continuity: true}, ticks).closed()
	require.NotEmpty(t, out)

	last := map[model.SeriesKey]time.Time{}
	seen := map[model.WindowKey]bool{}
	for _, c := range out {
		assert.True(t, c.Consistent(), "inconsistent candle %+v", c)
		assert.False(t, seen[c.Key()], "window emitted twice %+v", c.Key())
		seen[c.Key()] = true
		if prev, ok := last[c.Series()]; ok {
			assert.Equal(t, prev.Add(time.Minute), c.WindowStart, "continuous series must advance one window at a time")
		}
		last[c.Series()] = c.WindowStart
	}
}

func newTestWorker(t *testing.T, cfg Config) *worker {
	t.Helper()
	pool, err := NewPool(cfg, &recordingEmitter{}, WithClock(clock.NewFake(base)))
	require.NoError(t, err)
	return pool.newWorker(0, nil)
}
