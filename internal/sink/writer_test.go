package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"candlefeed/internal/metrics"
	"candlefeed/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

// MockSink is a testify mock of Sink.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Upsert(ctx context.Context, c model.Candle) error {
	return m.Called(ctx, c).Error(0)
}

// gatedSink blocks every write until release is closed.
type gatedSink struct {
	mu      sync.Mutex
	release chan struct{}
	written []model.Candle
}

func (g *gatedSink) Upsert(_ context.Context, c model.Candle) error {
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	g.written = append(g.written, c)
	return nil
}

func candle(minute int, state model.CandleState) model.Candle {
	start := base.Add(time.Duration(minute) * time.Minute)
	return model.Candle{
		Symbol:      "BTC-USDT",
		Timeframe:   model.Minute1,
		WindowStart: start,
		WindowEnd:   start.Add(time.Minute),
		Open:        decimal.NewFromInt(1),
		High:        decimal.NewFromInt(1),
		Low:         decimal.NewFromInt(1),
		Close:       decimal.NewFromInt(1),
		Volume:      decimal.Zero,
		State:       state,
	}
}

func feed(candles ...model.Candle) <-chan model.Candle {
	ch := make(chan model.Candle, len(candles))
	for _, c := range candles {
		ch <- c
	}
	close(ch)
	return ch
}

func fastConfig() Config {
	return Config{QueueSize: 16, MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func Test_NewWriter(t *testing.T) {
	_, err := NewWriter(nil, Config{})
	assert.Error(t, err)

	_, err = NewWriter(&MockSink{}, Config{InitialBackoff: time.Second, MaxBackoff: time.Millisecond})
	assert.Error(t, err)

	w, err := NewWriter(&MockSink{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().QueueSize, w.cfg.QueueSize)
}

func Test_Writer_WritesClosedCandlesOnly(t *testing.T) {
	sink := &MockSink{}
	sink.On("Upsert", mock.Anything, mock.MatchedBy(func(c model.Candle) bool { return c.State == model.StateClosed })).Return(nil)

	reg := metrics.NewRegistry()
	w, err := NewWriter(sink, fastConfig(), WithMetrics(reg))
	require.NoError(t, err)

	require.NoError(t, w.Run(t.Context(), feed(
		candle(0, model.StateOpen),
		candle(0, model.StateClosed),
		candle(1, model.StateOpen),
		candle(1, model.StateClosed),
	)))

	sink.AssertNumberOfCalls(t, "Upsert", 2)
	assert.Equal(t, uint64(2), reg.Get(metrics.SinkWritten))
}

func Test_Writer_RetriesTransientFailures(t *testing.T) {
	sink := &MockSink{}
	sink.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("database is locked")).Twice()
	sink.On("Upsert", mock.Anything, mock.Anything).Return(nil).Once()

	reg := metrics.NewRegistry()
	w, err := NewWriter(sink, fastConfig(), WithMetrics(reg))
	require.NoError(t, err)

	require.NoError(t, w.Run(t.Context(), feed(candle(0, model.StateClosed))))

	sink.AssertNumberOfCalls(t, "Upsert", 3)
	assert.Equal(t, uint64(2), reg.Get(metrics.SinkRetried))
	assert.Equal(t, uint64(1), reg.Get(metrics.SinkWritten))
	assert.Zero(t, reg.Sum(metrics.SinkDropped))
}

func Test_Writer_DropsAfterRetriesExhausted(t *testing.T) {
	sink := &MockSink{}
	sink.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	reg := metrics.NewRegistry()
	w, err := NewWriter(sink, fastConfig(), WithMetrics(reg))
	require.NoError(t, err)

	require.NoError(t, w.Run(t.Context(), feed(candle(0, model.StateClosed), candle(1, model.StateClosed))))

	// one attempt plus MaxRetries per candle
	sink.AssertNumberOfCalls(t, "Upsert", 8)
	assert.Equal(t, uint64(2), reg.Get(metrics.SinkDropped, "reason", "retries exhausted"))
	assert.Zero(t, reg.Get(metrics.SinkWritten))
}

func Test_Writer_DropsWhenQueueFull(t *testing.T) {
	sink := &gatedSink{release: make(chan struct{})}
	reg := metrics.NewRegistry()
	cfg := fastConfig()
	cfg.QueueSize = 1
	w, err := NewWriter(sink, cfg, WithMetrics(reg))
	require.NoError(t, err)

	in := make(chan model.Candle)
	done := make(chan error, 1)
	go func() { done <- w.Run(t.Context(), in) }()

	start := time.Now()
	for i := 0; i < 5; i++ {
		in <- candle(i, model.StateClosed)
	}
	close(in)
	assert.Less(t, time.Since(start), time.Second, "a stalled sink must not block the producer")

	close(sink.release)
	require.NoError(t, <-done)

	dropped := reg.Get(metrics.SinkDropped, "reason", "queue full")
	assert.GreaterOrEqual(t, dropped, uint64(3))
	assert.Equal(t, uint64(5), dropped+reg.Get(metrics.SinkWritten))
}

func Test_Writer_CancelledContextDropsQueued(t *testing.T) {
	sink := &MockSink{}
	sink.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	reg := metrics.NewRegistry()
	w, err := NewWriter(sink, fastConfig(), WithMetrics(reg))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.NoError(t, w.Run(ctx, feed(candle(0, model.StateClosed))))

	sink.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
	assert.Equal(t, uint64(1), reg.Get(metrics.SinkDropped, "reason", "shutting down"))
}
