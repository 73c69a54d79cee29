// Package sink forwards closed candles to durable storage.
//
// The Writer sits between the candle bus and a Sink. It never blocks the bus:
// candles are queued in a bounded buffer and written by a single goroutine
// with bounded retries. When the queue is full or retries are exhausted the
// candle is dropped, logged at error level and counted, so that a sustained
// storage outage shows up as gaps instead of a stalled pipeline.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"candlefeed/internal/metrics"
	"candlefeed/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink stores closed candles. Upsert must be idempotent by
// (symbol, timeframe, windowStart) and tolerate out-of-order delivery.
type Sink interface {
	Upsert(ctx context.Context, c model.Candle) error
}

// Config bounds queueing and retries.
type Config struct {
	QueueSize      int
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the defaults used for omitted settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:      4096,
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Writer drains candles into a Sink.
type Writer struct {
	sink    Sink
	cfg     Config
	metrics metrics.Recorder
	logger  zerolog.Logger
}

// Option customizes a Writer.
type Option func(*Writer)

// WithMetrics sets the counter sink.
func WithMetrics(rec metrics.Recorder) Option { return func(w *Writer) { w.metrics = rec } }

// NewWriter creates a Writer for sink. Zero config fields take defaults.
func NewWriter(sink Sink, cfg Config, opts ...Option) (*Writer, error) {
	if sink == nil {
		return nil, errors.New("sink: nil sink")
	}
	d := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = d.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		return nil, fmt.Errorf("sink: max backoff %s below initial backoff %s", cfg.MaxBackoff, cfg.InitialBackoff)
	}

	w := &Writer{
		sink:    sink,
		cfg:     cfg,
		metrics: metrics.Nop{},
		logger:  log.With().Str("component", "sink").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run consumes candles until the channel closes, then finishes writing what is
// queued. OPEN snapshots are ignored. Cancelling ctx aborts pending retries;
// candles still queued at that point are dropped.
func (w *Writer) Run(ctx context.Context, candles <-chan model.Candle) error {
	queue := make(chan model.Candle, w.cfg.QueueSize)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for c := range queue {
			w.write(ctx, c)
		}
	}()

	for c := range candles {
		if c.State != model.StateClosed {
			continue
		}
		select {
		case queue <- c:
		default:
			w.drop(c, "queue full", nil)
		}
	}

	close(queue)
	<-done
	w.logger.Info().Msg("sink writer drained")
	return nil
}

func (w *Writer) write(ctx context.Context, c model.Candle) {
	if ctx.Err() != nil {
		w.drop(c, "shutting down", ctx.Err())
		return
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     w.cfg.InitialBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         w.cfg.MaxBackoff,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, w.cfg.MaxRetries), ctx)

	op := func() error { return w.sink.Upsert(ctx, c) }
	notify := func(err error, next time.Duration) {
		w.metrics.Inc(metrics.SinkRetried)
		w.logger.Warn().
			Err(err).
			Str("symbol", c.Symbol).
			Str("timeframe", c.Timeframe.String()).
			Dur("retryIn", next).
			Msg("sink write failed, retrying")
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		w.drop(c, "retries exhausted", err)
		return
	}
	w.metrics.Inc(metrics.SinkWritten)
}

func (w *Writer) drop(c model.Candle, reason string, err error) {
	w.metrics.Inc(metrics.SinkDropped, "reason", reason)
	w.logger.Error().
		Err(err).
		Str("symbol", c.Symbol).
		Str("timeframe", c.Timeframe.String()).
		Time("windowStart", c.WindowStart).
		Str("reason", reason).
		Msg("dropping candle for sink")
}
