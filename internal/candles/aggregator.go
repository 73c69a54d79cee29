// Package candles aggregates normalized ticks into fixed-timeframe OHLCV
// candles.
//
// Thread Safety:
//   - A Pool runs one worker per raw bus partition
//   - All ticks of a symbol hash to one partition, so every series has exactly
//     one owning worker and window state needs no locks
//   - Workers communicate with the rest of the pipeline only through the bus
package candles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"candlefeed/internal/clock"
	"candlefeed/internal/dedup"
	"candlefeed/internal/metrics"
	"candlefeed/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidConfig is returned by NewPool for unusable settings.
var ErrInvalidConfig = errors.New("aggregator: invalid configuration")

// Checkpoint records the newest emitted window of a series.
type Checkpoint struct {
	Symbol           string
	Timeframe        model.Timeframe
	LastEmittedStart time.Time
	LastClose        decimal.Decimal
}

// Series returns the series the checkpoint belongs to.
func (c Checkpoint) Series() model.SeriesKey {
	return model.SeriesKey{Symbol: c.Symbol, Timeframe: c.Timeframe}
}

// Checkpointer persists per-series progress so a restarted worker resumes
// without re-emitting closed windows.
type Checkpointer interface {
	LoadCheckpoints(ctx context.Context) ([]Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Emitter receives candles keyed by symbol. *bus.Bus[model.Candle] satisfies it.
type Emitter interface {
	Publish(ctx context.Context, key string, c model.Candle) error
}

// Config controls windowing behavior.
type Config struct {
	// Timeframes are aggregated for every symbol.
	Timeframes []model.Timeframe

	// GracePeriod keeps a window open after its end so that slightly late
	// ticks still merge.
	GracePeriod time.Duration

	// IdleFlush closes due windows of a series that received no tick for
	// this long, measured on the local clock.
	IdleFlush time.Duration

	// LiveUpdates emits the OPEN window on every tick.
	LiveUpdates bool

	// Continuity emits flat candles for windows without ticks.
	Continuity bool

	// MaxGapFill bounds the flat candles emitted for one gap.
	MaxGapFill int

	// DedupWindow is the number of recent tick keys remembered per symbol.
	DedupWindow int
}

// DefaultConfig returns the defaults used for omitted settings.
func DefaultConfig() Config {
	return Config{
		Timeframes:  []model.Timeframe{model.Minute1},
		GracePeriod: 2 * time.Second,
		IdleFlush:   5 * time.Second,
		MaxGapFill:  1440,
		DedupWindow: 10000,
	}
}

func (c *Config) applyDefaults() error {
	d := DefaultConfig()
	if len(c.Timeframes) == 0 {
		c.Timeframes = d.Timeframes
	}
	seen := make(map[model.Timeframe]bool, len(c.Timeframes))
	for _, tf := range c.Timeframes {
		if tf.Duration() < time.Second {
			return fmt.Errorf("%w: timeframe %s below one second", ErrInvalidConfig, tf)
		}
		if seen[tf] {
			return fmt.Errorf("%w: duplicate timeframe %s", ErrInvalidConfig, tf)
		}
		seen[tf] = true
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("%w: negative grace period", ErrInvalidConfig)
	}
	if c.IdleFlush <= 0 {
		c.IdleFlush = d.IdleFlush
	}
	if c.MaxGapFill <= 0 {
		c.MaxGapFill = d.MaxGapFill
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	return nil
}

// Pool is the fixed set of aggregation workers.
type Pool struct {
	cfg          Config
	emitter      Emitter
	checkpointer Checkpointer
	clock        clock.Clock
	metrics      metrics.Recorder
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock replaces the real clock used by idle flush.
func WithClock(clk clock.Clock) Option { return func(p *Pool) { p.clock = clk } }

// WithMetrics sets the counter sink.
func WithMetrics(rec metrics.Recorder) Option { return func(p *Pool) { p.metrics = rec } }

// WithCheckpointer enables checkpoint load and save.
func WithCheckpointer(cp Checkpointer) Option { return func(p *Pool) { p.checkpointer = cp } }

// NewPool creates an aggregation pool publishing to emitter.
func NewPool(cfg Config, emitter Emitter, opts ...Option) (*Pool, error) {
	if emitter == nil {
		return nil, fmt.Errorf("%w: emitter is required", ErrInvalidConfig)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:     cfg,
		emitter: emitter,
		clock:   clock.Real(),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run starts one worker per input partition and blocks until every input is
// closed and drained and all open windows have been flushed. ctx bounds
// checkpoint loading and publishing; cancelling it does not stop the drain.
func (p *Pool) Run(ctx context.Context, inputs []<-chan model.Tick) error {
	checkpoints, err := p.loadCheckpoints(ctx)
	if err != nil {
		return err
	}

	log.Info().
		Str("component", "aggregator").
		Int("workers", len(inputs)).
		Int("checkpoints", len(checkpoints)).
		Msg("aggregator starting")

	var g errgroup.Group
	for i, in := range inputs {
		w := p.newWorker(i, checkpoints)
		g.Go(func() error {
			w.run(ctx, in)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loadCheckpoints(ctx context.Context) (map[model.SeriesKey]Checkpoint, error) {
	out := make(map[model.SeriesKey]Checkpoint)
	if p.checkpointer == nil {
		return out, nil
	}
	cps, err := p.checkpointer.LoadCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	for _, cp := range cps {
		out[cp.Series()] = cp
	}
	return out, nil
}

// worker owns every series of the symbols hashed to its partition.
type worker struct {
	id           int
	cfg          Config
	emitter      Emitter
	checkpointer Checkpointer
	clock        clock.Clock
	metrics      metrics.Recorder
	logger       zerolog.Logger

	checkpoints map[model.SeriesKey]Checkpoint
	symbols     map[string]*symbolState
}

// symbolState is the per-symbol dedup window and its series, one per timeframe.
type symbolState struct {
	seen   *dedup.Window[model.TickKey]
	series []*series
}

func (p *Pool) newWorker(id int, checkpoints map[model.SeriesKey]Checkpoint) *worker {
	return &worker{
		id:           id,
		cfg:          p.cfg,
		emitter:      p.emitter,
		checkpointer: p.checkpointer,
		clock:        p.clock,
		metrics:      p.metrics,
		logger:       log.With().Str("component", "aggregator").Int("worker", id).Logger(),
		checkpoints:  checkpoints,
		symbols:      make(map[string]*symbolState),
	}
}

// run consumes in until it is closed, then force-flushes every open window.
func (w *worker) run(ctx context.Context, in <-chan model.Tick) {
	flush := w.clock.NewTicker(w.cfg.IdleFlush)
	defer flush.Stop()

	pubCtx := context.WithoutCancel(ctx)
	for {
		select {
		case t, ok := <-in:
			if !ok {
				w.flushAll(pubCtx)
				w.logger.Info().Msg("worker drained")
				return
			}
			w.process(pubCtx, t)
		case <-flush.Chan():
			w.flushIdle(pubCtx, w.clock.Now())
		}
	}
}

// process applies one tick to every timeframe of its symbol.
func (w *worker) process(ctx context.Context, t model.Tick) {
	st := w.symbol(t.Symbol)
	if st.seen.Seen(t.DedupKey()) {
		w.metrics.Inc(metrics.AggregatorDuplicates)
		return
	}
	w.metrics.Inc(metrics.AggregatorTicks)

	now := w.clock.Now()
	for _, s := range st.series {
		win, res := s.add(t, now)
		if res == late {
			w.metrics.Inc(metrics.AggregatorLate, "timeframe", s.key.Timeframe.String())
			w.logger.Warn().
				Str("symbol", t.Symbol).
				Str("timeframe", s.key.Timeframe.String()).
				Time("exchangeTime", t.ExchangeTime).
				Time("lastEmitted", s.lastEmitted).
				Msg("dropping late tick")
			continue
		}

		if w.cfg.LiveUpdates {
			w.publish(ctx, snapshot(win))
		}

		out, skipped := s.closeThrough(s.watermark.Add(-w.cfg.GracePeriod), w.cfg.Continuity, w.cfg.MaxGapFill)
		w.emitAll(ctx, s, out, skipped)
	}
}

// flushIdle closes due windows of series that have been quiet for IdleFlush.
func (w *worker) flushIdle(ctx context.Context, now time.Time) {
	for _, st := range w.symbols {
		for _, s := range st.series {
			idle := now.Sub(s.lastTick)
			if idle < w.cfg.IdleFlush {
				continue
			}
			// exchange time is estimated as the watermark plus the local time
			// elapsed since the last tick, independent of local clock offset
			horizon := s.watermark.Add(idle - w.cfg.GracePeriod)
			out, skipped := s.closeThrough(horizon, w.cfg.Continuity, w.cfg.MaxGapFill)
			w.emitAll(ctx, s, out, skipped)
		}
	}
}

// flushAll closes every open window; used on shutdown.
func (w *worker) flushAll(ctx context.Context) {
	for _, st := range w.symbols {
		for _, s := range st.series {
			out, skipped := s.closeAll(w.cfg.Continuity, w.cfg.MaxGapFill)
			w.emitAll(ctx, s, out, skipped)
		}
	}
}

func (w *worker) symbol(sym string) *symbolState {
	st, ok := w.symbols[sym]
	if ok {
		return st
	}
	st = &symbolState{
		seen:   dedup.NewWindow[model.TickKey](w.cfg.DedupWindow),
		series: make([]*series, 0, len(w.cfg.Timeframes)),
	}
	for _, tf := range w.cfg.Timeframes {
		key := model.SeriesKey{Symbol: sym, Timeframe: tf}
		var cp *Checkpoint
		if c, ok := w.checkpoints[key]; ok {
			cp = &c
		}
		st.series = append(st.series, newSeries(key, cp))
	}
	w.symbols[sym] = st
	return st
}

// emitAll publishes closed candles in order and checkpoints each one.
func (w *worker) emitAll(ctx context.Context, s *series, out []model.Candle, skipped int) {
	if skipped > 0 {
		w.metrics.Inc(metrics.AggregatorGapSkipped, "timeframe", s.key.Timeframe.String())
		w.logger.Warn().
			Str("symbol", s.key.Symbol).
			Str("timeframe", s.key.Timeframe.String()).
			Int("skipped", skipped).
			Int("maxGapFill", w.cfg.MaxGapFill).
			Msg("gap exceeds fill limit, series jumps")
	}

	for _, c := range out {
		if c.TradeCount == 0 {
			w.metrics.Inc(metrics.AggregatorGapFilled, "timeframe", c.Timeframe.String())
		}
		if !w.publish(ctx, c) {
			continue
		}
		w.metrics.Inc(metrics.AggregatorEmitted, "timeframe", c.Timeframe.String())
		w.checkpoint(ctx, c)
	}
}

func (w *worker) publish(ctx context.Context, c model.Candle) bool {
	if err := w.emitter.Publish(ctx, c.Symbol, c); err != nil {
		w.logger.Error().
			Err(err).
			Str("symbol", c.Symbol).
			Str("timeframe", c.Timeframe.String()).
			Time("windowStart", c.WindowStart).
			Str("state", string(c.State)).
			Msg("failed to publish candle")
		return false
	}
	return true
}

func (w *worker) checkpoint(ctx context.Context, c model.Candle) {
	if w.checkpointer == nil {
		return
	}
	err := w.checkpointer.SaveCheckpoint(ctx, Checkpoint{
		Symbol:           c.Symbol,
		Timeframe:        c.Timeframe,
		LastEmittedStart: c.WindowStart,
		LastClose:        c.Close,
	})
	if err != nil {
		w.logger.Error().Err(err).Str("symbol", c.Symbol).Msg("failed to save checkpoint")
	}
}
