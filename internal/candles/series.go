package candles

import (
	"sort"
	"time"

	"candlefeed/internal/model"

	"github.com/shopspring/decimal"
)

// addResult classifies what happened to a tick offered to a series.
type addResult int

const (
	added addResult = iota
	late
)

// series holds the windows of one (symbol, timeframe) pair. It is owned by a
// single worker and never shared.
type series struct {
	key model.SeriesKey
	tf  time.Duration

	// open windows keyed by windowStart in Unix nanoseconds. Several windows
	// may be open at once while the grace period for an older one runs.
	open map[int64]*model.Candle

	// lastEmitted is the start of the newest emitted window; zero if none.
	lastEmitted time.Time
	lastClose   decimal.Decimal

	// watermark is the newest exchange time seen.
	watermark time.Time

	// horizon is the newest instant through which windows have been closed.
	// Windows ending at or before it never reopen.
	horizon time.Time

	// lastTick is the local time of the newest accepted tick.
	lastTick time.Time
}

func newSeries(key model.SeriesKey, cp *Checkpoint) *series {
	s := &series{
		key:  key,
		tf:   key.Timeframe.Duration(),
		open: make(map[int64]*model.Candle),
	}
	if cp != nil && !cp.LastEmittedStart.IsZero() {
		s.lastEmitted = cp.LastEmittedStart.UTC()
		s.lastClose = cp.LastClose
		s.horizon = s.lastEmitted.Add(s.tf)
	}
	return s
}

// add merges a tick into its window. Ticks for windows that were already
// closed, or whose grace period has passed, are rejected as late.
func (s *series) add(t model.Tick, now time.Time) (*model.Candle, addResult) {
	start := s.key.Timeframe.WindowStart(t.ExchangeTime)
	end := start.Add(s.tf)

	if !s.lastEmitted.IsZero() && !start.After(s.lastEmitted) {
		return nil, late
	}
	if !end.After(s.horizon) {
		return nil, late
	}

	w, ok := s.open[start.UnixNano()]
	if !ok {
		w = &model.Candle{
			Symbol:      s.key.Symbol,
			Timeframe:   s.key.Timeframe,
			WindowStart: start,
			WindowEnd:   end,
			Open:        t.Price,
			High:        t.Price,
			Low:         t.Price,
			Close:       t.Price,
			Volume:      decimal.Zero,
			State:       model.StateOpen,
		}
		s.open[start.UnixNano()] = w
	} else {
		if t.Price.GreaterThan(w.High) {
			w.High = t.Price
		}
		if t.Price.LessThan(w.Low) {
			w.Low = t.Price
		}
		// last tick by arrival order wins
		w.Close = t.Price
	}
	w.Volume = w.Volume.Add(t.Size)
	w.TradeCount++

	if t.ExchangeTime.After(s.watermark) {
		s.watermark = t.ExchangeTime
	}
	s.lastTick = now
	return w, added
}

// closeThrough closes, in windowStart order, every open window ending at or
// before horizon. With continuity enabled, empty windows between emissions
// and up to horizon are filled with flat candles, at most maxGap per gap;
// older missing windows are counted in skipped and left out.
func (s *series) closeThrough(horizon time.Time, continuity bool, maxGap int) (out []model.Candle, skipped int) {
	if horizon.After(s.horizon) {
		s.horizon = horizon
	}

	for _, w := range s.sortedOpen() {
		if w.WindowEnd.After(s.horizon) {
			break
		}
		out, skipped = s.emit(out, skipped, w, continuity, maxGap)
	}

	if continuity && !s.lastEmitted.IsZero() {
		// every window ending at or before the horizon is due
		until := s.key.Timeframe.WindowStart(s.horizon.Add(-s.tf)).Add(s.tf)
		var n int
		out, n = s.fill(out, until, maxGap)
		skipped += n
	}
	return out, skipped
}

// closeAll force-closes every open window regardless of the horizon.
func (s *series) closeAll(continuity bool, maxGap int) (out []model.Candle, skipped int) {
	for _, w := range s.sortedOpen() {
		out, skipped = s.emit(out, skipped, w, continuity, maxGap)
	}
	if !s.lastEmitted.IsZero() {
		if end := s.lastEmitted.Add(s.tf); end.After(s.horizon) {
			s.horizon = end
		}
	}
	return out, skipped
}

// snapshot copies an open window for a live update.
func snapshot(w *model.Candle) model.Candle {
	c := *w
	c.State = model.StateOpen
	return c
}

func (s *series) emit(out []model.Candle, skipped int, w *model.Candle, continuity bool, maxGap int) ([]model.Candle, int) {
	if continuity && !s.lastEmitted.IsZero() {
		var n int
		out, n = s.fill(out, w.WindowStart, maxGap)
		skipped += n
	}

	delete(s.open, w.WindowStart.UnixNano())
	c := *w
	c.State = model.StateClosed
	w.State = model.StateEmitted

	s.lastEmitted = c.WindowStart
	s.lastClose = c.Close
	return append(out, c), skipped
}

// fill appends flat candles for every window after lastEmitted and before
// until, carrying lastClose forward.
func (s *series) fill(out []model.Candle, until time.Time, maxGap int) ([]model.Candle, int) {
	next := s.lastEmitted.Add(s.tf)
	if !until.After(next) {
		return out, 0
	}

	missing := int(until.Sub(next) / s.tf)
	skipped := 0
	if missing > maxGap {
		skipped = missing - maxGap
		next = next.Add(time.Duration(skipped) * s.tf)
		s.lastEmitted = next.Add(-s.tf)
	}

	for ; next.Before(until); next = next.Add(s.tf) {
		out = append(out, model.Candle{
			Symbol:      s.key.Symbol,
			Timeframe:   s.key.Timeframe,
			WindowStart: next,
			WindowEnd:   next.Add(s.tf),
			Open:        s.lastClose,
			High:        s.lastClose,
			Low:         s.lastClose,
			Close:       s.lastClose,
			Volume:      decimal.Zero,
			State:       model.StateClosed,
		})
		s.lastEmitted = next
	}
	return out, skipped
}

func (s *series) sortedOpen() []*model.Candle {
	if len(s.open) == 0 {
		return nil
	}
	ws := make([]*model.Candle, 0, len(s.open))
	for _, w := range s.open {
		ws = append(ws, w)
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].WindowStart.Before(ws[j].WindowStart) })
	return ws
}
