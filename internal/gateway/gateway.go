// Package gateway fans candles out to subscribed client connections.
//
// The Gateway uses the actor model: a single goroutine owns the subscription
// index and every connection record. Transports interact with it only by
// sending requests over channels, so the index needs no mutex and a
// connection's subscriptions are always removed together with the connection.
//
// Every connection has a bounded Outbox. Pushing never blocks the actor, so a
// stalled client cannot delay delivery to anyone else; it is disconnected
// instead once it falls too far behind.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"candlefeed/internal/clock"
	"candlefeed/internal/metrics"
	"candlefeed/internal/model"
	"candlefeed/internal/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotStarted           = errors.New("gateway not started")
	ErrAlreadyStarted       = errors.New("gateway already started")
	ErrStopped              = errors.New("gateway stopped")
	ErrDuplicateConnection  = errors.New("connection already registered")
	ErrUnknownConnection    = errors.New("unknown connection")
	ErrTooManySubscriptions = errors.New("subscription limit reached")
	ErrUnsupportedTimeframe = errors.New("unsupported timeframe")
)

// Config holds gateway limits.
type Config struct {
	// OutboxSize bounds the queued candles per connection.
	OutboxSize int

	// SlowClientTimeout is how long an outbox may stay full before the
	// connection is dropped.
	SlowClientTimeout time.Duration

	// MaxSubscriptions bounds the (symbol, timeframe) pairs per connection.
	MaxSubscriptions int

	// Timeframes lists the timeframes clients may subscribe to. Empty allows any.
	Timeframes []model.Timeframe
}

// DefaultConfig returns the defaults used for omitted settings.
func DefaultConfig() Config {
	return Config{
		OutboxSize:        256,
		SlowClientTimeout: 10 * time.Second,
		MaxSubscriptions:  100,
	}
}

// Stats is a point-in-time view of the gateway state.
type Stats struct {
	Connections   int `json:"connections"`
	Series        int `json:"series"`
	Subscriptions int `json:"subscriptions"`
}

type connection struct {
	id     string
	outbox *Outbox
	subs   map[model.SeriesKey]struct{}
}

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opSubscribe
	opUnsubscribe
	opStats
)

type request struct {
	op     opKind
	id     string
	series model.SeriesKey
	reply  chan response
}

type response struct {
	outbox *Outbox
	stats  Stats
	err    error
}

// Gateway routes candles to subscribed connections.
type Gateway struct {
	cfg     Config
	clock   clock.Clock
	metrics metrics.Recorder
	logger  zerolog.Logger

	allowed map[model.Timeframe]bool

	// owned by the run goroutine
	conns map[string]*connection
	index map[model.SeriesKey]map[string]*connection

	requests chan request
	started  atomic.Bool
	stopped  chan struct{}
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithClock replaces the clock used for slow client detection.
func WithClock(clk clock.Clock) Option { return func(g *Gateway) { g.clock = clk } }

// WithMetrics sets the counter sink.
func WithMetrics(rec metrics.Recorder) Option { return func(g *Gateway) { g.metrics = rec } }

// New creates a Gateway. Omitted limits take their defaults.
func New(cfg Config, opts ...Option) *Gateway {
	d := DefaultConfig()
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = d.OutboxSize
	}
	if cfg.SlowClientTimeout <= 0 {
		cfg.SlowClientTimeout = d.SlowClientTimeout
	}
	if cfg.MaxSubscriptions <= 0 {
		cfg.MaxSubscriptions = d.MaxSubscriptions
	}

	g := &Gateway{
		cfg:      cfg,
		clock:    clock.Real(),
		metrics:  metrics.Nop{},
		logger:   log.With().Str("component", "gateway").Logger(),
		allowed:  make(map[model.Timeframe]bool, len(cfg.Timeframes)),
		conns:    make(map[string]*connection),
		index:    make(map[model.SeriesKey]map[string]*connection),
		requests: make(chan request),
		stopped:  make(chan struct{}),
	}
	for _, tf := range cfg.Timeframes {
		g.allowed[tf] = true
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Clock returns the gateway's clock; transports use it for heartbeats.
func (g *Gateway) Clock() clock.Clock { return g.clock }

// Register adds a connection and returns the outbox its writer must drain.
func (g *Gateway) Register(ctx context.Context, id string) (*Outbox, error) {
	resp, err := g.call(ctx, request{op: opRegister, id: id})
	if err != nil {
		return nil, err
	}
	return resp.outbox, nil
}

// Unregister removes a connection together with all of its subscriptions.
// Unknown connections are ignored.
func (g *Gateway) Unregister(ctx context.Context, id string) error {
	_, err := g.call(ctx, request{op: opUnregister, id: id})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

// Subscribe adds (symbol, timeframe) to the connection's subscriptions.
// Subscribing twice is a no-op.
func (g *Gateway) Subscribe(ctx context.Context, id, symbol string, tf model.Timeframe) error {
	series, err := g.seriesKey(symbol, tf)
	if err != nil {
		return err
	}
	_, err = g.call(ctx, request{op: opSubscribe, id: id, series: series})
	return err
}

// Unsubscribe removes (symbol, timeframe) from the connection's subscriptions.
func (g *Gateway) Unsubscribe(ctx context.Context, id, symbol string, tf model.Timeframe) error {
	series, err := g.seriesKey(symbol, tf)
	if err != nil {
		return err
	}
	_, err = g.call(ctx, request{op: opUnsubscribe, id: id, series: series})
	return err
}

// Stats returns connection and index sizes.
func (g *Gateway) Stats(ctx context.Context) (Stats, error) {
	resp, err := g.call(ctx, request{op: opStats})
	return resp.stats, err
}

// Run owns the gateway state until candles is closed or ctx is done. On exit
// every connection receives ReasonShutdown after its queued candles.
func (g *Gateway) Run(ctx context.Context, candles <-chan model.Candle) error {
	if !g.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(g.stopped)
	defer g.shutdown()

	sweep := g.clock.NewTicker(g.sweepInterval())
	defer sweep.Stop()

	g.logger.Info().
		Int("outboxSize", g.cfg.OutboxSize).
		Dur("slowClientTimeout", g.cfg.SlowClientTimeout).
		Msg("gateway started")

	for {
		select {
		case <-ctx.Done():
			g.logger.Info().Msg("gateway stopping: context done")
			return nil
		case req := <-g.requests:
			req.reply <- g.handle(req)
		case c, ok := <-candles:
			if !ok {
				g.logger.Info().Msg("gateway stopping: candle stream closed")
				return nil
			}
			g.onCandle(c)
		case <-sweep.Chan():
			g.sweepSlow(g.clock.Now())
		}
	}
}

func (g *Gateway) call(ctx context.Context, req request) (response, error) {
	if !g.started.Load() {
		return response{}, ErrNotStarted
	}
	req.reply = make(chan response, 1)
	select {
	case g.requests <- req:
	case <-g.stopped:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	resp := <-req.reply
	return resp, resp.err
}

func (g *Gateway) seriesKey(symbol string, tf model.Timeframe) (model.SeriesKey, error) {
	sym, err := utils.NormalizeSymbol(symbol)
	if err != nil {
		return model.SeriesKey{}, err
	}
	if len(g.allowed) > 0 && !g.allowed[tf] {
		return model.SeriesKey{}, fmt.Errorf("%w: %s", ErrUnsupportedTimeframe, tf)
	}
	return model.SeriesKey{Symbol: sym, Timeframe: tf}, nil
}

func (g *Gateway) handle(req request) response {
	switch req.op {
	case opRegister:
		if _, ok := g.conns[req.id]; ok {
			return response{err: fmt.Errorf("%w: %s", ErrDuplicateConnection, req.id)}
		}
		conn := &connection{id: req.id, outbox: NewOutbox(g.cfg.OutboxSize), subs: make(map[model.SeriesKey]struct{})}
		g.conns[req.id] = conn
		g.metrics.Inc(metrics.GatewayConnections)
		g.logger.Debug().Str("connectionId", req.id).Msg("connection registered")
		return response{outbox: conn.outbox}

	case opUnregister:
		if conn, ok := g.conns[req.id]; ok {
			g.remove(conn, ReasonUnregistered)
		}
		return response{}

	case opSubscribe:
		conn, ok := g.conns[req.id]
		if !ok {
			return response{err: fmt.Errorf("%w: %s", ErrUnknownConnection, req.id)}
		}
		if _, ok := conn.subs[req.series]; ok {
			return response{}
		}
		if len(conn.subs) >= g.cfg.MaxSubscriptions {
			return response{err: fmt.Errorf("%w: %d", ErrTooManySubscriptions, g.cfg.MaxSubscriptions)}
		}
		conn.subs[req.series] = struct{}{}
		set, ok := g.index[req.series]
		if !ok {
			set = make(map[string]*connection)
			g.index[req.series] = set
		}
		set[conn.id] = conn
		return response{}

	case opUnsubscribe:
		conn, ok := g.conns[req.id]
		if !ok {
			return response{err: fmt.Errorf("%w: %s", ErrUnknownConnection, req.id)}
		}
		delete(conn.subs, req.series)
		g.unindex(req.series, conn.id)
		return response{}

	case opStats:
		st := Stats{Connections: len(g.conns), Series: len(g.index)}
		for _, set := range g.index {
			st.Subscriptions += len(set)
		}
		return response{stats: st}
	}
	return response{err: fmt.Errorf("unknown gateway request %d", req.op)}
}

// onCandle enqueues c on every interested connection.
func (g *Gateway) onCandle(c model.Candle) {
	set := g.index[c.Series()]
	if len(set) == 0 {
		return
	}
	now := g.clock.Now()
	for _, conn := range set {
		switch conn.outbox.Push(c, now) {
		case Queued:
			g.metrics.Inc(metrics.GatewayDelivered)
		case EvictedOpen:
			g.metrics.Inc(metrics.GatewayDelivered)
			g.metrics.Inc(metrics.GatewayDroppedOpen)
		case DroppedIncoming:
			g.metrics.Inc(metrics.GatewayDroppedOpen)
		case Overflow:
			g.disconnectSlow(conn, "closed candle overflow")
			continue
		}
		if conn.outbox.BehindFor(now) > g.cfg.SlowClientTimeout {
			g.disconnectSlow(conn, "behind for too long")
		}
	}
}

// sweepSlow drops connections that stayed full without new candles arriving.
func (g *Gateway) sweepSlow(now time.Time) {
	for _, conn := range g.conns {
		if conn.outbox.BehindFor(now) > g.cfg.SlowClientTimeout {
			g.disconnectSlow(conn, "behind for too long")
		}
	}
}

func (g *Gateway) disconnectSlow(conn *connection, why string) {
	g.metrics.Inc(metrics.GatewayDisconnected)
	g.logger.Warn().
		Str("connectionId", conn.id).
		Int("queued", conn.outbox.Len()).
		Str("cause", why).
		Msg("disconnecting slow client")
	g.remove(conn, ReasonSlowClient)
}

// remove deletes a connection and its index entries in one step.
func (g *Gateway) remove(conn *connection, reason CloseReason) {
	for series := range conn.subs {
		g.unindex(series, conn.id)
	}
	delete(g.conns, conn.id)
	conn.outbox.close(reason)
}

func (g *Gateway) unindex(series model.SeriesKey, id string) {
	set, ok := g.index[series]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(g.index, series)
	}
}

func (g *Gateway) shutdown() {
	for _, conn := range g.conns {
		g.remove(conn, ReasonShutdown)
	}
	g.logger.Info().Msg("gateway stopped")
}

func (g *Gateway) sweepInterval() time.Duration {
	d := g.cfg.SlowClientTimeout / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}
