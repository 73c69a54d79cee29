// Package pipeline wires collectors, the aggregator pool, the gateway and the
// sink writer together over the in-process buses and supervises them.
//
// Data flows collectors -> raw.market-data -> aggregator pool ->
// normalized.ohlcv -> {gateway, sink}. Shutdown runs in the same order:
// collectors stop, the raw topic closes, the pool drains and flushes every
// open window, the candle topic closes, and finally the gateway notifies its
// clients and the sink finishes writing.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"candlefeed/internal/bus"
	"candlefeed/internal/candles"
	"candlefeed/internal/clock"
	"candlefeed/internal/collector"
	"candlefeed/internal/config"
	"candlefeed/internal/exchange"
	"candlefeed/internal/gateway"
	"candlefeed/internal/metrics"
	"candlefeed/internal/model"
	"candlefeed/internal/sink"
	"candlefeed/internal/storage"
	"candlefeed/internal/utils"
	"candlefeed/internal/websocket"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// defaultMaxConnections bounds the connections per exchange when the
// configuration leaves it open.
const defaultMaxConnections = 10

// TransportFactory builds the transport of one collector connection.
type TransportFactory func(venue exchange.Venue, symbols []string) (collector.Transport, error)

// Pipeline owns every running component.
type Pipeline struct {
	cfg       *config.Config
	clock     clock.Clock
	registry  *metrics.Registry
	store     *storage.Store
	transport TransportFactory

	raw        *bus.Bus[model.Tick]
	normalized *bus.Bus[model.Candle]
	rawSub     *bus.Subscriber[model.Tick]
	gwSub      *bus.Subscriber[model.Candle]
	sinkSub    *bus.Subscriber[model.Candle]

	collectors []*collector.Collector
	pool       *candles.Pool
	gateway    *gateway.Gateway
	writer     *sink.Writer

	logger zerolog.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option { return func(p *Pipeline) { p.clock = clk } }

// WithMetrics sets the counter registry shared by all components.
func WithMetrics(reg *metrics.Registry) Option { return func(p *Pipeline) { p.registry = reg } }

// WithStore enables checkpoints and, if the sink is enabled, durable writes.
func WithStore(store *storage.Store) Option { return func(p *Pipeline) { p.store = store } }

// WithTransportFactory replaces the websocket transport.
func WithTransportFactory(f TransportFactory) Option { return func(p *Pipeline) { p.transport = f } }

// New builds the pipeline described by cfg. Symbols of exchanges with
// VerifySymbols are checked against the venue first.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cfg:      cfg,
		clock:    clock.Real(),
		registry: metrics.NewRegistry(),
		logger:   log.With().Str("component", "pipeline").Logger(),
	}
	p.transport = p.websocketTransport
	for _, opt := range opts {
		opt(p)
	}

	p.raw = bus.New[model.Tick](bus.TopicRawMarketData, cfg.Bus.Partitions, cfg.Bus.Capacity)
	p.normalized = bus.New[model.Candle](bus.TopicNormalizedOHLCV, cfg.Bus.Partitions, cfg.Bus.Capacity)

	var err error
	if p.rawSub, err = p.raw.Subscribe("aggregator"); err != nil {
		return nil, err
	}
	if p.gwSub, err = p.normalized.Subscribe("gateway"); err != nil {
		return nil, err
	}

	if err := p.buildCollectors(ctx); err != nil {
		return nil, err
	}

	poolOpts := []candles.Option{candles.WithClock(p.clock), candles.WithMetrics(p.registry)}
	if p.store != nil {
		poolOpts = append(poolOpts, candles.WithCheckpointer(p.store))
	}
	if p.pool, err = candles.NewPool(cfg.AggregatorConfig(), p.normalized, poolOpts...); err != nil {
		return nil, err
	}

	p.gateway = gateway.New(cfg.GatewayConfig(), gateway.WithClock(p.clock), gateway.WithMetrics(p.registry))

	if cfg.Sink.Enabled && p.store != nil {
		if p.sinkSub, err = p.normalized.Subscribe("sink"); err != nil {
			return nil, err
		}
		if p.writer, err = sink.NewWriter(p.store, cfg.SinkConfig(), sink.WithMetrics(p.registry)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) buildCollectors(ctx context.Context) error {
	for _, ex := range p.cfg.Exchanges {
		venue, err := exchange.New(ex.Name, ex.ExchangeConfig())
		if err != nil {
			return err
		}

		if ex.VerifySymbols {
			if err := exchange.NewBinanceSymbolChecker(ex.RestURL, ex.APIKey, ex.APISecret).Check(ctx, ex.Symbols); err != nil {
				return err
			}
		}

		maxConns := ex.MaxConnections
		if maxConns <= 0 {
			maxConns = defaultMaxConnections
		}
		groups, err := utils.ShardSymbols(ex.Symbols, venue.MaxSymbols(), maxConns)
		if err != nil {
			return fmt.Errorf("exchange %s: %w", ex.Name, err)
		}

		for i, symbols := range groups {
			id := fmt.Sprintf("%s-%d", ex.Name, i)
			transport, err := p.transport(venue, symbols)
			if err != nil {
				return fmt.Errorf("collector %s: %w", id, err)
			}
			c, err := collector.New(p.cfg.CollectorConfig(id, symbols), venue, transport, p.raw,
				collector.WithClock(p.clock), collector.WithMetrics(p.registry))
			if err != nil {
				return fmt.Errorf("collector %s: %w", id, err)
			}
			p.collectors = append(p.collectors, c)
		}
		p.logger.Info().
			Str("exchange", string(ex.Name)).
			Int("symbols", len(ex.Symbols)).
			Int("connections", len(groups)).
			Msg("exchange configured")
	}
	return nil
}

func (p *Pipeline) websocketTransport(venue exchange.Venue, symbols []string) (collector.Transport, error) {
	endpoint, err := venue.Endpoint(symbols)
	if err != nil {
		return nil, err
	}
	subscribe, err := venue.SubscribeMessages(symbols)
	if err != nil {
		return nil, err
	}
	wsCfg := p.cfg.WebSocketConfig(endpoint, subscribe, venue.KeepaliveMessage())

	return collector.TransportFunc(func(ctx context.Context) (collector.Stream, error) {
		conn, err := websocket.Dial(ctx, wsCfg)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}), nil
}

// Gateway returns the subscriber gateway served by the transports.
func (p *Pipeline) Gateway() *gateway.Gateway { return p.gateway }

// Collectors returns the upstream connections.
func (p *Pipeline) Collectors() []*collector.Collector { return p.collectors }

// Metrics returns the shared counter registry.
func (p *Pipeline) Metrics() *metrics.Registry { return p.registry }

// Run starts every component and blocks until ctx is cancelled and the
// pipeline has drained, or a component fails.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// downstream stages stop when their input closes, not on ctx
	drain := context.WithoutCancel(ctx)

	inputs := make([]<-chan model.Tick, p.raw.Partitions())
	for i := range inputs {
		inputs[i] = p.rawSub.Partition(i)
	}

	var down errgroup.Group
	down.Go(func() error {
		defer p.normalized.Close()
		err := p.pool.Run(drain, inputs)
		if err != nil {
			cancel()
		}
		return err
	})
	down.Go(func() error {
		return p.gateway.Run(drain, p.gwSub.Merged())
	})
	if p.writer != nil {
		down.Go(func() error {
			return p.writer.Run(drain, p.sinkSub.Merged())
		})
	}

	up, upCtx := errgroup.WithContext(ctx)
	for _, c := range p.collectors {
		up.Go(func() error { return c.Run(upCtx) })
	}
	p.logger.Info().Int("collectors", len(p.collectors)).Msg("pipeline running")

	upErr := up.Wait()
	p.logger.Info().Msg("collectors stopped, draining")
	p.raw.Close()

	err := errors.Join(upErr, down.Wait())
	p.logger.Info().Err(err).Msg("pipeline stopped")
	return err
}
