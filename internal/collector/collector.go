// Package collector runs one exchange connection: it dials, normalizes frames
// into ticks, publishes them partitioned by symbol, and recovers from
// transport failures through an explicit connection state machine.
//
// State machine:
//
//	DISCONNECTED -> CONNECTING -> CONNECTED
//	CONNECTED/CONNECTING --failure--> BACKOFF --delay--> CONNECTING
//	N failures within the breaker window --> CIRCUIT_OPEN --cooldown--> HALF_OPEN
//	HALF_OPEN --dial ok--> CONNECTED, --dial fails--> CIRCUIT_OPEN
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"candlefeed/internal/clock"
	"candlefeed/internal/dedup"
	"candlefeed/internal/metrics"
	"candlefeed/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrIdleTimeout is the failure recorded when no frame arrives within the idle timeout.
	ErrIdleTimeout = errors.New("collector: idle timeout")

	// ErrTransport wraps stream read failures.
	ErrTransport = errors.New("collector: transport failure")

	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("collector: invalid configuration")
)

// Stream is one established upstream session.
type Stream interface {
	// Read blocks for the next frame, a terminal error, or ctx.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport opens streams. Each Dial is one connection attempt.
type Transport interface {
	Dial(ctx context.Context) (Stream, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context) (Stream, error)

// Dial calls f(ctx).
func (f TransportFunc) Dial(ctx context.Context) (Stream, error) { return f(ctx) }

// Decoder turns raw frames into ticks. exchange.Venue satisfies it.
type Decoder interface {
	Name() model.Exchange
	Decode(raw []byte, ingest time.Time) ([]model.Tick, error)
}

// Publisher receives accepted ticks keyed by symbol. *bus.Bus[model.Tick] satisfies it.
type Publisher interface {
	Publish(ctx context.Context, key string, tick model.Tick) error
}

// Config holds the reconnect, breaker and idle settings of one collector.
type Config struct {
	// ID names the connection in logs and metrics (e.g. "binance-0").
	ID string

	// Symbols are the canonical symbols this connection carries.
	Symbols []string

	// IdleTimeout forces a reconnect when no frame arrives for this long.
	IdleTimeout time.Duration

	// InitialBackoff, MaxBackoff, BackoffMultiplier and BackoffJitter shape
	// the reconnect delay. Jitter is the randomization factor in [0,1).
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64

	// BreakerThreshold failures within BreakerWindow open the circuit for
	// BreakerCooldown.
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration

	// DedupWindow is the number of recent sequence ids remembered per symbol.
	DedupWindow int
}

// DefaultConfig returns the defaults used for omitted settings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:       30 * time.Second,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2,
		BackoffJitter:     0.2,
		BreakerThreshold:  5,
		BreakerWindow:     time.Minute,
		BreakerCooldown:   2 * time.Minute,
		DedupWindow:       10000,
	}
}

func (c *Config) applyDefaults() error {
	d := DefaultConfig()
	if len(c.Symbols) == 0 {
		return fmt.Errorf("%w: no symbols", ErrInvalidConfig)
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("%w: max backoff %s below initial backoff %s", ErrInvalidConfig, c.MaxBackoff, c.InitialBackoff)
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return fmt.Errorf("%w: backoff jitter %v outside [0,1)", ErrInvalidConfig, c.BackoffJitter)
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = d.BreakerWindow
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	return nil
}

// Collector owns one exchange connection.
type Collector struct {
	cfg       Config
	decoder   Decoder
	transport Transport
	publisher Publisher
	clock     clock.Clock
	metrics   metrics.Recorder
	logger    zerolog.Logger

	symbols map[string]struct{}
	seen    *dedup.Set[string, int64]
	backoff *backoff.ExponentialBackOff
	breaker *breaker

	mu    sync.RWMutex
	state model.ConnectionState
}

// Option customizes a Collector.
type Option func(*Collector)

// WithClock replaces the real clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Collector) { c.clock = clk }
}

// WithMetrics sets the counter sink.
func WithMetrics(rec metrics.Recorder) Option {
	return func(c *Collector) { c.metrics = rec }
}

// New creates a collector. cfg omissions fall back to DefaultConfig.
func New(cfg Config, decoder Decoder, transport Transport, publisher Publisher, opts ...Option) (*Collector, error) {
	if decoder == nil || transport == nil || publisher == nil {
		return nil, fmt.Errorf("%w: decoder, transport and publisher are required", ErrInvalidConfig)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = string(decoder.Name())
	}

	c := &Collector{
		cfg:       cfg,
		decoder:   decoder,
		transport: transport,
		publisher: publisher,
		clock:     clock.Real(),
		metrics:   metrics.Nop{},
		symbols:   make(map[string]struct{}, len(cfg.Symbols)),
		seen:      dedup.NewSet[string, int64](cfg.DedupWindow),
		state:     model.ConnectionState{Status: model.StatusDisconnected},
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, s := range cfg.Symbols {
		c.symbols[s] = struct{}{}
	}

	c.logger = log.With().
		Str("component", "collector").
		Str("exchange", string(decoder.Name())).
		Str("connection", cfg.ID).
		Logger()

	c.backoff = &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialBackoff,
		RandomizationFactor: cfg.BackoffJitter,
		Multiplier:          cfg.BackoffMultiplier,
		MaxInterval:         cfg.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               c.clock,
	}
	c.backoff.Reset()
	c.breaker = newBreaker(cfg.BreakerThreshold, cfg.BreakerWindow)

	return c, nil
}

// ID returns the connection identifier.
func (c *Collector) ID() string { return c.cfg.ID }

// Exchange returns the exchange this collector reads from.
func (c *Collector) Exchange() model.Exchange { return c.decoder.Name() }

// Symbols returns the symbols carried by this connection.
func (c *Collector) Symbols() []string { return append([]string(nil), c.cfg.Symbols...) }

// State returns a snapshot of the connection state.
func (c *Collector) State() model.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run drives the state machine until ctx is cancelled. Transport failures
// never end Run; it returns nil on cancellation.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info().Strs("symbols", c.cfg.Symbols).Msg("collector starting")
	defer func() {
		c.transition(model.StatusDisconnected)
		c.logger.Info().Msg("collector stopped")
	}()

	halfOpen := false
	for ctx.Err() == nil {
		if halfOpen {
			c.transition(model.StatusHalfOpen)
		} else {
			c.transition(model.StatusConnecting)
		}

		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			// the trial got through; later drops back off normally
			halfOpen = false
		}

		now := c.clock.Now()
		failures := c.recordFailure()
		tripped := c.breaker.failure(now)

		if halfOpen || tripped {
			c.logger.Warn().
				Err(err).
				Int("consecutiveFailures", failures).
				Dur("cooldown", c.cfg.BreakerCooldown).
				Msg("circuit open")
			c.transition(model.StatusCircuitOpen)
			if !clock.Sleep(c.clock, c.cfg.BreakerCooldown, ctx.Done()) {
				return nil
			}
			halfOpen = true
			continue
		}

		delay := c.backoff.NextBackOff()
		c.logger.Warn().
			Err(err).
			Int("consecutiveFailures", failures).
			Dur("delay", delay).
			Msg("connection failed, backing off")
		c.transition(model.StatusBackoff)
		if !clock.Sleep(c.clock, delay, ctx.Done()) {
			return nil
		}
		halfOpen = false
	}
	return nil
}

// session performs one dial and, if it succeeds, consumes the stream until
// it fails. It reports whether the dial succeeded and the failure cause.
func (c *Collector) session(ctx context.Context) (bool, error) {
	c.metrics.Inc(metrics.CollectorDials, "exchange", string(c.decoder.Name()), "connection", c.cfg.ID)

	stream, err := c.transport.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("stream close error")
		}
	}()

	c.onConnected()
	return true, c.consume(ctx, stream)
}

// onConnected resets the failure accounting after a successful dial.
func (c *Collector) onConnected() {
	c.breaker.reset()
	c.backoff.Reset()

	c.mu.Lock()
	c.state.ConsecutiveFailures = 0
	c.state.LastEventTime = c.clock.Now()
	c.mu.Unlock()

	c.transition(model.StatusConnected)
}

// consume reads frames until the stream fails, the idle timer expires or ctx ends.
func (c *Collector) consume(ctx context.Context, stream Stream) error {
	readCtx, cancel := context.WithCancel(ctx)
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		for {
			b, err := stream.Read(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- b:
			case <-readCtx.Done():
				return
			}
		}
	}()
	defer func() {
		cancel()
		<-readerDone
	}()

	idle := c.clock.NewTimer(c.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("%w: %v", ErrTransport, err)
		case <-idle.Chan():
			c.logger.Warn().Dur("idleTimeout", c.cfg.IdleTimeout).Msg("no frames within idle timeout, reconnecting")
			return ErrIdleTimeout
		case raw := <-frames:
			idle.Reset(c.cfg.IdleTimeout)
			c.mu.Lock()
			c.state.LastEventTime = c.clock.Now()
			c.mu.Unlock()

			if err := c.handle(ctx, raw); err != nil {
				return err
			}
		}
	}
}

// handle decodes one frame and publishes its ticks. Only ctx errors from the
// publisher are returned.
func (c *Collector) handle(ctx context.Context, raw []byte) error {
	exchange := string(c.decoder.Name())

	ticks, err := c.decoder.Decode(raw, c.clock.Now())
	if err != nil {
		c.metrics.Inc(metrics.CollectorMalformed, "exchange", exchange)
		c.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping malformed message")
		return nil
	}

	for _, t := range ticks {
		if _, ok := c.symbols[t.Symbol]; !ok {
			c.metrics.Inc(metrics.CollectorDropped, "exchange", exchange, "reason", "unsubscribed")
			c.logger.Warn().Str("symbol", t.Symbol).Msg("dropping tick for unsubscribed symbol")
			continue
		}
		if c.seen.Seen(t.Symbol, t.SequenceID) {
			c.metrics.Inc(metrics.CollectorDuplicates, "exchange", exchange)
			continue
		}
		if err := c.publisher.Publish(ctx, t.Symbol, t); err != nil {
			return err
		}
		c.metrics.Inc(metrics.CollectorPublished, "exchange", exchange)
	}
	return nil
}

func (c *Collector) recordFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ConsecutiveFailures++
	return c.state.ConsecutiveFailures
}

func (c *Collector) transition(to model.ConnectionStatus) {
	c.mu.Lock()
	from := c.state.Status
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state.Status = to
	c.mu.Unlock()

	c.metrics.Inc(metrics.CollectorTransitions, "exchange", string(c.decoder.Name()), "to", to.String())
	c.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("state transition")
}
