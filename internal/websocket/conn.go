// Package websocket provides the exchange-facing WebSocket stream used by the
// collectors.
//
// A Conn is a single connection attempt: it dials, sends the subscription
// frames, and then delivers frames through Read until the connection fails or
// is closed. Reconnecting is the caller's job; a Conn never redials.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod defines the default interval for sending WebSocket ping messages.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second

	// frameBuffer is the number of frames read ahead of the consumer.
	frameBuffer = 256
)

var (
	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("websocket: connection closed")
)

// Config defines settings for one exchange connection.
type Config struct {
	// Endpoint is the WebSocket URL to connect to. Required.
	Endpoint string

	// SubscriptionMessages are sent as text frames immediately after connecting.
	SubscriptionMessages [][]byte

	// KeepaliveMessage, when set, is sent as a text frame every PingPeriod in
	// addition to the protocol ping.
	KeepaliveMessage []byte

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between WebSocket ping messages.
	PingPeriod time.Duration

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration

	// ReadLimit caps the size of a single frame.
	ReadLimit int64
}

func (c *Config) applyDefaults() error {
	if c.Endpoint == "" {
		return errors.New("endpoint URL is required")
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = defaultPingPeriod
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return nil
}

// Conn wraps a websocket.Conn with a read pump and a ping loop.
type Conn struct {
	ws     *websocket.Conn
	cfg    Config
	logger zerolog.Logger

	// frames carries payloads from readLoop to Read.
	frames chan []byte

	// done is closed when readLoop exits; err holds the reason.
	done chan struct{}
	err  error

	// writeMu serializes data frame writes.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// Dial connects to cfg.Endpoint, sends the subscription frames and starts the
// background loops. The returned Conn is closed if ctx is cancelled.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	logger := log.With().
		Str("endpoint", cfg.Endpoint).
		Str("component", "websocket").
		Logger()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: cfg.TLSInsecureSkip},
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			logger.Warn().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Str("status", resp.Status).
				Msg("connection failed")
			return nil, fmt.Errorf("dial %s: %s: %w", cfg.Endpoint, resp.Status, err)
		}
		logger.Warn().Err(err).Msg("connection failed")
		return nil, fmt.Errorf("dial %s: %w", cfg.Endpoint, err)
	}

	ws.SetReadLimit(cfg.ReadLimit)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PingPeriod * 2))
	})

	for _, m := range cfg.SubscriptionMessages {
		_ = ws.SetWriteDeadline(time.Now().Add(cfg.SendTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, m); err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("send subscription: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		ws:     ws,
		cfg:    cfg,
		logger: logger,
		frames: make(chan []byte, frameBuffer),
		done:   make(chan struct{}),
		ctx:    loopCtx,
		cancel: cancel,
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop(loopCtx)
	}()
	go func() {
		<-loopCtx.Done()
		_ = c.Close()
	}()

	logger.Info().Int("subscriptions", len(cfg.SubscriptionMessages)).Msg("websocket connection established")
	return c, nil
}

// Read returns the next frame. It fails with the terminal read error once the
// connection is gone, or with ctx.Err() if ctx ends first.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.frames:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// frames queued before the failure are still delivered
		select {
		case b := <-c.frames:
			return b, nil
		default:
			return nil, c.err
		}
	}
}

// Close sends a close frame and tears down the connection. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()

		c.writeMu.Lock()
		if werr := c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		); werr != nil {
			c.logger.Debug().Err(werr).Msg("failed to send close frame")
		}
		c.writeMu.Unlock()

		err = c.ws.Close()
		c.wg.Wait()
	})
	return err
}

// readLoop pumps frames into c.frames until the connection fails.
func (c *Conn) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Info().Err(err).Msg("websocket closed normally")
			case websocket.IsUnexpectedCloseError(err):
				c.logger.Warn().Err(err).Msg("unexpected websocket closure")
			default:
				c.logger.Debug().Err(err).Msg("read loop exiting")
			}
			c.err = fmt.Errorf("%w: %v", ErrClosed, err)
			return
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2))

		select {
		case c.frames <- data:
		case <-c.ctx.Done():
			c.err = ErrClosed
			return
		}
	}
}

// pingLoop sends protocol pings, plus the venue keepalive if configured.
func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.SendTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("ping error")
				continue
			}
			if c.cfg.KeepaliveMessage != nil {
				c.writeMu.Lock()
				_ = c.ws.SetWriteDeadline(deadline)
				err := c.ws.WriteMessage(websocket.TextMessage, c.cfg.KeepaliveMessage)
				c.writeMu.Unlock()
				if err != nil {
					c.logger.Debug().Err(err).Msg("keepalive error")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
