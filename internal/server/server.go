// Package server serves the HTTP surface of candlefeed: the websocket candle
// stream on /ws and a small read-only REST API under /api.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"candlefeed/internal/gateway"
	"candlefeed/internal/metrics"
	"candlefeed/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CandleReader serves historical candles.
type CandleReader interface {
	Range(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time, limit uint64) ([]model.Candle, error)
}

// Collector is the read-only view of an upstream connection.
type Collector interface {
	ID() string
	Exchange() model.Exchange
	Symbols() []string
	State() model.ConnectionState
}

// Config configures the HTTP server.
type Config struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
	// Heartbeat is the idle interval after which websocket clients get a
	// heartbeat message. Zero disables heartbeats.
	Heartbeat time.Duration `yaml:"heartbeat" validate:"gte=0"`
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowedOrigins"`
	Debug          bool     `yaml:"debug"`
}

// DefaultConfig returns the defaults used for omitted settings.
func DefaultConfig() Config {
	return Config{Addr: ":8080", Heartbeat: 15 * time.Second}
}

// Server is the gin based HTTP server.
type Server struct {
	cfg        Config
	gw         *gateway.Gateway
	store      CandleReader
	collectors []Collector
	registry   *metrics.Registry

	engine   *gin.Engine
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithStore enables /api/candles.
func WithStore(store CandleReader) Option { return func(s *Server) { s.store = store } }

// WithCollectors lists the upstream connections reported by /api/collectors.
func WithCollectors(cs ...Collector) Option {
	return func(s *Server) { s.collectors = append(s.collectors, cs...) }
}

// WithMetrics exposes registry on /api/metrics and /metrics.
func WithMetrics(registry *metrics.Registry) Option { return func(s *Server) { s.registry = registry } }

// New creates a Server delivering candles from gw.
func New(cfg Config, gw *gateway.Gateway, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		gw:     gw,
		engine: gin.New(),
		logger: log.With().Str("component", "http").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.getHealth)
	api.GET("/metrics", s.getMetrics)
	api.GET("/collectors", s.getCollectors)
	api.GET("/candles", s.getCandles)

	s.engine.GET("/ws", s.handleWebSocket)
	if s.registry != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry.Gatherer(), promhttp.HandlerOpts{})))
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully. Websocket connections end when the gateway closes their
// outboxes.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/ws" {
			return
		}
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
