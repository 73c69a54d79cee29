// Package config loads the candlefeed YAML configuration.
//
// Load starts from Default, decodes the file over it so omitted settings keep
// their defaults, then validates the result with struct tags and a few
// semantic checks. The To* helpers convert sections into component configs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"candlefeed/internal/candles"
	"candlefeed/internal/collector"
	"candlefeed/internal/exchange"
	"candlefeed/internal/gateway"
	"candlefeed/internal/model"
	"candlefeed/internal/server"
	"candlefeed/internal/sink"
	"candlefeed/internal/storage"
	"candlefeed/internal/utils"
	"candlefeed/internal/websocket"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// maxSymbolsPerExchange bounds the symbol list of one exchange section.
const maxSymbolsPerExchange = 1000

// Config is the root of the configuration file.
type Config struct {
	LogLevel  string `yaml:"logLevel" validate:"oneof=trace debug info warn error"`
	LogPretty bool   `yaml:"logPretty"`

	Exchanges  []Exchange     `yaml:"exchanges" validate:"required,min=1,dive"`
	Collector  Collector      `yaml:"collector"`
	WebSocket  WebSocket      `yaml:"websocket"`
	Bus        Bus            `yaml:"bus"`
	Aggregator Aggregator     `yaml:"aggregator"`
	Gateway    Gateway        `yaml:"gateway"`
	Sink       Sink           `yaml:"sink"`
	Storage    storage.Config `yaml:"storage"`
	HTTP       server.Config  `yaml:"http"`
	GRPC       GRPC           `yaml:"grpc"`
}

// Exchange selects the symbols collected from one venue.
type Exchange struct {
	Name           model.Exchange `yaml:"name" validate:"required,oneof=binance coinbase okx"`
	BaseURL        string         `yaml:"baseURL" validate:"omitempty,url"`
	Symbols        []string       `yaml:"symbols" validate:"required,min=1"`
	MaxSymbols     int            `yaml:"maxSymbols" validate:"gte=0"`
	MaxConnections int            `yaml:"maxConnections" validate:"gte=0"`

	// VerifySymbols checks the symbols against the venue's REST API at
	// startup. Only binance supports it.
	VerifySymbols bool   `yaml:"verifySymbols"`
	RestURL       string `yaml:"restURL" validate:"omitempty,url"`

	// Credentials are optional; public trade streams need none. Key and
	// secret come in pairs, and coinbase and okx keys carry a passphrase.
	APIKey     string `yaml:"apiKey" validate:"required_with=APISecret"`
	APISecret  string `yaml:"apiSecret" validate:"required_with=APIKey"`
	Passphrase string `yaml:"passphrase"`
}

// Collector holds the reconnect and breaker settings shared by all
// connections.
type Collector struct {
	IdleTimeout       time.Duration `yaml:"idleTimeout" validate:"gte=0"`
	InitialBackoff    time.Duration `yaml:"initialBackoff" validate:"gte=0"`
	MaxBackoff        time.Duration `yaml:"maxBackoff" validate:"gte=0"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier" validate:"gte=0"`
	BackoffJitter     float64       `yaml:"backoffJitter" validate:"gte=0,lt=1"`
	BreakerThreshold  int           `yaml:"breakerThreshold" validate:"gte=0"`
	BreakerWindow     time.Duration `yaml:"breakerWindow" validate:"gte=0"`
	BreakerCooldown   time.Duration `yaml:"breakerCooldown" validate:"gte=0"`
	DedupWindow       int           `yaml:"dedupWindow" validate:"gte=0"`
}

// WebSocket holds the upstream transport settings.
type WebSocket struct {
	PingPeriod       time.Duration `yaml:"pingPeriod" validate:"gte=0"`
	SendTimeout      time.Duration `yaml:"sendTimeout" validate:"gte=0"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout" validate:"gte=0"`
	ReadLimit        int64         `yaml:"readLimit" validate:"gte=0"`
}

// Bus sizes the in-process topics.
type Bus struct {
	Partitions int `yaml:"partitions" validate:"min=1,max=256"`
	Capacity   int `yaml:"capacity" validate:"min=1"`
}

// Aggregator holds the windowing settings.
type Aggregator struct {
	Timeframes  []model.Timeframe `yaml:"timeframes" validate:"required,min=1"`
	GracePeriod time.Duration     `yaml:"gracePeriod" validate:"gte=0"`
	IdleFlush   time.Duration     `yaml:"idleFlush" validate:"gte=0"`
	LiveUpdates bool              `yaml:"liveUpdates"`
	Continuity  bool              `yaml:"continuity"`
	MaxGapFill  int               `yaml:"maxGapFill" validate:"gte=0"`
	DedupWindow int               `yaml:"dedupWindow" validate:"gte=0"`
}

// Gateway holds the subscriber delivery settings.
type Gateway struct {
	OutboxSize        int           `yaml:"outboxSize" validate:"gte=0"`
	SlowClientTimeout time.Duration `yaml:"slowClientTimeout" validate:"gte=0"`
	MaxSubscriptions  int           `yaml:"maxSubscriptions" validate:"gte=0"`
}

// Sink holds the durable writer settings.
type Sink struct {
	Enabled        bool          `yaml:"enabled"`
	QueueSize      int           `yaml:"queueSize" validate:"gte=0"`
	MaxRetries     uint64        `yaml:"maxRetries"`
	InitialBackoff time.Duration `yaml:"initialBackoff" validate:"gte=0"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" validate:"gte=0"`
}

// GRPC configures the gRPC listener.
type GRPC struct {
	Addr      string        `yaml:"addr" validate:"omitempty,hostname_port"`
	Heartbeat time.Duration `yaml:"heartbeat" validate:"gte=0"`
}

// Default returns a configuration with every optional setting filled in. It
// has no exchanges, so it does not validate on its own.
func Default() Config {
	col := collector.DefaultConfig()
	agg := candles.DefaultConfig()
	gw := gateway.DefaultConfig()
	sk := sink.DefaultConfig()

	return Config{
		LogLevel: "info",
		Collector: Collector{
			IdleTimeout:       col.IdleTimeout,
			InitialBackoff:    col.InitialBackoff,
			MaxBackoff:        col.MaxBackoff,
			BackoffMultiplier: col.BackoffMultiplier,
			BackoffJitter:     col.BackoffJitter,
			BreakerThreshold:  col.BreakerThreshold,
			BreakerWindow:     col.BreakerWindow,
			BreakerCooldown:   col.BreakerCooldown,
			DedupWindow:       col.DedupWindow,
		},
		Bus: Bus{Partitions: 8, Capacity: 4096},
		Aggregator: Aggregator{
			Timeframes:  agg.Timeframes,
			GracePeriod: agg.GracePeriod,
			IdleFlush:   agg.IdleFlush,
			MaxGapFill:  agg.MaxGapFill,
			DedupWindow: agg.DedupWindow,
		},
		Gateway: Gateway{
			OutboxSize:        gw.OutboxSize,
			SlowClientTimeout: gw.SlowClientTimeout,
			MaxSubscriptions:  gw.MaxSubscriptions,
		},
		Sink: Sink{
			Enabled:        true,
			QueueSize:      sk.QueueSize,
			MaxRetries:     sk.MaxRetries,
			InitialBackoff: sk.InitialBackoff,
			MaxBackoff:     sk.MaxBackoff,
		},
		Storage: storage.Config{Driver: storage.DriverSQLite, DSN: "candles.db"},
		HTTP:    server.DefaultConfig(),
		GRPC:    GRPC{Addr: ":9090", Heartbeat: 15 * time.Second},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags, then symbols and cross-field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	seen := make(map[model.Exchange]bool, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		if seen[ex.Name] {
			return fmt.Errorf("%w: exchange %s configured twice", ErrInvalidConfig, ex.Name)
		}
		seen[ex.Name] = true
		if err := utils.ValidatePairs(ex.Symbols, maxSymbolsPerExchange); err != nil {
			return fmt.Errorf("%w: exchange %s: %v", ErrInvalidConfig, ex.Name, err)
		}
		if ex.VerifySymbols && ex.Name != model.BinanceExchange {
			return fmt.Errorf("%w: exchange %s: symbol verification is only supported for binance", ErrInvalidConfig, ex.Name)
		}
		if err := ex.validateCredentials(); err != nil {
			return fmt.Errorf("%w: exchange %s: %v", ErrInvalidConfig, ex.Name, err)
		}
	}

	tfs := make(map[model.Timeframe]bool, len(c.Aggregator.Timeframes))
	for _, tf := range c.Aggregator.Timeframes {
		if tfs[tf] {
			return fmt.Errorf("%w: timeframe %s listed twice", ErrInvalidConfig, tf)
		}
		tfs[tf] = true
	}

	if c.Collector.MaxBackoff > 0 && c.Collector.MaxBackoff < c.Collector.InitialBackoff {
		return fmt.Errorf("%w: collector maxBackoff below initialBackoff", ErrInvalidConfig)
	}
	if c.Sink.MaxBackoff > 0 && c.Sink.MaxBackoff < c.Sink.InitialBackoff {
		return fmt.Errorf("%w: sink maxBackoff below initialBackoff", ErrInvalidConfig)
	}
	return nil
}

func (ex Exchange) validateCredentials() error {
	switch {
	case ex.Passphrase != "" && ex.Name == model.BinanceExchange:
		return errors.New("binance keys have no passphrase")
	case ex.Passphrase != "" && ex.APIKey == "":
		return errors.New("passphrase without apiKey")
	case ex.APIKey != "" && ex.Passphrase == "" && ex.Name != model.BinanceExchange:
		return errors.New("apiKey requires a passphrase")
	}
	return nil
}

// ExchangeConfig returns the venue settings of ex.
func (ex Exchange) ExchangeConfig() *exchange.ExchangeConfig {
	return &exchange.ExchangeConfig{BaseURL: ex.BaseURL, MaxSymbols: ex.MaxSymbols}
}

// CollectorConfig returns the settings for one connection carrying symbols.
func (c *Config) CollectorConfig(id string, symbols []string) collector.Config {
	return collector.Config{
		ID:                id,
		Symbols:           symbols,
		IdleTimeout:       c.Collector.IdleTimeout,
		InitialBackoff:    c.Collector.InitialBackoff,
		MaxBackoff:        c.Collector.MaxBackoff,
		BackoffMultiplier: c.Collector.BackoffMultiplier,
		BackoffJitter:     c.Collector.BackoffJitter,
		BreakerThreshold:  c.Collector.BreakerThreshold,
		BreakerWindow:     c.Collector.BreakerWindow,
		BreakerCooldown:   c.Collector.BreakerCooldown,
		DedupWindow:       c.Collector.DedupWindow,
	}
}

// WebSocketConfig returns the transport settings for one connection.
func (c *Config) WebSocketConfig(endpoint string, subscribe [][]byte, keepalive []byte) websocket.Config {
	return websocket.Config{
		Endpoint:             endpoint,
		SubscriptionMessages: subscribe,
		KeepaliveMessage:     keepalive,
		PingPeriod:           c.WebSocket.PingPeriod,
		SendTimeout:          c.WebSocket.SendTimeout,
		HandshakeTimeout:     c.WebSocket.HandshakeTimeout,
		ReadLimit:            c.WebSocket.ReadLimit,
	}
}

// AggregatorConfig returns the windowing settings.
func (c *Config) AggregatorConfig() candles.Config {
	a := c.Aggregator
	return candles.Config{
		Timeframes:  a.Timeframes,
		GracePeriod: a.GracePeriod,
		IdleFlush:   a.IdleFlush,
		LiveUpdates: a.LiveUpdates,
		Continuity:  a.Continuity,
		MaxGapFill:  a.MaxGapFill,
		DedupWindow: a.DedupWindow,
	}
}

// GatewayConfig returns the delivery settings. Clients may only subscribe
// to the aggregated timeframes.
func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		OutboxSize:        c.Gateway.OutboxSize,
		SlowClientTimeout: c.Gateway.SlowClientTimeout,
		MaxSubscriptions:  c.Gateway.MaxSubscriptions,
		Timeframes:        c.Aggregator.Timeframes,
	}
}

// SinkConfig returns the writer settings.
func (c *Config) SinkConfig() sink.Config {
	return sink.Config{
		QueueSize:      c.Sink.QueueSize,
		MaxRetries:     c.Sink.MaxRetries,
		InitialBackoff: c.Sink.InitialBackoff,
		MaxBackoff:     c.Sink.MaxBackoff,
	}
}
