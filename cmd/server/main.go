/*
Package main runs the candlefeed server.

The server collects trades from the configured exchanges, aggregates them into
OHLCV candles and streams the candles to subscribers over websocket (/ws) and
gRPC. Closed candles are stored and served by /api/candles.

Usage:

	candlefeed-server --config candlefeed.yaml --log-level debug

SIGINT or SIGTERM starts a graceful shutdown: collectors stop, open windows are
flushed, and every subscriber receives the final candles and a shutdown notice.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"candlefeed/internal/config"
	"candlefeed/internal/logging"
	"candlefeed/internal/pipeline"
	"candlefeed/internal/server"
	"candlefeed/internal/service"
	"candlefeed/internal/storage"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

func main() {
	cmd := &cli.Command{
		Name:  "candlefeed-server",
		Usage: "Aggregate exchange trades into candles and stream them to subscribers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration `FILE`",
				Value:   "candlefeed.yaml",
				Sources: cli.EnvVars("CANDLEFEED_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level (trace, debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Human readable console logs",
			},
		},
		Action: serve,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if cmd.IsSet("log-level") {
		level = cmd.String("log-level")
	}
	if err := logging.Setup(level, cfg.LogPretty || cmd.Bool("pretty")); err != nil {
		return err
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	p, err := pipeline.New(ctx, cfg, pipeline.WithStore(store))
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	collectors := make([]server.Collector, 0, len(p.Collectors()))
	for _, c := range p.Collectors() {
		collectors = append(collectors, c)
	}
	httpServer := server.New(cfg.HTTP, p.Gateway(),
		server.WithStore(store),
		server.WithCollectors(collectors...),
		server.WithMetrics(p.Metrics()),
	)

	// keepalive settings for long lived streams
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	service.RegisterCandleServiceServer(grpcServer, service.NewCandleService(p.Gateway(), cfg.GRPC.Heartbeat))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(service.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
	}

	log.Info().
		Str("http", cfg.HTTP.Addr).
		Str("grpc", cfg.GRPC.Addr).
		Int("exchanges", len(cfg.Exchanges)).
		Strs("timeframes", timeframes(cfg)).
		Msg("server starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return httpServer.Run(gctx) })
	g.Go(func() error {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("initiating graceful shutdown")
		healthServer.Shutdown()
		// streams end once the gateway has drained and closed them
		grpcServer.GracefulStop()
		return nil
	})

	err = g.Wait()
	log.Info().Msg("server stopped")
	return err
}

func timeframes(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Aggregator.Timeframes))
	for _, tf := range cfg.Aggregator.Timeframes {
		out = append(out, tf.String())
	}
	return out
}
