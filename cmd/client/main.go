/*
Package main implements a gRPC client for the candlefeed stream.

The client subscribes to the given symbols and timeframe and logs every
candle it receives until interrupted or until the server shuts down.

Usage:

	candlefeed-client --addr localhost:9090 --symbols BTC-USDT,ETH-USDT --timeframe 1m
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"candlefeed/internal/gateway"
	"candlefeed/internal/logging"
	"candlefeed/internal/service"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func main() {
	cmd := &cli.Command{
		Name:  "candlefeed-client",
		Usage: "Stream candles from a candlefeed server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Server address in the format `HOST:PORT`",
				Value: "localhost:9090",
			},
			&cli.StringSliceFlag{
				Name:  "symbols",
				Usage: "Symbols to subscribe to",
				Value: []string{"BTC-USDT", "ETH-USDT"},
			},
			&cli.StringFlag{
				Name:  "timeframe",
				Usage: "Candle timeframe",
				Value: "1m",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
		},
		Action: stream,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("client failed")
	}
}

func stream(ctx context.Context, cmd *cli.Command) error {
	if err := logging.Setup(cmd.String("log-level"), true); err != nil {
		return err
	}

	conn, err := service.Dial(cmd.String("addr"))
	if err != nil {
		return err
	}
	defer conn.Close()

	s, err := service.OpenStream(ctx, conn)
	if err != nil {
		return err
	}
	id, err := s.ConnectionID()
	if err != nil {
		return fmt.Errorf("stream header: %w", err)
	}
	log.Info().Str("connectionId", id).Msg("stream open")

	timeframe := cmd.String("timeframe")
	for _, symbol := range cmd.StringSlice("symbols") {
		if err := s.Subscribe(symbol, timeframe); err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}

	for {
		m, err := s.Recv()
		switch {
		case errors.Is(err, io.EOF):
			log.Info().Msg("stream closed by server")
			return nil
		case status.Code(err) == codes.Canceled:
			log.Info().Msg("client stopped")
			return nil
		case err != nil:
			return fmt.Errorf("receive: %w", err)
		}

		switch m.Type {
		case gateway.TypeCandle:
			log.Info().
				Str("symbol", m.Symbol).
				Str("timeframe", m.Timeframe).
				Time("windowStart", m.WindowStart).
				Str("open", m.Open.String()).
				Str("high", m.High.String()).
				Str("low", m.Low.String()).
				Str("close", m.Close.String()).
				Str("volume", m.Volume.String()).
				Int64("trades", m.TradeCount).
				Str("state", string(m.State)).
				Msg("candle")
		case gateway.TypeAck:
			log.Info().Str("symbol", m.Request.Symbol).Str("action", m.Request.Action).Msg("request acknowledged")
		case gateway.TypeError:
			log.Warn().Str("error", m.Error).Msg("request rejected")
		case gateway.TypeShutdown:
			log.Info().Str("reason", m.Reason).Msg("server is shutting down")
		case gateway.TypeHeartbeat:
			log.Debug().Msg("heartbeat")
		}
	}
}
