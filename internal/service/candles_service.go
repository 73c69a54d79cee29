// Package service exposes the candle gateway over gRPC.
//
// CandleService implements a bidirectional stream: the client sends
// subscribe/unsubscribe requests, the server sends acks, candles, heartbeats
// and a final shutdown notice. Messages use the gateway wire format and are
// encoded with the JSON codec registered by this package.
package service

import (
	"context"
	"errors"
	"io"
	"time"

	"candlefeed/internal/gateway"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "candlefeed.CandleService"

// StreamMethod is the full method name of the candle stream.
const StreamMethod = "/" + ServiceName + "/Stream"

// ConnectionIDHeader carries the gateway connection id in the stream header.
const ConnectionIDHeader = "x-connection-id"

// CandleServiceServer is the server API of the candle service.
type CandleServiceServer interface {
	Stream(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CandleServiceServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName: "Stream",
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(CandleServiceServer).Stream(stream)
		},
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "candlefeed",
}

// RegisterCandleServiceServer registers srv with a gRPC server.
func RegisterCandleServiceServer(s grpc.ServiceRegistrar, srv CandleServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// CandleService adapts gRPC streams to gateway connections.
type CandleService struct {
	gw        *gateway.Gateway
	heartbeat time.Duration
}

// NewCandleService creates a CandleService. A non-positive heartbeat disables
// idle heartbeats.
func NewCandleService(gw *gateway.Gateway, heartbeat time.Duration) *CandleService {
	return &CandleService{gw: gw, heartbeat: heartbeat}
}

// Stream serves one client connection until the client goes away or the
// gateway closes the connection.
func (cs *CandleService) Stream(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	id := "grpc-" + uuid.NewString()
	logger := log.With().Str("component", "grpc").Str("connectionId", id).Logger()

	outbox, err := cs.gw.Register(ctx, id)
	if err != nil {
		return status.Errorf(codes.Unavailable, "register connection: %v", err)
	}
	defer func() {
		if err := cs.gw.Unregister(context.WithoutCancel(ctx), id); err != nil {
			logger.Error().Err(err).Msg("failed to unregister connection")
		}
	}()
	if err := stream.SendHeader(metadata.Pairs(ConnectionIDHeader, id)); err != nil {
		return err
	}
	logger.Info().Msg("client connected")

	send := gateway.Serialize(func(m gateway.ServerMessage) error { return stream.SendMsg(&m) })
	session := gateway.NewSession(cs.gw, id)

	go func() {
		for {
			var msg gateway.ClientMessage
			if err := stream.RecvMsg(&msg); err != nil {
				if !errors.Is(err, io.EOF) {
					cancel()
				}
				// a half-closed client keeps receiving candles
				return
			}
			reply := session.Handle(ctx, msg)
			if reply.Type == gateway.TypeError {
				logger.Warn().Str("action", msg.Action).Str("symbol", msg.Symbol).Str("error", reply.Error).Msg("rejected client request")
			}
			if err := send(reply); err != nil {
				cancel()
				return
			}
		}
	}()

	pumped := make(chan error, 1)
	go func() { pumped <- gateway.Pump(ctx, outbox, cs.heartbeat, cs.gw.Clock(), send) }()

	select {
	case err = <-pumped:
	case <-outbox.Done():
		// a slow client may be stuck in flow control; returning ends the
		// stream and unblocks the pending send
		if outbox.Reason() == gateway.ReasonSlowClient {
			err = &gateway.ClosedError{Reason: gateway.ReasonSlowClient}
		} else {
			err = <-pumped
		}
	}

	var closed *gateway.ClosedError
	switch {
	case errors.As(err, &closed) && closed.Reason == gateway.ReasonSlowClient:
		logger.Warn().Msg("client disconnected for falling behind")
		return status.Error(codes.ResourceExhausted, "client too slow")
	case errors.As(err, &closed):
		logger.Info().Str("reason", string(closed.Reason)).Msg("connection closed by gateway")
		return nil
	case errors.Is(err, context.Canceled):
		logger.Info().Msg("client disconnected")
		return nil
	default:
		logger.Error().Err(err).Msg("stream failed")
		return status.Errorf(codes.Internal, "stream: %v", err)
	}
}
