package service

import (
	"context"
	"errors"
	"fmt"

	"candlefeed/internal/gateway"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Dial creates a client connection to a candle server. Without options the
// connection is plaintext.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// Stream is the client side of the candle stream.
type Stream struct {
	stream grpc.ClientStream
}

// OpenStream starts a candle stream on conn.
func OpenStream(ctx context.Context, conn grpc.ClientConnInterface) (*Stream, error) {
	s, err := conn.NewStream(ctx, &serviceDesc.Streams[0], StreamMethod, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &Stream{stream: s}, nil
}

// Subscribe requests candles of symbol and timeframe.
func (s *Stream) Subscribe(symbol, timeframe string) error {
	return s.stream.SendMsg(&gateway.ClientMessage{Action: gateway.ActionSubscribe, Symbol: symbol, Timeframe: timeframe})
}

// Unsubscribe stops candles of symbol and timeframe.
func (s *Stream) Unsubscribe(symbol, timeframe string) error {
	return s.stream.SendMsg(&gateway.ClientMessage{Action: gateway.ActionUnsubscribe, Symbol: symbol, Timeframe: timeframe})
}

// Recv blocks for the next server message.
func (s *Stream) Recv() (gateway.ServerMessage, error) {
	var m gateway.ServerMessage
	err := s.stream.RecvMsg(&m)
	return m, err
}

// ConnectionID returns the server's id for this stream. It blocks until the
// stream header arrives.
func (s *Stream) ConnectionID() (string, error) {
	md, err := s.stream.Header()
	if err != nil {
		return "", err
	}
	if ids := md.Get(ConnectionIDHeader); len(ids) > 0 {
		return ids[0], nil
	}
	return "", errors.New("stream header without connection id")
}

// CloseSend half-closes the stream; candles keep arriving.
func (s *Stream) CloseSend() error { return s.stream.CloseSend() }
