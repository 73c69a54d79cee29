package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"candlefeed/internal/clock"

	"github.com/jonboulle/clockwork"
)

// Pump writes queued candles to a client until the outbox closes or ctx is
// done. After every idle heartbeat interval it sends a heartbeat. When the
// gateway closes the outbox, the client gets a shutdown notice carrying the
// close reason and Pump returns the *ClosedError. Heartbeat intervals and
// timestamps follow clk.
//
// send is only ever called from the calling goroutine.
func Pump(ctx context.Context, outbox *Outbox, heartbeat time.Duration, clk clock.Clock, send func(ServerMessage) error) error {
	for {
		next := ctx
		cancel := context.CancelFunc(func() {})
		if heartbeat > 0 {
			next, cancel = clockwork.WithTimeout(ctx, clk, heartbeat)
		}
		c, err := outbox.Next(next)
		cancel()

		var closed *ClosedError
		switch {
		case err == nil:
			if err := send(NewCandleMessage(c)); err != nil {
				return err
			}
		case errors.As(err, &closed):
			if closed.Reason != ReasonUnregistered {
				if err := send(NewShutdown(closed.Reason)); err != nil {
					return err
				}
			}
			return closed
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			if err := send(NewHeartbeat(clk.Now())); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

// Serialize wraps send so that concurrent callers write one at a time. gRPC
// streams and websocket connections allow a single concurrent writer, while
// acks and candles are written from different goroutines.
func Serialize(send func(ServerMessage) error) func(ServerMessage) error {
	var mu sync.Mutex
	return func(m ServerMessage) error {
		mu.Lock()
		defer mu.Unlock()
		return send(m)
	}
}
