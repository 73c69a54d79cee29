package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"candlefeed/internal/model"
)

// CloseReason tells a transport why its outbox was closed.
type CloseReason string

const (
	// ReasonShutdown is sent when the gateway stops. Queued candles are still
	// delivered before the close is reported.
	ReasonShutdown CloseReason = "shutdown"

	// ReasonSlowClient is used when the client fell too far behind. Queued
	// candles are discarded.
	ReasonSlowClient CloseReason = "slow_client"

	// ReasonUnregistered is used when the transport itself tore down.
	ReasonUnregistered CloseReason = "unregistered"
)

// ClosedError is returned by Outbox.Next once the outbox is closed and drained.
type ClosedError struct {
	Reason CloseReason
}

func (e *ClosedError) Error() string { return "outbox closed: " + string(e.Reason) }

// ErrOutboxClosed matches every *ClosedError with errors.Is.
var ErrOutboxClosed = errors.New("outbox closed")

func (e *ClosedError) Is(target error) bool { return target == ErrOutboxClosed }

// PushResult reports what an Outbox did with a pushed candle.
type PushResult int

const (
	// Queued means the candle was appended without loss.
	Queued PushResult = iota
	// EvictedOpen means the oldest queued OPEN update was dropped to make room.
	EvictedOpen
	// DroppedIncoming means the pushed OPEN update was dropped because only
	// CLOSED candles were queued.
	DroppedIncoming
	// Overflow means a CLOSED candle could not be queued; the client must be
	// disconnected.
	Overflow
	// Rejected means the outbox is already closed.
	Rejected
)

// Outbox is the bounded queue between the gateway and one client connection.
// The gateway pushes, the connection's writer pulls with Next.
type Outbox struct {
	mu       sync.Mutex
	items    []model.Candle
	capacity int

	// fullSince is when the queue last became full; zero while it has room.
	fullSince time.Time

	closed bool
	reason CloseReason
	ready  chan struct{}
	done   chan struct{}
}

// NewOutbox creates an outbox holding at most capacity candles.
func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Outbox{
		items:    make([]model.Candle, 0, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push enqueues c. It never blocks.
func (o *Outbox) Push(c model.Candle, now time.Time) PushResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return Rejected
	}

	res := Queued
	if len(o.items) >= o.capacity {
		if o.fullSince.IsZero() {
			o.fullSince = now
		}
		i := o.oldestOpen()
		switch {
		case i >= 0:
			o.items = append(o.items[:i], o.items[i+1:]...)
			res = EvictedOpen
		case c.State == model.StateOpen:
			return DroppedIncoming
		default:
			return Overflow
		}
	}

	o.items = append(o.items, c)
	if len(o.items) >= o.capacity && o.fullSince.IsZero() {
		o.fullSince = now
	}
	o.signal()
	return res
}

// BehindFor reports how long the outbox has been continuously full.
func (o *Outbox) BehindFor(now time.Time) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fullSince.IsZero() {
		return 0
	}
	return now.Sub(o.fullSince)
}

// Len returns the number of queued candles.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Next blocks until a candle is queued, the outbox is closed and drained, or
// ctx is done.
func (o *Outbox) Next(ctx context.Context) (model.Candle, error) {
	for {
		o.mu.Lock()
		if len(o.items) > 0 {
			c := o.items[0]
			o.items = o.items[1:]
			if len(o.items) < o.capacity {
				o.fullSince = time.Time{}
			}
			o.mu.Unlock()
			return c, nil
		}
		if o.closed {
			reason := o.reason
			o.mu.Unlock()
			return model.Candle{}, &ClosedError{Reason: reason}
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.Candle{}, ctx.Err()
		case <-o.ready:
		case <-o.done:
		}
	}
}

// Done is closed when the outbox is closed.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Reason returns why the outbox was closed, or "" while it is open.
func (o *Outbox) Reason() CloseReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

// close marks the outbox closed. Only ReasonShutdown keeps queued candles.
func (o *Outbox) close(reason CloseReason) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.closed = true
	o.reason = reason
	if reason != ReasonShutdown {
		o.items = nil
	}
	close(o.done)
	return true
}

func (o *Outbox) oldestOpen() int {
	for i, c := range o.items {
		if c.State == model.StateOpen {
			return i
		}
	}
	return -1
}

func (o *Outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}
