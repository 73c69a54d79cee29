// Package bus provides an in-memory, partitioned publish/subscribe channel.
//
// A Bus stands in for a message broker topic. Messages are routed to a
// partition by hashing their key, so every message for the same key is
// delivered to the same partition in publish order. Each subscriber owns one
// bounded queue per partition; a full queue blocks the publisher, which is how
// backpressure propagates from slow consumers to producers.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"
)

// Logical topic names.
const (
	TopicRawMarketData   = "raw.market-data"
	TopicNormalizedOHLCV = "normalized.ohlcv"
)

var (
	// ErrClosed is returned when publishing to a closed bus.
	ErrClosed = errors.New("bus: closed")

	// ErrLateSubscribe is returned when subscribing after the first publish.
	ErrLateSubscribe = errors.New("bus: subscribe after publish")
)

// Bus is a partitioned topic carrying messages of type T.
type Bus[T any] struct {
	name       string
	partitions int
	capacity   int

	mu        sync.RWMutex
	subs      []*Subscriber[T]
	published atomic.Bool
	closed    bool
}

// Subscriber receives every message published on the bus.
type Subscriber[T any] struct {
	name   string
	queues []chan T
}

// New creates a bus with the given number of partitions, each holding up to
// capacity messages per subscriber.
func New[T any](name string, partitions, capacity int) *Bus[T] {
	if partitions <= 0 {
		partitions = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus[T]{name: name, partitions: partitions, capacity: capacity}
}

// Name returns the topic name.
func (b *Bus[T]) Name() string { return b.name }

// Partitions returns the partition count.
func (b *Bus[T]) Partitions() int { return b.partitions }

// PartitionFor returns the partition a key is routed to.
func (b *Bus[T]) PartitionFor(key string) int {
	return int(xxh3.HashString(key) % uint64(b.partitions))
}

// Subscribe registers a new subscriber. All subscribers must be registered
// before the first message is published.
func (b *Bus[T]) Subscribe(name string) (*Subscriber[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.published.Load() {
		return nil, ErrLateSubscribe
	}
	sub := &Subscriber[T]{name: name, queues: make([]chan T, b.partitions)}
	for i := range sub.queues {
		sub.queues[i] = make(chan T, b.capacity)
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Publish routes msg to the partition of key and enqueues it for every
// subscriber, blocking while a queue is full or until ctx is done.
func (b *Bus[T]) Publish(ctx context.Context, key string, msg T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.published.Store(true)

	p := b.PartitionFor(key)
	for _, sub := range b.subs {
		select {
		case sub.queues[p] <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops the bus and closes every subscriber queue once in-flight
// publishes have returned. Queued messages remain readable.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		for _, q := range sub.queues {
			close(q)
		}
	}
}

// Name returns the subscriber name.
func (s *Subscriber[T]) Name() string { return s.name }

// Partition returns the queue of partition i.
func (s *Subscriber[T]) Partition(i int) <-chan T { return s.queues[i] }

// Merged forwards every partition into a single channel, preserving order
// within each partition. The returned channel closes once the bus is closed
// and every partition has been drained.
func (s *Subscriber[T]) Merged() <-chan T {
	out := make(chan T, cap(s.queues[0]))
	var wg sync.WaitGroup
	wg.Add(len(s.queues))
	for _, q := range s.queues {
		go func(q <-chan T) {
			defer wg.Done()
			for msg := range q {
				out <- msg
			}
		}(q)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
