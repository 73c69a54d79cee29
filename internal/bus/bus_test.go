package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyed struct {
	Key string
	Seq int
}

func Test_PublishPreservesPartitionOrder(t *testing.T) {
	b := New[keyed]("test", 4, 64)
	sub, err := b.Subscribe("reader")
	require.NoError(t, err)

	ctx := context.Background()
	keys := []string{"BTC-USDT", "ETH-USDT", "SOL-USDT"}
	for i := 0; i < 20; i++ {
		for _, k := range keys {
			require.NoError(t, b.Publish(ctx, k, keyed{Key: k, Seq: i}))
		}
	}
	b.Close()

	last := map[string]int{}
	count := 0
	for msg := range sub.Merged() {
		prev, ok := last[msg.Key]
		if ok {
			assert.Equal(t, prev+1, msg.Seq, "Messages for %s should arrive in order", msg.Key)
		}
		last[msg.Key] = msg.Seq
		count++
	}
	assert.Equal(t, 60, count, "Should deliver every message")
}

func Test_SameKeySamePartition(t *testing.T) {
	b := New[int]("test", 8, 1)
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("SYM%d-USDT", i)
		assert.Equal(t, b.PartitionFor(k), b.PartitionFor(k))
		assert.Less(t, b.PartitionFor(k), 8)
	}
}

func Test_FanOutToEverySubscriber(t *testing.T) {
	b := New[int]("test", 2, 8)
	a, err := b.Subscribe("a")
	require.NoError(t, err)
	c, err := b.Subscribe("c")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "k", 7))
	p := b.PartitionFor("k")
	assert.Equal(t, 7, <-a.Partition(p))
	assert.Equal(t, 7, <-c.Partition(p))
}

func Test_PublishBlocksWhenFull(t *testing.T) {
	b := New[int]("test", 1, 1)
	_, err := b.Subscribe("slow")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "k", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.Publish(ctx, "k", 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "Should block until the context expires")
}

func Test_SubscribeRules(t *testing.T) {
	b := New[int]("test", 1, 1)
	_, err := b.Subscribe("early")
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "k", 1))

	_, err = b.Subscribe("late")
	assert.ErrorIs(t, err, ErrLateSubscribe)

	b.Close()
	assert.ErrorIs(t, b.Publish(context.Background(), "k", 2), ErrClosed)
	assert.NotPanics(t, b.Close, "Close should be idempotent")
}
