package wmbroker

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/taskgate/internal/broker"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

func newMemoryBroker(t *testing.T, block time.Duration) *Broker {
	t.Helper()
	b, err := New(Config{Driver: DriverMemory, Prefix: "test", Block: block}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func dispatch(id string, lane types.Priority) types.DispatchMessage {
	return types.DispatchMessage{ID: id, Type: "ai", Priority: lane, PayloadRef: "r2://x/" + id, Params: "{}"}
}

func TestFetchPriorityOrder(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t, 0)

	require.NoError(t, b.Publish(ctx, types.PriorityLow, dispatch("low", types.PriorityLow)))
	require.NoError(t, b.Publish(ctx, types.PriorityHigh, dispatch("high", types.PriorityHigh)))
	require.NoError(t, b.Publish(ctx, types.PriorityNormal, dispatch("normal", types.PriorityNormal)))

	_, err := b.subscribe()
	require.NoError(t, err)

	// let the forwarders park one message per lane
	time.Sleep(100 * time.Millisecond)

	got, err := b.Fetch(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "high", got[0].Message.ID)
	assert.Equal(t, "normal", got[1].Message.ID)
	assert.Equal(t, "low", got[2].Message.ID)
	for _, d := range got {
		assert.NoError(t, d.Ack(ctx))
	}
}

func TestFetchBlocksUntilPublish(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t, 2*time.Second)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = b.Publish(ctx, types.PriorityLow, dispatch("late", types.PriorityLow))
	}()

	got, err := b.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].Message.ID)
	assert.Equal(t, types.PriorityLow, got[0].Lane)
}

func TestFetchTimesOutEmpty(t *testing.T) {
	b := newMemoryBroker(t, 30*time.Millisecond)
	got, err := b.Fetch(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNextMessageAfterAck(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t, time.Second)

	require.NoError(t, b.Publish(ctx, types.PriorityHigh, dispatch("a", types.PriorityHigh)))
	require.NoError(t, b.Publish(ctx, types.PriorityHigh, dispatch("b", types.PriorityHigh)))

	first, err := b.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "a", first[0].Message.ID)
	require.NoError(t, first[0].Ack(ctx))

	second, err := b.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "b", second[0].Message.ID)
}

func TestMalformedMessageIsDropped(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t, time.Second)

	require.NoError(t, b.pub.Publish(b.Topic(types.PriorityHigh), message.NewMessage("x", []byte("not json"))))
	require.NoError(t, b.Publish(ctx, types.PriorityHigh, dispatch("ok", types.PriorityHigh)))

	var got []broker.Delivery
	require.Eventually(t, func() bool {
		d, err := b.Fetch(ctx, 1)
		require.NoError(t, err)
		got = append(got, d...)
		return len(got) > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ok", got[0].Message.ID)
}

func TestClose(t *testing.T) {
	b, err := New(Config{Driver: DriverMemory}, nil)
	require.NoError(t, err)
	assert.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Ping(context.Background()), broker.ErrClosed)
	_, err = b.Fetch(context.Background(), 1)
	assert.ErrorIs(t, err, broker.ErrClosed)

	_, err = New(Config{Driver: "kafka"}, nil)
	assert.Error(t, err)
}
