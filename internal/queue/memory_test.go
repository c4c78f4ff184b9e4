package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return Delivery{}
}

func TestMemoryBroker_FIFO(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemoryBroker()
	require.NoError(t, b.Declare(ctx, "lane"))
	for _, body := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish(ctx, "lane", []byte(body)))
	}

	depth, err := b.Depth(ctx, "lane")
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	ch, err := b.Consume(ctx, "lane", "tag", 10)
	require.NoError(t, err)

	for _, want := range []string{"1", "2", "3"} {
		d := receive(t, ch)
		assert.Equal(t, want, string(d.Body))
		require.NoError(t, d.Ack())
	}

	assert.Eventually(t, func() bool { return b.Acked("lane") == 3 }, time.Second, 10*time.Millisecond)
}

func TestMemoryBroker_DeclareIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()

	require.NoError(t, b.Declare(ctx, "lane"))
	require.NoError(t, b.Publish(ctx, "lane", []byte("x")))
	require.NoError(t, b.Declare(ctx, "lane"))

	assert.Len(t, b.Messages("lane"), 1)
}

func TestMemoryBroker_PrefetchBoundsInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemoryBroker()
	require.NoError(t, b.Declare(ctx, "lane"))
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, "lane", []byte{byte('a' + i)}))
	}

	ch, err := b.Consume(ctx, "lane", "tag", 1)
	require.NoError(t, err)

	first := receive(t, ch)
	select {
	case <-ch:
		t.Fatal("second delivery arrived before the first was acked")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Ack())
	second := receive(t, ch)
	assert.Equal(t, "b", string(second.Body))
}

func TestMemoryBroker_AckIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemoryBroker()
	require.NoError(t, b.Declare(ctx, "lane"))
	require.NoError(t, b.Publish(ctx, "lane", []byte("x")))

	ch, err := b.Consume(ctx, "lane", "tag", 1)
	require.NoError(t, err)

	d := receive(t, ch)
	require.NoError(t, d.Ack())
	require.NoError(t, d.Ack())
	assert.Equal(t, 1, b.Acked("lane"))
}

func TestMemoryBroker_UnknownLaneAndClosed(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()

	assert.ErrorIs(t, b.Publish(ctx, "missing", []byte("x")), ErrUnknownLane)

	require.NoError(t, b.Declare(ctx, "lane"))
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(ctx, "lane", []byte("x")), ErrClosed)
	_, err := b.Consume(ctx, "lane", "tag", 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBroker_CloseEndsConsumers(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	require.NoError(t, b.Declare(ctx, "lane"))

	ch, err := b.Consume(ctx, "lane", "tag", 1)
	require.NoError(t, err)

	require.NoError(t, b.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer channel not closed")
	}
}
