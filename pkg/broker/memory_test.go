package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan *Delivery) *Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory()
	defer b.Close()

	headers := map[string]string{"MessageType": "chat.start"}
	require.NoError(t, b.Publish(ctx, "q", Message{Body: []byte("one"), Headers: headers, CorrelationID: "c1"}))
	headers["MessageType"] = "mutated"

	ch, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	d := receive(t, ch)
	assert.Equal(t, "one", string(d.Body))
	assert.Equal(t, "chat.start", d.Header("MessageType"))
	assert.Equal(t, "c1", d.CorrelationID)
	require.NoError(t, d.Ack())
	assert.ErrorIs(t, d.Ack(), ErrAlreadySettled)
}

func TestMemoryNackRequeue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory()
	defer b.Close()

	require.NoError(t, b.Publish(ctx, "q", Message{Body: []byte("retry me")}))
	ch, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	first := receive(t, ch)
	require.NoError(t, first.Nack(true))

	second := receive(t, ch)
	assert.Equal(t, "retry me", string(second.Body))
	require.NoError(t, second.Nack(false))

	assert.Equal(t, 0, b.Len("q"))
}

func TestMemoryOneUnsettledDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory()
	defer b.Close()

	for _, body := range []string{"a", "b"} {
		require.NoError(t, b.Publish(ctx, "q", Message{Body: []byte(body)}))
	}
	ch, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	first := receive(t, ch)
	select {
	case <-ch:
		t.Fatal("second delivery arrived before the first was settled")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Ack())
	assert.Equal(t, "b", string(receive(t, ch).Body))
}

func TestMemoryClose(t *testing.T) {
	b := NewMemory()
	ch, err := b.Consume(context.Background(), "q")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, b.Publish(context.Background(), "q", Message{}), ErrClosed)
	assert.ErrorIs(t, b.Ping(context.Background()), ErrClosed)
}
