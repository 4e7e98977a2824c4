package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/testsuite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func rabbitMessage(id string) Message {
	return Message{
		Key:     []byte("42"),
		Body:    []byte(`{"event_type":"ORDER_CREATED"}`),
		Headers: map[string]string{"event-type": "ORDER_CREATED", "message-id": id},
	}
}

func pollOne(t *testing.T, ctx context.Context, sub Subscription) *Delivery {
	t.Helper()
	d, err := sub.Poll(ctx, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func TestRabbitMQ(t *testing.T) {
	url := testsuite.StartRabbitMQ(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	r, err := DialRabbitMQ(url, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	sub, err := r.Subscribe(ctx, "order-events-test", "orderflow-test")
	require.NoError(t, err)
	defer sub.Close()

	t.Run("poll times out empty", func(t *testing.T) {
		d, err := sub.Poll(ctx, 200*time.Millisecond)
		assert.NoError(t, err)
		assert.Nil(t, d)
	})

	t.Run("round trip keeps key and headers", func(t *testing.T) {
		require.NoError(t, r.Publish(ctx, "order-events-test", rabbitMessage("m-1")))

		d := pollOne(t, ctx, sub)
		assert.Equal(t, "42", string(d.Key))
		assert.JSONEq(t, `{"event_type":"ORDER_CREATED"}`, string(d.Body))
		assert.Equal(t, "ORDER_CREATED", d.Headers["event-type"])
		assert.Equal(t, "m-1", d.Headers["message-id"])
		require.NoError(t, d.Ack(ctx))
	})

	t.Run("publish reopens a closed channel", func(t *testing.T) {
		r.mu.Lock()
		require.NoError(t, r.channel.Close())
		r.mu.Unlock()

		require.NoError(t, r.Publish(ctx, "order-events-test", rabbitMessage("m-2")))
		d := pollOne(t, ctx, sub)
		assert.Equal(t, "m-2", d.Headers["message-id"])
		require.NoError(t, d.Ack(ctx))
	})
}

func TestRabbitMQRedialsAfterConnectionLoss(t *testing.T) {
	url := testsuite.StartRabbitMQ(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	r, err := DialRabbitMQ(url, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	sub, err := r.Subscribe(ctx, "order-events-test", "orderflow-test")
	require.NoError(t, err)

	r.mu.Lock()
	require.NoError(t, r.conn.Close())
	r.mu.Unlock()

	// the old subscription dies with its connection
	_, err = sub.Poll(ctx, 5*time.Second)
	assert.True(t, errors.Is(err, ErrClosed))

	require.NoError(t, r.Publish(ctx, "order-events-test", rabbitMessage("m-3")))

	sub, err = r.Subscribe(ctx, "order-events-test", "orderflow-test")
	require.NoError(t, err)
	defer sub.Close()

	d := pollOne(t, ctx, sub)
	assert.Equal(t, "m-3", d.Headers["message-id"])
	require.NoError(t, d.Ack(ctx))
}

func TestRabbitMQPublishAfterClose(t *testing.T) {
	url := testsuite.StartRabbitMQ(t)

	r, err := DialRabbitMQ(url, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	err = r.Publish(context.Background(), "order-events-test", rabbitMessage("m-4"))
	assert.ErrorIs(t, err, ErrClosed)
}
