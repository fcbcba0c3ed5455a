//go:build integration

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStreamsQueueSendReceiveDelete(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	q, err := NewStreamsQueue(ctx, client, StreamsConfig{
		Queue:    Config{Name: "enrolment", WaitTime: time.Second, MaxMessages: 10, VisibilityTimeout: time.Minute},
		Group:    "workers",
		Consumer: "w1",
	})
	require.NoError(t, err)

	require.NoError(t, q.SendBatch(ctx, []string{`{"a":1}`, `{"a":2}`}))

	messages, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, `{"a":1}`, messages[0].Body())
	assert.Equal(t, `{"a":2}`, messages[1].Body())

	for _, message := range messages {
		require.NoError(t, message.Delete(ctx))
	}

	length, err := client.XLen(ctx, "enrolment").Result()
	require.NoError(t, err)
	assert.Zero(t, length)

	empty, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStreamsQueueRedeliversAfterVisibilityTimeout(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	cfg := StreamsConfig{
		Queue:    Config{Name: "enrolment", MaxMessages: 10, VisibilityTimeout: time.Second},
		Group:    "workers",
		Consumer: "w1",
	}
	first, err := NewStreamsQueue(ctx, client, cfg)
	require.NoError(t, err)
	cfg.Consumer = "w2"
	second, err := NewStreamsQueue(ctx, client, cfg)
	require.NoError(t, err)

	require.NoError(t, first.Send(ctx, "body"))

	leased, err := first.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	hidden, err := second.Receive(ctx)
	require.NoError(t, err)
	assert.Empty(t, hidden)

	time.Sleep(1200 * time.Millisecond)

	redelivered, err := second.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, leased[0].ID(), redelivered[0].ID())
	assert.Equal(t, "body", redelivered[0].Body())
}

func TestNewStreamsQueueIsIdempotentOnGroup(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	cfg := StreamsConfig{Queue: Config{Name: "enrolment", MaxMessages: 1, VisibilityTimeout: time.Minute}, Group: "g"}

	_, err := NewStreamsQueue(ctx, client, cfg)
	require.NoError(t, err)
	_, err = NewStreamsQueue(ctx, client, cfg)
	require.NoError(t, err)
}
