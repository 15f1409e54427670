//go:build integration

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisGroupRoundTrip(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, RedisConfig{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	pub := NewRedisPublisher(client, "test.lifecycle", 0)
	group := NewRedisGroup(client, GroupConfig{Stream: "test.lifecycle", Group: "licenses", Consumer: "c1", MinIdle: 50 * time.Millisecond, Block: 100 * time.Millisecond})
	require.NoError(t, group.EnsureGroup(ctx))
	require.NoError(t, group.EnsureGroup(ctx))

	_, err = pub.Publish(ctx, "tenant-1", []byte(`{"n":1}`))
	require.NoError(t, err)

	msgs, err := group.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "tenant-1", msgs[0].Key)
	require.JSONEq(t, `{"n":1}`, string(msgs[0].Payload))

	time.Sleep(100 * time.Millisecond)
	again, err := group.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.True(t, again[0].Redelivered)

	require.NoError(t, group.Ack(ctx, again[0].ID))
	pending, err := client.XPending(ctx, "test.lifecycle", "licenses").Result()
	require.NoError(t, err)
	require.Zero(t, pending.Count)

	var _ redis.UniversalClient = client
}
