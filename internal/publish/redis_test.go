package publish

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/netprobe/internal/history"
	"github.com/NodePath81/netprobe/internal/probe"
)

func TestRedisRejectsEmptyAddr(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisConfig{})
	require.Error(t, err)
}

func TestRedisPublish(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "netprobe-test:" + uuid.NewString() + ":"
	r, err := NewRedis(ctx, RedisConfig{Addr: addr, KeyPrefix: prefix, Channel: prefix + "events", TTL: time.Minute})
	require.NoError(t, err)
	defer r.Close()

	sub := r.client.Subscribe(ctx, prefix+"events")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Announce(ctx, []probe.Descriptor{gatewayDesc()}))
	fields, err := r.client.HGetAll(ctx, r.ProbesKey()).Result()
	require.NoError(t, err)
	assert.Contains(t, fields, "icmp/Gateway")

	snap := snapshotWith(100, history.Success(time.Now(), ms(5)))
	snap.Seq = 9
	require.NoError(t, r.Publish(ctx, snap))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"seq":9`)

	rec, err := r.Latest(ctx, snap.Identity)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), rec.Seq)

	_, err = r.Latest(ctx, probe.Identity{Kind: probe.KindDNS, Name: "missing"})
	assert.ErrorIs(t, err, redis.Nil)

	r.client.Del(ctx, r.ProbesKey(), r.LatestKey(snap.Identity))
}
