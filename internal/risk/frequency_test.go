package risk

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounter(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter(time.Hour)

	for want := 0; want < 3; want++ {
		got, err := c.Hit(ctx, "stu-1", now)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	other, _ := c.Hit(ctx, "stu-1", now.Add(time.Hour))
	assert.Zero(t, other, "next hour of day is a separate bucket")

	again, _ := c.Hit(ctx, "stu-1", now.Add(time.Hour+time.Minute))
	assert.Equal(t, 1, again)
	expired, _ := c.Hit(ctx, "stu-1", now.Add(25*time.Hour))
	assert.Zero(t, expired, "bucket expires after the window")
}

func TestRedisCounter(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisCounter(client, "", 2*time.Hour)

	first, err := c.Hit(ctx, "stu-1", now)
	require.NoError(t, err)
	second, err := c.Hit(ctx, "stu-1", now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
	assert.Equal(t, 2*time.Hour, srv.TTL("risk:frequency:stu-1:09"))

	srv.FastForward(3 * time.Hour)
	after, err := c.Hit(ctx, "stu-1", now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, after)
}

func TestRedisCounterUnavailable(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	srv.Close()

	_, err := NewRedisCounter(client, "", 0).Hit(context.Background(), "stu-1", now)
	assert.Error(t, err)
}
