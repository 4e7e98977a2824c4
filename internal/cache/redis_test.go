package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/cache"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/testsuite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) *cache.RedisCache {
	t.Helper()
	opts, err := redis.ParseURL(testsuite.StartRedis(t))
	require.NoError(t, err)

	c := cache.NewFromClient(redis.NewClient(opts), time.Minute)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRedisCache(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	type entry struct {
		Name string `json:"name"`
	}

	var got entry
	assert.ErrorIs(t, c.Get(ctx, "product:1", &got), cache.ErrMiss)

	require.NoError(t, c.Set(ctx, "product:1", entry{Name: "Keyboard"}))
	require.NoError(t, c.Set(ctx, "product:2", entry{Name: "Mouse"}))
	require.NoError(t, c.Set(ctx, "products:all", []entry{{Name: "Keyboard"}}))
	require.NoError(t, c.Get(ctx, "product:1", &got))
	assert.Equal(t, "Keyboard", got.Name)

	require.NoError(t, c.Delete(ctx, "product:1", "product:2"))
	assert.True(t, cache.IsMiss(c.Get(ctx, "product:2", &got)))

	var all []entry
	require.NoError(t, c.Get(ctx, "products:all", &all))
	assert.Len(t, all, 1)

	require.NoError(t, c.Delete(ctx))
}

func TestRedisCacheClaim(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	first, err := c.Claim(ctx, "orderflow:event:1:ORDER_CREATED", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := c.Claim(ctx, "orderflow:event:1:ORDER_CREATED", time.Hour)
	require.NoError(t, err)
	assert.False(t, again)

	other, err := c.Claim(ctx, "orderflow:event:1:ORDER_CANCELED", time.Hour)
	require.NoError(t, err)
	assert.True(t, other)
}
