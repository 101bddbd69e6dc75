package gateway

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/metering-plane/pkg/cache"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupLimiterCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return &cache.Cache{Client: client}, mr
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	c, _ := setupLimiterCache(t)
	rl := NewRateLimiter(c, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < requestsPerMinute; i++ {
		allowed, err := rl.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}

func TestRateLimiterBlocksOverLimit(t *testing.T) {
	c, _ := setupLimiterCache(t)
	rl := NewRateLimiter(c, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < requestsPerMinute; i++ {
		_, err := rl.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
	}

	allowed, err := rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRateLimiterTracksCallersIndependently(t *testing.T) {
	c, _ := setupLimiterCache(t)
	rl := NewRateLimiter(c, zap.NewNop())
	ctx := context.Background()

	for i := 0; i <= requestsPerMinute; i++ {
		_, err := rl.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
	}

	allowed, err := rl.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiterNilCacheAllowsEverything(t *testing.T) {
	rl := NewRateLimiter(nil, zap.NewNop())

	for i := 0; i < requestsPerMinute*2; i++ {
		allowed, err := rl.Allow(context.Background(), "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}

func TestRateLimiterErrorsWhenCacheDown(t *testing.T) {
	c, mr := setupLimiterCache(t)
	rl := NewRateLimiter(c, zap.NewNop())

	mr.Close()

	_, err := rl.Allow(context.Background(), "10.0.0.1")
	assert.Error(t, err)
}
