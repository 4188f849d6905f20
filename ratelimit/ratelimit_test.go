package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiter(t *testing.T, opts ...Option) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	fixed := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return fixed })}, opts...)
	return NewLimiter(client, nil, opts...), mr
}

// TestCheckAndReserve tests the per-merchant, per-action-type window
func TestCheckAndReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("allows up to the limit then denies", func(t *testing.T) {
		limiter, _ := testLimiter(t)
		for i := 1; i <= DefaultLimit; i++ {
			d, err := limiter.CheckAndReserve(ctx, "m1", "config_fix")
			require.NoError(t, err)
			assert.True(t, d.Allowed, "attempt %d", i)
			assert.Equal(t, int64(i), d.Count)
		}

		d, err := limiter.CheckAndReserve(ctx, "m1", "config_fix")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(DefaultLimit+1), d.Count)
	})

	t.Run("denial flags the merchant and action type", func(t *testing.T) {
		limiter, mr := testLimiter(t, WithLimit(1))
		_, err := limiter.CheckAndReserve(ctx, "m1", "config_fix")
		require.NoError(t, err)
		d, err := limiter.CheckAndReserve(ctx, "m1", "config_fix")
		require.NoError(t, err)
		require.False(t, d.Allowed)

		assert.True(t, limiter.IsFlagged(ctx, "m1", "config_fix"))
		assert.False(t, limiter.IsFlagged(ctx, "m1", "support_guidance"))
		assert.False(t, limiter.IsFlagged(ctx, "m2", "config_fix"))

		ttl := mr.TTL("remedy:flagged:m1:config_fix")
		assert.Equal(t, DefaultFlagTTL, ttl)
	})

	t.Run("merchants count independently", func(t *testing.T) {
		limiter, _ := testLimiter(t, WithLimit(1))
		d, err := limiter.CheckAndReserve(ctx, "m1", "config_fix")
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		d, err = limiter.CheckAndReserve(ctx, "m2", "config_fix")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "m1's reservation must not count against m2")
	})

	t.Run("action types count independently for one merchant", func(t *testing.T) {
		limiter, _ := testLimiter(t, WithLimit(1))
		d, err := limiter.CheckAndReserve(ctx, "m1", "config_fix")
		require.NoError(t, err)
		require.True(t, d.Allowed)

		d, err = limiter.CheckAndReserve(ctx, "m1", "config_fix")
		require.NoError(t, err)
		require.False(t, d.Allowed)

		d, err = limiter.CheckAndReserve(ctx, "m1", "support_guidance")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "exhausting config_fix must not block support_guidance")
		assert.Equal(t, int64(1), d.Count)
	})

	t.Run("counter expires with the window", func(t *testing.T) {
		limiter, mr := testLimiter(t, WithLimit(1))
		_, err := limiter.CheckAndReserve(ctx, "m1", "config_fix")
		require.NoError(t, err)

		mr.FastForward(DefaultWindow + time.Second)

		d, err := limiter.CheckAndReserve(ctx, "m1", "config_fix")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(1), d.Count, "expired bucket restarts the count")
	})

	t.Run("fails open when redis is down", func(t *testing.T) {
		limiter, mr := testLimiter(t)
		mr.Close()

		d, err := limiter.CheckAndReserve(ctx, "m1", "config_fix")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.FailedOpen)
		assert.False(t, limiter.IsFlagged(ctx, "m1", "config_fix"))
	})
}
