package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, burst int, refill float64) (*ImportLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewImportLimiter(client, burst, refill, time.Minute)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })
	return l, mr, &now
}

func TestImportLimiter_Burst(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter(t, 2, 1)

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, 7)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
	}
	d, err := l.Allow(ctx, 7)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestImportLimiter_Refill(t *testing.T) {
	ctx := context.Background()
	l, _, now := newLimiter(t, 1, 0.5)

	d, _ := l.Allow(ctx, 3)
	require.True(t, d.Allowed)
	d, _ = l.Allow(ctx, 3)
	require.False(t, d.Allowed)
	assert.Equal(t, 2*time.Second, d.RetryAfter)

	*now = now.Add(time.Second)
	d, _ = l.Allow(ctx, 3)
	assert.False(t, d.Allowed, "half a token is not enough")
	assert.Equal(t, time.Second, d.RetryAfter)

	*now = now.Add(2 * time.Second)
	d, err := l.Allow(ctx, 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.GreaterOrEqual(t, d.Remaining, 0.0)
	assert.Less(t, d.Remaining, 1.0)
}

func TestImportLimiter_PrintersIndependent(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter(t, 1, 0)

	d, _ := l.Allow(ctx, 1)
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, 2)
	assert.True(t, d.Allowed, "printer 2 has its own bucket")
	d, _ = l.Allow(ctx, 1)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.RetryAfter, "a bucket without refill never reopens")
}

func TestImportLimiter_BucketExpires(t *testing.T) {
	ctx := context.Background()
	l, mr, _ := newLimiter(t, 1, 0)

	d, _ := l.Allow(ctx, 4)
	require.True(t, d.Allowed)
	assert.Equal(t, time.Minute, mr.TTL(bucketKey(4)))

	mr.FastForward(2 * time.Minute)
	d, _ = l.Allow(ctx, 4)
	assert.True(t, d.Allowed, "an expired bucket starts full")
}

func TestImportLimiter_RedisDown(t *testing.T) {
	l, mr, _ := newLimiter(t, 1, 1)
	mr.Close()

	_, err := l.Allow(context.Background(), 1)
	assert.Error(t, err)
}
