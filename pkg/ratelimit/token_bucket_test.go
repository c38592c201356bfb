package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manenim/ratelimit/pkg/ratelimit"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	is := assert.New(t)

	start := time.Now().Truncate(time.Second)
	now := start
	limiter, err := ratelimit.New(client, ratelimit.TokenBucket(10, time.Second, 10),
		ratelimit.WithPrefix(testPrefix(t)),
		ratelimit.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	// drain the whole bucket at t=0
	res, err := limiter.Limit(ctx, "u1", ratelimit.WithRate(10))
	require.NoError(t, err)
	is.True(res.Success)
	is.Equal(int64(0), res.Remaining)

	// half an interval later nothing has refilled
	now = start.Add(500 * time.Millisecond)
	res, err = limiter.Limit(ctx, "u1")
	require.NoError(t, err)
	is.False(res.Success)
	is.Equal(int64(0), res.Remaining)
	is.Equal(start.Add(time.Second).UnixMilli(), res.Reset.UnixMilli())

	// one full interval refills the bucket
	now = start.Add(time.Second)
	res, err = limiter.Limit(ctx, "u1")
	require.NoError(t, err)
	is.True(res.Success)
	is.Equal(int64(9), res.Remaining)
}

func TestTokenBucket_CapsAtMax(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	is := assert.New(t)

	start := time.Now().Truncate(time.Second)
	now := start
	limiter, err := ratelimit.New(client, ratelimit.TokenBucket(2, time.Second, 5),
		ratelimit.WithPrefix(testPrefix(t)),
		ratelimit.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	res, err := limiter.Limit(ctx, "u1", ratelimit.WithRate(5))
	require.NoError(t, err)
	is.True(res.Success)
	is.Equal(int64(0), res.Remaining)

	// ten intervals pass; refills never exceed the bucket size
	now = start.Add(10 * time.Second)
	res, err = limiter.Limit(ctx, "u1")
	require.NoError(t, err)
	is.True(res.Success)
	is.Equal(int64(4), res.Remaining)
}

func TestTokenBucket_NoMultiRegion(t *testing.T) {
	client := newClient(t)
	is := assert.New(t)

	regions := []redis.UniversalClient{client, client}
	_, err := ratelimit.NewMultiRegion(regions, ratelimit.TokenBucket(10, time.Second, 10))
	is.ErrorIs(err, ratelimit.Error)
}
