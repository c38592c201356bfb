package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manenim/ratelimit/pkg/ratelimit"
)

// A full-limit burst at the tail of one window followed by a full-limit burst
// right after the boundary must see denials in the second burst: the previous
// window still weighs on the sliding count. Independent fixed windows would
// allow both bursts in full.
func TestSlidingWindow_BoundaryBurst(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	is := assert.New(t)

	start := time.Now().Truncate(time.Second)
	now := start.Add(800 * time.Millisecond)
	limiter, err := ratelimit.New(client, ratelimit.SlidingWindow(5, time.Second),
		ratelimit.WithPrefix(testPrefix(t)),
		ratelimit.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	for range 5 {
		res, err := limiter.Limit(ctx, "u1")
		require.NoError(t, err)
		is.True(res.Success)
	}

	// head of the next window: 99.9% of the previous burst still counts
	now = start.Add(time.Second + time.Millisecond)

	var denied int
	for range 5 {
		res, err := limiter.Limit(ctx, "u1")
		require.NoError(t, err)
		if !res.Success {
			denied++
			is.Equal(int64(0), res.Remaining)
		}
		is.True(res.Reset.After(now))
		is.Zero(res.Reset.UnixMilli() % time.Second.Milliseconds())
	}
	is.GreaterOrEqual(denied, 1)

	// floor((1-0.001)*5) = 4 of the old burst carry over, leaving room for
	// exactly one more request
	is.Equal(4, denied)
}

func TestSlidingWindow_GetRemaining(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	is := assert.New(t)

	start := time.Now().Truncate(time.Second)
	now := start
	limiter, err := ratelimit.New(client, ratelimit.SlidingWindow(10, time.Second),
		ratelimit.WithPrefix(testPrefix(t)),
		ratelimit.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	for range 4 {
		_, err := limiter.Limit(ctx, "u1")
		require.NoError(t, err)
	}

	remaining, reset, err := limiter.GetRemaining(ctx, "u1")
	require.NoError(t, err)
	is.Equal(int64(6), remaining)
	is.True(reset.After(now))

	// halfway into the next window only half the old burst counts
	now = start.Add(1500 * time.Millisecond)
	remaining, _, err = limiter.GetRemaining(ctx, "u1")
	require.NoError(t, err)
	is.Equal(int64(8), remaining)
}
