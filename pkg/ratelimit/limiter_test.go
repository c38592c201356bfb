package ratelimit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manenim/ratelimit/pkg/analytics"
	"github.com/manenim/ratelimit/pkg/ratelimit"
)

func TestLimiter_DenyListOverride(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	is := assert.New(t)

	prefix := testPrefix(t)
	// seed the deny list and mark it fresh so no refresh fires
	require.NoError(t, client.SAdd(ctx, prefix+":denylist:all", "badguy", "6.6.6.6").Err())
	require.NoError(t, client.Set(ctx, prefix+":denylist:status", "valid", time.Hour).Err())

	limiter, err := ratelimit.New(client, ratelimit.FixedWindow(100, time.Minute),
		ratelimit.WithPrefix(prefix),
		ratelimit.WithDenyListProtection(),
	)
	require.NoError(t, err)

	// the algorithm alone would allow this identifier; the deny list wins
	res, err := limiter.Limit(ctx, "badguy")
	require.NoError(t, err)
	is.False(res.Success)
	is.Equal(int64(0), res.Remaining)
	is.Equal(ratelimit.ReasonDenyList, res.Reason)
	is.Equal("badguy", res.DeniedValue)

	// the hit is now cached locally: the second call never reaches the store
	res, err = limiter.Limit(ctx, "badguy")
	require.NoError(t, err)
	is.False(res.Success)
	is.Equal(ratelimit.ReasonCacheBlock, res.Reason)
	is.Equal("badguy", res.DeniedValue)

	// request dimensions are candidates too
	res, err = limiter.Limit(ctx, "gooduser", ratelimit.WithIP("6.6.6.6"))
	require.NoError(t, err)
	is.False(res.Success)
	is.Equal("6.6.6.6", res.DeniedValue)
}

// listFeed serves a fixed identifier list regardless of threshold.
type listFeed []string

func (f listFeed) Fetch(_ context.Context, _ int) ([]string, error) {
	return f, nil
}

func TestLimiter_DenyListRefresh(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	is := assert.New(t)

	prefix := testPrefix(t)
	limiter, err := ratelimit.New(client, ratelimit.FixedWindow(100, time.Minute),
		ratelimit.WithPrefix(prefix),
		ratelimit.WithDenyListProtection(),
		ratelimit.WithDenyListFeed(listFeed{"7.7.7.7"}),
	)
	require.NoError(t, err)

	// no freshness marker yet: the first call schedules a refresh from the
	// injected feed
	res, err := limiter.Limit(ctx, "u1")
	require.NoError(t, err)
	is.True(res.Success)
	res.Pending.Wait()

	member, err := client.SIsMember(ctx, prefix+":denylist:all", "7.7.7.7").Result()
	require.NoError(t, err)
	is.True(member)

	status, err := client.Get(ctx, prefix+":denylist:status").Result()
	require.NoError(t, err)
	is.Equal("valid", status)

	res, err = limiter.Limit(ctx, "u2", ratelimit.WithIP("7.7.7.7"))
	require.NoError(t, err)
	is.False(res.Success)
	is.Equal("7.7.7.7", res.DeniedValue)
}

func TestLimiter_DisableDenyListDuringLimit(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	is := assert.New(t)

	prefix := testPrefix(t)
	require.NoError(t, client.Set(ctx, prefix+":denylist:status", "valid", time.Hour).Err())

	limiter, err := ratelimit.New(client, ratelimit.FixedWindow(1000, time.Minute),
		ratelimit.WithPrefix(prefix),
		ratelimit.WithDenyListProtection(),
		ratelimit.WithDenyListFeed(listFeed{}),
	)
	require.NoError(t, err)

	// disabling while checks are in flight must be safe
	done := make(chan error, 1)
	go func() {
		for range 50 {
			if _, err := limiter.Limit(ctx, "u1"); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	require.NoError(t, limiter.DisableDenyList(ctx))
	require.NoError(t, <-done)

	res, err := limiter.Limit(ctx, "u1")
	require.NoError(t, err)
	is.True(res.Success)
}

func TestLimiter_TimeoutFailsOpen(t *testing.T) {
	ctx := context.Background()
	is := assert.New(t)

	// unroutable address: the store call hangs well past the timeout
	client := redis.NewClient(&redis.Options{
		Addr:        "192.0.2.1:6379",
		DialTimeout: 2 * time.Second,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })

	limiter, err := ratelimit.New(client, ratelimit.FixedWindow(5, time.Minute),
		ratelimit.WithTimeout(100*time.Millisecond),
	)
	require.NoError(t, err)

	start := time.Now()
	res, err := limiter.Limit(ctx, "u1")
	require.NoError(t, err)
	is.True(res.Success)
	is.Equal(ratelimit.ReasonTimeout, res.Reason)
	is.Equal(int64(5), res.Limit)
	is.True(res.Reset.After(start))

	// the undecided store call is fully detached: waiting on the response
	// returns immediately instead of riding out the slow dial
	res.Pending.Wait()
	is.Less(time.Since(start), time.Second)
}

func TestLimiter_StoreErrorPropagates(t *testing.T) {
	ctx := context.Background()
	is := assert.New(t)

	// refused immediately, so this is an error, not a timeout
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })

	limiter, err := ratelimit.New(client, ratelimit.FixedWindow(5, time.Minute))
	require.NoError(t, err)

	_, err = limiter.Limit(ctx, "u1")
	is.Error(err)
}

func TestLimiter_AnalyticsFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	is := assert.New(t)

	prefix := testPrefix(t)
	now := time.Now()
	limiter, err := ratelimit.New(client, ratelimit.FixedWindow(5, time.Minute),
		ratelimit.WithPrefix(prefix),
		ratelimit.WithAnalytics(),
		ratelimit.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	// occupy the analytics bucket key with the wrong type so every ingest
	// fails
	bucket := (now.UnixMilli() / time.Hour.Milliseconds()) * time.Hour.Milliseconds()
	key := fmt.Sprintf("%s:analytics:events:%d", prefix, bucket)
	require.NoError(t, client.Set(ctx, key, "not-a-zset", 0).Err())

	res, err := limiter.Limit(ctx, "u1")
	require.NoError(t, err)
	res.Pending.Wait()

	is.True(res.Success)
	is.Equal(int64(4), res.Remaining)
	is.True(res.Reset.After(now))
}

func TestLimiter_AnalyticsQueries(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	is := assert.New(t)

	// a pinned clock keeps every event in one bucket
	now := time.Now()
	limiter, err := ratelimit.New(client, ratelimit.FixedWindow(2, time.Minute),
		ratelimit.WithPrefix(testPrefix(t)),
		ratelimit.WithAnalytics(),
		ratelimit.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	for range 3 {
		res, err := limiter.Limit(ctx, "u1")
		require.NoError(t, err)
		res.Pending.Wait()
	}

	usage, err := limiter.GetUsage(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	is.Equal(int64(3), usage["u1"])

	buckets, err := limiter.GetUsageOverTime(ctx, 2)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	is.Equal(int64(2), buckets[0].Counts["true"])
	is.Equal(int64(1), buckets[0].Counts["false"])

	most, err := limiter.GetMostAllowedBlocked(ctx, 5)
	require.NoError(t, err)
	require.Len(t, most.Allowed, 1)
	is.Equal(analytics.Usage{Identifier: "u1", Count: 2}, most.Allowed[0])
	require.Len(t, most.RateLimited, 1)
	is.Equal(analytics.Usage{Identifier: "u1", Count: 1}, most.RateLimited[0])
}

func TestLimiter_BlockUntilReady(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	is := assert.New(t)

	limiter, err := ratelimit.New(client, ratelimit.FixedWindow(1, 300*time.Millisecond),
		ratelimit.WithPrefix(testPrefix(t)),
	)
	require.NoError(t, err)

	res, err := limiter.Limit(ctx, "u1")
	require.NoError(t, err)
	is.True(res.Success)

	// the window is exhausted; waiting rides out the reset
	res, err = limiter.BlockUntilReady(ctx, "u1", 2*time.Second)
	require.NoError(t, err)
	is.True(res.Success)
}

func TestLimiter_BlockUntilReadyDeadline(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	is := assert.New(t)

	limiter, err := ratelimit.New(client, ratelimit.FixedWindow(1, time.Hour),
		ratelimit.WithPrefix(testPrefix(t)),
	)
	require.NoError(t, err)

	_, err = limiter.Limit(ctx, "u1")
	require.NoError(t, err)

	// the window will not reset within the deadline: the last denied
	// response comes back, not an error
	res, err := limiter.BlockUntilReady(ctx, "u1", 200*time.Millisecond)
	require.NoError(t, err)
	is.False(res.Success)

	_, err = limiter.BlockUntilReady(ctx, "u1", 0)
	is.ErrorIs(err, ratelimit.Error)
}

func TestLimiter_ConfigErrors(t *testing.T) {
	client := newClient(t)
	is := assert.New(t)

	_, err := ratelimit.New(nil, ratelimit.FixedWindow(5, time.Minute))
	is.ErrorIs(err, ratelimit.Error)

	_, err = ratelimit.New(client, ratelimit.FixedWindow(5, time.Minute),
		ratelimit.WithDenyListThreshold(0),
	)
	is.ErrorIs(err, ratelimit.Error)

	_, err = ratelimit.New(client, ratelimit.FixedWindow(5, time.Minute),
		ratelimit.WithDenyListThreshold(9),
	)
	is.ErrorIs(err, ratelimit.Error)

	_, err = ratelimit.NewMultiRegion(nil, ratelimit.FixedWindow(5, time.Minute))
	is.ErrorIs(err, ratelimit.Error)

	_, err = limiterWithoutAnalytics(client).GetUsage(context.Background(), time.Now())
	is.ErrorIs(err, ratelimit.Error)
}

func limiterWithoutAnalytics(client *redis.Client) *ratelimit.Limiter {
	limiter, err := ratelimit.New(client, ratelimit.FixedWindow(5, time.Minute))
	if err != nil {
		panic(err)
	}

	return limiter
}
