package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedFixedWindow behaves like FixedWindow but counts against the process
// local cache once a bucket has been seen, writing the increment through to
// the store asynchronously. It trades strict cross-process accuracy for not
// paying a round trip on every call from a hot process. It requires an
// injected EphemeralCache and has no multi-region variant.
func CachedFixedWindow(tokens int64, window time.Duration) AlgorithmFactory {
	return func(s storage) (Algorithm, error) {
		if err := validateWindow(tokens, window); err != nil {
			return nil, err
		}
		if s.regions != nil {
			return nil, fmt.Errorf("%w: cached fixed window has no multi-region variant", Error)
		}
		if s.cache == nil {
			return nil, fmt.Errorf("%w: cached fixed window requires an ephemeral cache", Error)
		}

		return &cachedFixedWindowLimiter{
			client: s.client,
			cache:  s.cache,
			log:    s.log,
			tokens: tokens,
			window: window,
			now:    s.now,
		}, nil
	}
}

type cachedFixedWindowLimiter struct {
	client redis.UniversalClient
	cache  EphemeralCache
	log    *slog.Logger
	tokens int64
	window time.Duration
	now    func() time.Time
}

func (r *cachedFixedWindowLimiter) Limit(ctx context.Context, key string, n int64, pending *Pending) (*Response, error) {
	window := r.window.Milliseconds()
	bucket := r.now().UnixMilli() / window
	bucketKey := windowKey(key, bucket)
	reset := time.UnixMilli((bucket + 1) * window)

	if _, ok := r.cache.Get(bucketKey); ok {
		used := r.cache.Incr(bucketKey, n)

		// the local count is authoritative for this process; the store
		// catches up off the hot path
		writeCtx := context.WithoutCancel(ctx)
		pending.Go(func() {
			if err := fixedWindow.Run(writeCtx, r.client, []string{bucketKey}, window, n).Err(); err != nil {
				r.log.Error("cached fixed window write-through failed", "key", bucketKey, "error", err)
			}
		})

		return &Response{
			Success:   used <= r.tokens,
			Limit:     r.tokens,
			Remaining: clampRemaining(r.tokens - used),
			Reset:     reset,
			Pending:   pending,
		}, nil
	}

	used, err := fixedWindow.Run(ctx, r.client, []string{bucketKey}, window, n).Int64()
	if err != nil {
		return nil, err
	}
	r.cache.Set(bucketKey, used)

	return &Response{
		Success:   used <= r.tokens,
		Limit:     r.tokens,
		Remaining: clampRemaining(r.tokens - used),
		Reset:     reset,
		Pending:   pending,
	}, nil
}

func (r *cachedFixedWindowLimiter) Remaining(ctx context.Context, key string) (int64, time.Time, error) {
	window := r.window.Milliseconds()
	bucket := r.now().UnixMilli() / window
	bucketKey := windowKey(key, bucket)
	reset := time.UnixMilli((bucket + 1) * window)

	if used, ok := r.cache.Get(bucketKey); ok {
		return clampRemaining(r.tokens - used), reset, nil
	}

	used, err := r.client.Get(ctx, bucketKey).Int64()
	if err == redis.Nil {
		return r.tokens, reset, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}

	return clampRemaining(r.tokens - used), reset, nil
}

func (r *cachedFixedWindowLimiter) Reset(ctx context.Context, key string) error {
	window := r.window.Milliseconds()
	bucket := r.now().UnixMilli() / window
	r.cache.Pop(windowKey(key, bucket))

	return resetKeys.Run(ctx, r.client, []string{}, key+"*").Err()
}

func (r *cachedFixedWindowLimiter) Tokens() int64 { return r.tokens }
