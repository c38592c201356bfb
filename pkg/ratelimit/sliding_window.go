package ratelimit

import (
	"context"
	_ "embed"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed sliding_window.lua
var slidingWindowScript string

var slidingWindow = redis.NewScript(slidingWindowScript)

// SlidingWindow approximates a true sliding window with two fixed buckets:
// the previous bucket's count contributes weighted by how much of it still
// overlaps the trailing window. O(1) storage per identifier, no per-request
// timestamps.
func SlidingWindow(tokens int64, window time.Duration) AlgorithmFactory {
	return func(s storage) (Algorithm, error) {
		if err := validateWindow(tokens, window); err != nil {
			return nil, err
		}
		if s.regions != nil {
			return newMultiSlidingWindow(s, tokens, window), nil
		}

		return &slidingWindowLimiter{
			client: s.client,
			tokens: tokens,
			window: window,
			now:    s.now,
		}, nil
	}
}

type slidingWindowLimiter struct {
	client redis.UniversalClient
	tokens int64
	window time.Duration
	now    func() time.Time
}

func (r *slidingWindowLimiter) Limit(ctx context.Context, key string, n int64, pending *Pending) (*Response, error) {
	now := r.now().UnixMilli()
	window := r.window.Milliseconds()
	bucket := now / window

	keys := []string{windowKey(key, bucket), windowKey(key, bucket-1)}
	res, err := slidingWindow.Run(ctx, r.client, keys, r.tokens, now, window, n).Int64Slice()
	if err != nil {
		return nil, err
	}
	allowed := res[0] == 1
	current := res[1]

	remaining := r.tokens - current
	if !allowed {
		remaining = 0
	}

	return &Response{
		Success:   allowed,
		Limit:     r.tokens,
		Remaining: clampRemaining(remaining),
		Reset:     time.UnixMilli((bucket + 1) * window),
		Pending:   pending,
	}, nil
}

func (r *slidingWindowLimiter) Remaining(ctx context.Context, key string) (int64, time.Time, error) {
	now := r.now().UnixMilli()
	window := r.window.Milliseconds()
	bucket := now / window
	reset := time.UnixMilli((bucket + 1) * window)

	counts, err := r.client.MGet(ctx, windowKey(key, bucket), windowKey(key, bucket-1)).Result()
	if err != nil {
		return 0, time.Time{}, err
	}

	current := toInt64(counts[0])
	previous := toInt64(counts[1])

	elapsed := float64(now%window) / float64(window)
	used := current + int64((1-elapsed)*float64(previous))

	return clampRemaining(r.tokens - used), reset, nil
}

func (r *slidingWindowLimiter) Reset(ctx context.Context, key string) error {
	return resetKeys.Run(ctx, r.client, []string{}, key+"*").Err()
}

func (r *slidingWindowLimiter) Tokens() int64 { return r.tokens }

// toInt64 reads an MGET slot, which is nil for a missing key and a string
// for a counter.
func toInt64(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}

	return n
}
