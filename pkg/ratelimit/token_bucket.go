package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed token_bucket.lua
var tokenBucketScript string

var tokenBucket = redis.NewScript(tokenBucketScript)

// TokenBucket refills refillRate tokens every interval up to maxTokens.
// Bursts up to maxTokens are allowed while the long-term rate stays bounded.
// Unlike the window algorithms its state is not bucket-aligned; the key
// expires when the bucket would have refilled back to max anyway.
func TokenBucket(refillRate int64, interval time.Duration, maxTokens int64) AlgorithmFactory {
	return func(s storage) (Algorithm, error) {
		if err := validateWindow(refillRate, interval); err != nil {
			return nil, err
		}
		if maxTokens <= 0 {
			return nil, fmt.Errorf("%w: maxTokens must be greater than 0", Error)
		}
		if s.regions != nil {
			return nil, fmt.Errorf("%w: token bucket has no multi-region variant", Error)
		}

		return &tokenBucketLimiter{
			client:     s.client,
			refillRate: refillRate,
			interval:   interval,
			maxTokens:  maxTokens,
			now:        s.now,
		}, nil
	}
}

type tokenBucketLimiter struct {
	client     redis.UniversalClient
	refillRate int64
	interval   time.Duration
	maxTokens  int64
	now        func() time.Time
}

func (r *tokenBucketLimiter) Limit(ctx context.Context, key string, n int64, pending *Pending) (*Response, error) {
	argv := []any{
		r.maxTokens,
		r.interval.Milliseconds(),
		r.refillRate,
		r.now().UnixMilli(),
		n,
	}
	res, err := tokenBucket.Run(ctx, r.client, []string{key}, argv...).Int64Slice()
	if err != nil {
		return nil, err
	}
	remaining, refillAt := res[0], res[1]

	return &Response{
		Success:   remaining >= 0,
		Limit:     r.maxTokens,
		Remaining: clampRemaining(remaining),
		Reset:     time.UnixMilli(refillAt),
		Pending:   pending,
	}, nil
}

func (r *tokenBucketLimiter) Remaining(ctx context.Context, key string) (int64, time.Time, error) {
	now := r.now()

	state, err := r.client.HMGet(ctx, key, "refilledAt", "tokens").Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if state[0] == nil {
		return r.maxTokens, now.Add(r.interval), nil
	}

	refilledAt := toInt64(state[0])
	tokens := toInt64(state[1])

	// replay pending refills without writing them back
	interval := r.interval.Milliseconds()
	if elapsed := now.UnixMilli() - refilledAt; elapsed >= interval {
		refills := elapsed / interval
		tokens = min(r.maxTokens, tokens+refills*r.refillRate)
		refilledAt += refills * interval
	}

	return clampRemaining(tokens), time.UnixMilli(refilledAt + interval), nil
}

func (r *tokenBucketLimiter) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *tokenBucketLimiter) Tokens() int64 { return r.maxTokens }
