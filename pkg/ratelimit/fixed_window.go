package ratelimit

import (
	"context"
	_ "embed"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window.lua
var fixedWindowScript string

//go:embed reset.lua
var resetScript string

var (
	fixedWindow = redis.NewScript(fixedWindowScript)
	resetKeys   = redis.NewScript(resetScript)
)

// FixedWindow counts requests per aligned time bucket. Simple and cheap, but
// a burst at a window boundary can admit up to twice the limit; use
// SlidingWindow when that matters.
func FixedWindow(tokens int64, window time.Duration) AlgorithmFactory {
	return func(s storage) (Algorithm, error) {
		if err := validateWindow(tokens, window); err != nil {
			return nil, err
		}
		if s.regions != nil {
			return newMultiFixedWindow(s, tokens, window), nil
		}

		return &fixedWindowLimiter{
			client: s.client,
			tokens: tokens,
			window: window,
			now:    s.now,
		}, nil
	}
}

type fixedWindowLimiter struct {
	client redis.UniversalClient
	tokens int64
	window time.Duration
	now    func() time.Time
}

func (r *fixedWindowLimiter) Limit(ctx context.Context, key string, n int64, pending *Pending) (*Response, error) {
	window := r.window.Milliseconds()
	bucket := r.now().UnixMilli() / window

	used, err := fixedWindow.Run(ctx, r.client, []string{windowKey(key, bucket)}, window, n).Int64()
	if err != nil {
		return nil, err
	}

	return &Response{
		Success:   used <= r.tokens,
		Limit:     r.tokens,
		Remaining: clampRemaining(r.tokens - used),
		Reset:     time.UnixMilli((bucket + 1) * window),
		Pending:   pending,
	}, nil
}

func (r *fixedWindowLimiter) Remaining(ctx context.Context, key string) (int64, time.Time, error) {
	window := r.window.Milliseconds()
	bucket := r.now().UnixMilli() / window
	reset := time.UnixMilli((bucket + 1) * window)

	used, err := r.client.Get(ctx, windowKey(key, bucket)).Int64()
	if err == redis.Nil {
		return r.tokens, reset, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}

	return clampRemaining(r.tokens - used), reset, nil
}

func (r *fixedWindowLimiter) Reset(ctx context.Context, key string) error {
	return resetKeys.Run(ctx, r.client, []string{}, key+"*").Err()
}

func (r *fixedWindowLimiter) Tokens() int64 { return r.tokens }
