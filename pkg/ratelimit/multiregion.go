package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

//go:embed multi_fixed_window.lua
var multiFixedWindowScript string

//go:embed multi_sliding_window.lua
var multiSlidingWindowScript string

var (
	multiFixedWindow   = redis.NewScript(multiFixedWindowScript)
	multiSlidingWindow = redis.NewScript(multiSlidingWindowScript)
)

// regionResult is one region's view of a window: the hash of request id to
// increment recorded there, or the error that made the region unreachable.
type regionResult struct {
	client  redis.UniversalClient
	fields  map[string]int64
	allowed bool
	err     error
}

func (r regionResult) total() int64 {
	return sumFields(r.fields)
}

func parseFields(flat []string) map[string]int64 {
	fields := make(map[string]int64, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		n, err := strconv.ParseInt(flat[i+1], 10, 64)
		if err != nil {
			continue
		}
		fields[flat[i]] = n
	}

	return fields
}

// raceRegions consumes ch until the first successful response and returns it
// as the decision, together with everything received so far. It only gives up
// once every region has failed.
func raceRegions(ch <-chan regionResult, total int) (regionResult, []regionResult, error) {
	collected := make([]regionResult, 0, total)
	for len(collected) < total {
		res := <-ch
		collected = append(collected, res)
		if res.err == nil {
			return res, collected, nil
		}
	}

	errs := make([]error, 0, total)
	for _, res := range collected {
		errs = append(errs, res.err)
	}

	return regionResult{}, collected, errors.Join(errs...)
}

// drainRegions blocks for the n region responses still in flight.
func drainRegions(ch <-chan regionResult, n int) []regionResult {
	results := make([]regionResult, 0, n)
	for range n {
		results = append(results, <-ch)
	}

	return results
}

// reconcile is the anti-entropy pass: once every region has answered, any
// request id recorded somewhere but missing in a region is replicated into
// that region with the same quota contribution, as long as the region's own
// aggregate is still under the limit. Regional failures shrink the merge set
// but never abort the repair. A repaired write may create the bucket key on a
// region that never recorded anything itself, so every repair re-anchors the
// key's expiry.
func reconcile(ctx context.Context, key string, tokens int64, expireAt time.Time, results []regionResult, log *slog.Logger) {
	union := make(map[string]int64)
	for _, res := range results {
		if res.err != nil {
			continue
		}
		for f, v := range res.fields {
			union[f] = v
		}
	}

	for _, res := range results {
		if res.err != nil {
			continue
		}
		if res.total() >= tokens {
			continue
		}

		missing := make([]any, 0)
		for f, v := range union {
			if _, ok := res.fields[f]; !ok {
				missing = append(missing, f, v)
			}
		}
		if len(missing) == 0 {
			continue
		}

		if err := res.client.HSet(ctx, key, missing...).Err(); err != nil {
			log.Error("read-repair failed", "key", key, "error", err)
			continue
		}
		if err := res.client.PExpireAt(ctx, key, expireAt).Err(); err != nil {
			log.Error("read-repair expiry failed", "key", key, "error", err)
		}
	}
}

// unionFields reads the same hash from every region and merges by field name
// so a request replicated into several regions is only counted once.
func unionFields(ctx context.Context, regions []redis.UniversalClient, key string) (map[string]int64, error) {
	results := make([]map[string]string, len(regions))
	g, gctx := errgroup.WithContext(ctx)
	for i, client := range regions {
		g.Go(func() error {
			fields, err := client.HGetAll(gctx, key).Result()
			if err != nil {
				return err
			}
			results[i] = fields
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	union := make(map[string]int64)
	for _, fields := range results {
		for f, v := range fields {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			union[f] = n
		}
	}

	return union, nil
}

func sumFields(fields map[string]int64) int64 {
	var sum int64
	for _, v := range fields {
		sum += v
	}

	return sum
}

func resetRegions(ctx context.Context, regions []redis.UniversalClient, key string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, client := range regions {
		g.Go(func() error {
			return resetKeys.Run(gctx, client, []string{}, key+"*").Err()
		})
	}

	return g.Wait()
}

type multiFixedWindowLimiter struct {
	regions []redis.UniversalClient
	tokens  int64
	window  time.Duration
	now     func() time.Time
	log     *slog.Logger
}

func newMultiFixedWindow(s storage, tokens int64, window time.Duration) *multiFixedWindowLimiter {
	return &multiFixedWindowLimiter{
		regions: s.regions,
		tokens:  tokens,
		window:  window,
		now:     s.now,
		log:     s.log,
	}
}

func (r *multiFixedWindowLimiter) Limit(ctx context.Context, key string, n int64, pending *Pending) (*Response, error) {
	window := r.window.Milliseconds()
	bucket := r.now().UnixMilli() / window
	bucketKey := windowKey(key, bucket)
	id := uuid.NewString()

	// slow regions keep running past the decision so reconciliation can use
	// them; the caller context must not cancel those calls
	callCtx := context.WithoutCancel(ctx)

	ch := make(chan regionResult, len(r.regions))
	for _, client := range r.regions {
		go func(client redis.UniversalClient) {
			flat, err := multiFixedWindow.Run(callCtx, client, []string{bucketKey}, id, window, n).StringSlice()
			if err != nil {
				ch <- regionResult{client: client, err: err}
				return
			}
			ch <- regionResult{client: client, fields: parseFields(flat)}
		}(client)
	}

	winner, collected, err := raceRegions(ch, len(r.regions))
	if err != nil {
		return nil, err
	}

	inFlight := len(r.regions) - len(collected)
	expireAt := time.UnixMilli((bucket + 1) * window)
	pending.Go(func() {
		results := append(collected, drainRegions(ch, inFlight)...)
		reconcile(callCtx, bucketKey, r.tokens, expireAt, results, r.log)
	})

	used := winner.total()

	return &Response{
		Success:   used <= r.tokens,
		Limit:     r.tokens,
		Remaining: clampRemaining(r.tokens - used),
		Reset:     time.UnixMilli((bucket + 1) * window),
		Pending:   pending,
	}, nil
}

func (r *multiFixedWindowLimiter) Remaining(ctx context.Context, key string) (int64, time.Time, error) {
	window := r.window.Milliseconds()
	bucket := r.now().UnixMilli() / window
	reset := time.UnixMilli((bucket + 1) * window)

	union, err := unionFields(ctx, r.regions, windowKey(key, bucket))
	if err != nil {
		return 0, time.Time{}, err
	}

	return clampRemaining(r.tokens - sumFields(union)), reset, nil
}

func (r *multiFixedWindowLimiter) Reset(ctx context.Context, key string) error {
	return resetRegions(ctx, r.regions, key)
}

func (r *multiFixedWindowLimiter) Tokens() int64 { return r.tokens }

type multiSlidingWindowLimiter struct {
	regions []redis.UniversalClient
	tokens  int64
	window  time.Duration
	now     func() time.Time
	log     *slog.Logger
}

func newMultiSlidingWindow(s storage, tokens int64, window time.Duration) *multiSlidingWindowLimiter {
	return &multiSlidingWindowLimiter{
		regions: s.regions,
		tokens:  tokens,
		window:  window,
		now:     s.now,
		log:     s.log,
	}
}

func (r *multiSlidingWindowLimiter) Limit(ctx context.Context, key string, n int64, pending *Pending) (*Response, error) {
	now := r.now().UnixMilli()
	window := r.window.Milliseconds()
	bucket := now / window
	currentKey := windowKey(key, bucket)
	previousKey := windowKey(key, bucket-1)
	id := uuid.NewString()

	callCtx := context.WithoutCancel(ctx)

	ch := make(chan regionResult, len(r.regions))
	for _, client := range r.regions {
		go func(client redis.UniversalClient) {
			keys := []string{currentKey, previousKey}
			raw, err := multiSlidingWindow.Run(callCtx, client, keys, r.tokens, now, window, id, n).Slice()
			if err != nil {
				ch <- regionResult{client: client, err: err}
				return
			}

			allowed, fields := parseSlidingReply(raw)
			ch <- regionResult{client: client, fields: fields, allowed: allowed}
		}(client)
	}

	winner, collected, err := raceRegions(ch, len(r.regions))
	if err != nil {
		return nil, err
	}

	inFlight := len(r.regions) - len(collected)
	// the current bucket must outlive the next window to keep its sliding
	// weight, matching the expiry the recording script sets
	expireAt := time.UnixMilli(bucket*window + 2*window + 1000)
	pending.Go(func() {
		results := append(collected, drainRegions(ch, inFlight)...)
		reconcile(callCtx, currentKey, r.tokens, expireAt, results, r.log)
	})

	remaining := r.tokens - winner.total()
	if !winner.allowed {
		remaining = 0
	}

	return &Response{
		Success:   winner.allowed,
		Limit:     r.tokens,
		Remaining: clampRemaining(remaining),
		Reset:     time.UnixMilli((bucket + 1) * window),
		Pending:   pending,
	}, nil
}

func (r *multiSlidingWindowLimiter) Remaining(ctx context.Context, key string) (int64, time.Time, error) {
	now := r.now().UnixMilli()
	window := r.window.Milliseconds()
	bucket := now / window
	reset := time.UnixMilli((bucket + 1) * window)

	current, err := unionFields(ctx, r.regions, windowKey(key, bucket))
	if err != nil {
		return 0, time.Time{}, err
	}
	previous, err := unionFields(ctx, r.regions, windowKey(key, bucket-1))
	if err != nil {
		return 0, time.Time{}, err
	}

	elapsed := float64(now%window) / float64(window)
	used := sumFields(current) + int64((1-elapsed)*float64(sumFields(previous)))

	return clampRemaining(r.tokens - used), reset, nil
}

func (r *multiSlidingWindowLimiter) Reset(ctx context.Context, key string) error {
	return resetRegions(ctx, r.regions, key)
}

func (r *multiSlidingWindowLimiter) Tokens() int64 { return r.tokens }

// parseSlidingReply decodes {allowed, flat hash array} from the script.
func parseSlidingReply(raw []any) (bool, map[string]int64) {
	if len(raw) != 2 {
		return false, nil
	}
	allowed, _ := raw[0].(int64)
	flatAny, _ := raw[1].([]any)

	flat := make([]string, 0, len(flatAny))
	for _, v := range flatAny {
		s, _ := v.(string)
		flat = append(flat, s)
	}

	return allowed == 1, parseFields(flat)
}
