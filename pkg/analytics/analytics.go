// Package analytics aggregates usage events into time-bucketed scored sets on
// Redis. Each bucket is one sorted set; identical events within a bucket
// share a member and accumulate score, so storage grows with event diversity
// rather than traffic.
package analytics

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed aggregate.lua
var aggregateScript string

//go:embed top.lua
var topScript string

var (
	aggregate = redis.NewScript(aggregateScript)
	top       = redis.NewScript(topScript)
)

const (
	// DefaultPrefix namespaces analytics keys.
	DefaultPrefix = "@app/analytics"

	// DefaultBucketSize is the bucket width events are aggregated into.
	DefaultBucketSize = time.Hour

	// DefaultBatchSize bounds how many bucket aggregations share one
	// pipeline round trip.
	DefaultBatchSize = 48
)

// Outcome is the tri-state success field of an event: allowed, rate limited,
// or rejected by the deny list. It serializes as true, false or "denied" so
// aggregation procedures can classify entries by substring.
type Outcome int

const (
	RateLimited Outcome = iota
	Allowed
	Denied
)

func (o Outcome) MarshalJSON() ([]byte, error) {
	switch o {
	case Allowed:
		return []byte("true"), nil
	case Denied:
		return []byte(`"denied"`), nil
	default:
		return []byte("false"), nil
	}
}

func (o *Outcome) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "true":
		*o = Allowed
	case "false":
		*o = RateLimited
	case `"denied"`:
		*o = Denied
	default:
		return fmt.Errorf("analytics: invalid outcome %s", b)
	}

	return nil
}

// Event is a single usage record. Time scopes it to a bucket and is not part
// of the stored encoding; everything else is.
type Event struct {
	Identifier string    `json:"identifier"`
	Time       time.Time `json:"-"`
	Success    Outcome   `json:"success"`
	IP         string    `json:"ip,omitempty"`
	Country    string    `json:"country,omitempty"`
	City       string    `json:"city,omitempty"`
	Region     string    `json:"region,omitempty"`
}

// Bucket is one aggregated time bucket.
type Bucket struct {
	Time   time.Time
	Counts map[string]int64
}

// Usage is an identifier and its accumulated score within a category.
type Usage struct {
	Identifier string
	Count      int64
}

// MostUsage holds the top identifiers per decision category.
type MostUsage struct {
	Allowed     []Usage
	RateLimited []Usage
	Denied      []Usage
}

// Analytics records and aggregates events for one Redis instance.
type Analytics struct {
	client     redis.UniversalClient
	prefix     string
	bucketSize time.Duration

	// Now is the time source; swappable in tests.
	Now func() time.Time
}

// Option configures Analytics.
type Option func(*Analytics)

// WithPrefix sets the key prefix (default "@app/analytics").
func WithPrefix(prefix string) Option {
	return func(a *Analytics) { a.prefix = prefix }
}

// WithBucketSize sets the aggregation bucket width (default 1h).
func WithBucketSize(size time.Duration) Option {
	return func(a *Analytics) { a.bucketSize = size }
}

// New constructs an Analytics sink on the given client.
func New(client redis.UniversalClient, opts ...Option) *Analytics {
	a := &Analytics{
		client:     client,
		prefix:     DefaultPrefix,
		bucketSize: DefaultBucketSize,
		Now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// BucketSize returns the configured bucket width.
func (a *Analytics) BucketSize() time.Duration {
	return a.bucketSize
}

// bucket aligns t down to its bucket's start, in unix milliseconds.
func (a *Analytics) bucket(t time.Time) int64 {
	size := a.bucketSize.Milliseconds()

	return (t.UnixMilli() / size) * size
}

func (a *Analytics) key(table string, bucket int64) string {
	return fmt.Sprintf("%s:%s:%d", a.prefix, table, bucket)
}

// Ingest appends events into their time buckets, one pipeline round trip for
// the whole batch. Duplicate encodings within a bucket accumulate score.
func (a *Analytics) Ingest(ctx context.Context, table string, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	pipe := a.client.Pipeline()
	for _, event := range events {
		t := event.Time
		if t.IsZero() {
			t = a.Now()
		}

		b, err := json.Marshal(event)
		if err != nil {
			return err
		}
		pipe.ZIncrBy(ctx, a.key(table, a.bucket(t)), 1, string(b))
	}
	_, err := pipe.Exec(ctx)

	return err
}

// AggregateBucket groups one bucket's events by the given field and sums
// scores per distinct value, atomically on the server.
func (a *Analytics) AggregateBucket(ctx context.Context, table, field string, bucket int64) (map[string]int64, error) {
	raw, err := aggregate.Run(ctx, a.client, []string{a.key(table, bucket)}, field).Slice()
	if err != nil {
		return nil, err
	}

	return parseCounts(raw), nil
}

// AggregateBuckets walks backward n buckets from now and aggregates each by
// field, one call per bucket.
func (a *Analytics) AggregateBuckets(ctx context.Context, table, field string, n int) ([]Bucket, error) {
	return a.AggregateBucketsPipeline(ctx, table, field, n, 1)
}

// AggregateBucketsPipeline is AggregateBuckets with batched round trips:
// batch bucket aggregations are pipelined per Exec. batchSize <= 0 uses
// DefaultBatchSize. The script is loaded up front and re-registered if the
// server has dropped it from its cache.
func (a *Analytics) AggregateBucketsPipeline(ctx context.Context, table, field string, n, batchSize int) ([]Bucket, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	if err := ensureLoaded(ctx, a.client, aggregate); err != nil {
		return nil, err
	}

	size := a.bucketSize.Milliseconds()
	newest := a.bucket(a.Now())

	buckets := make([]Bucket, 0, n)
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)

		run := func() ([]*redis.Cmd, error) {
			pipe := a.client.Pipeline()
			cmds := make([]*redis.Cmd, 0, end-start)
			for i := start; i < end; i++ {
				bucket := newest - int64(i)*size
				cmds = append(cmds, pipe.EvalSha(ctx, aggregate.Hash(), []string{a.key(table, bucket)}, field))
			}
			_, err := pipe.Exec(ctx)
			return cmds, err
		}

		cmds, err := run()
		if isNoScript(err) {
			// the server dropped its script cache, e.g. after a restart;
			// re-register and replay the batch
			if err = aggregate.Load(ctx, a.client).Err(); err != nil {
				return nil, err
			}
			cmds, err = run()
		}
		if err != nil && !isRedisNil(err) {
			return nil, err
		}

		for i, cmd := range cmds {
			raw, err := cmd.Slice()
			if err != nil && !isRedisNil(err) {
				return nil, err
			}
			buckets = append(buckets, Bucket{
				Time:   time.UnixMilli(newest - int64(start+i)*size),
				Counts: parseCounts(raw),
			})
		}
	}

	return buckets, nil
}

// MostAllowedBlocked unions the newest n buckets and returns the top k
// identifiers per category. checkAtMost bounds how many distinct entries the
// procedure inspects; 0 uses 10*k. The budget makes very large unions cheap
// at the cost of possibly under-counting rare categories.
func (a *Analytics) MostAllowedBlocked(ctx context.Context, table string, buckets, k, checkAtMost int) (MostUsage, error) {
	if checkAtMost <= 0 {
		checkAtMost = 10 * k
	}

	size := a.bucketSize.Milliseconds()
	newest := a.bucket(a.Now())

	keys := make([]string, 0, buckets)
	for i := range buckets {
		keys = append(keys, a.key(table, newest-int64(i)*size))
	}

	raw, err := top.Run(ctx, a.client, keys, k, checkAtMost).Slice()
	if err != nil {
		return MostUsage{}, err
	}
	if len(raw) != 3 {
		return MostUsage{}, fmt.Errorf("analytics: unexpected top reply of length %d", len(raw))
	}

	return MostUsage{
		Allowed:     parseUsage(raw[0]),
		RateLimited: parseUsage(raw[1]),
		Denied:      parseUsage(raw[2]),
	}, nil
}

func parseCounts(raw []any) map[string]int64 {
	counts := make(map[string]int64, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		value, ok := raw[i].(string)
		if !ok {
			continue
		}
		count, ok := raw[i+1].(int64)
		if !ok {
			continue
		}
		counts[value] = count
	}

	return counts
}

func parseUsage(v any) []Usage {
	flat, _ := v.([]any)

	usage := make([]Usage, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		id, ok := flat[i].(string)
		if !ok {
			continue
		}
		count, ok := flat[i+1].(int64)
		if !ok {
			continue
		}
		usage = append(usage, Usage{Identifier: id, Count: count})
	}

	return usage
}

func ensureLoaded(ctx context.Context, client redis.UniversalClient, script *redis.Script) error {
	exists, err := client.ScriptExists(ctx, script.Hash()).Result()
	if err != nil {
		return err
	}
	if len(exists) > 0 && exists[0] {
		return nil
	}

	return script.Load(ctx, client).Err()
}

func isRedisNil(err error) bool {
	return err == redis.Nil || (err != nil && strings.Contains(err.Error(), "redis: nil"))
}

func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}
