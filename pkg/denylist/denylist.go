// Package denylist maintains a Redis-backed set of denied identifiers fed by
// an external IP reputation feed, with TTL-bound freshness and single-flight
// refresh.
//
// Three keys per prefix: the combined deny set ("all"), the feed-sourced
// subset ("ip"), and a status marker whose TTL encodes freshness. A positive
// TTL means the list is valid; a missing key means it is stale and the next
// checker to notice writes a short-lived "pending" marker so exactly one
// caller performs the refresh while everyone else keeps serving from the
// stale set.
package denylist

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Error is the sentinel wrapped by configuration errors in this package.
var Error = errors.New("denylist")

//go:embed check.lua
var checkScript string

var check = redis.NewScript(checkScript)

// pendingTTL bounds the refresh race window: if the refresher dies, the
// marker expires and the next check elects a new one.
const pendingTTL = 10 * time.Second

// Result is the outcome of a membership check.
type Result struct {
	// DeniedValue is the first candidate found in the deny set, empty when
	// none matched.
	DeniedValue string

	// RefreshNeeded reports that the status marker had expired and this
	// caller won the single-flight election to refresh the list.
	RefreshNeeded bool
}

// Checker reads and maintains the deny list.
type Checker struct {
	client redis.UniversalClient
	prefix string
	feed   Feed

	// Now is the time source for the refresh jitter. Swappable in tests.
	Now func() time.Time
}

// New constructs a Checker. The default feed is the public ipsum list.
func New(client redis.UniversalClient, prefix string, opts ...CheckerOption) *Checker {
	c := &Checker{
		client: client,
		prefix: prefix,
		feed:   NewHTTPFeed(""),
		Now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithFeed replaces the identifier feed.
func WithFeed(feed Feed) CheckerOption {
	return func(c *Checker) { c.feed = feed }
}

func (c *Checker) allKey() string    { return c.prefix + ":denylist:all" }
func (c *Checker) ipKey() string     { return c.prefix + ":denylist:ip" }
func (c *Checker) statusKey() string { return c.prefix + ":denylist:status" }

// Check tests every candidate against the combined set and reads the
// freshness marker in one atomic procedure. A stale marker is replaced by a
// short-TTL "pending" value inside the same procedure, so only the caller
// that observed the expiry is told to refresh.
func (c *Checker) Check(ctx context.Context, candidates ...string) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, nil
	}

	argv := make([]any, 0, len(candidates)+1)
	argv = append(argv, pendingTTL.Milliseconds())
	for _, m := range candidates {
		argv = append(argv, m)
	}

	res, err := check.Run(ctx, c.client, []string{c.allKey(), c.statusKey()}, argv...).Int64Slice()
	if err != nil {
		return Result{}, err
	}

	var out Result
	for i, flag := range res[:len(candidates)] {
		if flag == 1 {
			out.DeniedValue = candidates[i]
			break
		}
	}
	out.RefreshNeeded = res[len(candidates)] == -2

	return out, nil
}

// Update replaces the feed-sourced subset with a fresh fetch at the given
// severity threshold, preserving manually added entries, and marks the list
// valid with a jittered TTL. The whole swap is one transaction.
func (c *Checker) Update(ctx context.Context, threshold int) error {
	if threshold < 1 || threshold > 8 {
		return fmt.Errorf("%w: threshold must be between 1 and 8, got %d", Error, threshold)
	}

	ips, err := c.feed.Fetch(ctx, threshold)
	if err != nil {
		return err
	}

	members := make([]any, len(ips))
	for i, ip := range ips {
		members[i] = ip
	}

	pipe := c.client.TxPipeline()
	// drop the previous feed subset from the combined set, keeping manual
	// entries, then swap in the fresh subset
	pipe.SDiffStore(ctx, c.allKey(), c.allKey(), c.ipKey())
	pipe.Del(ctx, c.ipKey())
	if len(members) > 0 {
		pipe.SAdd(ctx, c.ipKey(), members...)
	}
	pipe.SUnionStore(ctx, c.allKey(), c.allKey(), c.ipKey())
	pipe.Set(ctx, c.statusKey(), "valid", statusTTL(c.Now()))
	_, err = pipe.Exec(ctx)

	return err
}

// Disable removes the feed-sourced entries and the freshness marker so no
// further refreshes happen. Manually added entries survive in the combined
// set.
func (c *Checker) Disable(ctx context.Context) error {
	pipe := c.client.TxPipeline()
	pipe.SDiffStore(ctx, c.allKey(), c.allKey(), c.ipKey())
	pipe.Del(ctx, c.ipKey(), c.statusKey())
	_, err := pipe.Exec(ctx)

	return err
}

// Add inserts manual entries into the combined set.
func (c *Checker) Add(ctx context.Context, identifiers ...string) error {
	members := make([]any, len(identifiers))
	for i, id := range identifiers {
		members[i] = id
	}

	return c.client.SAdd(ctx, c.allKey(), members...).Err()
}

// Remove deletes entries from both the combined and the feed-sourced set.
func (c *Checker) Remove(ctx context.Context, identifiers ...string) error {
	members := make([]any, len(identifiers))
	for i, id := range identifiers {
		members[i] = id
	}

	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, c.allKey(), members...)
	pipe.SRem(ctx, c.ipKey(), members...)
	_, err := pipe.Exec(ctx)

	return err
}

// statusTTL returns how long the freshness marker stays valid. The TTL lands
// near a fixed daily offset (2h after midnight UTC) instead of a full day
// from now, so instances refreshed at different times of day do not drift
// into refreshing in lockstep.
func statusTTL(now time.Time) time.Duration {
	const (
		day    = 24 * time.Hour
		offset = 2 * time.Hour
	)

	ms := day.Milliseconds() - ((now.UnixMilli() - offset.Milliseconds()) % day.Milliseconds())

	return time.Duration(ms) * time.Millisecond
}
