// Package ratelimit provides distributed rate limiting backed by Redis, for
// a single store instance or replicated across independent regional
// instances.
//
// The primary entry point is the Limiter:
//
//	limiter, _ := ratelimit.New(client, ratelimit.SlidingWindow(10, time.Second))
//	res, err := limiter.Limit(ctx, "user_123")
//
// The returned Response contains whether the request is allowed, how many
// units remain, when the limit resets, and a Pending handle for callers that
// want to await the call's background work.
//
// # Algorithms
//
// Four algorithms with the same Limit API, selected by factory:
//
//   - FixedWindow: quota counted per aligned time bucket. Simple and
//     predictable, but a burst at a window boundary can admit up to twice the
//     limit.
//   - SlidingWindow: fixed-window approximation that weights the previous
//     bucket by the elapsed fraction of the current one. O(1) storage per
//     identifier, no boundary burst.
//   - TokenBucket: continuously refilling quota pool. Supports bursts up to
//     the bucket size while bounding the long-term rate.
//   - CachedFixedWindow: FixedWindow that counts against the process-local
//     cache and writes through to the store asynchronously. Lower latency on
//     hot processes, looser cross-process accuracy.
//
// Every decision is a single Redis Lua script, so read-modify-write-plus-
// expiry is atomic and safe across many application instances. No in-process
// lock is ever part of cross-process correctness.
//
// # Multi-Region
//
// NewMultiRegion runs the same algorithm logic against one store per region.
// Requests are recorded under per-request random ids in hashes rather than as
// raw counters, all regions are called concurrently, and the first to answer
// decides. Once every region has answered, a background read-repair pass
// replicates ids a region is missing, so all regions converge on the same
// write-set within about one round trip. Await it through Response.Pending.
//
// # Deny List and Ephemeral Cache
//
// WithDenyListProtection checks the identifier plus optional request
// dimensions (IP, user agent, country) against a server-side deny set on
// every call; a hit forces a denial regardless of the algorithm's verdict and
// is cached locally for a bounded duration so repeat offenders are rejected
// without a round trip. The deny list refreshes itself from an external feed
// when its freshness marker expires, with a single-flight election so only
// one caller refreshes while others proceed on stale data.
//
// The local cache only ever short-circuits toward "blocked", never toward
// "allowed", so its staleness cannot cause over-admission.
//
// # Timeout Policy
//
// Limit races the store round trip against WithTimeout (default 5s). If the
// store does not answer in time the call fails open: Success is true and
// Reason is ReasonTimeout. This is a deliberate availability-over-strictness
// choice and is distinct from a store error, which propagates to the caller
// unchanged.
//
// # Analytics
//
// WithAnalytics records every decision into time-bucketed scored sets (see
// package analytics) off the critical path. Analytics failures are logged and
// never affect a limit decision. Query through GetUsage, GetUsageOverTime and
// GetMostAllowedBlocked.
//
// # Configuration
//
// The Limiter is configured using the Functional Options pattern:
//
//	limiter, _ := ratelimit.New(client, ratelimit.TokenBucket(10, time.Second, 100),
//		ratelimit.WithPrefix("myapp"),
//		ratelimit.WithTimeout(2*time.Second),
//		ratelimit.WithRecorder(myMetrics),
//	)
//
// Construction validates its inputs: non-positive limits or windows, a deny
// list threshold outside 1-8 and algorithm/store mismatches all return an
// error wrapped around Error before any traffic flows.
package ratelimit
