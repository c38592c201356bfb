package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/manenim/ratelimit/pkg/analytics"
	"github.com/manenim/ratelimit/pkg/denylist"
)

// analyticsTable is the table limit decisions are recorded into.
const analyticsTable = "events"

// Limiter composes an algorithm, the ephemeral cache, the deny list and the
// analytics sink into one decision surface.
type Limiter struct {
	algo       Algorithm
	prefix     string
	timeout    time.Duration
	cache      EphemeralCache
	analytics *analytics.Analytics // nil when disabled
	denylist  *denylist.Checker

	// protection may be flipped off by DisableDenyList while Limit calls
	// are in flight
	protection atomic.Bool
	threshold  int
	recorder   MetricsRecorder
	log        *slog.Logger
	now        func() time.Time
}

// New builds a limiter against a single store instance.
func New(client redis.UniversalClient, factory AlgorithmFactory, opts ...Option) (*Limiter, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is nil", Error)
	}

	return newLimiter(storage{client: client}, client, factory, opts...)
}

// NewMultiRegion builds a limiter replicated across independent regional
// store instances. Decisions take the first region to answer; a background
// read-repair pass converges the others.
func NewMultiRegion(regions []redis.UniversalClient, factory AlgorithmFactory, opts ...Option) (*Limiter, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("%w: at least one region is required", Error)
	}
	for _, client := range regions {
		if client == nil {
			return nil, fmt.Errorf("%w: region client is nil", Error)
		}
	}

	// analytics and the deny list live on the first region
	return newLimiter(storage{regions: regions}, regions[0], factory, opts...)
}

func newLimiter(s storage, primary redis.UniversalClient, factory AlgorithmFactory, opts ...Option) (*Limiter, error) {
	cfg := newConfig(opts...)
	if cfg.threshold < 1 || cfg.threshold > 8 {
		return nil, fmt.Errorf("%w: deny list threshold must be between 1 and 8, got %d", Error, cfg.threshold)
	}

	// algorithms only see an explicitly injected cache; CachedFixedWindow
	// treats its absence as a configuration error
	s.cache = cfg.cache
	s.log = cfg.log
	s.now = cfg.now

	algo, err := factory(s)
	if err != nil {
		return nil, err
	}

	cache := cfg.cache
	if cache == nil {
		cache = NewCache()
	}

	var denyOpts []denylist.CheckerOption
	if cfg.feed != nil {
		denyOpts = append(denyOpts, denylist.WithFeed(cfg.feed))
	}

	l := &Limiter{
		algo:      algo,
		prefix:    cfg.prefix,
		timeout:   cfg.timeout,
		cache:     cache,
		denylist:  denylist.New(primary, cfg.prefix, denyOpts...),
		threshold: cfg.threshold,
		recorder:  cfg.recorder,
		log:       cfg.log,
		now:       cfg.now,
	}
	l.protection.Store(cfg.protection)
	l.denylist.Now = cfg.now

	if cfg.analytics {
		l.analytics = analytics.New(primary, analytics.WithPrefix(cfg.prefix+":analytics"))
		l.analytics.Now = cfg.now
	}

	return l, nil
}

// Limit decides whether identifier may proceed. Store errors on the decision
// path propagate to the caller; only an explicit timeout fails open, with
// Reason set to ReasonTimeout. Background work spawned by the call is
// reachable through the response's Pending handle.
func (l *Limiter) Limit(ctx context.Context, identifier string, opts ...LimitOption) (*Response, error) {
	start := time.Now()

	var req Request
	for _, opt := range opts {
		opt(&req)
	}
	n := req.Rate
	if n <= 0 {
		n = 1
	}

	key := l.prefix + ":" + identifier
	pending := &Pending{}
	candidates := denyCandidates(identifier, req)

	// local fast path: a candidate blocked in the process cache is denied
	// without touching the store
	if l.protection.Load() {
		for _, candidate := range candidates {
			if until, blocked := l.cache.IsBlocked(candidate); blocked {
				res := &Response{
					Success:     false,
					Limit:       l.algo.Tokens(),
					Remaining:   0,
					Reset:       until,
					Reason:      ReasonCacheBlock,
					DeniedValue: candidate,
					Pending:     pending,
				}
				l.ingest(identifier, req, analytics.Denied, pending)
				l.record(res, start)

				return res, nil
			}
		}
	}

	res, err := l.race(ctx, key, n, candidates, pending)
	if err != nil {
		return nil, err
	}

	l.ingest(identifier, req, outcome(res), res.Pending)
	l.record(res, start)

	return res, nil
}

// race runs the decision against the timeout clock. On timeout the response
// is optimistic: "decision unknown, chose to allow". The undecided store call
// is not cancelled, its eventual result is simply discarded.
func (l *Limiter) race(ctx context.Context, key string, n int64, candidates []string, pending *Pending) (*Response, error) {
	type decision struct {
		res *Response
		err error
	}

	done := make(chan decision, 1)
	go func() {
		res, err := l.decide(ctx, key, n, candidates, pending)
		done <- decision{res: res, err: err}
	}()

	if l.timeout <= 0 {
		d := <-done
		return d.res, d.err
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case d := <-done:
		return d.res, d.err
	case <-timer.C:
		// the losing call keeps attaching its background work to the old
		// handle; the caller gets a fresh one so Wait never races a late Add
		return &Response{
			Success:   true,
			Limit:     l.algo.Tokens(),
			Remaining: l.algo.Tokens(),
			Reset:     l.now().Add(l.timeout),
			Reason:    ReasonTimeout,
			Pending:   &Pending{},
		}, nil
	}
}

// decide runs the algorithm and, when protection is on, the remote deny list
// check concurrently, then merges: a deny list hit overrides the algorithm's
// verdict and a stale list schedules a detached refresh.
func (l *Limiter) decide(ctx context.Context, key string, n int64, candidates []string, pending *Pending) (*Response, error) {
	if !l.protection.Load() {
		return l.algo.Limit(ctx, key, n, pending)
	}

	var (
		res  *Response
		deny denylist.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := l.algo.Limit(gctx, key, n, pending)
		res = r
		return err
	})
	g.Go(func() error {
		d, err := l.denylist.Check(gctx, candidates...)
		deny = d
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if deny.RefreshNeeded {
		refreshCtx := context.WithoutCancel(ctx)
		pending.Go(func() {
			if err := l.denylist.Update(refreshCtx, l.threshold); err != nil {
				l.log.Error("deny list refresh failed", "error", err)
			}
		})
	}

	if deny.DeniedValue != "" {
		l.cache.BlockUntil(deny.DeniedValue, l.now().Add(blockDuration))

		return &Response{
			Success:     false,
			Limit:       res.Limit,
			Remaining:   0,
			Reset:       res.Reset,
			Reason:      ReasonDenyList,
			DeniedValue: deny.DeniedValue,
			Pending:     pending,
		}, nil
	}

	return res, nil
}

// BlockUntilReady polls Limit until it succeeds or timeout passes, sleeping
// until the earlier of the response's reset and the deadline between tries.
// On deadline it returns the last denied response rather than an error.
func (l *Limiter) BlockUntilReady(ctx context.Context, identifier string, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be greater than 0", Error)
	}

	deadline := l.now().Add(timeout)
	for {
		res, err := l.Limit(ctx, identifier)
		if err != nil {
			return nil, err
		}
		if res.Success {
			return res, nil
		}

		wake := res.Reset
		if wake.After(deadline) {
			wake = deadline
		}
		if sleep := wake.Sub(l.now()); sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		if !l.now().Before(deadline) {
			return res, nil
		}
	}
}

// GetRemaining reads the units left for identifier without consuming any.
func (l *Limiter) GetRemaining(ctx context.Context, identifier string) (int64, time.Time, error) {
	return l.algo.Remaining(ctx, l.prefix+":"+identifier)
}

// ResetUsedTokens deletes all stored state for identifier across every
// window and region and clears its cache entries.
func (l *Limiter) ResetUsedTokens(ctx context.Context, identifier string) error {
	l.cache.Pop(identifier)

	return l.algo.Reset(ctx, l.prefix+":"+identifier)
}

// GetUsage returns per-identifier event counts since the given time.
// Requires WithAnalytics.
func (l *Limiter) GetUsage(ctx context.Context, since time.Time) (map[string]int64, error) {
	if l.analytics == nil {
		return nil, fmt.Errorf("%w: analytics are not enabled", Error)
	}

	n := int(l.now().Sub(since)/l.analytics.BucketSize()) + 1
	buckets, err := l.analytics.AggregateBucketsPipeline(ctx, analyticsTable, "identifier", n, 0)
	if err != nil {
		return nil, err
	}

	usage := make(map[string]int64)
	for _, bucket := range buckets {
		for id, count := range bucket.Counts {
			usage[id] += count
		}
	}

	return usage, nil
}

// GetUsageOverTime returns the newest n buckets of allowed / rate limited /
// denied counts. Requires WithAnalytics.
func (l *Limiter) GetUsageOverTime(ctx context.Context, n int) ([]analytics.Bucket, error) {
	if l.analytics == nil {
		return nil, fmt.Errorf("%w: analytics are not enabled", Error)
	}

	return l.analytics.AggregateBucketsPipeline(ctx, analyticsTable, "success", n, 0)
}

// GetMostAllowedBlocked returns the top n identifiers per decision category
// over the last 24 hours. Requires WithAnalytics.
func (l *Limiter) GetMostAllowedBlocked(ctx context.Context, n int) (analytics.MostUsage, error) {
	if l.analytics == nil {
		return analytics.MostUsage{}, fmt.Errorf("%w: analytics are not enabled", Error)
	}

	buckets := int(24 * time.Hour / l.analytics.BucketSize())
	if buckets < 1 {
		buckets = 1
	}

	return l.analytics.MostAllowedBlocked(ctx, analyticsTable, buckets, n, 0)
}

// UpdateDenyList refreshes the deny list from the feed at the given severity
// threshold (1-8).
func (l *Limiter) UpdateDenyList(ctx context.Context, threshold int) error {
	return l.denylist.Update(ctx, threshold)
}

// DisableDenyList removes feed-sourced entries and the freshness marker and
// stops checking the list on this limiter.
func (l *Limiter) DisableDenyList(ctx context.Context) error {
	if err := l.denylist.Disable(ctx); err != nil {
		return err
	}
	l.protection.Store(false)

	return nil
}

// ingest records the decision for analytics off the critical path. Failures
// are logged and swallowed; they never change a limit outcome.
func (l *Limiter) ingest(identifier string, req Request, out analytics.Outcome, pending *Pending) {
	if l.analytics == nil {
		return
	}

	event := analytics.Event{
		Identifier: identifier,
		Time:       l.now(),
		Success:    out,
		IP:         req.IP,
		Country:    req.Country,
	}

	ctx := context.Background()
	pending.Go(func() {
		if err := l.analytics.Ingest(ctx, analyticsTable, event); err != nil {
			l.log.Error("analytics ingest failed", "identifier", identifier, "error", err)
		}
	})
}

func (l *Limiter) record(res *Response, start time.Time) {
	tags := map[string]string{
		"success": strconv.FormatBool(res.Success),
		"reason":  string(res.Reason),
	}
	l.recorder.Add(metricCall, 1, tags)
	l.recorder.Observe(metricLatency, time.Since(start).Seconds(), tags)
}

// denyCandidates lists everything worth testing against the deny list:
// the identifier itself plus any request dimensions provided.
func denyCandidates(identifier string, req Request) []string {
	candidates := []string{identifier}
	if req.IP != "" {
		candidates = append(candidates, req.IP)
	}
	if req.UserAgent != "" {
		candidates = append(candidates, req.UserAgent)
	}
	if req.Country != "" {
		candidates = append(candidates, req.Country)
	}

	return candidates
}

func outcome(res *Response) analytics.Outcome {
	switch {
	case res.Reason == ReasonDenyList || res.Reason == ReasonCacheBlock:
		return analytics.Denied
	case res.Success:
		return analytics.Allowed
	default:
		return analytics.RateLimited
	}
}
