package ratelimit

import (
	"log/slog"
	"time"

	"github.com/manenim/ratelimit/pkg/denylist"
)

const (
	// DefaultPrefix namespaces every key the limiter writes.
	DefaultPrefix = "@app/ratelimit"

	// DefaultTimeout bounds how long a decision may wait on the store before
	// failing open.
	DefaultTimeout = 5 * time.Second

	// DefaultDenyListThreshold is the feed severity used when protection is
	// enabled without an explicit threshold.
	DefaultDenyListThreshold = 6

	// blockDuration is how long a deny list hit stays in the local cache's
	// fast path before the store is consulted again.
	blockDuration = time.Minute
)

type config struct {
	prefix     string
	timeout    time.Duration
	cache      EphemeralCache
	analytics  bool
	protection bool
	threshold  int
	feed       denylist.Feed
	recorder   MetricsRecorder
	log        *slog.Logger
	now        func() time.Time
}

func newConfig(opts ...Option) *config {
	c := &config{
		prefix:    DefaultPrefix,
		timeout:   DefaultTimeout,
		threshold: DefaultDenyListThreshold,
		recorder:  NoopRecorder{},
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Option configures a Limiter.
type Option func(*config)

// WithPrefix sets the key prefix (default "@app/ratelimit").
func WithPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

// WithTimeout sets how long Limit waits for the store before returning an
// optimistic fail-open response (default 5s). Zero disables the race.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) { c.timeout = timeout }
}

// WithEphemeralCache injects a process-local cache shared between limiters.
// Without it the limiter builds its own.
func WithEphemeralCache(cache EphemeralCache) Option {
	return func(c *config) { c.cache = cache }
}

// WithAnalytics enables background usage aggregation.
func WithAnalytics() Option {
	return func(c *config) { c.analytics = true }
}

// WithDenyListProtection enables deny list checks on every call.
func WithDenyListProtection() Option {
	return func(c *config) { c.protection = true }
}

// WithDenyListThreshold sets the feed severity threshold (1-8, default 6).
func WithDenyListThreshold(threshold int) Option {
	return func(c *config) { c.threshold = threshold }
}

// WithDenyListFeed replaces the identifier feed backing deny list refreshes
// (default: the public ipsum list).
func WithDenyListFeed(feed denylist.Feed) Option {
	return func(c *config) { c.feed = feed }
}

// WithRecorder injects a custom metrics backend.
func WithRecorder(recorder MetricsRecorder) Option {
	return func(c *config) { c.recorder = recorder }
}

// WithLogger sets the logger for background failures (default slog.Default).
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithClock injects the time source. Tests use it to make windows
// deterministic.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}
