package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Reason explains a decision that did not come from the algorithm itself.
type Reason string

const (
	// ReasonDenyList marks a request rejected because one of its candidate
	// identifiers is on the deny list.
	ReasonDenyList Reason = "denyList"

	// ReasonCacheBlock marks a request rejected by the process-local cache
	// without touching the store.
	ReasonCacheBlock Reason = "cacheBlock"

	// ReasonTimeout marks a request allowed optimistically because the store
	// did not answer within the configured timeout.
	ReasonTimeout Reason = "timeout"
)

// Response is the outcome of a single limit check.
type Response struct {
	// Success reports whether the request may proceed.
	Success bool

	// Limit is the maximum number of requests in the window.
	Limit int64

	// Remaining is the number of requests left in the window, never negative.
	Remaining int64

	// Reset is when the limit resets. Always in the future and, for
	// window-based algorithms, aligned to a window boundary.
	Reset time.Time

	// Reason is empty for plain algorithm decisions.
	Reason Reason

	// DeniedValue holds the candidate that matched the deny list, if any.
	DeniedValue string

	// Pending tracks background work spawned by this call: multi-region
	// reconciliation, analytics ingestion and deny list refreshes. Callers
	// that care (tests, serverless handlers about to exit) call Wait.
	Pending *Pending
}

// Pending is a handle over background work detached from the decision path.
type Pending struct {
	wg sync.WaitGroup
}

// Go runs fn in a new goroutine tracked by the handle.
func (p *Pending) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// Wait blocks until all tracked background work has finished.
func (p *Pending) Wait() {
	p.wg.Wait()
}

// Request carries optional per-call inputs to Limit.
type Request struct {
	IP        string
	UserAgent string
	Country   string

	// Rate is the cost of this call in units of the limit. Zero means 1.
	Rate int64
}

// LimitOption mutates the per-call Request.
type LimitOption func(*Request)

// WithIP adds the caller IP as a deny list candidate and analytics field.
func WithIP(ip string) LimitOption {
	return func(r *Request) { r.IP = ip }
}

// WithUserAgent adds the caller user agent as a deny list candidate.
func WithUserAgent(ua string) LimitOption {
	return func(r *Request) { r.UserAgent = ua }
}

// WithCountry adds the caller country as a deny list candidate and
// analytics field.
func WithCountry(country string) LimitOption {
	return func(r *Request) { r.Country = country }
}

// WithRate makes the call consume n units instead of 1.
func WithRate(n int64) LimitOption {
	return func(r *Request) { r.Rate = n }
}

// Algorithm is a rate limiting strategy bound to its storage.
//
// Implementations are constructed through an AlgorithmFactory so the same
// factory value can serve both single-region and multi-region limiters.
type Algorithm interface {
	// Limit consumes n units for key and reports the decision. Background
	// work (write-through, reconciliation) is attached to pending.
	Limit(ctx context.Context, key string, n int64, pending *Pending) (*Response, error)

	// Remaining reads the units left for key without consuming any.
	Remaining(ctx context.Context, key string) (remaining int64, reset time.Time, err error)

	// Reset deletes all stored state for key across every window and region.
	Reset(ctx context.Context, key string) error

	// Tokens returns the configured limit.
	Tokens() int64
}
