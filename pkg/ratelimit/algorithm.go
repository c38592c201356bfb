package ratelimit

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// storage is the tagged union of backing stores an algorithm can be bound to.
// Exactly one of client or regions is set. Factories match on it exhaustively;
// algorithms without a multi-region variant reject the regions form with a
// configuration error instead of guessing.
type storage struct {
	client  redis.UniversalClient   // single region
	regions []redis.UniversalClient // one independent instance per region

	cache EphemeralCache
	log   *slog.Logger
	now   func() time.Time
}

// AlgorithmFactory binds an algorithm's parameters to a concrete store.
// The orchestrator invokes it once at construction time.
type AlgorithmFactory func(s storage) (Algorithm, error)

func validateWindow(tokens int64, window time.Duration) error {
	if tokens <= 0 {
		return fmt.Errorf("%w: tokens must be greater than 0", Error)
	}
	if window <= 0 {
		return fmt.Errorf("%w: window must be greater than 0", Error)
	}

	return nil
}

// windowKey appends the aligned bucket number to key.
func windowKey(key string, bucket int64) string {
	return fmt.Sprintf("%s:%d", key, bucket)
}

func clampRemaining(remaining int64) int64 {
	if remaining < 0 {
		return 0
	}

	return remaining
}
