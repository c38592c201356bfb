package ratelimit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Error is the sentinel wrapped by every configuration error in this package.
// Configuration errors surface at construction time and are never retried.
var Error = errors.New("ratelimit")

// ParseWindow parses a human readable window such as "10 s", "1m", "2 h" or
// "1 d" into a duration. Supported units are ms, s, m, h and d.
func ParseWindow(s string) (time.Duration, error) {
	raw := strings.TrimSpace(s)
	i := 0
	for i < len(raw) && (raw[i] >= '0' && raw[i] <= '9') {
		i++
	}
	value, unit := raw[:i], strings.TrimSpace(raw[i:])
	if value == "" {
		return 0, fmt.Errorf("%w: invalid window %q", Error, s)
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid window %q", Error, s)
	}

	var d time.Duration
	switch unit {
	case "ms":
		d = time.Millisecond
	case "s":
		d = time.Second
	case "m":
		d = time.Minute
	case "h":
		d = time.Hour
	case "d":
		d = 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: unknown window unit %q", Error, s)
	}

	if n <= 0 {
		return 0, fmt.Errorf("%w: window must be greater than 0, got %q", Error, s)
	}

	return time.Duration(n) * d, nil
}
