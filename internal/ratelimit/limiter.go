// Package ratelimit provides fixed-window admission limiting for
// registration attempts. Keys are caller-defined (typically source IP);
// within any single window exactly Limit requests are allowed and the
// rest are denied with a retry hint.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long the caller should wait before retrying.
	// Zero when Allowed.
	RetryAfter time.Duration
	// ResetAt is when the current window closes and the counter resets.
	ResetAt time.Time
}

// Limiter decides whether a keyed request may proceed. Allow consumes one
// slot when it grants; denied requests consume nothing.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Config holds the window parameters shared by all implementations.
type Config struct {
	// Limit is the number of requests admitted per window per key.
	Limit int
	// Window is the fixed window length. Windows are aligned to multiples
	// of Window since the Unix epoch, so all replicas agree on boundaries.
	Window time.Duration
}

// DefaultConfig allows 10 registrations per minute per key.
func DefaultConfig() Config {
	return Config{Limit: 10, Window: time.Minute}
}

// windowStart aligns now down to the enclosing window boundary.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}
