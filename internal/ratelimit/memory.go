package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a single-process fixed-window limiter. Suitable for the
// in-memory storage mode and for tests; multi-replica deployments should use
// RedisLimiter so all replicas share one counter space.
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

// NewMemoryLimiter creates an in-process limiter. A zero cfg uses defaults.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultConfig().Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &MemoryLimiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// WithClock overrides the time source. Test hook.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// Allow implements Limiter. The check-and-increment is atomic per key, so
// concurrent callers can never admit more than Limit requests in one window.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	start := windowStart(now, l.cfg.Window)
	resetAt := start.Add(l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || w.start.Before(start) {
		w = &window{start: start}
		l.windows[key] = w
	}

	if w.count >= l.cfg.Limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: resetAt.Sub(now),
			ResetAt:    resetAt,
		}, nil
	}

	w.count++
	return Decision{
		Allowed:   true,
		Remaining: l.cfg.Limit - w.count,
		ResetAt:   resetAt,
	}, nil
}

// Sweep drops windows that ended before now. Callers run it periodically to
// keep the map from growing with one entry per key ever seen.
func (l *MemoryLimiter) Sweep() {
	cutoff := windowStart(l.now(), l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, key)
		}
	}
}
