package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript increments the window counter and sets its expiry in one
// round trip. KEYS[1] is the window-scoped counter, ARGV[1] the TTL in
// milliseconds. Returns the count after increment.
var allowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter is a fixed-window limiter backed by a shared Redis instance,
// so every registry replica draws from the same per-key budget. Window keys
// embed the epoch-aligned window start and expire on their own.
type RedisLimiter struct {
	cfg    Config
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter. A zero cfg uses defaults.
func NewRedisLimiter(client redis.UniversalClient, cfg Config) *RedisLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultConfig().Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &RedisLimiter{
		cfg:    cfg,
		client: client,
		prefix: "ans:ratelimit:",
		now:    time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (l *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	l.now = now
	return l
}

// Allow implements Limiter. Redis failures surface as errors; the caller
// decides whether to fail open or closed.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	start := windowStart(now, l.cfg.Window)
	resetAt := start.Add(l.cfg.Window)

	// TTL runs a little past the window end so a clock-skewed replica
	// still finds the counter alive.
	ttl := resetAt.Sub(now) + l.cfg.Window

	windowKey := fmt.Sprintf("%s%s:%d", l.prefix, key, start.Unix())
	n, err := allowScript.Run(ctx, l.client, []string{windowKey}, ttl.Milliseconds()).Int()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check for %q: %w", key, err)
	}

	if n > l.cfg.Limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: resetAt.Sub(now),
			ResetAt:    resetAt,
		}, nil
	}
	return Decision{
		Allowed:   true,
		Remaining: l.cfg.Limit - n,
		ResetAt:   resetAt,
	}, nil
}
