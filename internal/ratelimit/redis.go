// internal/ratelimit/redis.go
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript atomically increments the window counter and stamps its expiry
// on first hit, returning {count, ttl_ms}. Keeping both operations in one
// script avoids the counter-without-expiry leak a crash between INCR and
// EXPIRE would cause.
var windowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RedisLimiter enforces fixed windows in Redis so every gateway instance
// observes the same counters.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

func NewRedisLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, window: window}
}

// Check counts every request against the window, including ones it then
// denies. A hammering client therefore cannot sneak through mid-window the
// moment earlier requests age out, which is acceptable because the counter
// still resets with the window. The in-process fallback deliberately keeps
// the cheaper deny-without-increment behavior; only the shared Redis counters
// need the stricter accounting.
func (l *RedisLimiter) Check(ctx context.Context, key string) (Decision, error) {
	res, err := windowScript.Run(ctx, l.rdb, []string{"gate:rl:" + key}, l.window.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	count, _ := res[0].(int64)
	ttlMS, _ := res[1].(int64)
	if ttlMS < 0 {
		ttlMS = l.window.Milliseconds()
	}
	resetAt := time.Now().Add(time.Duration(ttlMS) * time.Millisecond).Unix()
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
