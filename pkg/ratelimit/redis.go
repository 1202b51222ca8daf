package ratelimit

import (
	"context"
	"time"

	"blobgate/pkg/logging"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares counters across gateway replicas. When redis fails it
// degrades to Fallback, or allows when Fallback is nil.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback *InMemoryLimiter
	Log      *zap.Logger
}

func NewRedis(client *redis.Client, window time.Duration, log *zap.Logger) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "blobgate:rl:",
		Timeout:  500 * time.Millisecond,
		Fallback: NewInMemory(window),
		Log:      log,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit)
	}
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Result()
	if err != nil {
		logging.OrNop(l.Log).Warn("rate limit redis unavailable, using fallback", zap.Error(err))
		return l.fallback(ctx, key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(ctx, key, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	return decide(int(count), limit, time.Now().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if l.Fallback != nil {
		_ = l.Fallback.Reset(ctx, key)
	}
	if l.Client == nil {
		return nil
	}
	return l.Client.Del(ctx, l.Prefix+key).Err()
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}
