package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLimiter(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	limiter := NewRedis(client, 25*time.Millisecond, nil)
	key := "upload:user:42"

	if d := limiter.Allow(ctx, key, 2); !d.Allowed || d.Count != 1 || d.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", d)
	}
	if d := limiter.Allow(ctx, key, 2); !d.Allowed || d.Count != 2 {
		t.Fatalf("unexpected second decision: %+v", d)
	}
	if d := limiter.Allow(ctx, key, 2); d.Allowed || d.Count != 3 {
		t.Fatalf("unexpected third decision: %+v", d)
	}
	if !mr.Exists("blobgate:rl:" + key) {
		t.Fatalf("expected prefixed counter key, have %v", mr.Keys())
	}
	mr.FastForward(30 * time.Millisecond)
	if d := limiter.Allow(ctx, key, 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", d)
	}
}

func TestRedisLimiterReset(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	limiter := NewRedis(client, time.Minute, nil)
	limiter.Allow(ctx, "k", 1)
	if err := limiter.Reset(ctx, "k"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if mr.Exists("blobgate:rl:k") {
		t.Fatal("expected counter key to be deleted")
	}
	if d := limiter.Allow(ctx, "k", 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected fresh counter, got %+v", d)
	}
}

func TestRedisLimiterUnavailableUsesFallback(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()
	limiter := NewRedis(client, time.Second, nil)
	if d := limiter.Allow(context.Background(), "k", 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected fallback allow on redis outage, got %+v", d)
	}
	if d := limiter.Allow(context.Background(), "k", 1); d.Allowed {
		t.Fatalf("expected fallback limiter to enforce limits, got %+v", d)
	}
}

func TestRedisLimiterWithoutFallbackAllows(t *testing.T) {
	limiter := &RedisLimiter{Window: time.Second}
	d := limiter.Allow(context.Background(), "k", 3)
	if !d.Allowed || d.Count != 0 || d.Remaining != 3 {
		t.Fatalf("expected permissive decision, got %+v", d)
	}
}

func TestRedisLimiterUnexpectedScriptResult(t *testing.T) {
	_, client := newMiniredis(t)
	limiter := NewRedis(client, time.Second, nil)

	original := rateLimitScript
	rateLimitScript = redis.NewScript(`return {1}`)
	defer func() { rateLimitScript = original }()

	if d := limiter.Allow(context.Background(), "k", 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected fallback first decision, got %+v", d)
	}
	if d := limiter.Allow(context.Background(), "k", 1); d.Allowed {
		t.Fatalf("expected fallback enforcement, got %+v", d)
	}
}
