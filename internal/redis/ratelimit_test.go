package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  5,
		Window: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "home-1")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  3,
		Window: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := limiter.Allow(ctx, "home-1"); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}

	result, err := limiter.Allow(ctx, "home-1")
	if err != nil {
		t.Fatalf("over-limit check failed: %v", err)
	}
	if result.Allowed {
		t.Error("fourth request should be rejected")
	}
	if result.Remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", result.Remaining)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  1,
		Window: time.Minute,
	})
	ctx := context.Background()

	if _, err := limiter.Allow(ctx, "home-1"); err != nil {
		t.Fatalf("home-1 request failed: %v", err)
	}

	result, err := limiter.Allow(ctx, "home-2")
	if err != nil {
		t.Fatalf("home-2 request failed: %v", err)
	}
	if !result.Allowed {
		t.Error("a saturated home must not affect other homes")
	}
}

func TestRateLimiter_ReportsRemaining(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  10,
		Window: time.Minute,
	})
	ctx := context.Background()

	result, err := limiter.Allow(ctx, "home-1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if result.Remaining != 9 {
		t.Errorf("expected 9 remaining after first request, got %d", result.Remaining)
	}
}
