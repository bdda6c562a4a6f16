package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	result, err := svc.CheckOrReserve(ctx, "home-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateInFlight(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "home-1", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	// Same key while still processing
	if _, err := svc.CheckOrReserve(ctx, "home-1", "key-1"); err != ErrDuplicateRequest {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_ReplayAfterStore(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "home-1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	stored := &IdempotencyResult{AlertID: "alert-abc", StatusCode: 201}
	if err := svc.Store(ctx, "home-1", "key-1", stored); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "home-1", "key-1")
	if err != nil {
		t.Fatalf("replay check failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result on replay")
	}
	if result.AlertID != "alert-abc" || result.StatusCode != 201 {
		t.Errorf("unexpected cached result: %+v", result)
	}
	if result.CreatedAt == 0 {
		t.Error("expected created_at to be stamped on store")
	}
}

func TestIdempotencyService_ReleaseAllowsImmediateRetry(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "home-1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// The request failed after reserving; the marker must come off so a
	// retry with the same key does not sit behind the processing TTL.
	if err := svc.Release(ctx, "home-1", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "home-1", "key-1")
	if err != nil {
		t.Fatalf("expected retry to reserve fresh, got: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result after release, got: %+v", result)
	}
}

func TestIdempotencyService_ScopesAreIndependent(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "home-1", "key-1"); err != nil {
		t.Fatalf("home-1 reserve failed: %v", err)
	}

	// Same key under a different home is a different request.
	if _, err := svc.CheckOrReserve(ctx, "home-2", "key-1"); err != nil {
		t.Fatalf("home-2 reserve failed: %v", err)
	}
}
