package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestLocalLockerExcludesConcurrentHolders(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	lease, err := l.Obtain(ctx, "backfill", time.Minute)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if _, err := l.Obtain(ctx, "backfill", time.Minute); !errors.Is(err, ErrNotObtained) {
		t.Fatalf("expected ErrNotObtained, got %v", err)
	}
	if _, err := l.Obtain(ctx, "catalog", time.Minute); err != nil {
		t.Fatalf("other keys are independent: %v", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("double release must be harmless: %v", err)
	}
	if _, err := l.Obtain(ctx, "backfill", time.Minute); err != nil {
		t.Fatalf("obtain after release: %v", err)
	}
}

func TestLocalLockerExpiresAfterTTL(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()
	if _, err := l.Obtain(ctx, "k", time.Millisecond); err != nil {
		t.Fatalf("obtain: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := l.Obtain(ctx, "k", time.Minute); err != nil {
		t.Fatalf("expired lease should be reclaimable: %v", err)
	}
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("LOCALVENTAS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set LOCALVENTAS_TEST_REDIS_ADDR to run redis lock integration test")
	}
	r := NewRedisLocker(addr, os.Getenv("LOCALVENTAS_TEST_REDIS_PASSWORD"), 0)
	t.Cleanup(func() { _ = r.Close() })
	ctx := context.Background()
	if err := r.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	key := "test-" + time.Now().Format("150405.000000")
	lease, err := r.Obtain(ctx, key, 5*time.Second)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if _, err := r.Obtain(ctx, key, 5*time.Second); !errors.Is(err, ErrNotObtained) {
		t.Fatalf("expected ErrNotObtained, got %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}
