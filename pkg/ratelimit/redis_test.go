package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisWindow(t *testing.T) {
	// Only run this test if POOLFEED_TEST_REDIS_ADDR is set
	addr := os.Getenv("POOLFEED_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping Redis window test: POOLFEED_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	w := NewRedisWindow(client, "poolfeed:test:"+uuid.NewString()+":")

	for i := 1; i <= 4; i++ {
		res, err := w.Check(ctx, "ip", 3, time.Second)
		if err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
		if res.Limited != (i == 4) {
			t.Errorf("call %d: expected limited=%v, got %v", i, i == 4, res.Limited)
		}
	}

	res, err := w.Take(ctx, "other", 1, time.Second)
	if err != nil || res.Limited {
		t.Fatalf("expected first take to be admitted, got %+v err=%v", res, err)
	}
	res, _ = w.Take(ctx, "other", 1, time.Second)
	if !res.Limited {
		t.Errorf("expected second take to be limited")
	}

	if err := w.Refund(ctx, "other"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	res, _ = w.Take(ctx, "other", 1, time.Second)
	if res.Limited {
		t.Errorf("expected take after refund to be admitted")
	}
}
