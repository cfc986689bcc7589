package imagecache

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
)

func exerciseKnownBad(t *testing.T, s KnownBad) {
	t.Helper()
	ctx := context.Background()

	if ok, err := s.Contains(ctx, "k1"); err != nil || ok {
		t.Fatalf("empty set Contains = %v, %v", ok, err)
	}
	if err := s.Add(ctx, "k2", "k1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Contains(ctx, "k1"); !ok {
		t.Errorf("k1 missing after Add")
	}
	keys, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "k1" || keys[1] != "k2" {
		t.Errorf("List = %v", keys)
	}
	if err := s.Remove(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Contains(ctx, "k1"); ok {
		t.Errorf("k1 present after Remove")
	}
	if err := s.Add(ctx); err != nil {
		t.Errorf("empty Add: %v", err)
	}
}

func TestMemoryKnownBad(t *testing.T) {
	exerciseKnownBad(t, NewMemoryKnownBad())

	seeded := NewMemoryKnownBad("seed")
	if ok, _ := seeded.Contains(context.Background(), "seed"); !ok {
		t.Errorf("seed key missing")
	}
}

func TestRedisKnownBad(t *testing.T) {
	addr := os.Getenv("POOLFEED_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping Redis known-bad test: POOLFEED_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	set := "poolfeed:test:known_bad"
	ctx := context.Background()
	_ = client.Del(ctx, set).Err()
	defer client.Del(ctx, set)

	exerciseKnownBad(t, NewRedisKnownBad(client, set))
}
