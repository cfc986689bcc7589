package imagecache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// KnownBad is the set of content keys whose cached asset must never be
// served. A member is treated as a cache miss on every resolution.
type KnownBad interface {
	Contains(ctx context.Context, key string) (bool, error)
	Add(ctx context.Context, keys ...string) error
	Remove(ctx context.Context, keys ...string) error
	List(ctx context.Context) ([]string, error)
}

// MemoryKnownBad is a process-local KnownBad.
type MemoryKnownBad struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

var _ KnownBad = (*MemoryKnownBad)(nil)

// NewMemoryKnownBad returns a set seeded with keys.
func NewMemoryKnownBad(keys ...string) *MemoryKnownBad {
	s := &MemoryKnownBad{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return s
}

func (s *MemoryKnownBad) Contains(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok, nil
}

func (s *MemoryKnownBad) Add(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return nil
}

func (s *MemoryKnownBad) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.keys, k)
	}
	return nil
}

func (s *MemoryKnownBad) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// DefaultKnownBadSet is the Redis set RedisKnownBad uses when none is given.
const DefaultKnownBadSet = "poolfeed:images:known_bad"

// RedisKnownBad keeps the set in Redis so every process shares it.
type RedisKnownBad struct {
	client *redis.Client
	set    string
}

var _ KnownBad = (*RedisKnownBad)(nil)

// NewRedisKnownBad uses the Redis set named set.
func NewRedisKnownBad(client *redis.Client, set string) *RedisKnownBad {
	if set == "" {
		set = DefaultKnownBadSet
	}
	return &RedisKnownBad{client: client, set: set}
}

func (s *RedisKnownBad) Contains(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.set, key).Result()
	if err != nil {
		return false, fmt.Errorf("known-bad lookup: %w", err)
	}
	return ok, nil
}

func (s *RedisKnownBad) Add(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.SAdd(ctx, s.set, toArgs(keys)...).Err(); err != nil {
		return fmt.Errorf("known-bad add: %w", err)
	}
	return nil
}

func (s *RedisKnownBad) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.SRem(ctx, s.set, toArgs(keys)...).Err(); err != nil {
		return fmt.Errorf("known-bad remove: %w", err)
	}
	return nil
}

func (s *RedisKnownBad) List(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.set).Result()
	if err != nil {
		return nil, fmt.Errorf("known-bad list: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func toArgs(keys []string) []any {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return args
}
