package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Each bucket is a sorted set scored by unix-millisecond timestamps. Members
// carry a random suffix so two requests in the same millisecond both count.
//
// KEYS[1] bucket, ARGV: now_ms, window_ms, limit, member, record_always
var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local admitted = 0
if ARGV[5] == '1' or count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  admitted = 1
end
redis.call('PEXPIRE', key, window)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = 0
if oldest[2] then
  reset = tonumber(oldest[2]) + window - now
end
return {count, admitted, reset}
`)

// RedisWindow is a Window shared by every process pointed at the same Redis,
// so a budget such as the public image endpoint holds across replicas.
type RedisWindow struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Window = (*RedisWindow)(nil)

// NewRedisWindow stores buckets under prefix (default "poolfeed:rl:").
func NewRedisWindow(client *redis.Client, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = "poolfeed:rl:"
	}
	return &RedisWindow{client: client, prefix: prefix, now: time.Now}
}

func (w *RedisWindow) Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	return w.eval(ctx, key, limit, window, true)
}

func (w *RedisWindow) Take(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	return w.eval(ctx, key, limit, window, false)
}

// Refund removes the highest-scored member of the key's bucket.
func (w *RedisWindow) Refund(ctx context.Context, key string) error {
	if err := w.client.ZPopMax(ctx, w.prefix+key, 1).Err(); err != nil {
		return fmt.Errorf("redis window %q refund: %w", key, err)
	}
	return nil
}

func (w *RedisWindow) eval(ctx context.Context, key string, limit int, window time.Duration, always bool) (Result, error) {
	now := w.now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()
	flag := "0"
	if always {
		flag = "1"
	}

	vals, err := windowScript.Run(ctx, w.client, []string{w.prefix + key},
		now, window.Milliseconds(), limit, member, flag).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis window %q: %w", key, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("redis window %q: unexpected reply %v", key, vals)
	}

	count, admitted, resetMs := int(vals[0]), vals[1] == 1, vals[2]
	res := Result{
		Limit:     limit,
		Remaining: limit - count,
		Reset:     time.Duration(resetMs) * time.Millisecond,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if always {
		res.Limited = count > limit
	} else {
		res.Limited = !admitted
	}
	return res, nil
}
