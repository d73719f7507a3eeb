// Package ratelimit holds the Redis-backed counters shared by the channel
// and notification workers: token buckets, diversity windows, and per-user
// daily caps. All state lives in Redis so multiple workers see one budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter wraps a Redis client with the bucket scripts.
type Limiter struct {
	rdb *redis.Client
}

// New builds a Limiter over an existing client.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// tokenBucketScript refills by elapsed time and takes one token atomically.
// KEYS[1] bucket hash; ARGV: capacity, refill tokens per second (float),
// now unix-millis. Returns {allowed(0|1), retry_after_millis}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsed = math.max(0, now - ts) / 1000.0
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
local retry = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = math.ceil((1 - tokens) / rate * 1000)
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', key, math.ceil(capacity / rate * 1000) * 2)
return {allowed, retry}
`)

// Take attempts to take one token from the named bucket. capacity is the
// burst size; refillPerSec the sustained rate. When denied, retryAfter says
// how long until a token exists.
func (l *Limiter) Take(ctx context.Context, bucket string, capacity int, refillPerSec float64) (allowed bool, retryAfter time.Duration, err error) {
	now := time.Now().UnixMilli()
	res, err := tokenBucketScript.Run(ctx, l.rdb,
		[]string{"bucket:" + bucket}, capacity, refillPerSec, now).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", bucket, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("token bucket %s: bad reply %v", bucket, res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

// CountInWindow increments and returns the count of events for key within a
// rolling window, using a sorted set of event timestamps.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return redis.call('ZCARD', key)
`)

// RecordInWindow records an event under key and returns how many events the
// rolling window now holds, the event included.
func (l *Limiter) RecordInWindow(ctx context.Context, key, member string, window time.Duration) (int, error) {
	now := time.Now().UnixMilli()
	n, err := windowScript.Run(ctx, l.rdb,
		[]string{"window:" + key}, now, window.Milliseconds(), member).Int()
	if err != nil {
		return 0, fmt.Errorf("window %s: %w", key, err)
	}
	return n, nil
}

// WindowCount returns the current rolling-window count without recording.
func (l *Limiter) WindowCount(ctx context.Context, key string, window time.Duration) (int, error) {
	now := time.Now().UnixMilli()
	min := fmt.Sprintf("%d", now-window.Milliseconds())
	n, err := l.rdb.ZCount(ctx, "window:"+key, min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("window count %s: %w", key, err)
	}
	return int(n), nil
}

// RemoveFromWindow drops one recorded member from a rolling window, giving
// its reservation back.
func (l *Limiter) RemoveFromWindow(ctx context.Context, key, member string) error {
	if err := l.rdb.ZRem(ctx, "window:"+key, member).Err(); err != nil {
		return fmt.Errorf("window remove %s: %w", key, err)
	}
	return nil
}

// IncrDaily increments a per-day counter and returns the new value. Keys
// roll over at UTC midnight and expire after 48h.
func (l *Limiter) IncrDaily(ctx context.Context, key string, day time.Time) (int, error) {
	return l.AddDaily(ctx, key, day, 1)
}

// AddDaily adds delta to a per-day counter and returns the new value. A
// negative delta releases a reservation taken with IncrDaily.
func (l *Limiter) AddDaily(ctx context.Context, key string, day time.Time, delta int) (int, error) {
	k := dailyKey(key, day)
	n, err := l.rdb.IncrBy(ctx, k, int64(delta)).Result()
	if err != nil {
		return 0, fmt.Errorf("add daily %s: %w", key, err)
	}
	if n == int64(delta) {
		l.rdb.Expire(ctx, k, 48*time.Hour)
	}
	return int(n), nil
}

// DailyCount reads a per-day counter.
func (l *Limiter) DailyCount(ctx context.Context, key string, day time.Time) (int, error) {
	n, err := l.rdb.Get(ctx, dailyKey(key, day)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daily count %s: %w", key, err)
	}
	return n, nil
}

func dailyKey(key string, day time.Time) string {
	return "daily:" + key + ":" + day.UTC().Format("2006-01-02")
}
