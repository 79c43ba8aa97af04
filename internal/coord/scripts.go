package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Atomic scripts. All multi-step counter updates go through these so that
// no process ever does a read-modify-write cycle against shared state.

// tokenBucketScript refills and consumes one token in a single round trip.
// The caller supplies the clock so the hot path stays deterministic and
// testable. Returns {allowed, tokens_remaining_as_string}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * refill
if tokens > capacity then tokens = capacity end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('EXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// misuseWindowScript prunes, appends and counts a user's misuse timestamps
// atomically. Returns the count inside the window after the append.
var misuseWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
redis.call('ZADD', KEYS[1], now, ARGV[3])
redis.call('EXPIRE', KEYS[1], window)
return redis.call('ZCARD', KEYS[1])
`)

// TakeToken runs the atomic token-bucket script for one key.
// capacity is the bucket size, refillPerSec the regeneration rate. The bucket
// TTL is twice the time-to-full per the store contract.
func (s *Store) TakeToken(ctx context.Context, key string, capacity float64, refillPerSec float64, now time.Time) (allowed bool, remaining float64, err error) {
	if capacity < 1 {
		capacity = 1
	}
	ttl := int64(2 * capacity / refillPerSec)
	if ttl < 1 {
		ttl = 1
	}
	res, err := tokenBucketScript.Run(ctx, s.rdb, []string{key},
		capacity, refillPerSec, float64(now.UnixMilli())/1000.0, ttl).Result()
	if err != nil {
		return false, 0, fmt.Errorf("%w: token bucket: %v", ErrUnavailable, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("token bucket: unexpected reply %v", res)
	}
	allowedInt, _ := vals[0].(int64)
	remaining, _ = toFloat(vals[1])
	return allowedInt == 1, remaining, nil
}

// RecordMisuse appends one misuse event for the user and returns the number
// of events inside the sliding window.
func (s *Store) RecordMisuse(ctx context.Context, userID string, window time.Duration, member string, now time.Time) (int64, error) {
	res, err := misuseWindowScript.Run(ctx, s.rdb, []string{"grid:misuse:" + userID},
		float64(now.UnixMilli())/1000.0, window.Seconds(), member).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: misuse window: %v", ErrUnavailable, err)
	}
	count, _ := res.(int64)
	return count, nil
}
