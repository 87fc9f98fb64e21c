package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripline/internal/clock"
)

// The caller supplies the current time so buckets stay consistent with the
// process clock, which tests replace with a fake.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

// TokenBucket smooths bursts of inbound client frames such as typing indicators.
type TokenBucket struct {
	client redis.Scripter
	script *redis.Script
	clock  clock.Clock
}

type BucketResult struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

func NewTokenBucket(client redis.Scripter, clk clock.Clock) *TokenBucket {
	if client == nil {
		return nil
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		clock:  clk,
	}
}

func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (BucketResult, error) {
	if t == nil || t.client == nil {
		return BucketResult{}, ErrNotConfigured
	}
	if key == "" {
		return BucketResult{}, ErrEmptyKey
	}
	if rate <= 0 || burst <= 0 {
		return BucketResult{}, errors.New("token bucket rate and burst must be positive")
	}

	ttl := defaultBucketTTL(rate, burst)
	res, err := t.script.Run(ctx, t.client, []string{key},
		rate,
		burst,
		ttl.Milliseconds(),
		t.clock.Now().UnixMilli(),
	).Slice()
	if err != nil {
		return BucketResult{}, err
	}
	if len(res) < 2 {
		return BucketResult{}, errors.New("invalid token bucket script response")
	}

	allowed := toInt64(res[0]) == 1
	remaining := toFloat64(res[1])

	var retryAfter time.Duration
	if !allowed {
		if needed := 1.0 - remaining; needed > 0 {
			retryAfter = time.Duration(needed / rate * float64(time.Second))
		}
	}
	return BucketResult{Allowed: allowed, Remaining: remaining, RetryAfter: retryAfter}, nil
}

func defaultBucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}
