package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripline/internal/clock"
)

// Increments and arms expiry in one step so a crash can never leave a counter without a TTL.
const fixedWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

// FixedWindow admits exactly the first N hits of each aligned window.
type FixedWindow struct {
	client redis.Scripter
	script *redis.Script
	clock  clock.Clock
}

type WindowResult struct {
	Allowed bool
	Count   int64
	Limit   int
	ResetAt time.Time
}

func NewFixedWindow(client redis.Scripter, clk clock.Clock) *FixedWindow {
	if client == nil {
		return nil
	}
	if clk == nil {
		clk = clock.New()
	}
	return &FixedWindow{
		client: client,
		script: redis.NewScript(fixedWindowScript),
		clock:  clk,
	}
}

// Hit consumes one slot of key's current window.
func (w *FixedWindow) Hit(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error) {
	if w == nil || w.client == nil {
		return WindowResult{}, ErrNotConfigured
	}
	if key == "" {
		return WindowResult{}, ErrEmptyKey
	}
	if limit <= 0 || window <= 0 {
		return WindowResult{}, errors.New("fixed window limit and size must be positive")
	}

	now := w.clock.Now()
	index := now.UnixMilli() / window.Milliseconds()
	resetAt := time.UnixMilli((index + 1) * window.Milliseconds()).UTC()
	ttl := resetAt.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	count, err := w.script.Run(ctx, w.client, []string{fmt.Sprintf("%s:%d", key, index)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return WindowResult{}, err
	}
	return WindowResult{
		Allowed: count <= int64(limit),
		Count:   count,
		Limit:   limit,
		ResetAt: resetAt,
	}, nil
}
