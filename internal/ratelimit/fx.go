package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripline/internal/clock"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(
		provideFixedWindow,
		provideTokenBucket,
		provideLocker,
		NewPushLimiter,
	),
)

func provideFixedWindow(client *redis.Client, clk clock.Clock) *FixedWindow {
	return NewFixedWindow(client, clk)
}

func provideTokenBucket(client *redis.Client, clk clock.Clock) *TokenBucket {
	return NewTokenBucket(client, clk)
}

func provideLocker(client *redis.Client) *Locker {
	return NewLocker(client)
}
