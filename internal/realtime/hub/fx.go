package hub

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripline/internal/config"
	"github.com/smallbiznis/tripline/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ModeLocal = "local"
	ModeRedis = "redis"
)

var Module = fx.Module("realtime.hub",
	fx.Provide(NewLocalHub),
	fx.Provide(provideHub),
)

type hubParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Local     *LocalHub
	Redis     *redis.Client `optional:"true"`
	Log       *zap.Logger
	Metrics   *metrics.RealtimeMetrics
}

func provideHub(p hubParams) (Hub, error) {
	switch p.Config.Gateway.HubMode {
	case ModeLocal:
		p.Log.Info("realtime hub running in-process only")
		return p.Local, nil
	case ModeRedis, "":
	default:
		return nil, fmt.Errorf("unknown hub mode %q", p.Config.Gateway.HubMode)
	}
	if p.Redis == nil {
		return nil, fmt.Errorf("redis hub requires a redis client")
	}

	h := NewRedisHub(p.Redis, p.Local, fmt.Sprintf("%s-%d", p.Config.AppName, p.Config.NodeID), p.Log, p.Metrics)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			h.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			return h.Close()
		},
	})
	return h, nil
}
