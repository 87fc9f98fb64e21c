package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tripline/internal/cache"
	"github.com/smallbiznis/tripline/internal/clock"
	"github.com/smallbiznis/tripline/internal/config"
	"github.com/smallbiznis/tripline/internal/directory"
	"github.com/smallbiznis/tripline/internal/events/publisher"
	"github.com/smallbiznis/tripline/internal/notification"
	"github.com/smallbiznis/tripline/internal/observability"
	"github.com/smallbiznis/tripline/internal/ratelimit"
	"github.com/smallbiznis/tripline/internal/realtime/gateway"
	"github.com/smallbiznis/tripline/internal/realtime/hub"
	"github.com/smallbiznis/tripline/internal/scheduler"
	"github.com/smallbiznis/tripline/internal/server"
	"github.com/smallbiznis/tripline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		ratelimit.Module,

		directory.Module,
		hub.Module,
		notification.Module,
		publisher.Module,
		gateway.Module,

		// Schedule API only, workers run in apps/scheduler
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		panic(err)
	}
	return node
}
