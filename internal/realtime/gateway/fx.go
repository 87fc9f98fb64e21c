package gateway

import (
	"context"

	"github.com/smallbiznis/tripline/internal/cache"
	directorydomain "github.com/smallbiznis/tripline/internal/directory/domain"
	"github.com/smallbiznis/tripline/internal/events/publisher"
	schedulerdomain "github.com/smallbiznis/tripline/internal/scheduler/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("realtime.gateway",
	fx.Provide(
		NewVerifier,
		NewPresence,
		func(m directorydomain.Membership) Authorizer { return NewAuthorizer(m) },
		func(p *publisher.Publisher) EventPublisher { return p },
		func(r schedulerdomain.Repository) PlanReader { return r },
		func(c *cache.EventCache) Replayer { return c },
		New,
	),
	fx.Invoke(registerShutdown),
)

func registerShutdown(lc fx.Lifecycle, g *Gateway) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return g.Shutdown(ctx)
		},
	})
}
