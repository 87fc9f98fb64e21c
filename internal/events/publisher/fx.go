package publisher

import (
	"github.com/smallbiznis/tripline/internal/cache"
	"go.uber.org/fx"
)

var Module = fx.Module("events.publisher",
	fx.Provide(func(c *cache.EventCache) EventStore { return c }),
	fx.Provide(NewPublisher),
)
