package scheduler

import (
	"context"

	"github.com/smallbiznis/tripline/internal/config"
	"github.com/smallbiznis/tripline/internal/events/publisher"
	"github.com/smallbiznis/tripline/internal/scheduler/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the scheduling API without running any workers.
var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(repository.Provide),
	fx.Provide(func(p *publisher.Publisher) EventPublisher { return p }),
	fx.Provide(New),
)

// WorkersModule runs the delay-queue poller and the reconciliation sweep.
var WorkersModule = fx.Module("scheduler.workers",
	fx.Invoke(RegisterWorkers),
)

func RegisterWorkers(lc fx.Lifecycle, cfg config.Config, sched *Scheduler, log *zap.Logger) {
	if !cfg.Scheduler.Enabled {
		log.Info("scheduler workers disabled")
		return
	}

	var cancel context.CancelFunc
	done := make(chan struct{}, 2)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			poller := sched.NewPoller()
			go func() {
				defer func() { done <- struct{}{} }()
				poller.Run(ctx)
			}()
			if cfg.Scheduler.SweepEnabled {
				go func() {
					defer func() { done <- struct{}{} }()
					sched.RunForever(ctx)
				}()
			} else {
				done <- struct{}{}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			for i := 0; i < 2; i++ {
				select {
				case <-done:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		},
	})
}
