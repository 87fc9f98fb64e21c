package delayqueue

import (
	"context"
	"time"

	"github.com/smallbiznis/tripline/internal/clock"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

type Handler func(ctx context.Context, job Job)

type PollerConfig struct {
	Interval time.Duration
	Workers  int
}

// Poller claims due jobs and runs them on a bounded worker pool.
type Poller struct {
	queue   *Queue
	handler Handler
	cfg     PollerConfig
	clock   clock.Clock
	log     *zap.Logger
	onDepth func(int64)
}

func NewPoller(q *Queue, handler Handler, cfg PollerConfig, clk clock.Clock, log *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		queue:   q,
		handler: handler,
		cfg:     cfg,
		clock:   clk,
		log:     log.Named("delayqueue"),
	}
}

// OnDepth registers a callback that receives the queue depth after every poll.
func (p *Poller) OnDepth(fn func(int64)) {
	p.onDepth = fn
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("delayqueue.poll_failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce claims one batch of due jobs, runs them and waits for them to
// finish. It returns the number of jobs handled.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	jobs, err := p.queue.Claim(ctx, p.clock.Now(), p.cfg.Workers*4)
	if err != nil {
		return 0, err
	}
	if len(jobs) > 0 {
		workers := pool.New().WithMaxGoroutines(p.cfg.Workers)
		for _, job := range jobs {
			workers.Go(func() {
				p.handler(ctx, job)
			})
		}
		workers.Wait()
	}

	if p.onDepth != nil {
		if depth, err := p.queue.Depth(ctx); err == nil {
			p.onDepth(depth)
		}
	}
	return len(jobs), nil
}
