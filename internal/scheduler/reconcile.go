package scheduler

import (
	"context"
	"errors"
	"time"

	obsmetrics "github.com/smallbiznis/tripline/internal/observability/metrics"
	schedulerdomain "github.com/smallbiznis/tripline/internal/scheduler/domain"
	"go.uber.org/zap"
)

const (
	jobReconcile = "reconcile"
	sweepLockKey = "tripline:lifecycle:sweep"
)

// ReconcileJob transitions every plan whose edge is overdue, in case its
// deferred job was lost. Only one process sweeps at a time.
func (s *Scheduler) ReconcileJob(parent context.Context) error {
	return s.runJob(parent, jobReconcile, s.cfg.SweepBatch, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.SweepTimeout)
		defer cancel()

		var token string
		if s.locker != nil {
			var (
				ok  bool
				err error
			)
			token, ok, err = s.locker.TryLock(ctx, sweepLockKey, s.cfg.SweepInterval)
			if err != nil {
				return err
			}
			if !ok {
				s.metrics.IncBatchDeferred(jobReconcile, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
				s.logger(ctx).Debug("scheduler.sweep.lock_held")
				return nil
			}
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
					s.logger(ctx).Warn("scheduler.sweep.unlock_failed", zap.Error(err))
				}
			}()
		}

		var jobErr error
		for i, edge := range schedulerdomain.Edges {
			if i > 0 && !s.renewSweepLease(ctx, token) {
				return jobErr
			}
			jobErr = errors.Join(jobErr, s.reconcileEdge(ctx, edge))
		}
		return jobErr
	})
}

// renewSweepLease extends the sweep lock before the next edge. A sweep that
// lost its lease stops so two nodes never sweep together.
func (s *Scheduler) renewSweepLease(ctx context.Context, token string) bool {
	if s.locker == nil {
		return true
	}
	ok, err := s.locker.Extend(ctx, sweepLockKey, token, s.cfg.SweepInterval)
	if err != nil {
		s.logger(ctx).Warn("scheduler.sweep.extend_failed", zap.Error(err))
		return false
	}
	if !ok {
		s.metrics.IncBatchDeferred(jobReconcile, obsmetrics.SchedulerBatchDeferredReasonLeaseLost)
		s.logger(ctx).Warn("scheduler.sweep.lease_lost")
	}
	return ok
}

func (s *Scheduler) reconcileEdge(ctx context.Context, edge schedulerdomain.Edge) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now()
	var (
		jobErr error
		cursor string
	)
	for {
		plans, err := s.repo.ListDue(ctx, edge, now, cursor, s.cfg.SweepBatch)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(plans) == 0 {
			return jobErr
		}
		cursor = plans[len(plans)-1].ID

		applied := 0
		for _, plan := range plans {
			ok, err := s.applyEdge(ctx, plan.ID, edge, obsmetrics.TransitionSourceReconciled)
			if err != nil {
				s.logSchedulerError(ctx, run, "scheduler.reconcile_failed", plan.ID, err, zap.String("edge", string(edge)))
				jobErr = errors.Join(jobErr, err)
				continue
			}
			if !ok {
				continue
			}
			applied++
			if err := s.afterReconciled(ctx, plan.ID, edge); err != nil {
				jobErr = errors.Join(jobErr, err)
			}
		}
		run.AddProcessed(applied)
		s.metrics.AddBatchProcessed(jobReconcile, string(edge), applied)

		if len(plans) < s.cfg.SweepBatch {
			return jobErr
		}
	}
}

// afterReconciled revokes jobs made stale by a sweep transition. Completion
// revokes both edges.
func (s *Scheduler) afterReconciled(ctx context.Context, planID string, edge schedulerdomain.Edge) error {
	if edge.To() == schedulerdomain.StatusCompleted {
		return s.Cancel(ctx, planID)
	}
	return s.cancelEdge(ctx, planID, edge)
}

// RunForever sweeps every SweepInterval until ctx is done.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.SweepInterval)

	for {
		if err := s.ReconcileJob(ctx); err != nil {
			s.log.Warn("scheduler sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		nextRun = nextRun.Add(s.cfg.SweepInterval)
	}
}
