// Package scheduler advances plans through their timed lifecycle.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripline/internal/clock"
	eventsdomain "github.com/smallbiznis/tripline/internal/events/domain"
	"github.com/smallbiznis/tripline/internal/events/publisher"
	obsmetrics "github.com/smallbiznis/tripline/internal/observability/metrics"
	"github.com/smallbiznis/tripline/internal/ratelimit"
	"github.com/smallbiznis/tripline/internal/scheduler/delayqueue"
	schedulerdomain "github.com/smallbiznis/tripline/internal/scheduler/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const queueName = "lifecycle"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// EventPublisher is satisfied by publisher.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, e eventsdomain.Event, opts ...publisher.Option) bool
}

type Params struct {
	fx.In

	Repo      schedulerdomain.Repository
	Redis     *redis.Client
	Publisher EventPublisher `optional:"true"`
	Locker    *ratelimit.Locker
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    Config
	Metrics   *obsmetrics.SchedulerMetrics `optional:"true"`
	Otel      *obsmetrics.Metrics          `optional:"true"`
}

type Scheduler struct {
	repo      schedulerdomain.Repository
	queue     *delayqueue.Queue
	slots     slots
	publisher EventPublisher
	locker    *ratelimit.Locker
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	metrics   *obsmetrics.SchedulerMetrics
	otel      *obsmetrics.Metrics
}

// Tokens are the delay-queue tokens that currently own each edge of a plan.
type Tokens struct {
	Start string `json:"start_token,omitempty"`
	End   string `json:"end_token,omitempty"`
}

type jobPayload struct {
	PlanID string               `json:"plan_id"`
	Edge   schedulerdomain.Edge `json:"edge"`
}

func New(p Params) (*Scheduler, error) {
	return newScheduler(p.Repo, p.Redis, p.Publisher, p.Locker, p.Log, p.GenID, p.Clock, p.Config, p.Metrics, p.Otel)
}

func newScheduler(
	repo schedulerdomain.Repository,
	client redis.Cmdable,
	pub EventPublisher,
	locker *ratelimit.Locker,
	log *zap.Logger,
	genID *snowflake.Node,
	clk clock.Clock,
	cfg Config,
	m *obsmetrics.SchedulerMetrics,
	otel *obsmetrics.Metrics,
) (*Scheduler, error) {
	if repo == nil || client == nil || log == nil || genID == nil || clk == nil {
		return nil, ErrInvalidConfig
	}
	queue, err := delayqueue.New(client, queueName)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = obsmetrics.Scheduler()
	}
	return &Scheduler{
		repo:      repo,
		queue:     queue,
		slots:     slots{client: client},
		publisher: pub,
		locker:    locker,
		log:       log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       cfg.withDefaults(),
		genID:     genID,
		clock:     clk,
		metrics:   m,
		otel:      otel,
	}, nil
}

// Schedule aligns the deferred jobs of plan with its current status. Past
// instants are queued at now and fire on the next poll.
func (s *Scheduler) Schedule(ctx context.Context, plan schedulerdomain.Plan) (Tokens, error) {
	if strings.TrimSpace(plan.ID) == "" {
		return Tokens{}, schedulerdomain.ErrInvalidPlan
	}

	var (
		tokens Tokens
		err    error
	)
	switch plan.Status {
	case schedulerdomain.StatusUpcoming:
		if tokens.Start, err = s.scheduleEdge(ctx, plan, schedulerdomain.EdgeStart); err != nil {
			return Tokens{}, err
		}
		if tokens.End, err = s.scheduleEdge(ctx, plan, schedulerdomain.EdgeEnd); err != nil {
			return tokens, err
		}
	case schedulerdomain.StatusOngoing:
		if err = s.cancelEdge(ctx, plan.ID, schedulerdomain.EdgeStart); err != nil {
			return Tokens{}, err
		}
		if tokens.End, err = s.scheduleEdge(ctx, plan, schedulerdomain.EdgeEnd); err != nil {
			return Tokens{}, err
		}
	case schedulerdomain.StatusCompleted, schedulerdomain.StatusCancelled:
		return Tokens{}, s.Cancel(ctx, plan.ID)
	default:
		return Tokens{}, fmt.Errorf("%w: %q", schedulerdomain.ErrInvalidStatus, plan.Status)
	}
	return tokens, nil
}

// scheduleEdge queues edge for plan and revokes the token it replaces. A plan
// without a time for the edge only has its previous token revoked.
func (s *Scheduler) scheduleEdge(ctx context.Context, plan schedulerdomain.Plan, edge schedulerdomain.Edge) (string, error) {
	fireAt, ok := plan.FireAt(edge)
	if !ok {
		return "", s.cancelEdge(ctx, plan.ID, edge)
	}
	now := s.clock.Now()
	if fireAt.Before(now) {
		fireAt = now
	}

	body, err := json.Marshal(jobPayload{PlanID: plan.ID, Edge: edge})
	if err != nil {
		return "", err
	}
	token, err := s.queue.ScheduleAt(ctx, fireAt, body)
	if err != nil {
		return "", err
	}
	previous, err := s.slots.swap(ctx, plan.ID, edge, token, fireAt.Sub(now)+s.cfg.SlotGrace)
	if err != nil {
		_, _ = s.queue.Cancel(ctx, token)
		return "", fmt.Errorf("swap %s slot: %w", edge, err)
	}
	if previous != "" && previous != token {
		if _, err := s.queue.Cancel(ctx, previous); err != nil {
			s.logger(ctx).Warn("scheduler.cancel_previous_failed", zap.String("plan_id", plan.ID), zap.String("edge", string(edge)), zap.Error(err))
		}
	}

	s.logger(ctx).Debug("scheduler.edge.scheduled",
		zap.String("plan_id", plan.ID),
		zap.String("edge", string(edge)),
		zap.Time("fire_at", fireAt),
		zap.String("token", token),
	)
	return token, nil
}

func (s *Scheduler) cancelEdge(ctx context.Context, planID string, edge schedulerdomain.Edge) error {
	token, err := s.slots.take(ctx, planID, edge)
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}
	_, err = s.queue.Cancel(ctx, token)
	return err
}

// Cancel revokes both edge jobs of planID. Once it returns no queued job for
// the plan can fire.
func (s *Scheduler) Cancel(ctx context.Context, planID string) error {
	var err error
	for _, edge := range schedulerdomain.Edges {
		err = errors.Join(err, s.cancelEdge(ctx, planID, edge))
	}
	return err
}

// ActiveToken returns the token that currently owns (planID, edge), or "".
func (s *Scheduler) ActiveToken(ctx context.Context, planID string, edge schedulerdomain.Edge) (string, error) {
	return s.slots.get(ctx, planID, edge)
}

// Fire handles one claimed delay-queue job.
func (s *Scheduler) Fire(parent context.Context, job delayqueue.Job) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.FireTimeout)
	defer cancel()
	ctx, span := otel.Tracer("tripline/scheduler").Start(ctx, "scheduler.fire")
	defer span.End()

	s.metrics.ObserveFireLag(s.clock.Now().Sub(job.FireAt))

	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || !payload.Edge.Valid() || payload.PlanID == "" {
		s.logger(ctx).Error("scheduler.job.invalid_payload", zap.String("token", job.Token), zap.Error(err))
		return
	}
	span.SetAttributes(attribute.String("plan.id", payload.PlanID), attribute.String("plan.edge", string(payload.Edge)))

	active, err := s.slots.get(ctx, payload.PlanID, payload.Edge)
	if err != nil {
		s.logSchedulerError(ctx, nil, "scheduler.slot_read_failed", payload.PlanID, err)
		return
	}
	if active != job.Token {
		s.metrics.IncTransitionNoop(string(payload.Edge))
		s.logger(ctx).Debug("scheduler.job.superseded", zap.String("plan_id", payload.PlanID), zap.String("token", job.Token))
		return
	}

	_ = s.runJob(ctx, "fire_"+string(payload.Edge), 1, func(ctx context.Context) error {
		run := jobRunFromContext(ctx)
		applied, err := s.fireWithRetry(ctx, payload)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.fire_failed", payload.PlanID, err, zap.String("edge", string(payload.Edge)))
		}
		if applied {
			run.AddProcessed(1)
			if payload.Edge == schedulerdomain.EdgeStart && s.completeIfOverdue(ctx, payload.PlanID) {
				run.AddProcessed(1)
			}
		}
		if _, clearErr := s.slots.clear(context.WithoutCancel(ctx), payload.PlanID, payload.Edge, job.Token); clearErr != nil {
			err = errors.Join(err, clearErr)
		}
		return err
	})
}

// completeIfOverdue applies the end edge right after a start transition when
// the end has already passed. A concurrent end job that saw the plan still
// upcoming has no-opped by then.
func (s *Scheduler) completeIfOverdue(ctx context.Context, planID string) bool {
	plan, err := s.repo.Get(ctx, planID)
	if err != nil {
		s.logSchedulerError(ctx, nil, "scheduler.complete_overdue_failed", planID, err)
		return false
	}
	if !plan.Due(schedulerdomain.EdgeEnd, s.clock.Now()) {
		return false
	}
	applied, err := s.fireWithRetry(ctx, jobPayload{PlanID: planID, Edge: schedulerdomain.EdgeEnd})
	if err != nil {
		s.logSchedulerError(ctx, nil, "scheduler.complete_overdue_failed", planID, err)
	}
	if applied {
		if err := s.cancelEdge(context.WithoutCancel(ctx), planID, schedulerdomain.EdgeEnd); err != nil {
			s.logSchedulerError(ctx, nil, "scheduler.slot_clear_failed", planID, err)
		}
	}
	return applied
}

func (s *Scheduler) fireWithRetry(ctx context.Context, payload jobPayload) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff

	attempt := 0
	return backoff.Retry(ctx, func() (bool, error) {
		attempt++
		applied, err := s.applyEdge(ctx, payload.PlanID, payload.Edge, obsmetrics.TransitionSourceScheduled)
		if err == nil {
			return applied, nil
		}
		if errors.Is(err, schedulerdomain.ErrNotFound) {
			return false, backoff.Permanent(err)
		}
		s.logger(ctx).Warn("scheduler.fire.retry",
			zap.String("plan_id", payload.PlanID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return false, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.cfg.MaxAttempts)))
}

// applyEdge reloads the plan and applies edge if it is still due. It reports
// whether this call performed the transition.
func (s *Scheduler) applyEdge(ctx context.Context, planID string, edge schedulerdomain.Edge, source string) (bool, error) {
	plan, err := s.repo.Get(ctx, planID)
	if err != nil {
		return false, err
	}
	now := s.clock.Now()
	if !plan.Due(edge, now) {
		s.metrics.IncTransitionNoop(string(edge))
		return false, nil
	}

	from, to := edge.From(), edge.To()
	ok, err := s.repo.TransitionStatus(ctx, plan.ID, from, to, now)
	if err != nil {
		return false, err
	}
	if !ok {
		s.metrics.IncTransitionNoop(string(edge))
		return false, nil
	}

	s.metrics.IncPlanTransition(string(from), string(to), source)
	if s.otel != nil {
		s.otel.RecordPlanTransition(ctx, string(from), string(to), source)
	}
	s.logTransition(ctx, plan.ID, string(edge), source, string(from), string(to))
	s.publishTransition(ctx, *plan, from, to, source)
	return true, nil
}

func (s *Scheduler) publishTransition(ctx context.Context, plan schedulerdomain.Plan, from, to schedulerdomain.Status, reason string) {
	if s.publisher == nil {
		return
	}
	event, err := eventsdomain.New(eventsdomain.KindPlanStatusChanged, eventsdomain.PlanStatusChanged{
		PlanID:    plan.ID,
		GroupID:   plan.Group(),
		OldStatus: string(from),
		NewStatus: string(to),
		Reason:    reason,
	}, eventsdomain.WithTimestamp(s.clock.Now()))
	if err != nil {
		s.logger(ctx).Error("scheduler.event_invalid", zap.String("plan_id", plan.ID), zap.Error(err))
		return
	}
	s.publisher.Publish(ctx, event)
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, run, owner := s.ensureJobRun(parent, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out", zap.String("job", name), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// NewPoller builds the delay-queue poller that feeds Fire.
func (s *Scheduler) NewPoller() *delayqueue.Poller {
	p := delayqueue.NewPoller(s.queue, s.Fire, delayqueue.PollerConfig{
		Interval: s.cfg.PollInterval,
		Workers:  s.cfg.Workers,
	}, s.clock, s.log)
	p.OnDepth(s.metrics.SetQueueDepth)
	return p
}
