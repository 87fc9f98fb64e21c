package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripline/internal/clock"
	eventsdomain "github.com/smallbiznis/tripline/internal/events/domain"
	"github.com/smallbiznis/tripline/internal/events/publisher"
	obsmetrics "github.com/smallbiznis/tripline/internal/observability/metrics"
	"github.com/smallbiznis/tripline/internal/ratelimit"
	"github.com/smallbiznis/tripline/internal/scheduler/delayqueue"
	schedulerdomain "github.com/smallbiznis/tripline/internal/scheduler/domain"
	"github.com/smallbiznis/tripline/internal/scheduler/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventsdomain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e eventsdomain.Event, _ ...publisher.Option) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return true
}

func (p *recordingPublisher) changes() []eventsdomain.PlanStatusChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]eventsdomain.PlanStatusChanged, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Payload().(eventsdomain.PlanStatusChanged))
	}
	return out
}

// flakyRepo fails TransitionStatus a fixed number of times before delegating.
type flakyRepo struct {
	schedulerdomain.Repository
	failures  atomic.Int32
	calls     atomic.Int32
	onListDue func(schedulerdomain.Edge)
}

func (r *flakyRepo) ListDue(ctx context.Context, edge schedulerdomain.Edge, now time.Time, cursor string, limit int) ([]schedulerdomain.Plan, error) {
	if r.onListDue != nil {
		r.onListDue(edge)
	}
	return r.Repository.ListDue(ctx, edge, now, cursor, limit)
}

func (r *flakyRepo) TransitionStatus(ctx context.Context, id string, from, to schedulerdomain.Status, at time.Time) (bool, error) {
	r.calls.Add(1)
	if r.failures.Load() > 0 {
		r.failures.Add(-1)
		return false, errors.New("connection reset")
	}
	return r.Repository.TransitionStatus(ctx, id, from, to, at)
}

type fixture struct {
	db     *gorm.DB
	mr     *miniredis.Miniredis
	client *redis.Client
	clock  *clock.FakeClock
	events *recordingPublisher
	repo   *flakyRepo
	sched  *Scheduler
}

var base = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&schedulerdomain.Plan{}))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		db:     db,
		mr:     mr,
		client: client,
		clock:  clock.NewFakeClock(base),
		events: &recordingPublisher{},
		repo:   &flakyRepo{Repository: repository.Provide(db)},
	}
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.SweepBatch = 2
	m := obsmetrics.ResetSchedulerMetricsForTest(prometheus.NewRegistry())
	f.sched, err = newScheduler(f.repo, client, f.events, ratelimit.NewLocker(client), zap.NewNop(), node, f.clock, cfg, m, nil)
	require.NoError(t, err)
	return f
}

func (f *fixture) createPlan(t *testing.T, id string, status schedulerdomain.Status, start, end time.Duration) schedulerdomain.Plan {
	t.Helper()
	s, e := base.Add(start), base.Add(end)
	group := "g1"
	plan := schedulerdomain.Plan{ID: id, CreatorID: "u1", GroupID: &group, Status: status, StartTime: &s, EndTime: &e}
	require.NoError(t, f.db.Create(&plan).Error)
	return plan
}

func (f *fixture) status(t *testing.T, id string) schedulerdomain.Status {
	t.Helper()
	plan, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return plan.Status
}

func (f *fixture) poll(t *testing.T) int {
	t.Helper()
	n, err := f.sched.NewPoller().PollOnce(context.Background())
	require.NoError(t, err)
	return n
}

func TestScheduleUpcomingQueuesBothEdges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "p1", schedulerdomain.StatusUpcoming, time.Hour, 3*time.Hour)

	tokens, err := f.sched.Schedule(ctx, plan)
	require.NoError(t, err)
	require.NotEmpty(t, tokens.Start)
	require.NotEmpty(t, tokens.End)

	active, err := f.sched.ActiveToken(ctx, "p1", schedulerdomain.EdgeStart)
	require.NoError(t, err)
	assert.Equal(t, tokens.Start, active)

	depth, err := f.sched.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestRescheduleRevokesPreviousToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "p1", schedulerdomain.StatusUpcoming, time.Hour, 3*time.Hour)

	first, err := f.sched.Schedule(ctx, plan)
	require.NoError(t, err)
	later := base.Add(2 * time.Hour)
	plan.StartTime = &later
	second, err := f.sched.Schedule(ctx, plan)
	require.NoError(t, err)
	assert.NotEqual(t, first.Start, second.Start)

	_, queued, err := f.sched.queue.Due(ctx, first.Start)
	require.NoError(t, err)
	assert.False(t, queued)

	due, queued, err := f.sched.queue.Due(ctx, second.Start)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.True(t, due.Equal(later))

	depth, err := f.sched.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestScheduleOngoingAndTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "p1", schedulerdomain.StatusUpcoming, time.Hour, 3*time.Hour)
	_, err := f.sched.Schedule(ctx, plan)
	require.NoError(t, err)

	plan.Status = schedulerdomain.StatusOngoing
	tokens, err := f.sched.Schedule(ctx, plan)
	require.NoError(t, err)
	assert.Empty(t, tokens.Start)
	assert.NotEmpty(t, tokens.End)
	start, err := f.sched.ActiveToken(ctx, "p1", schedulerdomain.EdgeStart)
	require.NoError(t, err)
	assert.Empty(t, start)

	plan.Status = schedulerdomain.StatusCancelled
	tokens, err = f.sched.Schedule(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, Tokens{}, tokens)
	depth, err := f.sched.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	_, err = f.sched.Schedule(ctx, schedulerdomain.Plan{ID: "p1", Status: "archived"})
	require.ErrorIs(t, err, schedulerdomain.ErrInvalidStatus)
	_, err = f.sched.Schedule(ctx, schedulerdomain.Plan{})
	require.ErrorIs(t, err, schedulerdomain.ErrInvalidPlan)
}

func TestCancelRevokesQueuedJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "p1", schedulerdomain.StatusUpcoming, time.Hour, 3*time.Hour)
	_, err := f.sched.Schedule(ctx, plan)
	require.NoError(t, err)

	require.NoError(t, f.sched.Cancel(ctx, "p1"))
	f.clock.Advance(4 * time.Hour)
	assert.Zero(t, f.poll(t))
	assert.Equal(t, schedulerdomain.StatusUpcoming, f.status(t, "p1"))
	assert.Empty(t, f.events.changes())
}

func TestFireAppliesLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "p1", schedulerdomain.StatusUpcoming, time.Hour, 3*time.Hour)
	_, err := f.sched.Schedule(ctx, plan)
	require.NoError(t, err)

	assert.Zero(t, f.poll(t))

	f.clock.Advance(time.Hour)
	assert.Equal(t, 1, f.poll(t))
	assert.Equal(t, schedulerdomain.StatusOngoing, f.status(t, "p1"))
	start, err := f.sched.ActiveToken(ctx, "p1", schedulerdomain.EdgeStart)
	require.NoError(t, err)
	assert.Empty(t, start)

	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, f.poll(t))
	assert.Equal(t, schedulerdomain.StatusCompleted, f.status(t, "p1"))

	changes := f.events.changes()
	require.Len(t, changes, 2)
	assert.Equal(t, eventsdomain.PlanStatusChanged{PlanID: "p1", GroupID: "g1", OldStatus: "upcoming", NewStatus: "ongoing", Reason: "scheduled"}, changes[0])
	assert.Equal(t, "completed", changes[1].NewStatus)
}

func TestPastInstantFiresOnNextPoll(t *testing.T) {
	f := newFixture(t)
	plan := f.createPlan(t, "p1", schedulerdomain.StatusUpcoming, -time.Hour, time.Hour)
	_, err := f.sched.Schedule(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, 1, f.poll(t))
	assert.Equal(t, schedulerdomain.StatusOngoing, f.status(t, "p1"))
}

func TestBothEdgesOverdueCompletesInOnePoll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// sqlite shared cache rejects concurrent writers; either job order must complete the plan
	f.sched.cfg.Workers = 1
	plan := f.createPlan(t, "p1", schedulerdomain.StatusUpcoming, -2*time.Hour, -time.Hour)
	_, err := f.sched.Schedule(ctx, plan)
	require.NoError(t, err)

	assert.Equal(t, 2, f.poll(t))
	assert.Equal(t, schedulerdomain.StatusCompleted, f.status(t, "p1"))

	changes := f.events.changes()
	require.Len(t, changes, 2)
	got := []string{changes[0].NewStatus, changes[1].NewStatus}
	assert.ElementsMatch(t, []string{"ongoing", "completed"}, got)

	for _, edge := range []schedulerdomain.Edge{schedulerdomain.EdgeStart, schedulerdomain.EdgeEnd} {
		active, err := f.sched.ActiveToken(ctx, "p1", edge)
		require.NoError(t, err)
		assert.Empty(t, active, edge)
	}
	depth, err := f.sched.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestFireIsNoopWhenStatusMovedOn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "p1", schedulerdomain.StatusUpcoming, time.Hour, 3*time.Hour)
	_, err := f.sched.Schedule(ctx, plan)
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&schedulerdomain.Plan{}).Where("id = ?", "p1").Update("status", schedulerdomain.StatusCancelled).Error)
	f.clock.Advance(time.Hour)
	assert.Equal(t, 1, f.poll(t))
	assert.Equal(t, schedulerdomain.StatusCancelled, f.status(t, "p1"))
	assert.Empty(t, f.events.changes())
}

func TestFireIgnoresSupersededToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "p1", schedulerdomain.StatusUpcoming, -time.Hour, time.Hour)
	_, err := f.sched.Schedule(ctx, plan)
	require.NoError(t, err)

	body := []byte(`{"plan_id":"p1","edge":"start"}`)
	f.sched.Fire(ctx, delayqueue.Job{Token: "stale", Payload: body, FireAt: base})
	assert.Equal(t, schedulerdomain.StatusUpcoming, f.status(t, "p1"))
	assert.Zero(t, f.repo.calls.Load())
}

func TestFireRetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	plan := f.createPlan(t, "p1", schedulerdomain.StatusUpcoming, -time.Minute, time.Hour)
	_, err := f.sched.Schedule(context.Background(), plan)
	require.NoError(t, err)
	f.repo.failures.Store(2)

	f.poll(t)
	assert.Equal(t, int32(3), f.repo.calls.Load())
	assert.Equal(t, schedulerdomain.StatusOngoing, f.status(t, "p1"))
}

func TestFireGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "p1", schedulerdomain.StatusUpcoming, -time.Minute, time.Hour)
	_, err := f.sched.Schedule(ctx, plan)
	require.NoError(t, err)
	f.repo.failures.Store(10)

	f.poll(t)
	assert.Equal(t, int32(3), f.repo.calls.Load())
	assert.Equal(t, schedulerdomain.StatusUpcoming, f.status(t, "p1"))
	start, err := f.sched.ActiveToken(ctx, "p1", schedulerdomain.EdgeStart)
	require.NoError(t, err)
	assert.Empty(t, start)
}

func TestFireMissingPlanIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "p1", schedulerdomain.StatusUpcoming, -time.Minute, time.Hour)
	_, err := f.sched.Schedule(ctx, plan)
	require.NoError(t, err)
	require.NoError(t, f.db.Delete(&schedulerdomain.Plan{}, "id = ?", "p1").Error)

	f.poll(t)
	assert.Zero(t, f.repo.calls.Load())
	assert.Empty(t, f.events.changes())
}

func TestReconcileTransitionsOverduePlans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createPlan(t, "a", schedulerdomain.StatusUpcoming, -2*time.Hour, time.Hour)
	f.createPlan(t, "b", schedulerdomain.StatusUpcoming, -time.Hour, time.Hour)
	f.createPlan(t, "c", schedulerdomain.StatusUpcoming, -time.Minute, time.Hour)
	f.createPlan(t, "d", schedulerdomain.StatusOngoing, -3*time.Hour, -time.Hour)
	f.createPlan(t, "e", schedulerdomain.StatusUpcoming, time.Hour, 2*time.Hour)

	require.NoError(t, f.sched.ReconcileJob(ctx))

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, schedulerdomain.StatusOngoing, f.status(t, id), id)
	}
	assert.Equal(t, schedulerdomain.StatusCompleted, f.status(t, "d"))
	assert.Equal(t, schedulerdomain.StatusUpcoming, f.status(t, "e"))

	changes := f.events.changes()
	require.Len(t, changes, 4)
	for _, c := range changes {
		assert.Equal(t, obsmetrics.TransitionSourceReconciled, c.Reason)
	}

	require.NoError(t, f.sched.ReconcileJob(ctx))
	assert.Len(t, f.events.changes(), 4)
}

func TestReconcileSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createPlan(t, "a", schedulerdomain.StatusUpcoming, -time.Hour, time.Hour)

	_, ok, err := ratelimit.NewLocker(f.client).TryLock(ctx, sweepLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.sched.ReconcileJob(ctx))
	assert.Equal(t, schedulerdomain.StatusUpcoming, f.status(t, "a"))
}

func TestReconcileStopsWhenLeaseLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createPlan(t, "a", schedulerdomain.StatusUpcoming, -time.Hour, time.Hour)
	f.createPlan(t, "b", schedulerdomain.StatusOngoing, -3*time.Hour, -time.Hour)
	f.repo.onListDue = func(edge schedulerdomain.Edge) {
		if edge == schedulerdomain.EdgeStart {
			require.NoError(t, f.mr.Set(sweepLockKey, "other-node"))
		}
	}

	require.NoError(t, f.sched.ReconcileJob(ctx))
	assert.Equal(t, schedulerdomain.StatusOngoing, f.status(t, "a"))
	assert.Equal(t, schedulerdomain.StatusOngoing, f.status(t, "b"))

	holder, err := f.mr.Get(sweepLockKey)
	require.NoError(t, err)
	assert.Equal(t, "other-node", holder)
}

func TestReconcileCompletionClearsSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, "p1", schedulerdomain.StatusOngoing, -3*time.Hour, time.Hour)
	_, err := f.sched.Schedule(ctx, plan)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.sched.ReconcileJob(ctx))
	assert.Equal(t, schedulerdomain.StatusCompleted, f.status(t, "p1"))

	end, err := f.sched.ActiveToken(ctx, "p1", schedulerdomain.EdgeEnd)
	require.NoError(t, err)
	assert.Empty(t, end)
	depth, err := f.sched.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}
