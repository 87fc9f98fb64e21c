package delayqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripline/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := New(client, "test")
	require.NoError(t, err)
	return q
}

func TestNewRequiresName(t *testing.T) {
	_, err := New(nil, " ")
	require.ErrorIs(t, err, ErrEmptyQueueName)
}

func TestClaimReturnsOnlyDueJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	early, err := q.ScheduleAt(ctx, now.Add(-time.Minute), []byte("early"))
	require.NoError(t, err)
	onTime, err := q.ScheduleAt(ctx, now, []byte("on-time"))
	require.NoError(t, err)
	_, err = q.ScheduleAt(ctx, now.Add(time.Hour), []byte("later"))
	require.NoError(t, err)

	jobs, err := q.Claim(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, early, jobs[0].Token)
	assert.Equal(t, []byte("early"), jobs[0].Payload)
	assert.True(t, jobs[0].FireAt.Equal(now.Add(-time.Minute)))
	assert.Equal(t, onTime, jobs[1].Token)

	again, err := q.Claim(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestCancelRemovesJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	token, err := q.ScheduleAt(ctx, now, []byte("x"))
	require.NoError(t, err)

	_, queued, err := q.Due(ctx, token)
	require.NoError(t, err)
	assert.True(t, queued)

	removed, err := q.Cancel(ctx, token)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = q.Cancel(ctx, token)
	require.NoError(t, err)
	assert.False(t, removed)

	jobs, err := q.Claim(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPollerRunsDueJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))

	for _, p := range []string{"a", "b", "c"} {
		_, err := q.ScheduleAt(ctx, clk.Now().Add(time.Second), []byte(p))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var seen []string
	poller := NewPoller(q, func(_ context.Context, job Job) {
		mu.Lock()
		seen = append(seen, string(job.Payload))
		mu.Unlock()
	}, PollerConfig{Workers: 2}, clk, nil)
	var depth int64 = -1
	poller.OnDepth(func(d int64) { depth = d })

	n, err := poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(2 * time.Second)
	n, err = poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
	assert.Zero(t, depth)
}
