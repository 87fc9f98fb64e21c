package publisher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	directorydomain "github.com/smallbiznis/tripline/internal/directory/domain"
	"github.com/smallbiznis/tripline/internal/events/domain"
	"github.com/smallbiznis/tripline/internal/notification"
	"github.com/smallbiznis/tripline/internal/observability/metrics"
	"github.com/smallbiznis/tripline/internal/realtime/hub"
	"github.com/smallbiznis/tripline/internal/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sub struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (s *sub) ID() string { return s.id }

func (s *sub) Deliver(f []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return true
}

func (s *sub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type fakeDirectory struct {
	plans         map[string][]string
	groups        map[string][]string
	conversations map[string][]string
	touched       []string
}

func (d *fakeDirectory) PlanRecipients(_ context.Context, id string) ([]string, error) {
	ids, ok := d.plans[id]
	if !ok {
		return nil, directorydomain.ErrNotFound
	}
	return ids, nil
}

func (d *fakeDirectory) GroupMembers(_ context.Context, id string) ([]string, error) {
	return d.groups[id], nil
}

func (d *fakeDirectory) ConversationParticipants(_ context.Context, id string) ([]string, error) {
	return d.conversations[id], nil
}

func (d *fakeDirectory) MarkRead(context.Context, directorydomain.Receipt) error { return nil }

func (d *fakeDirectory) TouchConversation(_ context.Context, id string, _ time.Time) error {
	d.touched = append(d.touched, id)
	return nil
}

type fakePusher struct {
	mu       sync.Mutex
	enabled  bool
	sent     [][]notification.Recipient
	messages []notification.Message
}

func (p *fakePusher) Enabled() bool { return p.enabled }

func (p *fakePusher) Resolve(_ context.Context, users []string) ([]notification.Recipient, error) {
	out := make([]notification.Recipient, 0, len(users))
	for _, u := range users {
		out = append(out, notification.Recipient{UserID: u, Tokens: []string{"tok-" + u}})
	}
	return out, nil
}

func (p *fakePusher) SendBatch(_ context.Context, r []notification.Recipient, msg notification.Message) notification.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, r)
	p.messages = append(p.messages, msg)
	return notification.Result{Success: len(r), Total: len(r)}
}

type memStore struct {
	mu     sync.Mutex
	scopes map[string]int
}

func (m *memStore) Append(_ context.Context, scope string, _ time.Time, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scopes == nil {
		m.scopes = map[string]int{}
	}
	m.scopes[scope]++
	return nil
}

type failingHub struct {
	hub.Hub
	fail string
}

func (h failingHub) Publish(ctx context.Context, r room.Room, frame []byte) (int, error) {
	if r.String() == h.fail {
		return 0, hub.ErrDeliveryFailed
	}
	return h.Hub.Publish(ctx, r, frame)
}

type fixture struct {
	hub    *hub.LocalHub
	dir    *fakeDirectory
	pusher *fakePusher
	store  *memStore
	pub    *Publisher
}

func newFixture(t *testing.T, h func(*hub.LocalHub) hub.Hub) *fixture {
	t.Helper()
	m := metrics.ResetRealtimeMetricsForTest(prometheus.NewRegistry())
	local := hub.NewLocalHub(m)
	var chosen hub.Hub = local
	if h != nil {
		chosen = h(local)
	}
	f := &fixture{
		hub: local,
		dir: &fakeDirectory{
			plans:         map[string][]string{"p1": {"alice", "bob", "carol"}},
			groups:        map[string][]string{"g1": {"alice", "bob"}},
			conversations: map[string][]string{"c1": {"alice", "bob"}},
		},
		pusher: &fakePusher{enabled: true},
		store:  &memStore{},
	}
	f.pub = New(chosen, f.dir, f.dir, f.pusher, f.store, 2, nil, m, nil)
	f.pub.Start()
	return f
}

func mustEvent(t *testing.T, kind domain.Kind, p domain.Payload, opts ...domain.Option) domain.Event {
	t.Helper()
	e, err := domain.New(kind, p, opts...)
	require.NoError(t, err)
	return e
}

func TestRoomsFromHints(t *testing.T) {
	e := mustEvent(t, domain.KindPlanStatusChanged, domain.PlanStatusChanged{PlanID: "p1", GroupID: "g1", OldStatus: "upcoming", NewStatus: "ongoing"})
	assert.Equal(t, []room.Room{room.Plan("p1"), room.Group("g1")}, Rooms(e))

	sys := mustEvent(t, domain.KindSystemAnnouncement, domain.SystemNotice{Message: "hello"})
	assert.Equal(t, []room.Room{room.System}, Rooms(sys))

	explicit := Rooms(e, room.User("a"), room.User("a"), room.Room{}, room.Plan("p1"))
	assert.Equal(t, []room.Room{room.User("a"), room.Plan("p1")}, explicit)
}

func TestPublishDeliversAndPushes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := &sub{id: "s1"}
	require.NoError(t, f.hub.Subscribe(ctx, room.Plan("p1"), s))

	e := mustEvent(t, domain.KindActivityCreated, domain.ActivityChanged{PlanID: "p1", ActivityID: "a1", InitiatorID: "alice"})
	ok := f.pub.Publish(ctx, e, WithPriority(domain.PriorityHigh))
	require.True(t, ok)
	f.pub.Close()

	require.Equal(t, 1, s.count())
	var frame map[string]any
	require.NoError(t, json.Unmarshal(s.frames[0], &frame))
	assert.Equal(t, "activity_created", frame["event_type"])

	require.Len(t, f.pusher.sent, 1)
	users := []string{}
	for _, r := range f.pusher.sent[0] {
		users = append(users, r.UserID)
	}
	assert.ElementsMatch(t, []string{"bob", "carol"}, users)
	assert.Equal(t, "high", f.pusher.messages[0].Priority)
	assert.Equal(t, "high", f.pusher.messages[0].Data["priority"])

	assert.Equal(t, 1, f.store.scopes["plan:p1"])
	assert.Equal(t, 1, f.store.scopes["user:bob"])
	assert.Zero(t, f.store.scopes["user:alice"])
}

func TestPublishWithoutPush(t *testing.T) {
	f := newFixture(t, nil)
	e := mustEvent(t, domain.KindMessageSent, domain.MessageSent{ConversationID: "c1", MessageID: "m1", SenderID: "alice"})
	require.True(t, f.pub.Publish(context.Background(), e, WithoutPush()))
	f.pub.Close()

	assert.Empty(t, f.pusher.sent)
	assert.Equal(t, []string{"c1"}, f.dir.touched)
	assert.Equal(t, 1, f.store.scopes["user:bob"])
}

func TestPublishSkipsPushForQuietKinds(t *testing.T) {
	f := newFixture(t, nil)
	e := mustEvent(t, domain.KindGroupUpdated, domain.GroupUpdated{GroupID: "g1", InitiatorID: "alice"})
	require.True(t, f.pub.Publish(context.Background(), e))
	f.pub.Close()
	assert.Empty(t, f.pusher.sent)
}

func TestPublishPartialFailure(t *testing.T) {
	f := newFixture(t, func(l *hub.LocalHub) hub.Hub { return failingHub{Hub: l, fail: "plan:p1"} })
	ctx := context.Background()
	s := &sub{id: "s1"}
	require.NoError(t, f.hub.Subscribe(ctx, room.Group("g1"), s))

	e := mustEvent(t, domain.KindPlanUpdated, domain.PlanChanged{PlanID: "p1", GroupID: "g1"})
	assert.False(t, f.pub.Publish(ctx, e))
	f.pub.Close()
	assert.Equal(t, 1, s.count())
}

func TestRecipientsExcludeInitiator(t *testing.T) {
	dir := &fakeDirectory{groups: map[string][]string{"g1": {"alice", "bob"}}}
	e := mustEvent(t, domain.KindGroupMemberAdded, domain.GroupMemberChanged{GroupID: "g1", MemberID: "dave", InitiatorID: "alice"})
	users, err := recipients(context.Background(), dir, e)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "dave"}, users)

	missing := mustEvent(t, domain.KindPlanDeleted, domain.PlanChanged{PlanID: "gone"})
	users, err = recipients(context.Background(), dir, missing)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestPublishAfterCloseStillBroadcasts(t *testing.T) {
	f := newFixture(t, nil)
	f.pub.Close()
	s := &sub{id: "s1"}
	require.NoError(t, f.hub.Subscribe(context.Background(), room.System, s))
	e := mustEvent(t, domain.KindSystemMaintenance, domain.SystemNotice{Message: "down at 2am"})
	assert.True(t, f.pub.Publish(context.Background(), e))
	assert.Equal(t, 1, s.count())
}

