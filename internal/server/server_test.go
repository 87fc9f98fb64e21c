package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tripline/internal/config"
	eventsdomain "github.com/smallbiznis/tripline/internal/events/domain"
	"github.com/smallbiznis/tripline/internal/events/publisher"
	"github.com/smallbiznis/tripline/internal/observability"
	"github.com/smallbiznis/tripline/internal/room"
	"github.com/smallbiznis/tripline/internal/scheduler"
	schedulerdomain "github.com/smallbiznis/tripline/internal/scheduler/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testInternalKey = "internal-secret"

type fakePublisher struct {
	events  []eventsdomain.Event
	options int
	result  bool
}

func (p *fakePublisher) Publish(_ context.Context, e eventsdomain.Event, opts ...publisher.Option) bool {
	p.events = append(p.events, e)
	p.options = len(opts)
	return p.result
}

type fakeScheduler struct {
	scheduled []schedulerdomain.Plan
	cancelled []string
	err       error
}

func (s *fakeScheduler) Schedule(_ context.Context, plan schedulerdomain.Plan) (scheduler.Tokens, error) {
	if s.err != nil {
		return scheduler.Tokens{}, s.err
	}
	s.scheduled = append(s.scheduled, plan)
	return scheduler.Tokens{Start: "tok-start", End: "tok-end"}, nil
}

func (s *fakeScheduler) Cancel(_ context.Context, planID string) error {
	s.cancelled = append(s.cancelled, planID)
	return s.err
}

type fakePurger struct {
	removed int
	err     error
}

func (p fakePurger) PurgeInvalidTokens(context.Context) (int, error) {
	return p.removed, p.err
}

type fakeSessions struct {
	targets []room.Room
}

func (f *fakeSessions) Serve(w http.ResponseWriter, _ *http.Request, target room.Room) {
	f.targets = append(f.targets, target)
	w.WriteHeader(http.StatusSwitchingProtocols)
}

type testServer struct {
	*Server
	publisher *fakePublisher
	scheduler *fakeScheduler
	sessions  *fakeSessions
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		publisher: &fakePublisher{result: true},
		scheduler: &fakeScheduler{},
		sessions:  &fakeSessions{},
	}
	ts.Server = &Server{
		engine:    NewEngine(observability.Config{}, zap.NewNop(), nil),
		cfg:       config.Config{Auth: config.AuthConfig{InternalAPIKey: testInternalKey}},
		log:       zap.NewNop(),
		gateway:   ts.sessions,
		publisher: ts.publisher,
		scheduler: ts.scheduler,
		push:      fakePurger{removed: 3},
	}
	ts.registerRealtimeRoutes()
	ts.registerInternalRoutes()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderInternalKey, testInternalKey)
	rec := httptest.NewRecorder()
	ts.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := httptest.NewRecorder()
	ts.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestInternalRoutesRequireKey(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/v1/push/cleanup", nil)
	req.Header.Set(HeaderInternalKey, "wrong")
	rec := httptest.NewRecorder()
	ts.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)

	ts.cfg.Auth.InternalAPIKey = ""
	ts.engine = NewEngine(observability.Config{}, zap.NewNop(), nil)
	ts.registerInternalRoutes()
	rec = ts.do(t, http.MethodPost, "/internal/v1/push/cleanup", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPublishEvent(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/internal/v1/events", map[string]any{
		"event_type": "plan_updated",
		"data":       map[string]any{"plan_id": "p1", "group_id": "g1", "title": "Lisbon"},
		"rooms":      []string{"plan:p1", "group:g1"},
		"send_push":  false,
		"priority":   "high",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp publishEventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Len(t, ts.publisher.events, 1)
	event := ts.publisher.events[0]
	assert.Equal(t, event.ID(), resp.EventID)
	assert.Equal(t, eventsdomain.KindPlanUpdated, event.Kind())
	assert.Equal(t, "p1", event.Hints().PlanID)
	assert.Equal(t, 3, ts.publisher.options)
}

func TestPublishEventReportsPartialFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.publisher.result = false
	rec := ts.do(t, http.MethodPost, "/internal/v1/events", map[string]any{
		"event_type": "system_announcement",
		"data":       map[string]any{"title": "Maintenance", "message": "Back soon"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"event_id":"`+ts.publisher.events[0].ID()+`","success":false}`, rec.Body.String())
	assert.Zero(t, ts.publisher.options)
}

func TestPublishEventValidation(t *testing.T) {
	ts := newTestServer(t)
	cases := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{"missing type", map[string]any{"data": map[string]any{}}, "event_type"},
		{"unknown type", map[string]any{"event_type": "plan_exploded", "data": map[string]any{}}, "event_type"},
		{"invalid payload", map[string]any{"event_type": "plan_updated", "data": map[string]any{"title": "x"}}, "data"},
		{"bad room", map[string]any{"event_type": "plan_updated", "data": map[string]any{"plan_id": "p1"}, "rooms": []string{"moon:1"}}, "rooms"},
		{"bad priority", map[string]any{"event_type": "plan_updated", "data": map[string]any{"plan_id": "p1"}, "priority": "urgent"}, "priority"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/internal/v1/events", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			payload := decodeError(t, rec)
			assert.Equal(t, "validation_error", payload.Type)
			require.NotEmpty(t, payload.Errors)
			assert.Equal(t, tc.field, payload.Errors[0].Field)
		})
	}
	assert.Empty(t, ts.publisher.events)
}

func TestSchedulePlan(t *testing.T) {
	ts := newTestServer(t)
	start := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	end := start.Add(4 * time.Hour)

	rec := ts.do(t, http.MethodPut, "/internal/v1/plans/p1/schedule", map[string]any{
		"status":     "upcoming",
		"start_time": start,
		"end_time":   end,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"start_token":"tok-start","end_token":"tok-end"}`, rec.Body.String())

	require.Len(t, ts.scheduler.scheduled, 1)
	plan := ts.scheduler.scheduled[0]
	assert.Equal(t, "p1", plan.ID)
	assert.Equal(t, schedulerdomain.StatusUpcoming, plan.Status)
	assert.True(t, plan.StartTime.Equal(start))
	assert.True(t, plan.EndTime.Equal(end))
}

func TestSchedulePlanValidation(t *testing.T) {
	ts := newTestServer(t)
	start := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

	rec := ts.do(t, http.MethodPut, "/internal/v1/plans/p1/schedule", map[string]any{"status": "paused"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/internal/v1/plans/p1/schedule", map[string]any{
		"status":     "upcoming",
		"start_time": start,
		"end_time":   start.Add(-time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.scheduler.scheduled)

	ts.scheduler.err = errors.New("redis down")
	rec = ts.do(t, http.MethodPut, "/internal/v1/plans/p1/schedule", map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decodeError(t, rec).Type)
}

func TestCancelPlanSchedule(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodDelete, "/internal/v1/plans/p1/schedule", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"p1"}, ts.scheduler.cancelled)
}

func TestCleanupPushTokens(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/internal/v1/push/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":3}`, rec.Body.String())
}

func TestMissingComponentsAreUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.publisher = nil
	ts.Server.publisher = nil
	ts.Server.scheduler = nil
	ts.Server.push = nil

	rec := ts.do(t, http.MethodPost, "/internal/v1/push/cleanup", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/internal/v1/plans/p1/schedule", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = ts.do(t, http.MethodPost, "/internal/v1/events", map[string]any{"event_type": "plan_updated"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRealtimeRoutes(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/ws/plans/p1", "/ws/groups/g1", "/ws/conversations/c1", "/ws/user", "/ws/notifications"} {
		rec := httptest.NewRecorder()
		ts.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusSwitchingProtocols, rec.Code, path)
	}
	assert.Equal(t, []room.Room{
		room.Plan("p1"),
		room.Group("g1"),
		room.Conversation("c1"),
		{Kind: room.KindUser},
		{Kind: room.KindNotifications},
	}, ts.sessions.targets)
}

func TestMapError(t *testing.T) {
	status, payload := mapError(schedulerdomain.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", payload.Type)

	status, payload = mapError(eventsdomain.ErrInvalidPayload)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_payload", payload.Errors[0].Code)

	typ, code := classifyErrorForLog(ErrUnauthorized)
	assert.Equal(t, "unauthorized", typ)
	assert.Equal(t, "unauthorized", code)
}
