// Package publisher turns domain events into room broadcasts, cached replay
// entries and push notifications.
package publisher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/smallbiznis/tripline/internal/config"
	directorydomain "github.com/smallbiznis/tripline/internal/directory/domain"
	"github.com/smallbiznis/tripline/internal/events/domain"
	"github.com/smallbiznis/tripline/internal/notification"
	"github.com/smallbiznis/tripline/internal/observability/metrics"
	"github.com/smallbiznis/tripline/internal/realtime/hub"
	"github.com/smallbiznis/tripline/internal/room"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const queuePerWorker = 128

// Pusher is satisfied by notification.Dispatcher.
type Pusher interface {
	Enabled() bool
	Resolve(ctx context.Context, userIDs []string) ([]notification.Recipient, error)
	SendBatch(ctx context.Context, recipients []notification.Recipient, msg notification.Message) notification.Result
}

// EventStore is satisfied by cache.EventCache.
type EventStore interface {
	Append(ctx context.Context, scope string, at time.Time, frame []byte) error
}

type Publisher struct {
	hub        hub.Hub
	recipients directorydomain.Recipients
	receipts   directorydomain.Receipts
	pusher     Pusher
	store      EventStore
	log        *zap.Logger
	metrics    *metrics.RealtimeMetrics
	otel       *metrics.Metrics

	workers int
	jobs    chan fanout
	pool    *pool.Pool

	mu      sync.RWMutex
	started bool
	closed  bool
}

type fanout struct {
	event    domain.Event
	frame    []byte
	priority domain.Priority
	push     bool
}

type Params struct {
	fx.In

	Config     config.Config
	Hub        hub.Hub
	Recipients directorydomain.Recipients
	Receipts   directorydomain.Receipts
	Pusher     *notification.Dispatcher
	Store      EventStore
	Log        *zap.Logger
	Metrics    *metrics.RealtimeMetrics
	Otel       *metrics.Metrics `optional:"true"`
}

func NewPublisher(lc fx.Lifecycle, p Params) *Publisher {
	pub := New(p.Hub, p.Recipients, p.Receipts, p.Pusher, p.Store, p.Config.Push.Workers, p.Log, p.Metrics, p.Otel)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			pub.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			pub.Close()
			return nil
		},
	})
	return pub
}

func New(
	h hub.Hub,
	recipients directorydomain.Recipients,
	receipts directorydomain.Receipts,
	pusher Pusher,
	store EventStore,
	workers int,
	log *zap.Logger,
	m *metrics.RealtimeMetrics,
	otel *metrics.Metrics,
) *Publisher {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		hub:        h,
		recipients: recipients,
		receipts:   receipts,
		pusher:     pusher,
		store:      store,
		log:        log.Named("publisher"),
		metrics:    m,
		otel:       otel,
		workers:    workers,
		jobs:       make(chan fanout, workers*queuePerWorker),
		pool:       pool.New().WithMaxGoroutines(workers),
	}
}

// Start launches the fan-out workers that resolve recipients, fill the replay
// cache and hand push notifications to the dispatcher.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.pool.Go(func() {
			for job := range p.jobs {
				p.runFanout(job)
			}
		})
	}
}

// Close stops accepting fan-out work and waits for queued jobs to finish.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if started {
		p.pool.Wait()
	}
}

// Publish delivers e to its rooms and schedules the asynchronous fan-out. It
// reports whether every room accepted the frame; errors are logged, never
// returned.
func (p *Publisher) Publish(ctx context.Context, e domain.Event, opts ...Option) bool {
	o := buildOptions(opts)
	ctx, span := otel.Tracer("tripline/publisher").Start(ctx, "publisher.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", e.ID()),
		attribute.String("event.type", string(e.Kind())),
	)

	log := p.log.With(zap.String("event_id", e.ID()), zap.String("event_type", string(e.Kind())))
	frame, err := json.Marshal(e)
	if err != nil {
		log.Error("publisher.encode_failed", zap.Error(err))
		p.record(ctx, e, false)
		return false
	}

	rooms := Rooms(e, o.rooms...)
	success := true
	delivered := 0
	for _, r := range rooms {
		n, err := p.hub.Publish(ctx, r, frame)
		if err != nil {
			success = false
			log.Warn("publisher.room_failed", zap.String("room", r.String()), zap.Error(err))
			continue
		}
		delivered += n
		p.cache(ctx, r.String(), e, frame)
	}

	p.sideEffects(ctx, e, log)

	job := fanout{
		event:    e,
		frame:    frame,
		priority: o.priority,
		push:     !o.noPush && e.Kind().PushWorthy() && p.pusher != nil && p.pusher.Enabled(),
	}
	if !e.Kind().IsSystem() {
		p.enqueue(job, log)
	}

	p.record(ctx, e, success)
	log.Info("publisher.publish",
		zap.Strings("rooms", roomNames(rooms)),
		zap.Int("delivered", delivered),
		zap.Bool("success", success),
		zap.String("priority", string(o.priority)),
	)
	return success
}

func (p *Publisher) enqueue(job fanout, log *zap.Logger) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		log.Warn("publisher.fanout.closed")
		return
	}
	select {
	case p.jobs <- job:
	default:
		p.metrics.IncFrameDropped("fanout_queue_full")
		log.Warn("publisher.fanout.queue_full")
	}
}

func (p *Publisher) runFanout(job fanout) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	e := job.event
	log := p.log.With(zap.String("event_id", e.ID()), zap.String("event_type", string(e.Kind())))

	users, err := recipients(ctx, p.recipients, e)
	if err != nil {
		log.Warn("publisher.recipients_failed", zap.Error(err))
	}
	for _, id := range users {
		p.cache(ctx, room.User(id).String(), e, job.frame)
	}
	if !job.push || len(users) == 0 {
		return
	}

	targets, err := p.pusher.Resolve(ctx, users)
	if err != nil {
		log.Warn("publisher.push_tokens_failed", zap.Error(err))
		return
	}
	if len(targets) == 0 {
		return
	}
	res := p.pusher.SendBatch(ctx, targets, pushMessage(e, job.priority))
	log.Info("publisher.push",
		zap.Int("recipients", len(targets)),
		zap.Int("success", res.Success),
		zap.Int("total", res.Total),
	)
}

func (p *Publisher) sideEffects(ctx context.Context, e domain.Event, log *zap.Logger) {
	if p.receipts == nil {
		return
	}
	if msg, ok := e.Payload().(domain.MessageSent); ok {
		if err := p.receipts.TouchConversation(ctx, msg.ConversationID, e.Timestamp()); err != nil {
			log.Warn("publisher.touch_conversation_failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		}
	}
}

func (p *Publisher) cache(ctx context.Context, scope string, e domain.Event, frame []byte) {
	if p.store == nil {
		return
	}
	if err := p.store.Append(ctx, scope, e.Timestamp(), frame); err != nil {
		p.log.Debug("publisher.cache_failed", zap.String("scope", scope), zap.Error(err))
	}
}

func (p *Publisher) record(ctx context.Context, e domain.Event, success bool) {
	p.metrics.IncPublished(string(e.Kind()), success)
	if p.otel != nil {
		p.otel.RecordEventPublished(ctx, string(e.Kind()), success)
	}
}

func pushMessage(e domain.Event, priority domain.Priority) notification.Message {
	title, body := domain.PushContent(e)
	h := e.Hints()
	data := map[string]string{
		"event_type": string(e.Kind()),
		"event_id":   e.ID(),
		"priority":   string(priority),
	}
	if h.PlanID != "" {
		data["plan_id"] = h.PlanID
	}
	if h.GroupID != "" {
		data["group_id"] = h.GroupID
	}
	if h.ConversationID != "" {
		data["conversation_id"] = h.ConversationID
	}
	return notification.Message{
		EventType: string(e.Kind()),
		Title:     title,
		Body:      body,
		Priority:  string(priority),
		Data:      data,
	}
}

func roomNames(rooms []room.Room) []string {
	out := make([]string, len(rooms))
	for i, r := range rooms {
		out[i] = r.String()
	}
	return out
}
