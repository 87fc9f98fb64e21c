package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tripline/internal/observability/metrics"
	"github.com/smallbiznis/tripline/internal/room"
	"go.uber.org/zap"
)

const (
	channelPrefix = "tripline:room:"

	// subscribeTimeout bounds the wait for Redis to confirm a SUBSCRIBE.
	subscribeTimeout = 5 * time.Second
)

var errHubClosed = errors.New("hub closed")

func channelFor(r room.Room) string {
	return channelPrefix + r.String()
}

type envelope struct {
	Room    string          `json:"room"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// RedisHub fans frames out across gateway processes. Every process keeps one
// shared PubSub connection subscribed to the channels of its local rooms, and
// all local delivery happens through the relay loop.
type RedisHub struct {
	local   *LocalHub
	client  *redis.Client
	pubsub  *redis.PubSub
	origin  string
	log     *zap.Logger
	metrics *metrics.RealtimeMetrics

	// mu orders local membership changes with channel (un)subscribes.
	mu sync.Mutex

	ackMu   sync.Mutex
	pending map[string][]chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func NewRedisHub(client *redis.Client, local *LocalHub, origin string, log *zap.Logger, m *metrics.RealtimeMetrics) *RedisHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisHub{
		local:   local,
		client:  client,
		pubsub:  client.Subscribe(context.Background()),
		origin:  origin,
		log:     log.Named("hub"),
		metrics: m,
		pending: make(map[string][]chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the relay loop. It is safe to call more than once.
func (h *RedisHub) Start() {
	h.startOnce.Do(func() {
		go h.relay(h.pubsub.ChannelWithSubscriptions())
	})
}

// relay delivers room frames and releases Subscribe calls waiting on a
// SUBSCRIBE confirmation.
func (h *RedisHub) relay(ch <-chan interface{}) {
	defer close(h.done)
	for raw := range ch {
		switch msg := raw.(type) {
		case *redis.Subscription:
			if msg.Kind == "subscribe" {
				h.ack(msg.Channel)
			}
		case *redis.Message:
			h.dispatch(msg)
		}
	}
}

func (h *RedisHub) dispatch(msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		h.log.Warn("hub.relay.decode_failed", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	r, err := room.Parse(env.Room)
	if err != nil {
		h.log.Warn("hub.relay.invalid_room", zap.String("room", env.Room))
		return
	}
	h.local.deliver(r.String(), string(r.Kind), env.Payload)
}

func (h *RedisHub) expectAck(channel string) chan struct{} {
	ch := make(chan struct{})
	h.ackMu.Lock()
	h.pending[channel] = append(h.pending[channel], ch)
	h.ackMu.Unlock()
	return ch
}

func (h *RedisHub) ack(channel string) {
	h.ackMu.Lock()
	waiters := h.pending[channel]
	if len(waiters) == 0 {
		h.ackMu.Unlock()
		return
	}
	next := waiters[0]
	if len(waiters) == 1 {
		delete(h.pending, channel)
	} else {
		h.pending[channel] = waiters[1:]
	}
	h.ackMu.Unlock()
	close(next)
}

func (h *RedisHub) dropAck(channel string, ch chan struct{}) {
	h.ackMu.Lock()
	defer h.ackMu.Unlock()
	waiters := h.pending[channel]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(h.pending, channel)
		return
	}
	h.pending[channel] = waiters
}

func (h *RedisHub) awaitAck(ctx context.Context, ch chan struct{}) error {
	timer := time.NewTimer(subscribeTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-h.done:
		return errHubClosed
	case <-timer.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the relay loop and releases the PubSub connection.
func (h *RedisHub) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.pubsub.Close()
		h.startOnce.Do(func() { close(h.done) })
		<-h.done
	})
	return err
}

// Subscribe returns once Redis has confirmed the room channel, so any
// publish issued after it returns reaches sub.
func (h *RedisHub) Subscribe(ctx context.Context, r room.Room, sub Subscriber) error {
	h.Start()
	h.mu.Lock()
	defer h.mu.Unlock()

	created, err := h.local.add(r, sub)
	if err != nil || !created {
		return err
	}
	channel := channelFor(r)
	ack := h.expectAck(channel)
	if err := h.pubsub.Subscribe(ctx, channel); err != nil {
		h.dropAck(channel, ack)
		h.local.remove(r, sub)
		return fmt.Errorf("%w: subscribe %s: %v", ErrDeliveryFailed, r, err)
	}
	if err := h.awaitAck(ctx, ack); err != nil {
		h.dropAck(channel, ack)
		h.local.remove(r, sub)
		if unsubErr := h.pubsub.Unsubscribe(context.WithoutCancel(ctx), channel); unsubErr != nil {
			h.log.Warn("hub.unsubscribe_failed", zap.String("room", r.String()), zap.Error(unsubErr))
		}
		return fmt.Errorf("%w: subscribe %s not confirmed: %v", ErrDeliveryFailed, r, err)
	}
	return nil
}

func (h *RedisHub) Unsubscribe(ctx context.Context, r room.Room, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.local.remove(r, sub) {
		return
	}
	if err := h.pubsub.Unsubscribe(ctx, channelFor(r)); err != nil {
		h.log.Warn("hub.unsubscribe_failed", zap.String("room", r.String()), zap.Error(err))
	}
}

// Publish returns the number of gateway processes that received the frame.
func (h *RedisHub) Publish(ctx context.Context, r room.Room, frame []byte) (int, error) {
	if r.IsZero() {
		return 0, ErrInvalidRoom
	}
	body, err := json.Marshal(envelope{Room: r.String(), Origin: h.origin, Payload: frame})
	if err != nil {
		return 0, fmt.Errorf("%w: encode %s: %v", ErrDeliveryFailed, r, err)
	}
	n, err := h.client.Publish(ctx, channelFor(r), body).Result()
	if err != nil {
		h.metrics.IncHubFailure(string(r.Kind))
		return 0, fmt.Errorf("%w: publish %s: %v", ErrDeliveryFailed, r, err)
	}
	return int(n), nil
}

// Local exposes the in-process registry for inspection.
func (h *RedisHub) Local() *LocalHub {
	return h.local
}
