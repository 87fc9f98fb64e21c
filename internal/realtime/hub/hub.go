// Package hub is the room registry that fans frames out to live sessions.
package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/smallbiznis/tripline/internal/observability/metrics"
	"github.com/smallbiznis/tripline/internal/room"
)

var (
	ErrDeliveryFailed = errors.New("delivery_failed")
	ErrInvalidRoom    = errors.New("invalid_room")
	ErrNilSubscriber  = errors.New("nil_subscriber")
)

// Subscriber is a live session endpoint. Deliver must not block; it reports
// false when the frame was dropped.
type Subscriber interface {
	ID() string
	Deliver(frame []byte) bool
}

type Hub interface {
	Subscribe(ctx context.Context, r room.Room, sub Subscriber) error
	Unsubscribe(ctx context.Context, r room.Room, sub Subscriber)
	Publish(ctx context.Context, r room.Room, frame []byte) (int, error)
}

type LocalHub struct {
	mu      sync.RWMutex
	rooms   map[string]*members
	metrics *metrics.RealtimeMetrics
}

type members struct {
	mu   sync.Mutex
	subs map[string]Subscriber
}

func NewLocalHub(m *metrics.RealtimeMetrics) *LocalHub {
	return &LocalHub{
		rooms:   make(map[string]*members),
		metrics: m,
	}
}

func (h *LocalHub) Subscribe(_ context.Context, r room.Room, sub Subscriber) error {
	_, err := h.add(r, sub)
	return err
}

// add registers sub and reports whether the room was created by this call.
func (h *LocalHub) add(r room.Room, sub Subscriber) (bool, error) {
	if r.IsZero() {
		return false, ErrInvalidRoom
	}
	if sub == nil {
		return false, ErrNilSubscriber
	}
	key := r.String()

	h.mu.Lock()
	defer h.mu.Unlock()
	current := h.rooms[key]
	created := current == nil
	if created {
		current = &members{subs: make(map[string]Subscriber)}
		h.rooms[key] = current
		h.metrics.SetRoomsActive(len(h.rooms))
	}
	current.mu.Lock()
	current.subs[sub.ID()] = sub
	current.mu.Unlock()
	return created, nil
}

func (h *LocalHub) Unsubscribe(_ context.Context, r room.Room, sub Subscriber) {
	h.remove(r, sub)
}

// remove drops sub and reports whether the room is now gone.
func (h *LocalHub) remove(r room.Room, sub Subscriber) bool {
	if r.IsZero() || sub == nil {
		return false
	}
	key := r.String()

	h.mu.Lock()
	defer h.mu.Unlock()
	current := h.rooms[key]
	if current == nil {
		return false
	}
	current.mu.Lock()
	delete(current.subs, sub.ID())
	empty := len(current.subs) == 0
	current.mu.Unlock()
	if !empty {
		return false
	}
	delete(h.rooms, key)
	h.metrics.SetRoomsActive(len(h.rooms))
	return true
}

// Publish hands frame to every local subscriber of r and returns how many
// accepted it.
func (h *LocalHub) Publish(_ context.Context, r room.Room, frame []byte) (int, error) {
	if r.IsZero() {
		return 0, ErrInvalidRoom
	}
	return h.deliver(r.String(), string(r.Kind), frame), nil
}

func (h *LocalHub) deliver(key, kind string, frame []byte) int {
	h.mu.RLock()
	current := h.rooms[key]
	h.mu.RUnlock()
	if current == nil {
		return 0
	}

	current.mu.Lock()
	subs := make([]Subscriber, 0, len(current.subs))
	for _, sub := range current.subs {
		subs = append(subs, sub)
	}
	current.mu.Unlock()

	delivered := 0
	for _, sub := range subs {
		if sub.Deliver(frame) {
			delivered++
		} else {
			h.metrics.IncFrameDropped("buffer_full")
		}
	}
	h.metrics.AddHubDeliveries(kind, delivered)
	return delivered
}

// Rooms returns the number of rooms with at least one local subscriber.
func (h *LocalHub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Members returns the number of local subscribers of r.
func (h *LocalHub) Members(r room.Room) int {
	h.mu.RLock()
	current := h.rooms[r.String()]
	h.mu.RUnlock()
	if current == nil {
		return 0
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	return len(current.subs)
}
