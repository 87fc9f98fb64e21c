package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is immutable once built by New.
type Event struct {
	id        string
	kind      Kind
	timestamp time.Time
	hints     Hints
	payload   Payload
}

type Option func(*Event)

func WithUser(userID string) Option {
	return func(e *Event) { e.hints.UserID = strings.TrimSpace(userID) }
}

func WithPlan(planID string) Option {
	return func(e *Event) { e.hints.PlanID = strings.TrimSpace(planID) }
}

func WithGroup(groupID string) Option {
	return func(e *Event) { e.hints.GroupID = strings.TrimSpace(groupID) }
}

func WithTimestamp(at time.Time) Option {
	return func(e *Event) {
		if !at.IsZero() {
			e.timestamp = at.UTC()
		}
	}
}

// New validates the payload against the kind and stamps id and timestamp.
// Hints not set through options are taken from the payload.
func New(kind Kind, payload Payload, opts ...Option) (Event, error) {
	if !kind.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if payload == nil {
		return Event{}, fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	if !payload.accepts(kind) {
		return Event{}, fmt.Errorf("%w: %T cannot carry %s", ErrPayloadMismatch, payload, kind)
	}
	if err := payload.Validate(); err != nil {
		return Event{}, err
	}

	e := Event{
		id:        ulid.Make().String(),
		kind:      kind,
		timestamp: time.Now().UTC(),
		payload:   payload,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&e)
		}
	}

	derived := payload.hints(kind)
	if e.hints.UserID == "" {
		e.hints.UserID = derived.UserID
	}
	if e.hints.PlanID == "" {
		e.hints.PlanID = derived.PlanID
	}
	if e.hints.GroupID == "" {
		e.hints.GroupID = derived.GroupID
	}
	e.hints.ConversationID = derived.ConversationID
	return e, nil
}

func (e Event) ID() string           { return e.id }
func (e Event) Kind() Kind           { return e.kind }
func (e Event) Timestamp() time.Time { return e.timestamp }
func (e Event) Hints() Hints         { return e.hints }
func (e Event) Payload() Payload     { return e.payload }

// Initiator is the user whose action caused the event, empty for system events.
func (e Event) Initiator() string {
	if e.payload == nil {
		return ""
	}
	return e.payload.initiator(e.kind)
}

// Frame is the outbound wire shape of an event.
type Frame struct {
	EventType Kind      `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
	PlanID    string    `json:"plan_id,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	Data      Payload   `json:"data"`
}

func (e Event) Frame() Frame {
	return Frame{
		EventType: e.kind,
		EventID:   e.id,
		Timestamp: e.timestamp,
		UserID:    e.hints.UserID,
		PlanID:    e.hints.PlanID,
		GroupID:   e.hints.GroupID,
		Data:      e.payload,
	}
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Frame())
}
