// Package room names the broadcast scopes sessions subscribe to.
package room

import (
	"errors"
	"strings"
)

type Kind string

const (
	KindPlan          Kind = "plan"
	KindGroup         Kind = "group"
	KindUser          Kind = "user"
	KindConversation  Kind = "conversation"
	KindNotifications Kind = "notifications"
	KindSystem        Kind = "system"
)

var ErrInvalidRoom = errors.New("invalid_room")

// Room is a broadcast scope such as "plan:42" or "system".
type Room struct {
	Kind Kind
	ID   string
}

// System is the platform-wide announcement room every session joins.
var System = Room{Kind: KindSystem}

func Plan(id string) Room          { return Room{Kind: KindPlan, ID: id} }
func Group(id string) Room         { return Room{Kind: KindGroup, ID: id} }
func User(id string) Room          { return Room{Kind: KindUser, ID: id} }
func Conversation(id string) Room  { return Room{Kind: KindConversation, ID: id} }
func Notifications(id string) Room { return Room{Kind: KindNotifications, ID: id} }

func (r Room) String() string {
	if r.Kind == KindSystem {
		return string(KindSystem)
	}
	return string(r.Kind) + ":" + r.ID
}

func (r Room) IsZero() bool {
	return r.Kind == ""
}

// Parse is the inverse of String.
func Parse(raw string) (Room, error) {
	raw = strings.TrimSpace(raw)
	if raw == string(KindSystem) {
		return System, nil
	}
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(id) == "" {
		return Room{}, ErrInvalidRoom
	}
	switch k := Kind(kind); k {
	case KindPlan, KindGroup, KindUser, KindConversation, KindNotifications:
		return Room{Kind: k, ID: id}, nil
	default:
		return Room{}, ErrInvalidRoom
	}
}
