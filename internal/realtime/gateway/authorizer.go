package gateway

import (
	"context"
	"fmt"

	directorydomain "github.com/smallbiznis/tripline/internal/directory/domain"
	"github.com/smallbiznis/tripline/internal/room"
)

// Authorizer decides whether userID may subscribe to a room.
type Authorizer interface {
	Authorize(ctx context.Context, userID string, r room.Room) error
}

// Predicate reports whether userID may join the room with the given id.
type Predicate func(ctx context.Context, userID, id string) (bool, error)

// RoomAuthorizer dispatches on room kind. Kinds without a predicate are
// denied.
type RoomAuthorizer struct {
	predicates map[room.Kind]Predicate
}

func NewAuthorizer(m directorydomain.Membership) *RoomAuthorizer {
	a := &RoomAuthorizer{predicates: make(map[room.Kind]Predicate)}
	a.Register(room.KindPlan, func(ctx context.Context, userID, id string) (bool, error) {
		return m.CanAccessPlan(ctx, id, userID)
	})
	a.Register(room.KindGroup, func(ctx context.Context, userID, id string) (bool, error) {
		return m.IsGroupMember(ctx, id, userID)
	})
	a.Register(room.KindConversation, func(ctx context.Context, userID, id string) (bool, error) {
		return m.IsConversationParticipant(ctx, id, userID)
	})
	a.Register(room.KindUser, ownRoom)
	a.Register(room.KindNotifications, ownRoom)
	a.Register(room.KindSystem, func(context.Context, string, string) (bool, error) {
		return true, nil
	})
	return a
}

func ownRoom(_ context.Context, userID, id string) (bool, error) {
	return id == userID, nil
}

// Register replaces the predicate for kind.
func (a *RoomAuthorizer) Register(kind room.Kind, p Predicate) {
	a.predicates[kind] = p
}

// Authorize fails closed: a lookup error denies the join.
func (a *RoomAuthorizer) Authorize(ctx context.Context, userID string, r room.Room) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	p, ok := a.predicates[r.Kind]
	if !ok {
		return fmt.Errorf("%w: room kind %q", ErrForbidden, r.Kind)
	}
	allowed, err := p(ctx, userID, r.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}
