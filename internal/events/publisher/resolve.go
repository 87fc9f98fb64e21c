package publisher

import (
	"context"
	"errors"

	"github.com/samber/lo"
	directorydomain "github.com/smallbiznis/tripline/internal/directory/domain"
	"github.com/smallbiznis/tripline/internal/events/domain"
	"github.com/smallbiznis/tripline/internal/room"
)

// Rooms lists the rooms an event is delivered to, deduplicated in a stable order.
func Rooms(e domain.Event, explicit ...room.Room) []room.Room {
	if len(explicit) > 0 {
		valid := lo.Filter(explicit, func(r room.Room, _ int) bool { return !r.IsZero() })
		return lo.UniqBy(valid, func(r room.Room) string { return r.String() })
	}
	if e.Kind().IsSystem() {
		return []room.Room{room.System}
	}

	h := e.Hints()
	rooms := make([]room.Room, 0, 4)
	if h.PlanID != "" {
		rooms = append(rooms, room.Plan(h.PlanID))
	}
	if h.GroupID != "" {
		rooms = append(rooms, room.Group(h.GroupID))
	}
	if h.UserID != "" {
		rooms = append(rooms, room.User(h.UserID))
	}
	if h.ConversationID != "" {
		rooms = append(rooms, room.Conversation(h.ConversationID))
	}
	return rooms
}

// recipients resolves the users an event concerns, minus whoever caused it.
func recipients(ctx context.Context, dir directorydomain.Recipients, e domain.Event) ([]string, error) {
	if e.Kind().IsSystem() {
		return nil, nil
	}
	h := e.Hints()
	var (
		users []string
		errs  []error
	)

	if h.ConversationID != "" && dir != nil {
		ids, err := dir.ConversationParticipants(ctx, h.ConversationID)
		users = append(users, ids...)
		errs = append(errs, err)
	}
	if h.PlanID != "" && dir != nil {
		ids, err := dir.PlanRecipients(ctx, h.PlanID)
		if errors.Is(err, directorydomain.ErrNotFound) {
			err = nil
		}
		users = append(users, ids...)
		errs = append(errs, err)
	} else if h.GroupID != "" && dir != nil {
		ids, err := dir.GroupMembers(ctx, h.GroupID)
		users = append(users, ids...)
		errs = append(errs, err)
	}
	if h.UserID != "" {
		users = append(users, h.UserID)
	}

	initiator := e.Initiator()
	users = lo.Uniq(lo.Filter(users, func(id string, _ int) bool {
		return id != "" && id != initiator
	}))
	return users, errors.Join(errs...)
}
