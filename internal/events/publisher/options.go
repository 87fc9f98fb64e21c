package publisher

import (
	"github.com/smallbiznis/tripline/internal/events/domain"
	"github.com/smallbiznis/tripline/internal/room"
)

type options struct {
	rooms    []room.Room
	priority domain.Priority
	noPush   bool
}

type Option func(*options)

// WithRooms overrides room resolution from the event's scope hints.
func WithRooms(rooms ...room.Room) Option {
	return func(o *options) { o.rooms = append(o.rooms, rooms...) }
}

func WithPriority(p domain.Priority) Option {
	return func(o *options) { o.priority = p }
}

func WithoutPush() Option {
	return func(o *options) { o.noPush = true }
}

func buildOptions(opts []Option) options {
	o := options{priority: domain.PriorityNormal}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
