package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	eventsdomain "github.com/smallbiznis/tripline/internal/events/domain"
	"github.com/smallbiznis/tripline/internal/events/publisher"
	"github.com/smallbiznis/tripline/internal/room"
)

type publishEventRequest struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	UserID    string          `json:"user_id"`
	PlanID    string          `json:"plan_id"`
	GroupID   string          `json:"group_id"`
	Rooms     []string        `json:"rooms"`
	SendPush  *bool           `json:"send_push"`
	Priority  string          `json:"priority"`
}

type publishEventResponse struct {
	EventID string `json:"event_id"`
	Success bool   `json:"success"`
}

// PublishEvent accepts an event from a trusted backend and hands it to the
// publisher. Success reflects room delivery only; push runs asynchronously.
func (s *Server) PublishEvent(c *gin.Context) {
	if s.publisher == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	var req publishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	kind := eventsdomain.Kind(strings.TrimSpace(req.EventType))
	if kind == "" {
		AbortWithError(c, newValidationError("event_type", "required", "event_type is required"))
		return
	}
	payload, err := eventsdomain.DecodePayload(kind, req.Data)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var hints []eventsdomain.Option
	if id := strings.TrimSpace(req.UserID); id != "" {
		hints = append(hints, eventsdomain.WithUser(id))
	}
	if id := strings.TrimSpace(req.PlanID); id != "" {
		hints = append(hints, eventsdomain.WithPlan(id))
	}
	if id := strings.TrimSpace(req.GroupID); id != "" {
		hints = append(hints, eventsdomain.WithGroup(id))
	}
	event, err := eventsdomain.New(kind, payload, hints...)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	opts, err := publishOptions(req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	success := s.publisher.Publish(c.Request.Context(), event, opts...)
	c.JSON(http.StatusOK, publishEventResponse{EventID: event.ID(), Success: success})
}

func publishOptions(req publishEventRequest) ([]publisher.Option, error) {
	var opts []publisher.Option

	if len(req.Rooms) > 0 {
		rooms := make([]room.Room, 0, len(req.Rooms))
		for _, raw := range req.Rooms {
			r, err := room.Parse(raw)
			if err != nil {
				return nil, newValidationError("rooms", "invalid_room", "invalid room "+raw)
			}
			rooms = append(rooms, r)
		}
		opts = append(opts, publisher.WithRooms(rooms...))
	}

	switch p := eventsdomain.Priority(strings.ToLower(strings.TrimSpace(req.Priority))); p {
	case "":
	case eventsdomain.PriorityNormal, eventsdomain.PriorityHigh:
		opts = append(opts, publisher.WithPriority(p))
	default:
		return nil, newValidationError("priority", "invalid_priority", "priority must be normal or high")
	}

	if req.SendPush != nil && !*req.SendPush {
		opts = append(opts, publisher.WithoutPush())
	}
	return opts, nil
}
