package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	directorydomain "github.com/smallbiznis/tripline/internal/directory/domain"
	eventsdomain "github.com/smallbiznis/tripline/internal/events/domain"
	"github.com/smallbiznis/tripline/internal/events/publisher"
	"github.com/smallbiznis/tripline/internal/room"
	schedulerdomain "github.com/smallbiznis/tripline/internal/scheduler/domain"
	"go.uber.org/zap"
)

const (
	frameError              = "error"
	framePing               = "ping"
	framePong               = "pong"
	frameTyping             = "typing"
	frameMarkRead           = "mark_read"
	frameSubscribeActivity  = "subscribe_activity"
	frameActivitySubscribed = "activity_subscribed"
	frameGetPlanStatus      = "get_plan_status"
	framePlanStatus         = "plan_status"
	frameJoinRoom           = "join_room"
	frameRoomJoined         = "room_joined"
)

const keyTyping = "tripline:typing:%s:%s"

type inboundFrame struct {
	Type       string `json:"type"`
	IsTyping   bool   `json:"is_typing"`
	MessageID  string `json:"message_id"`
	ActivityID string `json:"activity_id"`
	Room       string `json:"room"`
}

type outboundFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type typingData struct {
	Room     string `json:"room"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// decodeFrame rejects frames that are not JSON objects with a type.
func decodeFrame(data []byte) (inboundFrame, error) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return inboundFrame{}, fmt.Errorf("%w: malformed frame", ErrProtocol)
	}
	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		return inboundFrame{}, fmt.Errorf("%w: frame type is required", ErrProtocol)
	}
	return in, nil
}

func (g *Gateway) handleFrame(ctx context.Context, sess *Session, data []byte, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("gateway.frame.panic", zap.Any("panic", r), zap.Stack("stack"))
			g.replyError(sess, "internal error")
		}
	}()

	in, err := decodeFrame(data)
	if err != nil {
		g.metrics.IncFrameIn("malformed")
		g.replyError(sess, err.Error())
		return
	}
	sess.activate()

	switch in.Type {
	case framePing:
		g.metrics.IncFrameIn(in.Type)
		if err := g.presence.Mark(ctx, sess.userID, sess.id); err != nil {
			log.Warn("gateway.presence.refresh_failed", zap.Error(err))
		}
		g.reply(sess, outboundFrame{Type: framePong})
	case frameTyping:
		g.metrics.IncFrameIn(in.Type)
		g.handleTyping(ctx, sess, in, log)
	case frameMarkRead:
		g.metrics.IncFrameIn(in.Type)
		g.handleMarkRead(ctx, sess, in, log)
	case frameSubscribeActivity:
		g.metrics.IncFrameIn(in.Type)
		g.handleSubscribeActivity(sess, in)
	case frameGetPlanStatus:
		g.metrics.IncFrameIn(in.Type)
		g.handleGetPlanStatus(ctx, sess, log)
	case frameJoinRoom:
		g.metrics.IncFrameIn(in.Type)
		g.handleJoinRoom(ctx, sess, in, log)
	default:
		g.metrics.IncFrameIn("unknown")
	}
}

func (g *Gateway) handleTyping(ctx context.Context, sess *Session, in inboundFrame, log *zap.Logger) {
	target := sess.primary.String()
	res, err := g.typing.Allow(ctx, fmt.Sprintf(keyTyping, sess.userID, target), g.opts.TypingRate, g.opts.TypingBurst)
	if err != nil {
		log.Warn("gateway.typing.limit_failed", zap.Error(err))
		g.metrics.IncFrameDropped("typing_limiter_error")
		return
	}
	if !res.Allowed {
		g.metrics.IncFrameDropped("typing_rate_limited")
		return
	}

	frame, err := json.Marshal(outboundFrame{
		Type: frameTyping,
		Data: typingData{Room: target, UserID: sess.userID, IsTyping: in.IsTyping},
	})
	if err != nil {
		return
	}
	if _, err := g.hub.Publish(ctx, sess.primary, frame); err != nil {
		log.Warn("gateway.typing.publish_failed", zap.Error(err))
	}
}

func (g *Gateway) handleMarkRead(ctx context.Context, sess *Session, in inboundFrame, log *zap.Logger) {
	if sess.primary.Kind != room.KindConversation {
		g.replyError(sess, "mark_read requires a conversation session")
		return
	}
	messageID := strings.TrimSpace(in.MessageID)
	if messageID == "" {
		g.replyError(sess, "message_id is required")
		return
	}

	receipt := directorydomain.Receipt{
		ConversationID: sess.primary.ID,
		MessageID:      messageID,
		UserID:         sess.userID,
		ReadAt:         g.clock.Now(),
	}
	if err := g.receipts.MarkRead(ctx, receipt); err != nil {
		log.Error("gateway.mark_read_failed", zap.String("message_id", messageID), zap.Error(err))
		g.replyError(sess, "could not record read receipt")
		return
	}
	if g.publisher == nil {
		return
	}

	event, err := eventsdomain.New(eventsdomain.KindMessageRead, eventsdomain.MessageRead{
		ConversationID: receipt.ConversationID,
		MessageID:      messageID,
		ReaderID:       sess.userID,
	}, eventsdomain.WithTimestamp(receipt.ReadAt))
	if err != nil {
		log.Error("gateway.mark_read_event_invalid", zap.Error(err))
		return
	}
	g.publisher.Publish(ctx, event, publisher.WithRooms(sess.primary), publisher.WithoutPush())
}

func (g *Gateway) handleSubscribeActivity(sess *Session, in inboundFrame) {
	if sess.primary.Kind != room.KindPlan {
		g.replyError(sess, "subscribe_activity requires a plan session")
		return
	}
	activityID := strings.TrimSpace(in.ActivityID)
	if activityID == "" {
		g.replyError(sess, "activity_id is required")
		return
	}
	g.reply(sess, outboundFrame{
		Type: frameActivitySubscribed,
		Data: map[string]string{"activity_id": activityID, "plan_id": sess.primary.ID},
	})
}

func (g *Gateway) handleGetPlanStatus(ctx context.Context, sess *Session, log *zap.Logger) {
	if sess.primary.Kind != room.KindPlan {
		g.replyError(sess, "get_plan_status requires a plan session")
		return
	}
	if g.plans == nil {
		g.replyError(sess, "plan status unavailable")
		return
	}
	plan, err := g.plans.Get(ctx, sess.primary.ID)
	if errors.Is(err, schedulerdomain.ErrNotFound) {
		g.replyError(sess, "plan not found")
		return
	}
	if err != nil {
		log.Error("gateway.plan_status_failed", zap.Error(err))
		g.replyError(sess, "plan status unavailable")
		return
	}
	g.reply(sess, outboundFrame{
		Type: framePlanStatus,
		Data: map[string]string{"plan_id": plan.ID, "status": string(plan.Status)},
	})
}

func (g *Gateway) handleJoinRoom(ctx context.Context, sess *Session, in inboundFrame, log *zap.Logger) {
	target, err := room.Parse(in.Room)
	if err != nil {
		g.replyError(sess, "invalid room")
		return
	}
	if err := g.authz.Authorize(ctx, sess.userID, target); err != nil {
		log.Info("gateway.join_room.denied", zap.String("target", target.String()), zap.Error(err))
		g.replyError(sess, "forbidden")
		return
	}
	if err := g.join(ctx, sess, target); err != nil {
		log.Error("gateway.join_room_failed", zap.String("target", target.String()), zap.Error(err))
		g.replyError(sess, "could not join room")
		return
	}
	g.reply(sess, outboundFrame{Type: frameRoomJoined, Data: map[string]string{"room": target.String()}})
}

func (g *Gateway) replyError(sess *Session, message string) {
	g.reply(sess, outboundFrame{Type: frameError, Message: message})
}

func (g *Gateway) reply(sess *Session, frame outboundFrame) {
	body, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if !sess.Deliver(body) {
		g.metrics.IncFrameDropped("buffer_full")
	}
}
