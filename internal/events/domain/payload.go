package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownKind     = errors.New("unknown_event_type")
	ErrPayloadMismatch = errors.New("payload_kind_mismatch")
	ErrInvalidPayload  = errors.New("invalid_payload")
)

// Payload is the closed set of event bodies. Each body declares which kinds it
// may be attached to, the scope it implies and who caused it.
type Payload interface {
	Validate() error
	accepts(Kind) bool
	hints(Kind) Hints
	initiator(Kind) string
}

// Hints are the scopes an event addresses when no explicit rooms are given.
type Hints struct {
	UserID         string
	PlanID         string
	GroupID        string
	ConversationID string
}

type PlanStatusChanged struct {
	PlanID      string `json:"plan_id"`
	GroupID     string `json:"group_id,omitempty"`
	OldStatus   string `json:"old_status"`
	NewStatus   string `json:"new_status"`
	Reason      string `json:"reason"`
	InitiatorID string `json:"initiator_id,omitempty"`
}

func (p PlanStatusChanged) Validate() error {
	if err := required("plan_id", p.PlanID); err != nil {
		return err
	}
	if err := required("new_status", p.NewStatus); err != nil {
		return err
	}
	if p.OldStatus == p.NewStatus {
		return fmt.Errorf("%w: status unchanged", ErrInvalidPayload)
	}
	return nil
}
func (PlanStatusChanged) accepts(k Kind) bool { return k == KindPlanStatusChanged }
func (p PlanStatusChanged) hints(Kind) Hints  { return Hints{PlanID: p.PlanID, GroupID: p.GroupID} }
func (p PlanStatusChanged) initiator(Kind) string {
	return p.InitiatorID
}

type PlanChanged struct {
	PlanID      string `json:"plan_id"`
	GroupID     string `json:"group_id,omitempty"`
	Title       string `json:"title,omitempty"`
	InitiatorID string `json:"initiator_id,omitempty"`
}

func (p PlanChanged) Validate() error { return required("plan_id", p.PlanID) }
func (PlanChanged) accepts(k Kind) bool {
	return k == KindPlanCreated || k == KindPlanUpdated || k == KindPlanDeleted
}
func (p PlanChanged) hints(Kind) Hints      { return Hints{PlanID: p.PlanID, GroupID: p.GroupID} }
func (p PlanChanged) initiator(Kind) string { return p.InitiatorID }

type ActivityChanged struct {
	PlanID      string `json:"plan_id"`
	ActivityID  string `json:"activity_id"`
	Title       string `json:"title,omitempty"`
	InitiatorID string `json:"initiator_id,omitempty"`
}

func (p ActivityChanged) Validate() error {
	if err := required("plan_id", p.PlanID); err != nil {
		return err
	}
	return required("activity_id", p.ActivityID)
}
func (ActivityChanged) accepts(k Kind) bool {
	switch k {
	case KindActivityCreated, KindActivityUpdated, KindActivityDeleted, KindActivityCompleted:
		return true
	}
	return false
}
func (p ActivityChanged) hints(Kind) Hints      { return Hints{PlanID: p.PlanID} }
func (p ActivityChanged) initiator(Kind) string { return p.InitiatorID }

type MessageSent struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"`
	Preview        string `json:"preview,omitempty"`
}

func (p MessageSent) Validate() error {
	if err := required("conversation_id", p.ConversationID); err != nil {
		return err
	}
	if err := required("message_id", p.MessageID); err != nil {
		return err
	}
	return required("sender_id", p.SenderID)
}
func (MessageSent) accepts(k Kind) bool     { return k == KindMessageSent }
func (p MessageSent) hints(Kind) Hints      { return Hints{ConversationID: p.ConversationID} }
func (p MessageSent) initiator(Kind) string { return p.SenderID }

type MessageRead struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	ReaderID       string `json:"reader_id"`
}

func (p MessageRead) Validate() error {
	if err := required("conversation_id", p.ConversationID); err != nil {
		return err
	}
	if err := required("message_id", p.MessageID); err != nil {
		return err
	}
	return required("reader_id", p.ReaderID)
}
func (MessageRead) accepts(k Kind) bool     { return k == KindMessageRead }
func (p MessageRead) hints(Kind) Hints      { return Hints{ConversationID: p.ConversationID} }
func (p MessageRead) initiator(Kind) string { return p.ReaderID }

type GroupMemberChanged struct {
	GroupID     string `json:"group_id"`
	MemberID    string `json:"member_id"`
	InitiatorID string `json:"initiator_id,omitempty"`
}

func (p GroupMemberChanged) Validate() error {
	if err := required("group_id", p.GroupID); err != nil {
		return err
	}
	return required("member_id", p.MemberID)
}
func (GroupMemberChanged) accepts(k Kind) bool {
	return k == KindGroupMemberAdded || k == KindGroupMemberRemoved
}
func (p GroupMemberChanged) hints(Kind) Hints {
	return Hints{GroupID: p.GroupID, UserID: p.MemberID}
}
func (p GroupMemberChanged) initiator(Kind) string { return p.InitiatorID }

type GroupUpdated struct {
	GroupID     string `json:"group_id"`
	Name        string `json:"name,omitempty"`
	InitiatorID string `json:"initiator_id,omitempty"`
}

func (p GroupUpdated) Validate() error       { return required("group_id", p.GroupID) }
func (GroupUpdated) accepts(k Kind) bool     { return k == KindGroupUpdated }
func (p GroupUpdated) hints(Kind) Hints      { return Hints{GroupID: p.GroupID} }
func (p GroupUpdated) initiator(Kind) string { return p.InitiatorID }

type FriendRequest struct {
	RequestID  string `json:"request_id"`
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
}

func (p FriendRequest) Validate() error {
	if err := required("request_id", p.RequestID); err != nil {
		return err
	}
	if err := required("from_user_id", p.FromUserID); err != nil {
		return err
	}
	return required("to_user_id", p.ToUserID)
}
func (FriendRequest) accepts(k Kind) bool {
	return k == KindFriendRequestReceived || k == KindFriendRequestAccepted
}

// A received request notifies the addressee; an accepted one notifies the requester.
func (p FriendRequest) hints(k Kind) Hints {
	if k == KindFriendRequestAccepted {
		return Hints{UserID: p.FromUserID}
	}
	return Hints{UserID: p.ToUserID}
}
func (p FriendRequest) initiator(k Kind) string {
	if k == KindFriendRequestAccepted {
		return p.ToUserID
	}
	return p.FromUserID
}

type SystemNotice struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

func (p SystemNotice) Validate() error     { return required("message", p.Message) }
func (SystemNotice) accepts(k Kind) bool   { return k.IsSystem() }
func (SystemNotice) hints(Kind) Hints      { return Hints{} }
func (SystemNotice) initiator(Kind) string { return "" }

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidPayload, field)
	}
	return nil
}

var decoders = map[Kind]func(json.RawMessage) (Payload, error){
	KindPlanCreated:           decodeAs[PlanChanged],
	KindPlanUpdated:           decodeAs[PlanChanged],
	KindPlanDeleted:           decodeAs[PlanChanged],
	KindPlanStatusChanged:     decodeAs[PlanStatusChanged],
	KindActivityCreated:       decodeAs[ActivityChanged],
	KindActivityUpdated:       decodeAs[ActivityChanged],
	KindActivityDeleted:       decodeAs[ActivityChanged],
	KindActivityCompleted:     decodeAs[ActivityChanged],
	KindMessageSent:           decodeAs[MessageSent],
	KindMessageRead:           decodeAs[MessageRead],
	KindGroupMemberAdded:      decodeAs[GroupMemberChanged],
	KindGroupMemberRemoved:    decodeAs[GroupMemberChanged],
	KindGroupUpdated:          decodeAs[GroupUpdated],
	KindFriendRequestReceived: decodeAs[FriendRequest],
	KindFriendRequestAccepted: decodeAs[FriendRequest],
	KindSystemAnnouncement:    decodeAs[SystemNotice],
	KindSystemMaintenance:     decodeAs[SystemNotice],
}

func decodeAs[T Payload](data json.RawMessage) (Payload, error) {
	var p T
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// DecodePayload parses the kind-specific schema from raw JSON.
func DecodePayload(kind Kind, data json.RawMessage) (Payload, error) {
	decode, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return decode(data)
}
