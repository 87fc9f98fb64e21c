package domain

import "time"

type PushToken struct {
	UserID   string `json:"user_id"`
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// PlanAccess is the slice of a plan row needed for room authorization and
// recipient resolution.
type PlanAccess struct {
	ID        string
	CreatorID string
	GroupID   *string
	IsPublic  bool
}

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type Receipt struct {
	ConversationID string
	MessageID      string
	UserID         string
	ReadAt         time.Time
}
