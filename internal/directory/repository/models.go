package repository

import "time"

type planRow struct {
	ID        string `gorm:"primaryKey"`
	CreatorID string
	GroupID   *string
	IsPublic  bool
	Status    string
	StartTime *time.Time
	EndTime   *time.Time
	UpdatedAt time.Time
}

func (planRow) TableName() string { return "plans" }

type groupMemberRow struct {
	GroupID  string `gorm:"primaryKey"`
	UserID   string `gorm:"primaryKey"`
	Role     string
	JoinedAt time.Time
}

func (groupMemberRow) TableName() string { return "group_members" }

type conversationRow struct {
	ID            string `gorm:"primaryKey"`
	Type          string
	GroupID       *string
	LastMessageAt *time.Time
}

func (conversationRow) TableName() string { return "conversations" }

type participantRow struct {
	ConversationID string `gorm:"primaryKey"`
	UserID         string `gorm:"primaryKey"`
}

func (participantRow) TableName() string { return "conversation_participants" }

type pushTokenRow struct {
	Token     string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Platform  string
	CreatedAt time.Time
}

func (pushTokenRow) TableName() string { return "push_tokens" }

type receiptRow struct {
	MessageID      string `gorm:"primaryKey"`
	UserID         string `gorm:"primaryKey"`
	ConversationID string `gorm:"index"`
	ReadAt         time.Time
}

func (receiptRow) TableName() string { return "message_receipts" }
