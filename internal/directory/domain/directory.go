// Package domain declares the relational collaborators the realtime core
// consults: membership predicates, recipient lists, push tokens and receipts.
package domain

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not_found")

type Membership interface {
	// CanAccessPlan is true for the creator, members of the plan's group, or
	// anyone when the plan is public.
	CanAccessPlan(ctx context.Context, planID, userID string) (bool, error)
	IsGroupMember(ctx context.Context, groupID, userID string) (bool, error)
	IsConversationParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

type Recipients interface {
	PlanRecipients(ctx context.Context, planID string) ([]string, error)
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
	ConversationParticipants(ctx context.Context, conversationID string) ([]string, error)
}

type Tokens interface {
	TokensFor(ctx context.Context, userIDs []string) ([]PushToken, error)
	RemoveTokens(ctx context.Context, tokens []string) (int, error)
}

type Receipts interface {
	MarkRead(ctx context.Context, receipt Receipt) error
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error
}

// Directory bundles every collaborator behind one implementation.
type Directory interface {
	Membership
	Recipients
	Tokens
	Receipts
}
