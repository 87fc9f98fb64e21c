package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/samber/lo"
	directorydomain "github.com/smallbiznis/tripline/internal/directory/domain"
	pkgdb "github.com/smallbiznis/tripline/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// tokenQueryChunk keeps IN lists well below driver placeholder limits.
const tokenQueryChunk = 500

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) directorydomain.Directory {
	return &repo{db: db}
}

func (r *repo) findPlan(ctx context.Context, planID string) (*directorydomain.PlanAccess, error) {
	var rows []directorydomain.PlanAccess
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, creator_id, group_id, is_public FROM plans WHERE id = ?`,
		planID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, directorydomain.ErrNotFound
	}
	return &rows[0], nil
}

func (r *repo) CanAccessPlan(ctx context.Context, planID, userID string) (bool, error) {
	plan, err := r.findPlan(ctx, planID)
	if errors.Is(err, directorydomain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if plan.IsPublic || plan.CreatorID == userID {
		return true, nil
	}
	if plan.GroupID == nil || *plan.GroupID == "" {
		return false, nil
	}
	return r.IsGroupMember(ctx, *plan.GroupID, userID)
}

func (r *repo) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM group_members WHERE group_id = ? AND user_id = ?`,
		groupID,
		userID,
	).Scan(&count).Error
	return count > 0, err
}

func (r *repo) IsConversationParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID,
		userID,
	).Scan(&count).Error
	if err != nil || count > 0 {
		return count > 0, err
	}

	err = r.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM conversations c
		 JOIN group_members gm ON gm.group_id = c.group_id
		 WHERE c.id = ? AND c.type = ? AND gm.user_id = ?`,
		conversationID,
		string(directorydomain.ConversationGroup),
		userID,
	).Scan(&count).Error
	return count > 0, err
}

func (r *repo) PlanRecipients(ctx context.Context, planID string) ([]string, error) {
	plan, err := r.findPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.GroupID == nil || *plan.GroupID == "" {
		return []string{plan.CreatorID}, nil
	}
	members, err := r.GroupMembers(ctx, *plan.GroupID)
	if err != nil {
		return nil, err
	}
	return lo.Uniq(append(members, plan.CreatorID)), nil
}

func (r *repo) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Raw(
		`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY joined_at, user_id`,
		groupID,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) ConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Raw(
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id`,
		conversationID,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}

	var members []string
	err = r.db.WithContext(ctx).Raw(
		`SELECT gm.user_id FROM conversations c
		 JOIN group_members gm ON gm.group_id = c.group_id
		 WHERE c.id = ? AND c.type = ?
		 ORDER BY gm.user_id`,
		conversationID,
		string(directorydomain.ConversationGroup),
	).Scan(&members).Error
	if err != nil {
		return nil, err
	}
	return lo.Uniq(append(ids, members...)), nil
}

func (r *repo) TokensFor(ctx context.Context, userIDs []string) ([]directorydomain.PushToken, error) {
	userIDs = lo.Uniq(lo.Compact(userIDs))
	if len(userIDs) == 0 {
		return nil, nil
	}

	tokens := make([]directorydomain.PushToken, 0, len(userIDs))
	for _, chunk := range lo.Chunk(userIDs, tokenQueryChunk) {
		var rows []directorydomain.PushToken
		err := r.db.WithContext(ctx).Raw(
			`SELECT user_id, token, platform FROM push_tokens WHERE user_id IN ? ORDER BY user_id, token`,
			chunk,
		).Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, rows...)
	}
	return tokens, nil
}

func (r *repo) RemoveTokens(ctx context.Context, tokens []string) (int, error) {
	tokens = lo.Uniq(lo.Compact(tokens))
	if len(tokens) == 0 {
		return 0, nil
	}

	var removed int64
	for _, chunk := range lo.Chunk(tokens, tokenQueryChunk) {
		res := r.db.WithContext(ctx).Exec(`DELETE FROM push_tokens WHERE token IN ?`, chunk)
		if res.Error != nil {
			return int(removed), res.Error
		}
		removed += res.RowsAffected
	}
	return int(removed), nil
}

func (r *repo) MarkRead(ctx context.Context, receipt directorydomain.Receipt) error {
	if strings.TrimSpace(receipt.MessageID) == "" || strings.TrimSpace(receipt.UserID) == "" {
		return errors.New("message_id and user_id are required")
	}
	row := receiptRow{
		MessageID:      receipt.MessageID,
		UserID:         receipt.UserID,
		ConversationID: receipt.ConversationID,
		ReadAt:         receipt.ReadAt.UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil && !pkgdb.IsDuplicateKeyErr(err) {
		return err
	}
	return nil
}

// TouchConversation only moves last_message_at forward.
func (r *repo) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	at = at.UTC()
	return r.db.WithContext(ctx).Exec(
		`UPDATE conversations SET last_message_at = ?
		 WHERE id = ? AND (last_message_at IS NULL OR last_message_at < ?)`,
		at,
		conversationID,
		at,
	).Error
}
