package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	schedulerdomain "github.com/smallbiznis/tripline/internal/scheduler/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) schedulerdomain.Repository {
	return &repo{db: db}
}

func (r *repo) Get(ctx context.Context, id string) (*schedulerdomain.Plan, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, schedulerdomain.ErrNotFound
	}

	var plan schedulerdomain.Plan
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Take(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %w", schedulerdomain.ErrNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *repo) TransitionStatus(ctx context.Context, id string, from, to schedulerdomain.Status, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Exec(
		`UPDATE plans SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to,
		at.UTC(),
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListDue(ctx context.Context, edge schedulerdomain.Edge, now time.Time, afterID string, limit int) ([]schedulerdomain.Plan, error) {
	if !edge.Valid() {
		return nil, schedulerdomain.ErrInvalidStatus
	}
	// start fires at start_time; end is overdue only once end_time has passed.
	column, op := "start_time", "<="
	if edge == schedulerdomain.EdgeEnd {
		column, op = "end_time", "<"
	}

	var plans []schedulerdomain.Plan
	err := r.db.WithContext(ctx).
		Where("status = ?", edge.From()).
		Where(column+" IS NOT NULL").
		Where(column+" "+op+" ?", now.UTC()).
		Where("id > ?", afterID).
		Order("id").
		Limit(limit).
		Find(&plans).Error
	return plans, err
}
