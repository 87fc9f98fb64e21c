package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	schedulerdomain "github.com/smallbiznis/tripline/internal/scheduler/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&schedulerdomain.Plan{}))
	return db
}

func at(h int) *time.Time {
	t := time.Date(2026, 8, 1, h, 0, 0, 0, time.UTC)
	return &t
}

func TestGetAndNotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := Provide(db)
	ctx := context.Background()
	require.NoError(t, db.Create(&schedulerdomain.Plan{ID: "p1", CreatorID: "u1", Status: schedulerdomain.StatusUpcoming, StartTime: at(10)}).Error)

	plan, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, schedulerdomain.StatusUpcoming, plan.Status)
	assert.True(t, plan.StartTime.Equal(*at(10)))

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, schedulerdomain.ErrNotFound)
	_, err = repo.Get(ctx, "")
	require.ErrorIs(t, err, schedulerdomain.ErrNotFound)
}

func TestTransitionStatusIsConditional(t *testing.T) {
	db := setupTestDB(t)
	repo := Provide(db)
	ctx := context.Background()
	require.NoError(t, db.Create(&schedulerdomain.Plan{ID: "p1", CreatorID: "u1", Status: schedulerdomain.StatusUpcoming}).Error)

	ok, err := repo.TransitionStatus(ctx, "p1", schedulerdomain.StatusUpcoming, schedulerdomain.StatusOngoing, *at(10))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TransitionStatus(ctx, "p1", schedulerdomain.StatusUpcoming, schedulerdomain.StatusOngoing, *at(11))
	require.NoError(t, err)
	assert.False(t, ok)

	plan, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, schedulerdomain.StatusOngoing, plan.Status)
	assert.True(t, plan.UpdatedAt.Equal(*at(10)))
}

func TestListDue(t *testing.T) {
	db := setupTestDB(t)
	repo := Provide(db)
	ctx := context.Background()
	now := *at(12)
	require.NoError(t, db.Create(&[]schedulerdomain.Plan{
		{ID: "a", Status: schedulerdomain.StatusUpcoming, StartTime: at(11)},
		{ID: "b", Status: schedulerdomain.StatusUpcoming, StartTime: at(12)},
		{ID: "c", Status: schedulerdomain.StatusUpcoming, StartTime: at(13)},
		{ID: "d", Status: schedulerdomain.StatusUpcoming},
		{ID: "e", Status: schedulerdomain.StatusOngoing, StartTime: at(1), EndTime: at(12)},
		{ID: "f", Status: schedulerdomain.StatusOngoing, StartTime: at(1), EndTime: at(11)},
		{ID: "g", Status: schedulerdomain.StatusCompleted, StartTime: at(1), EndTime: at(2)},
	}).Error)

	starts, err := repo.ListDue(ctx, schedulerdomain.EdgeStart, now, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, planIDs(starts))

	page, err := repo.ListDue(ctx, schedulerdomain.EdgeStart, now, "a", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, planIDs(page))

	ends, err := repo.ListDue(ctx, schedulerdomain.EdgeEnd, now, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, planIDs(ends))
}

func planIDs(plans []schedulerdomain.Plan) []string {
	out := make([]string, 0, len(plans))
	for _, p := range plans {
		out = append(out, p.ID)
	}
	return out
}
