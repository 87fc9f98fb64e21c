package domain

import (
	"context"
	"time"
)

type Repository interface {
	Get(ctx context.Context, id string) (*Plan, error)
	// TransitionStatus moves the plan from -> to only while it is still in
	// from. It reports whether a row changed.
	TransitionStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error)
	// ListDue returns plans in status whose edge time is at or before now,
	// ordered by id and starting after afterID.
	ListDue(ctx context.Context, edge Edge, now time.Time, afterID string, limit int) ([]Plan, error)
}
