package domain

import (
	"errors"
	"time"
)

type Status string

const (
	StatusUpcoming  Status = "upcoming"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusUpcoming, StatusOngoing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Edge is one timed transition of the plan lifecycle.
type Edge string

const (
	EdgeStart Edge = "start"
	EdgeEnd   Edge = "end"
)

var Edges = []Edge{EdgeStart, EdgeEnd}

// From returns the status an edge transitions out of.
func (e Edge) From() Status {
	if e == EdgeStart {
		return StatusUpcoming
	}
	return StatusOngoing
}

// To returns the status an edge transitions into.
func (e Edge) To() Status {
	if e == EdgeStart {
		return StatusOngoing
	}
	return StatusCompleted
}

func (e Edge) Valid() bool {
	return e == EdgeStart || e == EdgeEnd
}

var (
	ErrNotFound      = errors.New("plan_not_found")
	ErrInvalidPlan   = errors.New("invalid_plan")
	ErrInvalidStatus = errors.New("invalid_status")
)

type Plan struct {
	ID        string     `json:"id" gorm:"primaryKey"`
	CreatorID string     `json:"creator_id"`
	GroupID   *string    `json:"group_id,omitempty"`
	IsPublic  bool       `json:"is_public"`
	Status    Status     `json:"status"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Plan) TableName() string { return "plans" }

// FireAt returns the instant an edge is due, or false when the plan has no
// time for it.
func (p Plan) FireAt(edge Edge) (time.Time, bool) {
	var t *time.Time
	if edge == EdgeStart {
		t = p.StartTime
	} else {
		t = p.EndTime
	}
	if t == nil || t.IsZero() {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func (p Plan) Group() string {
	if p.GroupID == nil {
		return ""
	}
	return *p.GroupID
}

// Due reports whether edge may be applied to p at now.
func (p Plan) Due(edge Edge, now time.Time) bool {
	if p.Status != edge.From() {
		return false
	}
	at, ok := p.FireAt(edge)
	if !ok {
		return false
	}
	return !now.Before(at)
}
