package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	schedulerdomain "github.com/smallbiznis/tripline/internal/scheduler/domain"
)

type schedulePlanRequest struct {
	Status    string     `json:"status"`
	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
}

// SchedulePlan realigns the lifecycle jobs of a plan after its backend
// created or edited it.
func (s *Server) SchedulePlan(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	planID := strings.TrimSpace(c.Param("id"))
	if planID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	var req schedulePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	status := schedulerdomain.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		AbortWithError(c, newValidationError("status", "invalid_status", "status must be upcoming, ongoing, completed or cancelled"))
		return
	}
	if req.StartTime != nil && req.EndTime != nil && req.EndTime.Before(*req.StartTime) {
		AbortWithError(c, newValidationError("end_time", "invalid_end_time", "end_time must not be before start_time"))
		return
	}

	tokens, err := s.scheduler.Schedule(c.Request.Context(), schedulerdomain.Plan{
		ID:        planID,
		Status:    status,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (s *Server) CancelPlanSchedule(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	planID := strings.TrimSpace(c.Param("id"))
	if planID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := s.scheduler.Cancel(c.Request.Context(), planID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
