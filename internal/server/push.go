package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CleanupPushTokens deletes every token the push provider reported invalid.
func (s *Server) CleanupPushTokens(c *gin.Context) {
	if s.push == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	removed, err := s.push.PurgeInvalidTokens(c.Request.Context())
	if err != nil {
		s.log.Warn("push.cleanup_failed", zap.Int("removed", removed), zap.Error(err))
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
