package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

const HeaderInternalKey = "X-Internal-Key"

// InternalKeyRequired guards service-to-service routes with the shared
// internal key. An unset key rejects every request.
func (s *Server) InternalKeyRequired() gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(s.cfg.Auth.InternalAPIKey))
	return func(c *gin.Context) {
		provided := []byte(strings.TrimSpace(c.GetHeader(HeaderInternalKey)))
		if len(expected) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set("actor", "internal")
		c.Next()
	}
}
