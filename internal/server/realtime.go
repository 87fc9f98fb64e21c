package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tripline/internal/room"
)

func (s *Server) ServePlanSession(c *gin.Context) {
	s.serveSession(c, room.Plan(strings.TrimSpace(c.Param("id"))))
}

func (s *Server) ServeGroupSession(c *gin.Context) {
	s.serveSession(c, room.Group(strings.TrimSpace(c.Param("id"))))
}

func (s *Server) ServeConversationSession(c *gin.Context) {
	s.serveSession(c, room.Conversation(strings.TrimSpace(c.Param("id"))))
}

// ServeUserSession and ServeNotificationSession resolve the room id from the
// authenticated user.
func (s *Server) ServeUserSession(c *gin.Context) {
	s.serveSession(c, room.Room{Kind: room.KindUser})
}

func (s *Server) ServeNotificationSession(c *gin.Context) {
	s.serveSession(c, room.Room{Kind: room.KindNotifications})
}

func (s *Server) serveSession(c *gin.Context, target room.Room) {
	if target.Kind != room.KindUser && target.Kind != room.KindNotifications && target.ID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}
	s.gateway.Serve(c.Writer, c.Request, target)
}
