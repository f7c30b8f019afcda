package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth reports liveness with a small JSON body.
// GET /health
func (s *Server) handleHealth(c *gin.Context) {
	storageStatus := "healthy"
	if _, err := s.store.ListSessionIDs(c.Request.Context()); err != nil {
		storageStatus = "unhealthy"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime":         time.Since(s.startedAt).String(),
		"activeSessions": s.registry.ActiveSessionCount(),
		"connections":    s.hub.ConnectionCount(),
		"storage":        storageStatus,
	})
}
