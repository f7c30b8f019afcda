package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jsbattig/share-things-sub004/internal/storage"
)

// handleDownload streams a content item's chunks as iv‖ciphertext frames.
// GET /api/download/:contentID with Authorization: Bearer <sessionToken>.
// The payload is never buffered whole; a missing chunk truncates the body
// after headers and clients detect it through the framing contract.
func (s *Server) handleDownload(c *gin.Context) {
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
		return
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	sessionID, _, err := s.registry.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	contentID := c.Param("contentID")
	ctx := c.Request.Context()

	meta, err := s.store.GetContentMetadata(ctx, contentID)
	if err != nil || meta.SessionID != sessionID {
		// Content outside the caller's session is indistinguishable from
		// absent content.
		c.JSON(http.StatusNotFound, gin.H{"error": "Content not found"})
		return
	}

	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)

	writer := c.Writer
	streamErr := s.store.ForEachChunk(ctx, contentID, func(index int, iv, data []byte) error {
		if _, err := writer.Write(iv); err != nil {
			return err
		}
		if _, err := writer.Write(data); err != nil {
			return err
		}
		writer.Flush()
		return nil
	})
	if streamErr != nil {
		// Headers are gone; all we can do is cut the body short.
		if !errors.Is(streamErr, ctx.Err()) {
			s.logger.Printf("ERROR: download %s aborted: %v", contentID, streamErr)
		}
		return
	}

	if err := s.store.TouchContentAccess(ctx, contentID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Printf("WARNING: touch content %s: %v", contentID, err)
	}
}
