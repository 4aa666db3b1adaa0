package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	userIDHeader = "X-User-ID"
	userIDKey    = "user_id"
)

// requireUser reads the caller id set by the authenticating gateway.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(userIDHeader)
		id, err := strconv.ParseUint(raw, 10, 32)
		if raw == "" || err != nil || id == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Not authorized"})
			return
		}
		c.Set(userIDKey, uint(id))
		c.Next()
	}
}

func userID(c *gin.Context) uint {
	return c.GetUint(userIDKey)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start).String(),
		}
		if status >= http.StatusInternalServerError {
			s.logger.Error("http request", args...)
			return
		}
		s.logger.Debug("http request", args...)
	}
}
