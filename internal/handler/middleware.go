package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Identity comes from the gateway in front of this service: X-User-ID is the
// authenticated caller, X-Admin marks operator access. The service trusts
// these headers; it never sees credentials.
const (
	headerUserID = "X-User-ID"
	headerAdmin  = "X-Admin"

	ctxUserID  = "user_id"
	ctxIsAdmin = "is_admin"
)

func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(headerUserID)
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "missing or invalid " + headerUserID},
			})
			return
		}
		c.Set(ctxUserID, userID)
		c.Set(ctxIsAdmin, c.GetHeader(headerAdmin) == "true" || c.GetHeader(headerAdmin) == "1")
		c.Next()
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	requireUser := s.requireUser()
	return func(c *gin.Context) {
		requireUser(c)
		if c.IsAborted() {
			return
		}
		if !c.GetBool(ctxIsAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{"code": "forbidden", "message": "admin access required"},
			})
			return
		}
		c.Next()
	}
}

func callerID(c *gin.Context) int64 {
	return c.GetInt64(ctxUserID)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}
