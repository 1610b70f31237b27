package api

import (
	"time"

	apperrors "tradesight_go_backend/internal/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RequestLogger attaches a request-scoped zerolog logger to the request context and logs
// each request once it completes.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		logger := log.With().Str("request_id", requestID).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		}
		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}

// requireMethod rejects other methods with 405 before authentication runs.
func requireMethod(method string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != method {
			c.Header("Allow", method)
			apperrors.HandleError(c, apperrors.New405Error())
			c.Abort()
			return
		}
		c.Next()
	}
}
