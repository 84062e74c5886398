package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/timmy/avcorpus/internal/logger"
)

// RequestIDHeader carries the request ID back to the caller. An incoming
// value is kept so a dashboard can correlate its own logs.
const RequestIDHeader = "X-Request-ID"

// LoggerMiddleware returns a Gin middleware that injects a request-scoped logger.
// Health checks are logged at debug level only.
// Parameters: none.
// Returns:
//   - gin.HandlerFunc: middleware handler.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := logger.WithFields(c.Request.Context(), logger.Fields{
			logger.FieldRequestID: requestID,
			logger.FieldComponent: "status-api",
		})
		c.Request = c.Request.WithContext(ctx)
		c.Set("logger", logger.FromContext(ctx))
		c.Header(RequestIDHeader, requestID)

		c.Next()

		entry := logger.Record(logger.Fields{"http_status": c.Writer.Status()}).
			Elapsed(time.Since(start)).
			Bytes(int64(c.Writer.Size()))
		if path == "/health" {
			entry.Debug(ctx, "Request completed: method=%s, path=%s", c.Request.Method, path)
			return
		}
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		entry.Info(ctx, "Request completed: method=%s, path=%s, client_ip=%s", c.Request.Method, path, c.ClientIP())
	}
}

// GetLogger extracts logger from Gin context or request context.
// Parameters:
//   - c: Gin request context.
// Returns:
//   - *logger.Logger: request-scoped logger or default logger.
func GetLogger(c *gin.Context) *logger.Logger {
	if l, exists := c.Get("logger"); exists {
		if log, ok := l.(*logger.Logger); ok {
			return log
		}
	}
	return logger.FromContext(c.Request.Context())
}
