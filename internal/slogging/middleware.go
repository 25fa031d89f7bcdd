package slogging

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware returns a Gin middleware for logging requests using slog
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := Get()
		start := time.Now()

		logger.DebugCtx(c.Request.Context(), "Request started",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("user_agent", c.GetHeader("User-Agent")),
		)

		c.Next()

		statusCode := c.Writer.Status()
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status_code", statusCode),
			slog.Duration("duration", time.Since(start)),
			slog.Int64("response_size", int64(c.Writer.Size())),
		}
		if userID, ok := c.Get("userID"); ok {
			attrs = append(attrs, slog.String("user_id", fmt.Sprint(userID)))
		}

		switch {
		case statusCode >= 500:
			logger.ErrorCtx(c.Request.Context(), "Request completed with server error", attrs...)
		case statusCode >= 400:
			logger.WarnCtx(c.Request.Context(), "Request completed with client error", attrs...)
		default:
			logger.InfoCtx(c.Request.Context(), "Request completed successfully", attrs...)
		}
	}
}

// Recoverer creates middleware for recovering from panics using slog
func Recoverer() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				buf := make([]byte, 2048)
				n := runtime.Stack(buf, false)

				Get().ErrorCtx(c.Request.Context(), "Panic recovered",
					slog.Any("panic_value", err),
					slog.String("stack_trace", string(buf[:n])),
					slog.String("method", c.Request.Method),
					slog.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatus(500)
			}
		}()
		c.Next()
	}
}
