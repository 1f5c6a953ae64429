// Package logger provides structured logging for projectlog.
// It uses Go's slog package with configurable levels and formats.
package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
)

// NewLogger creates a new slog Logger with the specified level and format.
// If jsonOutput is true, logs will be formatted as JSON, otherwise as text.
func NewLogger(levelStr string, jsonOutput bool) *slog.Logger {
	return newLogger(os.Stdout, levelStr, jsonOutput)
}

func newLogger(w io.Writer, levelStr string, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(levelStr),
	}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Middleware creates a gin request-logging middleware.
// Long-lived stream requests are logged once when they start and once when they end.
func Middleware(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		logEntry := log.With(
			"method", c.Request.Method,
			"path", c.FullPath(),
			"project_id", c.Param("project"),
			"remote_addr", c.ClientIP(),
		)
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			logEntry = logEntry.With("user_id", userID)
		}

		logEntry.DebugContext(c.Request.Context(), "Processing request")

		c.Next()

		status := c.Writer.Status()
		duration := time.Since(startTime)
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		if len(c.Errors) > 0 {
			logEntry = logEntry.With("errors", c.Errors.String())
		}
		logEntry.Log(c.Request.Context(), level, "Finished request", "status", status, "duration", duration)
	}
}
