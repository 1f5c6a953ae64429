package logger

import (
	"errors"
	"log/slog"

	"github.com/go-co-op/gocron/v2"
)

// gocronLogger forwards gocron's internal logging to slog.
type gocronLogger struct {
	log *slog.Logger
}

// NewGocronLogger returns a gocron.Logger writing to log.
//
//nolint:ireturn // Interface return is required by gocron's API contract
func NewGocronLogger(log *slog.Logger) gocron.Logger {
	return &gocronLogger{log: log.With("component", "gocron")}
}

func (l *gocronLogger) Debug(msg string, args ...any) { l.log.Debug(msg, schedulerArgs(args)...) }
func (l *gocronLogger) Info(msg string, args ...any)  { l.log.Info(msg, schedulerArgs(args)...) }
func (l *gocronLogger) Warn(msg string, args ...any)  { l.log.Warn(msg, schedulerArgs(args)...) }
func (l *gocronLogger) Error(msg string, args ...any) { l.log.Error(msg, schedulerArgs(args)...) }

// schedulerArgs tags known gocron errors with a reason so they can be filtered in logs.
func schedulerArgs(args []any) []any {
	out := make([]any, 0, len(args)+2)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			out = append(out, args[i])
			break
		}
		key, val := args[i], args[i+1]
		out = append(out, key, val)

		err, ok := val.(error)
		if !ok || key != "error" {
			continue
		}
		switch {
		case errors.Is(err, gocron.ErrJobNotFound):
			out = append(out, "reason", "job_not_found")
		case errors.Is(err, gocron.ErrStopSchedulerTimedOut):
			out = append(out, "reason", "shutdown_timeout")
		}
	}
	return out
}
