// Package tasks implements the periodic maintenance jobs run by the scheduler.
package tasks

import (
	"context"
	"log/slog"

	"github.com/edgard/projectlog/internal/database"
)

// PresenceSweeper removes expired presence entries.
type PresenceSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// TaskDeps contains the dependencies of scheduled tasks.
type TaskDeps struct {
	Logger *slog.Logger
	Store  database.Store
	// Driver names the SQL driver behind Store, for logs.
	Driver   string
	Presence PresenceSweeper
}
