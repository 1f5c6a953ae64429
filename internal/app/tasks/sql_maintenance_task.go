package tasks

import (
	"context"
	"fmt"
	"time"
)

// sqlMaintenanceTimeout bounds one VACUUM run.
const sqlMaintenanceTimeout = 10 * time.Minute

// newSQLMaintenanceTask creates the task that compacts the message log and refreshes
// planner statistics.
func newSQLMaintenanceTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "sql_maintenance", "driver", deps.Driver)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, sqlMaintenanceTimeout)
		defer cancel()

		started := time.Now()
		if err := deps.Store.RunSQLMaintenance(ctx); err != nil {
			log.ErrorContext(ctx, "Message log maintenance failed", "error", err, "elapsed", time.Since(started))
			return fmt.Errorf("failed to maintain %s message log: %w", deps.Driver, err)
		}

		log.InfoContext(ctx, "Message log compacted", "elapsed", time.Since(started))
		return nil
	}
}
