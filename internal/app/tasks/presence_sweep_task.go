package tasks

import (
	"context"
	"fmt"
)

// newPresenceSweepTask creates the task that forgets expired presence entries and
// broadcasts the departures. Presence expiry itself never waits for it.
func newPresenceSweepTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "presence_sweep")

	return func(ctx context.Context) error {
		removed, err := deps.Presence.Sweep(ctx)
		if err != nil {
			log.ErrorContext(ctx, "Presence sweep failed", "error", err, "removed", removed)
			return fmt.Errorf("presence sweep failed: %w", err)
		}
		log.DebugContext(ctx, "Presence sweep completed", "removed", removed)
		return nil
	}
}
