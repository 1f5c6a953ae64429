package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// MarkRead moves the user's read pointer forward. The requested value is clamped to the
// project's committed maximum and never lowers an existing pointer, so stale or out of
// order calls are no-ops. The resulting pointer is returned.
func (s *sqlxStore) MarkRead(ctx context.Context, projectID, userID string, upToSeq int64, at time.Time) (int64, error) {
	if projectID == "" || userID == "" {
		return 0, fmt.Errorf("project_id and user_id cannot be empty")
	}
	if upToSeq < 0 {
		upToSeq = 0
	}

	var pointer int64
	err := s.withTx(ctx, "mark_read", func(tx *sqlx.Tx) error {
		var maxSeq int64
		maxQuery := `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE project_id = ?;`
		if err := tx.GetContext(ctx, &maxSeq, tx.Rebind(maxQuery), projectID); err != nil {
			return fmt.Errorf("failed to read max sequence: %w", err)
		}
		target := min(upToSeq, maxSeq)

		upsert := `
            INSERT INTO read_pointers (project_id, user_id, last_read_seq, updated_at)
            VALUES (?, ?, ?, ?)
            ON CONFLICT (project_id, user_id) DO UPDATE SET
                last_read_seq = CASE
                    WHEN excluded.last_read_seq > read_pointers.last_read_seq THEN excluded.last_read_seq
                    ELSE read_pointers.last_read_seq
                END,
                updated_at = excluded.updated_at
            RETURNING last_read_seq;
        `
		if err := tx.GetContext(ctx, &pointer, tx.Rebind(upsert), projectID, userID, target, at.UTC()); err != nil {
			return fmt.Errorf("failed to upsert read pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking read", "project_id", projectID, "user_id", userID, "error", err)
		return 0, err
	}

	s.logger.DebugContext(ctx, "Read pointer updated",
		"project_id", projectID, "user_id", userID, "requested_seq", upToSeq, "last_read_seq", pointer)
	return pointer, nil
}

// GetReadPointer returns the user's last read sequence, 0 when never marked.
func (s *sqlxStore) GetReadPointer(ctx context.Context, projectID, userID string) (int64, error) {
	var pointer int64
	query := `SELECT last_read_seq FROM read_pointers WHERE project_id = ? AND user_id = ?;`
	err := s.db.GetContext(ctx, &pointer, s.db.Rebind(query), projectID, userID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return 0, err
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting read pointer", "project_id", projectID, "user_id", userID, "error", err)
		return 0, fmt.Errorf("failed to get read pointer for user %s in project %s: %w", userID, projectID, err)
	}
	return pointer, nil
}
