package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// allocateSeq advances the project's counter row and returns the new value. It must run
// inside the transaction that inserts the message, so the counter and the message become
// visible together; a rolled back transaction leaves an unobservable gap.
func (s *sqlxStore) allocateSeq(ctx context.Context, tx *sqlx.Tx, projectID string) (int64, error) {
	const upsert = `
        INSERT INTO project_sequences (project_id, last_seq) VALUES (?, 1)
        ON CONFLICT (project_id) DO UPDATE SET last_seq = project_sequences.last_seq + 1
        RETURNING last_seq;
    `

	var seq int64
	if err := tx.GetContext(ctx, &seq, tx.Rebind(upsert), projectID); err != nil {
		return 0, fmt.Errorf("failed to advance sequence for project %s: %w", projectID, err)
	}

	var maxSeq int64
	const maxQuery = `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE project_id = ?;`
	if err := tx.GetContext(ctx, &maxSeq, tx.Rebind(maxQuery), projectID); err != nil {
		return 0, fmt.Errorf("failed to read max sequence for project %s: %w", projectID, err)
	}

	if seq <= maxSeq {
		s.logger.ErrorContext(ctx, "Allocated sequence does not exceed committed maximum, aborting",
			"project_id", projectID, "allocated_seq", seq, "max_seq", maxSeq)
		return 0, fmt.Errorf("%w: allocated %d for project %s with committed max %d",
			ErrSequenceInvariant, seq, projectID, maxSeq)
	}

	return seq, nil
}
