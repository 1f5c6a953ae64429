package chatlog

import (
	"context"
	"fmt"
)

// MarkRead advances the user's read pointer to upToSeq, clamped to the committed maximum.
// Stale or out of order calls leave the pointer unchanged and are not errors. The
// resulting pointer is returned.
func (s *Service) MarkRead(ctx context.Context, projectID, userID string, upToSeq int64) (int64, error) {
	if projectID == "" || userID == "" {
		return 0, fmt.Errorf("%w: project and user are required", ErrValidation)
	}
	return retryRead(ctx, s, "mark_read", func() (int64, error) {
		return s.store.MarkRead(ctx, projectID, userID, upToSeq, s.now())
	})
}

// ReadState is a user's read progress in one project.
type ReadState struct {
	LastReadSeq int64 `json:"last_read_seq"`
	MaxSeq      int64 `json:"max_seq"`
	Unread      int64 `json:"unread"`
}

// Unread returns the number of committed messages after the user's read pointer, never
// negative.
func (s *Service) Unread(ctx context.Context, projectID, userID string) (*ReadState, error) {
	if projectID == "" || userID == "" {
		return nil, fmt.Errorf("%w: project and user are required", ErrValidation)
	}

	pointer, err := retryRead(ctx, s, "read_pointer", func() (int64, error) {
		return s.store.GetReadPointer(ctx, projectID, userID)
	})
	if err != nil {
		return nil, err
	}
	maxSeq, err := retryRead(ctx, s, "max_seq", func() (int64, error) {
		return s.store.MaxSeq(ctx, projectID)
	})
	if err != nil {
		return nil, err
	}

	return &ReadState{
		LastReadSeq: pointer,
		MaxSeq:      maxSeq,
		Unread:      max(0, maxSeq-pointer),
	}, nil
}
