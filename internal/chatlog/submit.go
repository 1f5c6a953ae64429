package chatlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edgard/projectlog/internal/broker"
	"github.com/edgard/projectlog/internal/database"
)

// SubmitRequest is one message submission. AuthorRef is the verified caller identity.
type SubmitRequest struct {
	ProjectID   string             `validate:"required,max=128"`
	ClientMsgID string             `validate:"required,max=128"`
	AuthorRef   string             `validate:"required,max=128"`
	ActorType   database.ActorType `validate:"omitempty,oneof=end-user assistant advisor"`
	Body        string             `validate:"required"`
	Mode        string             `validate:"omitempty,max=32"`
	ParentRef   *string            `validate:"omitempty,max=128"`
	Visibility  database.Visibility
}

// SubmitResult is the committed message. Duplicate is set when the client message id
// was already taken and Message is the original.
type SubmitResult struct {
	Message   database.Message
	Duplicate bool
}

const defaultMode = "chat"

// Submit appends a message to the project's log exactly once per client message id.
// A resubmission returns the original message with Duplicate set, even when the body
// differs. Transient storage failures are retried a bounded number of times before
// ErrStorageUnavailable is returned.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := s.validateSubmit(req); err != nil {
		s.metrics.SubmitFailed()
		return nil, err
	}
	if req.ActorType == "" {
		req.ActorType = database.ActorEndUser
	}
	if req.Mode == "" {
		req.Mode = defaultMode
	}
	if req.Visibility == "" {
		req.Visibility = database.VisibilityPublic
	}

	// The id is fixed across attempts so a commit whose acknowledgement was lost is
	// recognized as this call's own write on retry.
	id := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= s.opts.SubmitRetries; attempt++ {
		if attempt > 0 {
			s.metrics.SubmitRetried()
			s.logger.WarnContext(ctx, "Retrying submission after transient storage error",
				"project_id", req.ProjectID, "client_msg_id", req.ClientMsgID, "attempt", attempt, "error", lastErr)
			if err := s.backoff(ctx); err != nil {
				return nil, err
			}
		}

		result, err := s.submitOnce(ctx, id, req)
		switch {
		case err == nil:
			if result.Duplicate {
				s.metrics.SubmitDuplicate()
			} else {
				s.metrics.SubmitCreated()
				s.publish(req.ProjectID, broker.MessageEvent(result.Message))
			}
			return result, nil

		case database.IsTransient(err):
			lastErr = err
			continue

		case errors.Is(err, database.ErrSequenceInvariant):
			s.metrics.SubmitFailed()
			s.logger.ErrorContext(ctx, "Sequence invariant violated, submission aborted",
				"project_id", req.ProjectID, "client_msg_id", req.ClientMsgID, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrSequenceInvariant, err)

		default:
			s.metrics.SubmitFailed()
			return nil, fmt.Errorf("failed to submit message: %w", err)
		}
	}

	s.metrics.SubmitFailed()
	s.logger.ErrorContext(ctx, "Submission failed after retries",
		"project_id", req.ProjectID, "client_msg_id", req.ClientMsgID, "attempts", s.opts.SubmitRetries+1, "error", lastErr)
	return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, lastErr)
}

// submitOnce runs one lookup-then-append attempt. A message found under the client id
// with the attempt's own id was committed by an earlier attempt of the same call and
// is reported as created.
func (s *Service) submitOnce(ctx context.Context, id string, req SubmitRequest) (*SubmitResult, error) {
	existing, err := s.lookup(ctx, req)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.ID == id {
			s.logger.InfoContext(ctx, "Message committed by an earlier attempt",
				"project_id", existing.ProjectID, "seq", existing.Seq, "client_msg_id", existing.ClientMsgID)
			return &SubmitResult{Message: *existing}, nil
		}
		return &SubmitResult{Message: redact(*existing), Duplicate: true}, nil
	}

	msg := &database.Message{
		ID:          id,
		ProjectID:   req.ProjectID,
		ClientMsgID: req.ClientMsgID,
		AuthorRef:   req.AuthorRef,
		ActorType:   req.ActorType,
		Body:        req.Body,
		Mode:        req.Mode,
		ParentRef:   req.ParentRef,
		Visibility:  req.Visibility,
		CreatedAt:   s.now(),
	}

	err = s.store.AppendMessage(ctx, msg)
	if errors.Is(err, database.ErrDuplicateClientMsgID) {
		// Lost the race to a concurrent submission with the same id.
		winner, lookupErr := s.lookup(ctx, req)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if winner == nil {
			return nil, fmt.Errorf("client message id %q reported taken but not found: %w", req.ClientMsgID, err)
		}
		return &SubmitResult{Message: redact(*winner), Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Message committed",
		"project_id", msg.ProjectID, "seq", msg.Seq, "client_msg_id", msg.ClientMsgID, "author_ref", msg.AuthorRef)
	return &SubmitResult{Message: *msg}, nil
}

func (s *Service) validateSubmit(req SubmitRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: field %s failed on %q", ErrValidation, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.Visibility != "" && !req.Visibility.Valid() {
		return fmt.Errorf("%w: unknown visibility %q", ErrValidation, req.Visibility)
	}
	if len(req.Body) > s.opts.MaxBodyBytes {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrValidation, s.opts.MaxBodyBytes)
	}
	return nil
}

// backoff waits RetryBackoff or until ctx ends.
func (s *Service) backoff(ctx context.Context) error {
	if s.opts.RetryBackoff <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(s.opts.RetryBackoff):
		return nil
	}
}

// retryRead runs fn up to SubmitRetries+1 times while it fails transiently.
func retryRead[T any](ctx context.Context, s *Service, op string, fn func() (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt <= s.opts.SubmitRetries; attempt++ {
		if attempt > 0 {
			s.logger.DebugContext(ctx, "Retrying read after transient storage error", "op", op, "attempt", attempt, "error", lastErr)
			if err := s.backoff(ctx); err != nil {
				return zero, err
			}
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !database.IsTransient(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, lastErr)
}
