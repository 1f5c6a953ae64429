package chatlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgard/projectlog/internal/broker"
	"github.com/edgard/projectlog/internal/database"
)

// HistoryRequest selects a page of the log. Zero cursors are unbounded; with no
// AfterSeq the newest page is returned.
type HistoryRequest struct {
	ProjectID       string `validate:"required,max=128"`
	BeforeSeq       int64  `validate:"min=0"`
	AfterSeq        int64  `validate:"min=0"`
	Limit           int    `validate:"min=0"`
	IncludeInternal bool
}

// History returns one page of messages in ascending seq order. Limits above the maximum
// page size are clamped. Bodies of deleted messages are blanked.
func (s *Service) History(ctx context.Context, req HistoryRequest) (*database.HistoryPage, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.BeforeSeq > 0 && req.AfterSeq > 0 && req.AfterSeq >= req.BeforeSeq-1 {
		return &database.HistoryPage{Messages: []database.Message{}}, nil
	}
	limit := req.Limit
	if limit == 0 {
		limit = s.opts.HistoryDefaultLimit
	}

	page, err := retryRead(ctx, s, "history", func() (*database.HistoryPage, error) {
		return s.store.History(ctx, database.HistoryQuery{
			ProjectID:       req.ProjectID,
			BeforeSeq:       req.BeforeSeq,
			AfterSeq:        req.AfterSeq,
			Limit:           limit,
			IncludeInternal: req.IncludeInternal,
		})
	})
	if err != nil {
		return nil, err
	}
	for i := range page.Messages {
		page.Messages[i] = redact(page.Messages[i])
	}
	return page, nil
}

// MessagesAfter serves committed messages with seq > afterSeq for stream replay and gap
// healing. Bodies of deleted messages are blanked.
func (s *Service) MessagesAfter(ctx context.Context, projectID string, afterSeq int64, limit int, includeInternal bool) ([]database.Message, error) {
	msgs, err := retryRead(ctx, s, "messages_after", func() ([]database.Message, error) {
		return s.store.MessagesAfter(ctx, projectID, afterSeq, limit, includeInternal)
	})
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i] = redact(msgs[i])
	}
	return msgs, nil
}

// EditRequest replaces the body of a message. Only its author may edit it.
type EditRequest struct {
	ProjectID string `validate:"required,max=128"`
	Seq       int64  `validate:"gt=0"`
	EditorRef string `validate:"required,max=128"`
	Body      string `validate:"required"`
}

// Edit replaces a message body, stamps edited_at and publishes a message.updated event.
// Identity fields, seq and created_at never change.
func (s *Service) Edit(ctx context.Context, req EditRequest) (*database.Message, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(req.Body) > s.opts.MaxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrValidation, s.opts.MaxBodyBytes)
	}
	if err := s.authorize(ctx, req.ProjectID, req.Seq, req.EditorRef); err != nil {
		return nil, err
	}

	msg, err := s.store.UpdateMessageBody(ctx, req.ProjectID, req.Seq, req.Body, s.now())
	switch {
	case errors.Is(err, database.ErrMessageNotFound), errors.Is(err, database.ErrMessageDeleted):
		return nil, fmt.Errorf("%w: project %s seq %d", ErrNotFound, req.ProjectID, req.Seq)
	case err != nil:
		return nil, s.storageErr(err, "edit message")
	}

	s.logger.InfoContext(ctx, "Message edited", "project_id", msg.ProjectID, "seq", msg.Seq, "editor_ref", req.EditorRef)
	s.publish(msg.ProjectID, broker.MessageUpdatedEvent(*msg))
	return msg, nil
}

// Delete soft-deletes a message and publishes a message.updated event. Deleting an
// already deleted message returns it unchanged.
func (s *Service) Delete(ctx context.Context, projectID string, seq int64, actorRef string) (*database.Message, error) {
	if projectID == "" || actorRef == "" || seq <= 0 {
		return nil, fmt.Errorf("%w: project, seq and actor are required", ErrValidation)
	}
	if err := s.authorize(ctx, projectID, seq, actorRef); err != nil {
		return nil, err
	}

	msg, err := s.store.SoftDeleteMessage(ctx, projectID, seq, s.now())
	switch {
	case errors.Is(err, database.ErrMessageNotFound):
		return nil, fmt.Errorf("%w: project %s seq %d", ErrNotFound, projectID, seq)
	case err != nil:
		return nil, s.storageErr(err, "delete message")
	case msg == nil:
		return nil, fmt.Errorf("%w: project %s seq %d", ErrNotFound, projectID, seq)
	}

	redacted := redact(*msg)
	s.logger.InfoContext(ctx, "Message deleted", "project_id", projectID, "seq", seq, "actor_ref", actorRef)
	s.publish(projectID, broker.MessageUpdatedEvent(redacted))
	return &redacted, nil
}

// authorize checks that actorRef authored the message at seq.
func (s *Service) authorize(ctx context.Context, projectID string, seq int64, actorRef string) error {
	msg, err := s.store.GetMessageBySeq(ctx, projectID, seq)
	if err != nil {
		return s.storageErr(err, "load message")
	}
	if msg == nil {
		return fmt.Errorf("%w: project %s seq %d", ErrNotFound, projectID, seq)
	}
	if msg.AuthorRef != actorRef {
		return fmt.Errorf("%w: %s is not the author of seq %d", ErrForbidden, actorRef, seq)
	}
	return nil
}

// storageErr maps a store failure onto the error taxonomy.
func (s *Service) storageErr(err error, op string) error {
	if database.IsTransient(err) {
		return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
