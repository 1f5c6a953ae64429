package chatlog

import (
	"context"

	"github.com/edgard/projectlog/internal/database"
)

// lookup returns the message already committed under req's client message id, or nil.
// A resubmission whose payload differs from the original keeps the original; the
// mismatch is only logged.
func (s *Service) lookup(ctx context.Context, req SubmitRequest) (*database.Message, error) {
	existing, err := s.store.GetMessageByClientID(ctx, req.ProjectID, req.ClientMsgID)
	if err != nil || existing == nil {
		return nil, err
	}

	if mismatch := payloadMismatch(existing, req); mismatch != "" {
		s.logger.WarnContext(ctx, "Resubmission payload differs from original, keeping original",
			"project_id", req.ProjectID, "client_msg_id", req.ClientMsgID, "seq", existing.Seq, "field", mismatch)
	} else {
		s.logger.DebugContext(ctx, "Duplicate submission",
			"project_id", req.ProjectID, "client_msg_id", req.ClientMsgID, "seq", existing.Seq)
	}
	return existing, nil
}

// payloadMismatch names the first field that differs between the original and a resubmission.
func payloadMismatch(existing *database.Message, req SubmitRequest) string {
	switch {
	case existing.AuthorRef != req.AuthorRef:
		return "author_ref"
	case existing.Body != req.Body:
		return "body"
	case existing.Mode != req.Mode:
		return "mode"
	case existing.ActorType != req.ActorType:
		return "actor_type"
	}
	return ""
}
