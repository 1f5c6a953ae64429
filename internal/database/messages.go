package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const messageColumns = `id, project_id, seq, client_msg_id, author_ref, actor_type, body, mode,
        parent_ref, visibility, created_at, edited_at, deleted`

// AppendMessage allocates the next sequence and inserts msg in a single transaction.
func (s *sqlxStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("cannot append nil message")
	}
	if msg.ID == "" || msg.ProjectID == "" || msg.ClientMsgID == "" {
		return fmt.Errorf("message must have id, project_id and client_msg_id")
	}
	if msg.CreatedAt.IsZero() {
		return fmt.Errorf("message must have a non-zero created_at")
	}

	err := s.withTx(ctx, "append_message", func(tx *sqlx.Tx) error {
		seq, err := s.allocateSeq(ctx, tx, msg.ProjectID)
		if err != nil {
			return err
		}
		msg.Seq = seq

		query := `
            INSERT INTO messages (id, project_id, seq, client_msg_id, author_ref, actor_type, body, mode,
                parent_ref, visibility, created_at, edited_at, deleted)
            VALUES (:id, :project_id, :seq, :client_msg_id, :author_ref, :actor_type, :body, :mode,
                :parent_ref, :visibility, :created_at, :edited_at, :deleted);
        `
		result, err := tx.NamedExecContext(ctx, query, msg)
		if err != nil {
			switch classifyUnique(err) {
			case uniqueClientMsgID:
				return ErrDuplicateClientMsgID
			case uniqueSeq:
				return fmt.Errorf("%w: sequence %d already committed for project %s: %v",
					ErrSequenceInvariant, seq, msg.ProjectID, err)
			}
			return fmt.Errorf("failed to insert message (project %s, seq %d): %w", msg.ProjectID, seq, err)
		}

		if affected, err := result.RowsAffected(); err == nil && affected != 1 {
			s.logger.WarnContext(ctx, "Unexpected number of rows affected when appending message",
				"project_id", msg.ProjectID, "seq", seq, "affected", affected)
		}
		return nil
	})
	if err != nil {
		msg.Seq = 0
		if errors.Is(err, ErrDuplicateClientMsgID) {
			s.logger.DebugContext(ctx, "Client message id already committed",
				"project_id", msg.ProjectID, "client_msg_id", msg.ClientMsgID)
		} else {
			s.logger.ErrorContext(ctx, "Error appending message",
				"project_id", msg.ProjectID, "client_msg_id", msg.ClientMsgID, "error", err)
		}
		return err
	}

	s.logger.DebugContext(ctx, "Message appended",
		"project_id", msg.ProjectID, "seq", msg.Seq, "message_id", msg.ID)
	return nil
}

// GetMessageByClientID returns the message carrying clientMsgID. Returns nil, nil if not found.
func (s *sqlxStore) GetMessageByClientID(ctx context.Context, projectID, clientMsgID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE project_id = ? AND client_msg_id = ?;`
	return s.getMessage(ctx, s.db.Rebind(query), "client_msg_id", projectID, clientMsgID)
}

// GetMessageBySeq returns the message at seq. Returns nil, nil if not found.
func (s *sqlxStore) GetMessageBySeq(ctx context.Context, projectID string, seq int64) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE project_id = ? AND seq = ?;`
	return s.getMessage(ctx, s.db.Rebind(query), "seq", projectID, seq)
}

func (s *sqlxStore) getMessage(ctx context.Context, query, keyName string, projectID string, key any) (*Message, error) {
	var msg Message
	err := s.db.GetContext(ctx, &msg, query, projectID, key)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching message",
			"project_id", projectID, keyName, key, "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting message", "project_id", projectID, keyName, key, "error", err)
		return nil, fmt.Errorf("failed to get message by %s for project %s: %w", keyName, projectID, err)
	}

	return &msg, nil
}

// visibilityClause restricts a query to public messages unless includeInternal is set.
func visibilityClause(includeInternal bool) string {
	if includeInternal {
		return ""
	}
	return " AND visibility = '" + string(VisibilityPublic) + "'"
}

// MessagesAfter returns up to limit messages with seq > afterSeq, ascending.
func (s *sqlxStore) MessagesAfter(ctx context.Context, projectID string, afterSeq int64, limit int, includeInternal bool) ([]Message, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project_id cannot be empty")
	}
	limit = clampLimit(limit, MaxHistoryLimit)

	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE project_id = ? AND seq > ?` + visibilityClause(includeInternal) + `
        ORDER BY seq ASC
        LIMIT ?;`

	var messages []Message
	err := s.db.SelectContext(ctx, &messages, s.db.Rebind(query), projectID, afterSeq, limit)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil, err
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting messages after seq",
			"project_id", projectID, "after_seq", afterSeq, "error", err)
		return nil, fmt.Errorf("failed to get messages after seq %d for project %s: %w", afterSeq, projectID, err)
	}
	return messages, nil
}

// History returns one page of messages in ascending order together with flags telling
// whether older or newer messages exist outside the page.
func (s *sqlxStore) History(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	if q.ProjectID == "" {
		return nil, fmt.Errorf("project_id cannot be empty")
	}
	if q.BeforeSeq < 0 || q.AfterSeq < 0 {
		return nil, fmt.Errorf("cursors cannot be negative")
	}
	limit := clampLimit(q.Limit, 0)
	filter := visibilityClause(q.IncludeInternal)

	var (
		conds = []string{"project_id = ?"}
		args  = []any{q.ProjectID}
		desc  = q.AfterSeq == 0
	)
	if q.AfterSeq > 0 {
		conds = append(conds, "seq > ?")
		args = append(args, q.AfterSeq)
	}
	if q.BeforeSeq > 0 {
		conds = append(conds, "seq < ?")
		args = append(args, q.BeforeSeq)
	}
	order := "ASC"
	if desc {
		order = "DESC"
	}
	// One extra row tells whether the page was truncated.
	args = append(args, limit+1)

	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE ` + strings.Join(conds, " AND ") + filter + `
        ORDER BY seq ` + order + `
        LIMIT ?;`

	var messages []Message
	if err := s.db.SelectContext(ctx, &messages, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		s.logger.ErrorContext(ctx, "Error getting history", "project_id", q.ProjectID, "error", err)
		return nil, fmt.Errorf("failed to get history for project %s: %w", q.ProjectID, err)
	}

	truncated := len(messages) > limit
	if truncated {
		messages = messages[:limit]
	}
	if desc {
		slices.Reverse(messages)
	}

	page := &HistoryPage{Messages: messages}
	if page.Messages == nil {
		page.Messages = []Message{}
	}
	if len(messages) > 0 {
		page.StartSeq = messages[0].Seq
		page.EndSeq = messages[len(messages)-1].Seq
	}

	var err error
	if desc {
		page.HasMoreOlder = truncated
		if q.BeforeSeq > 0 {
			page.HasMoreNewer, err = s.existsSeq(ctx, q.ProjectID, ">=", q.BeforeSeq, filter)
		}
	} else {
		page.HasMoreNewer = truncated
		if !truncated && q.BeforeSeq > 0 {
			page.HasMoreNewer, err = s.existsSeq(ctx, q.ProjectID, ">=", q.BeforeSeq, filter)
		}
		if err == nil {
			page.HasMoreOlder, err = s.existsSeq(ctx, q.ProjectID, "<=", q.AfterSeq, filter)
		}
	}
	if err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "Fetched history page",
		"project_id", q.ProjectID, "count", len(messages), "start_seq", page.StartSeq, "end_seq", page.EndSeq)
	return page, nil
}

// existsSeq reports whether a message with seq <op> bound exists.
func (s *sqlxStore) existsSeq(ctx context.Context, projectID, op string, bound int64, filter string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM messages WHERE project_id = ? AND seq ` + op + ` ?` + filter + `);`
	var exists bool
	if err := s.db.GetContext(ctx, &exists, s.db.Rebind(query), projectID, bound); err != nil {
		return false, fmt.Errorf("failed to check for messages with seq %s %d: %w", op, bound, err)
	}
	return exists, nil
}

// UpdateMessageBody replaces the body of a live message and stamps edited_at.
func (s *sqlxStore) UpdateMessageBody(ctx context.Context, projectID string, seq int64, body string, editedAt time.Time) (*Message, error) {
	query := `UPDATE messages SET body = ?, edited_at = ? WHERE project_id = ? AND seq = ? AND deleted = ?;`
	return s.mutateMessage(ctx, "update_message", projectID, seq, query, body, editedAt, projectID, seq, false)
}

// SoftDeleteMessage flags a message as deleted. Deleting twice is not an error.
func (s *sqlxStore) SoftDeleteMessage(ctx context.Context, projectID string, seq int64, deletedAt time.Time) (*Message, error) {
	query := `UPDATE messages SET deleted = ?, edited_at = ? WHERE project_id = ? AND seq = ? AND deleted = ?;`
	msg, err := s.mutateMessage(ctx, "delete_message", projectID, seq, query, true, deletedAt, projectID, seq, false)
	if errors.Is(err, ErrMessageDeleted) {
		return s.GetMessageBySeq(ctx, projectID, seq)
	}
	return msg, err
}

func (s *sqlxStore) mutateMessage(ctx context.Context, op, projectID string, seq int64, query string, args ...any) (*Message, error) {
	var updated Message
	err := s.withTx(ctx, op, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return fmt.Errorf("failed to %s (project %s, seq %d): %w", strings.ReplaceAll(op, "_", " "), projectID, seq, err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}

		selectQuery := `SELECT ` + messageColumns + ` FROM messages WHERE project_id = ? AND seq = ?;`
		err = tx.GetContext(ctx, &updated, tx.Rebind(selectQuery), projectID, seq)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrMessageNotFound
		case err != nil:
			return fmt.Errorf("failed to reload message (project %s, seq %d): %w", projectID, seq, err)
		case affected == 0 && updated.Deleted:
			return ErrMessageDeleted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "Message mutated", "op", op, "project_id", projectID, "seq", seq)
	return &updated, nil
}

// MaxSeq returns the highest committed sequence of a project.
func (s *sqlxStore) MaxSeq(ctx context.Context, projectID string) (int64, error) {
	var maxSeq int64
	query := `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE project_id = ?;`
	if err := s.db.GetContext(ctx, &maxSeq, s.db.Rebind(query), projectID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return 0, err
		}
		s.logger.ErrorContext(ctx, "Error getting max seq", "project_id", projectID, "error", err)
		return 0, fmt.Errorf("failed to get max seq for project %s: %w", projectID, err)
	}
	return maxSeq, nil
}
