package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// MaxHistoryLimit caps the number of messages returned by one history or range query.
const MaxHistoryLimit = 100

// Store defines the interface for database operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// AppendMessage allocates the next sequence of msg.ProjectID and inserts msg in one
	// transaction. On success msg.Seq is set. Returns ErrDuplicateClientMsgID when the
	// client message id is already taken; the allocated sequence is then skipped.
	AppendMessage(ctx context.Context, msg *Message) error

	// GetMessageByClientID returns the message with the given idempotency token. Returns nil, nil if not found.
	GetMessageByClientID(ctx context.Context, projectID, clientMsgID string) (*Message, error)

	// GetMessageBySeq returns the message at seq. Returns nil, nil if not found.
	GetMessageBySeq(ctx context.Context, projectID string, seq int64) (*Message, error)

	// MessagesAfter returns up to limit messages with seq > afterSeq in ascending order.
	MessagesAfter(ctx context.Context, projectID string, afterSeq int64, limit int, includeInternal bool) ([]Message, error)

	// History returns one page of the log bounded by the query's cursors.
	History(ctx context.Context, q HistoryQuery) (*HistoryPage, error)

	// UpdateMessageBody replaces the body of a live message and sets edited_at.
	UpdateMessageBody(ctx context.Context, projectID string, seq int64, body string, editedAt time.Time) (*Message, error)

	// SoftDeleteMessage flags a message as deleted and sets edited_at.
	SoftDeleteMessage(ctx context.Context, projectID string, seq int64, deletedAt time.Time) (*Message, error)

	// MaxSeq returns the highest committed sequence of a project, 0 when empty.
	MaxSeq(ctx context.Context, projectID string) (int64, error)

	// MarkRead advances the read pointer to max(current, min(upToSeq, MaxSeq)) and returns it.
	MarkRead(ctx context.Context, projectID, userID string, upToSeq int64, at time.Time) (int64, error)

	// GetReadPointer returns the user's last read sequence, 0 when never marked.
	GetReadPointer(ctx context.Context, projectID, userID string) (int64, error)

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside a transaction, rolling back unless fn succeeds and the commit goes through.
func (s *sqlxStore) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction", "op", op, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "op", op, "error", rollbackErr)
				}
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "op", op, "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	// Successfully committed, set tx to nil to avoid rollback
	tx = nil
	return nil
}

// clampLimit applies the default and the MaxHistoryLimit cap.
func clampLimit(limit, def int) int {
	if def <= 0 || def > MaxHistoryLimit {
		def = 20
	}
	if limit <= 0 {
		return def
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// RunSQLMaintenance executes VACUUM (SQLite) or VACUUM ANALYZE (PostgreSQL).
// Both must run outside a transaction.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	stmt := "VACUUM;"
	if s.db.DriverName() == DriverPgx {
		stmt = "VACUUM ANALYZE;"
	} else if _, err := s.db.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
		s.logger.WarnContext(ctx, "PRAGMA optimize failed", "error", err)
	}

	s.logger.InfoContext(ctx, "Starting database maintenance", "statement", stmt)
	_, err := s.db.ExecContext(ctx, stmt)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Database maintenance timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance timed out: %w", err)

	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance failed", "error", err)
		return fmt.Errorf("failed to execute %s: %w", stmt, err)

	default:
		s.logger.InfoContext(ctx, "Database maintenance completed successfully")
	}

	return nil
}
