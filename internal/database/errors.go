package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrDuplicateClientMsgID is returned by AppendMessage when another message in the
	// project already carries the same client message id.
	ErrDuplicateClientMsgID = errors.New("duplicate client message id")

	// ErrSequenceInvariant is returned when an allocated sequence would not be strictly
	// greater than every committed sequence of the project. The transaction is aborted.
	ErrSequenceInvariant = errors.New("sequence invariant violation")

	// ErrMessageNotFound is returned by mutations addressing a missing message.
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageDeleted is returned when editing a soft-deleted message.
	ErrMessageDeleted = errors.New("message is deleted")
)

// PostgreSQL constraint names from migrations/postgres.
const (
	pgUniqueViolation         = "23505"
	pgConstraintClientMsgID   = "messages_project_client_msg_key"
	pgConstraintProjectSeqKey = "messages_project_seq_key"
)

type uniqueKind int

const (
	uniqueNone uniqueKind = iota
	uniqueClientMsgID
	uniqueSeq
	uniqueOther
)

// classifyUnique reports which unique constraint of the messages table err violates.
func classifyUnique(err error) uniqueKind {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code != sqlite3.SQLITE_CONSTRAINT_UNIQUE && code != sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return uniqueNone
		}
		msg := sqliteErr.Error()
		switch {
		case strings.Contains(msg, "messages.client_msg_id"):
			return uniqueClientMsgID
		case strings.Contains(msg, "messages.seq"):
			return uniqueSeq
		}
		return uniqueOther
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case pgConstraintClientMsgID:
			return uniqueClientMsgID
		case pgConstraintProjectSeqKey:
			return uniqueSeq
		}
		return uniqueOther
	}

	return uniqueNone
}

// IsTransient reports whether err is a storage failure that is safe to retry:
// a busy/locked database, a dropped connection, or a serialization conflict.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
			return true
		}
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P03":
			return true
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
