package chatlog

import "errors"

var (
	// ErrValidation marks malformed input, including a missing client message id.
	// It is never retried.
	ErrValidation = errors.New("validation failed")

	// ErrStorageUnavailable marks a storage failure that persisted through the bounded
	// internal retries. The caller may retry the same request safely.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrSequenceInvariant marks an allocated sequence that was not greater than every
	// committed sequence. The write was aborted.
	ErrSequenceInvariant = errors.New("sequence invariant violation")

	// ErrNotFound marks a missing message.
	ErrNotFound = errors.New("message not found")

	// ErrForbidden marks a mutation by someone other than the message's author.
	ErrForbidden = errors.New("operation not permitted")
)
