package presence

import (
	"context"
	"time"
)

// Entry is one active user of a project.
type Entry struct {
	UserID   string    `json:"user_id"`
	Typing   bool      `json:"typing"`
	LastSeen time.Time `json:"last_seen"`
}

// Departure is a user whose presence expired and was swept.
type Departure struct {
	ProjectID string
	UserID    string
}

// Touch describes one heartbeat write.
type Touch struct {
	ProjectID   string
	UserID      string
	Typing      bool
	Now         time.Time
	PresenceTTL time.Duration
	TypingTTL   time.Duration
}

// Backend stores presence entries with per-entry expiry. Writes are last-writer-wins
// per (project, user); an expired entry is indistinguishable from an absent one.
type Backend interface {
	// Touch refreshes the user's presence and typing state. It reports whether the
	// visible state changed: the user was absent or the typing flag flipped.
	Touch(ctx context.Context, t Touch) (changed bool, err error)

	// List returns the unexpired entries of a project at now.
	List(ctx context.Context, projectID string, now time.Time) ([]Entry, error)

	// Sweep forgets expired entries and returns them.
	Sweep(ctx context.Context, now time.Time) ([]Departure, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
