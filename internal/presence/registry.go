// Package presence tracks which users are active or typing in a project. Entries expire
// on their own after a TTL; a heartbeat refreshes them. Presence changes are broadcast
// through the stream broker, coalesced per user.
package presence

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/projectlog/internal/broker"
	"github.com/edgard/projectlog/internal/metrics"
)

// Publisher receives presence events. Publish must not block.
type Publisher interface {
	Publish(projectID string, ev broker.Event)
}

const (
	// typingExpirySlack delays the typing-stopped check past the TTL so the backend
	// has expired the flag by the time it is read.
	typingExpirySlack  = 50 * time.Millisecond
	typingCheckTimeout = 2 * time.Second
)

// Options configures TTLs and broadcast coalescing.
type Options struct {
	PresenceTTL       time.Duration
	TypingTTL         time.Duration
	BroadcastInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 30 * time.Second
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = 5 * time.Second
	}
	if o.BroadcastInterval < 0 {
		o.BroadcastInterval = time.Second
	}
	return o
}

// Registry is the presence API used by the transports.
type Registry struct {
	backend   Backend
	publisher Publisher
	opts      Options
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	coalesce  *coalescer

	typingMu     sync.Mutex
	typingGen    uint64
	typingWatch  map[coalesceKey]typingTimer
	typingClosed bool
}

type typingTimer struct {
	gen   uint64
	timer clockwork.Timer
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithMetrics counts broadcasts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a Registry. publisher may be nil to disable broadcasts.
func NewRegistry(backend Backend, publisher Publisher, opts Options, logger *slog.Logger, options ...Option) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Registry{
		backend:   backend,
		publisher: publisher,
		opts:      opts.withDefaults(),
		clock:     clockwork.NewRealClock(),
		logger:    logger.With("component", "presence"),

		typingWatch: make(map[coalesceKey]typingTimer),
	}
	for _, o := range options {
		o(r)
	}
	r.coalesce = newCoalescer(r.clock, r.opts.BroadcastInterval, r.broadcast)
	return r
}

// Heartbeat marks the user present, and typing when typing is set, refreshing both TTLs.
func (r *Registry) Heartbeat(ctx context.Context, projectID, userID string, typing bool) error {
	if projectID == "" || userID == "" {
		return fmt.Errorf("project and user are required")
	}
	now := r.clock.Now().UTC()
	changed, err := r.backend.Touch(ctx, Touch{
		ProjectID:   projectID,
		UserID:      userID,
		Typing:      typing,
		Now:         now,
		PresenceTTL: r.opts.PresenceTTL,
		TypingTTL:   r.opts.TypingTTL,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to record heartbeat", "project_id", projectID, "user_id", userID, "error", err)
		return err
	}
	if changed {
		r.coalesce.offer(projectID, broker.PresenceChange{UserID: userID, Active: true, Typing: typing, LastSeen: now})
	}
	r.watchTyping(coalesceKey{projectID: projectID, userID: userID}, typing)
	return nil
}

// watchTyping schedules the typing-stopped broadcast for when the typing TTL runs out.
// A typing heartbeat pushes it back; any other heartbeat cancels it.
func (r *Registry) watchTyping(key coalesceKey, typing bool) {
	r.typingMu.Lock()
	defer r.typingMu.Unlock()

	if w, ok := r.typingWatch[key]; ok {
		w.timer.Stop()
		delete(r.typingWatch, key)
	}
	if !typing || r.typingClosed {
		return
	}
	r.typingGen++
	gen := r.typingGen
	r.typingWatch[key] = typingTimer{
		gen:   gen,
		timer: r.clock.AfterFunc(r.opts.TypingTTL+typingExpirySlack, func() { r.typingExpired(key, gen) }),
	}
}

// typingExpired broadcasts that the user stopped typing, unless the backend still
// shows them typing (refreshed through another instance) or they already left.
func (r *Registry) typingExpired(key coalesceKey, gen uint64) {
	r.typingMu.Lock()
	w, ok := r.typingWatch[key]
	if !ok || w.gen != gen {
		r.typingMu.Unlock()
		return
	}
	delete(r.typingWatch, key)
	r.typingMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), typingCheckTimeout)
	defer cancel()
	entries, err := r.backend.List(ctx, key.projectID, r.clock.Now().UTC())
	if err != nil {
		r.logger.WarnContext(ctx, "Failed to check typing expiry", "project_id", key.projectID, "user_id", key.userID, "error", err)
		return
	}
	for _, e := range entries {
		if e.UserID != key.userID {
			continue
		}
		if !e.Typing {
			r.coalesce.offer(key.projectID, broker.PresenceChange{UserID: e.UserID, Active: true, LastSeen: e.LastSeen})
		}
		return
	}
}

// ListActive returns the users currently present in a project, ordered by user id.
func (r *Registry) ListActive(ctx context.Context, projectID string) ([]Entry, error) {
	entries, err := r.backend.List(ctx, projectID, r.clock.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to list presence", "project_id", projectID, "error", err)
		return nil, err
	}
	return entries, nil
}

// Sweep removes expired entries and broadcasts their departure. Expiry does not depend
// on it; it keeps the index small and makes departures observable.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	gone, err := r.backend.Sweep(ctx, r.clock.Now().UTC())
	for _, d := range gone {
		r.coalesce.offer(d.ProjectID, broker.PresenceChange{UserID: d.UserID, Active: false})
	}
	r.coalesce.prune()
	if err != nil {
		return len(gone), fmt.Errorf("failed to sweep presence: %w", err)
	}
	if len(gone) > 0 {
		r.logger.InfoContext(ctx, "Presence sweep removed expired users", "count", len(gone))
	}
	return len(gone), nil
}

// Ping checks the backend.
func (r *Registry) Ping(ctx context.Context) error {
	return r.backend.Ping(ctx)
}

// Close cancels pending broadcasts.
func (r *Registry) Close() {
	r.typingMu.Lock()
	r.typingClosed = true
	for key, w := range r.typingWatch {
		w.timer.Stop()
		delete(r.typingWatch, key)
	}
	r.typingMu.Unlock()
	r.coalesce.stop()
}

func (r *Registry) broadcast(projectID string, change broker.PresenceChange) {
	if r.publisher == nil {
		return
	}
	r.metrics.PresenceBroadcast()
	r.publisher.Publish(projectID, broker.PresenceEvent(projectID, change))
}
