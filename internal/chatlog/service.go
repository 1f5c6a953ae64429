// Package chatlog implements the per-project conversation log operations: idempotent
// submission, history paging, soft edits and read progress. Committed changes are
// handed to publishers after the transaction succeeds.
package chatlog

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"

	"github.com/edgard/projectlog/internal/broker"
	"github.com/edgard/projectlog/internal/database"
	"github.com/edgard/projectlog/internal/metrics"
)

// Publisher receives committed message events. Publish must not block.
type Publisher interface {
	Publish(projectID string, ev broker.Event)
}

// Options tunes validation, retries and paging.
type Options struct {
	MaxBodyBytes        int
	SubmitRetries       int
	RetryBackoff        time.Duration
	HistoryDefaultLimit int
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 16 * 1024
	}
	if o.SubmitRetries < 0 {
		o.SubmitRetries = 0
	}
	if o.HistoryDefaultLimit <= 0 || o.HistoryDefaultLimit > database.MaxHistoryLimit {
		o.HistoryDefaultLimit = 20
	}
	return o
}

// Service is the entry point for log operations.
type Service struct {
	store      database.Store
	opts       Options
	logger     *slog.Logger
	clock      clockwork.Clock
	metrics    *metrics.Metrics
	publishers []Publisher
	validate   *validator.Validate
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces the wall clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithMetrics records submission outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPublishers registers receivers of committed message events.
func WithPublishers(publishers ...Publisher) Option {
	return func(s *Service) { s.publishers = append(s.publishers, publishers...) }
}

// New creates a Service on top of store.
func New(store database.Store, opts Options, logger *slog.Logger, options ...Option) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Service{
		store:    store,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "chatlog"),
		clock:    clockwork.NewRealClock(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Ping checks that the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// now returns the commit timestamp, truncated to what every driver stores losslessly.
func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

// publish hands ev to every publisher. Called only after commit.
func (s *Service) publish(projectID string, ev broker.Event) {
	for _, p := range s.publishers {
		p.Publish(projectID, ev)
	}
}

// redact blanks the body of a soft-deleted message.
func redact(msg database.Message) database.Message {
	if msg.Deleted {
		msg.Body = ""
	}
	return msg
}
