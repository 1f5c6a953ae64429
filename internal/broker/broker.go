// Package broker fans committed messages and presence changes out to live stream
// subscribers. Each subscription replays the committed log after its cursor, then
// switches to the live tail, healing any sequence gap it observes on the way.
package broker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/edgard/projectlog/internal/database"
	"github.com/edgard/projectlog/internal/metrics"
)

// MessageSource serves committed messages by sequence range. Replay and gap healing read
// through it, so anything published live is retrievable here first.
type MessageSource interface {
	MessagesAfter(ctx context.Context, projectID string, afterSeq int64, limit int, includeInternal bool) ([]database.Message, error)
}

// SourceFunc adapts a function to MessageSource.
type SourceFunc func(ctx context.Context, projectID string, afterSeq int64, limit int, includeInternal bool) ([]database.Message, error)

// MessagesAfter calls f.
func (f SourceFunc) MessagesAfter(ctx context.Context, projectID string, afterSeq int64, limit int, includeInternal bool) ([]database.Message, error) {
	return f(ctx, projectID, afterSeq, limit, includeInternal)
}

// Options tunes buffering, keepalive and rate limiting.
type Options struct {
	BufferSize        int
	MaxStrikes        int
	KeepaliveInterval time.Duration
	ReplayPageSize    int
	InboundRate       float64
	InboundBurst      int
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 256
	}
	if o.MaxStrikes <= 0 {
		o.MaxStrikes = 3
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 15 * time.Second
	}
	if o.ReplayPageSize <= 0 {
		o.ReplayPageSize = database.MaxHistoryLimit
	}
	if o.InboundRate <= 0 {
		o.InboundRate = 5
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = 10
	}
	return o
}

// Broker tracks live subscriptions per project.
type Broker struct {
	logger  *slog.Logger
	source  MessageSource
	opts    Options
	clock   clockwork.Clock
	metrics *metrics.Metrics

	mu       sync.RWMutex
	projects map[string]map[*Subscription]struct{}
}

// Option customizes a Broker.
type Option func(*Broker)

// WithClock replaces the wall clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(b *Broker) { b.clock = clock }
}

// WithMetrics records subscriber and drop counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// New creates a Broker reading replay ranges from source.
func New(source MessageSource, opts Options, logger *slog.Logger, options ...Option) *Broker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Broker{
		logger:   logger.With("component", "broker"),
		source:   source,
		opts:     opts.withDefaults(),
		clock:    clockwork.NewRealClock(),
		projects: make(map[string]map[*Subscription]struct{}),
	}
	for _, o := range options {
		o(b)
	}
	return b
}

// SubscribeRequest identifies who subscribes and where to resume from.
type SubscribeRequest struct {
	ProjectID       string
	UserID          string
	FromSeq         int64
	IncludeInternal bool
}

// Subscribe registers a subscription in the connecting state. Live events published from
// now on are buffered for it; call Run to replay and start delivery.
func (b *Broker) Subscribe(req SubscribeRequest) *Subscription {
	if req.FromSeq < 0 {
		req.FromSeq = 0
	}
	sub := &Subscription{
		id:              uuid.NewString(),
		projectID:       req.ProjectID,
		userID:          req.UserID,
		includeInternal: req.IncludeInternal,
		broker:          b,
		live:            make(chan Event, b.opts.BufferSize),
		backpressure:    make(chan struct{}, 1),
		done:            make(chan struct{}),
		limiter:         rate.NewLimiter(rate.Limit(b.opts.InboundRate), b.opts.InboundBurst),
		lastSeq:         req.FromSeq,
	}
	sub.cursor.Store(req.FromSeq)
	sub.state.Store(int32(StateConnecting))

	b.mu.Lock()
	set, ok := b.projects[req.ProjectID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.projects[req.ProjectID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	b.metrics.SubscriberAdded()
	b.logger.Debug("Subscription registered",
		"subscription_id", sub.id, "project_id", req.ProjectID, "user_id", req.UserID, "from_seq", req.FromSeq)
	return sub
}

// unsubscribe removes sub from its project set. It is safe to call more than once.
func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	set, ok := b.projects[sub.projectID]
	_, member := set[sub]
	if ok && member {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.projects, sub.projectID)
		}
	}
	b.mu.Unlock()

	if member {
		b.metrics.SubscriberRemoved()
		b.logger.Debug("Subscription removed", "subscription_id", sub.id, "project_id", sub.projectID)
	}
}

// snapshot copies the project's subscriber set so publish can iterate without holding the lock.
func (b *Broker) snapshot(projectID string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.projects[projectID]
	if len(set) == 0 {
		return nil
	}
	subs := make([]*Subscription, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	return subs
}

// Publish offers ev to every subscription of the project without blocking. A subscription
// whose buffer is full accrues a strike instead of stalling the publisher.
func (b *Broker) Publish(projectID string, ev Event) {
	if ev.ProjectID == "" {
		ev.ProjectID = projectID
	}
	for _, sub := range b.snapshot(projectID) {
		sub.offer(ev)
	}
}

// KeepaliveInterval returns the idle interval between keepalive frames.
func (b *Broker) KeepaliveInterval() time.Duration {
	return b.opts.KeepaliveInterval
}

// SubscriberCount returns the number of live subscriptions of a project.
func (b *Broker) SubscriberCount(projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.projects[projectID])
}

// Close drops every subscription. Their Run loops return ErrDropped.
func (b *Broker) Close() {
	b.mu.RLock()
	var all []*Subscription
	for _, set := range b.projects {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range all {
		sub.drop("server shutting down")
	}
	b.logger.Info("Broker closed", "subscriptions_dropped", len(all))
}
