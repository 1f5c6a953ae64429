package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

var (
	// ErrDropped is returned by Run when the subscription was force-closed, typically because
	// the consumer fell behind. The client should re-subscribe from its last received seq.
	ErrDropped = errors.New("subscription dropped")

	// ErrReplayFailed is returned by Run when the committed range could not be read.
	ErrReplayFailed = errors.New("replay failed")

	errWriteFailed = errors.New("write to subscriber failed")
)

// State is a subscription's position in its lifecycle. Closing and Dropped are terminal.
type State int32

const (
	StateConnecting State = iota
	StateResynchronizing
	StateLive
	StateClosing
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateResynchronizing:
		return "resynchronizing"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateDropped:
		return "dropped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var transitions = map[State][]State{
	StateConnecting:      {StateResynchronizing, StateClosing, StateDropped},
	StateResynchronizing: {StateLive, StateClosing, StateDropped},
	StateLive:            {StateClosing, StateDropped},
}

// Sink writes events to one client connection.
type Sink interface {
	// Send writes ev. cursor is the last message seq delivered to this connection,
	// usable as a resume token.
	Send(ctx context.Context, ev Event, cursor int64) error
	// Keepalive writes a transport-level keepalive frame.
	Keepalive(ctx context.Context) error
}

// Subscription is one connection's view of a project's stream.
type Subscription struct {
	id              string
	projectID       string
	userID          string
	includeInternal bool
	broker          *Broker

	live         chan Event
	backpressure chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
	reason       atomic.Pointer[string]

	state          atomic.Int32
	bufferStrikes  atomic.Int32
	writeStrikes   atomic.Int32
	inboundDropped atomic.Int64
	limiter        *rate.Limiter

	// lastSeq is owned by the Run goroutine; cursor mirrors it for other readers.
	lastSeq int64
	cursor  atomic.Int64
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// ProjectID returns the subscribed project.
func (s *Subscription) ProjectID() string { return s.projectID }

// UserID returns the subscribing user.
func (s *Subscription) UserID() string { return s.userID }

// State returns the current lifecycle state.
func (s *Subscription) State() State { return State(s.state.Load()) }

// Cursor returns the last message seq delivered to the connection.
func (s *Subscription) Cursor() int64 { return s.cursor.Load() }

// Done is closed once the subscription is closed or dropped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) transition(to State) bool {
	for {
		from := State(s.state.Load())
		allowed := false
		for _, next := range transitions[from] {
			if next == to {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			return true
		}
	}
}

// Close ends the subscription from the client side and releases its registration.
func (s *Subscription) Close() {
	s.transition(StateClosing)
	s.closeOnce.Do(func() { close(s.done) })
	s.broker.unsubscribe(s)
}

// drop force-closes the subscription. Only the first call has an effect.
func (s *Subscription) drop(reason string) {
	if !s.transition(StateDropped) {
		return
	}
	s.reason.Store(&reason)
	s.closeOnce.Do(func() { close(s.done) })
	s.broker.unsubscribe(s)
	s.broker.metrics.SubscriberDropped()
	s.broker.logger.Warn("Subscription dropped",
		"subscription_id", s.id, "project_id", s.projectID, "user_id", s.userID,
		"reason", reason, "cursor", s.Cursor())
}

func (s *Subscription) terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// offer enqueues a published event without blocking.
func (s *Subscription) offer(ev Event) {
	if s.terminated() {
		return
	}
	select {
	case s.live <- ev:
		s.bufferStrikes.Store(0)
	default:
		n := s.bufferStrikes.Add(1)
		s.broker.logger.Debug("Subscriber buffer full", "subscription_id", s.id, "strikes", n)
		if int(n) >= s.broker.opts.MaxStrikes {
			s.drop("outbound buffer full")
		}
	}
}

// AllowInbound applies the connection's token bucket to one inbound control signal.
// A rejected signal is counted and reported to the connection as a backpressure event.
func (s *Subscription) AllowInbound() bool {
	if s.limiter.AllowN(s.broker.clock.Now(), 1) {
		return true
	}
	s.inboundDropped.Add(1)
	s.broker.metrics.InboundDropped()
	select {
	case s.backpressure <- struct{}{}:
	default:
	}
	return false
}

// Run replays the committed log after the subscription's cursor and then delivers live
// events until ctx ends or the subscription is closed or dropped. It returns nil on a
// clean close, ErrDropped after a forced close and ErrReplayFailed when the committed
// range could not be read; in the last two cases a reconnect event is sent first.
func (s *Subscription) Run(ctx context.Context, sink Sink) error {
	defer s.release()

	if !s.transition(StateResynchronizing) {
		return s.finish(ctx, sink)
	}

	for {
		err := s.replay(ctx, sink)
		if err == nil {
			break
		}
		switch {
		case s.terminated():
			return s.finish(ctx, sink)
		case errors.Is(err, errWriteFailed):
			// Strikes accumulate until the write succeeds or the subscription is dropped.
			continue
		case ctx.Err() != nil:
			return nil
		}
		s.broker.logger.WarnContext(ctx, "Replay failed, asking subscriber to reconnect",
			"subscription_id", s.id, "project_id", s.projectID, "cursor", s.lastSeq, "error", err)
		s.drop("replay failed")
		s.sendReconnect(ctx, sink)
		return err
	}

	if !s.transition(StateLive) {
		return s.finish(ctx, sink)
	}
	s.broker.logger.DebugContext(ctx, "Subscription live",
		"subscription_id", s.id, "project_id", s.projectID, "cursor", s.lastSeq)

	ticker := s.broker.clock.NewTicker(s.broker.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.done:
			return s.finish(ctx, sink)

		case <-s.backpressure:
			if n := s.inboundDropped.Swap(0); n > 0 {
				s.send(ctx, sink, Event{Type: EventBackpressure, ProjectID: s.projectID, Dropped: n})
			}

		case ev := <-s.live:
			if s.terminated() {
				return s.finish(ctx, sink)
			}
			if err := s.deliver(ctx, sink, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.broker.logger.WarnContext(ctx, "Gap healing failed, asking subscriber to reconnect",
					"subscription_id", s.id, "project_id", s.projectID, "cursor", s.lastSeq, "error", err)
				s.drop("gap healing failed")
				s.sendReconnect(ctx, sink)
				return err
			}

		case <-ticker.Chan():
			if err := sink.Keepalive(ctx); err != nil {
				s.writeFailed(err)
			} else {
				s.writeStrikes.Store(0)
			}
		}
	}
}

// release unregisters the subscription when Run returns.
func (s *Subscription) release() {
	s.transition(StateClosing)
	s.closeOnce.Do(func() { close(s.done) })
	s.broker.unsubscribe(s)
}

// finish returns the terminal result, telling a dropped connection to reconnect.
func (s *Subscription) finish(ctx context.Context, sink Sink) error {
	if s.State() != StateDropped {
		return nil
	}
	s.sendReconnect(ctx, sink)
	reason := "dropped"
	if r := s.reason.Load(); r != nil {
		reason = *r
	}
	return fmt.Errorf("%w: %s", ErrDropped, reason)
}

func (s *Subscription) sendReconnect(ctx context.Context, sink Sink) {
	reason := ""
	if r := s.reason.Load(); r != nil {
		reason = *r
	}
	ev := Event{Type: EventReconnect, ProjectID: s.projectID, Seq: s.lastSeq, Reason: reason}
	if err := sink.Send(ctx, ev, s.lastSeq); err != nil {
		s.broker.logger.DebugContext(ctx, "Could not deliver reconnect event", "subscription_id", s.id, "error", err)
	}
}

// replay delivers every committed message after the cursor, page by page.
func (s *Subscription) replay(ctx context.Context, sink Sink) error {
	return s.fill(ctx, sink, math.MaxInt64)
}

// heal delivers the committed messages strictly between the cursor and target.
func (s *Subscription) heal(ctx context.Context, sink Sink, target int64) error {
	s.broker.logger.DebugContext(ctx, "Sequence gap detected, healing",
		"subscription_id", s.id, "project_id", s.projectID, "cursor", s.lastSeq, "event_seq", target)
	s.broker.metrics.GapHealed()
	return s.fill(ctx, sink, target)
}

// fill reads pages of messages after the cursor and delivers those below target.
func (s *Subscription) fill(ctx context.Context, sink Sink, target int64) error {
	pageSize := s.broker.opts.ReplayPageSize
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.terminated() {
			return errWriteFailed
		}

		page, err := s.broker.source.MessagesAfter(ctx, s.projectID, s.lastSeq, pageSize, s.includeInternal)
		if err != nil {
			return fmt.Errorf("%w: range after %d: %v", ErrReplayFailed, s.lastSeq, err)
		}

		for _, msg := range page {
			if msg.Seq >= target {
				return nil
			}
			if err := s.sendOrdered(ctx, sink, MessageEvent(msg)); err != nil {
				return err
			}
		}

		if len(page) < pageSize {
			return nil
		}
	}
}

// deliver applies ordering rules to a live event before writing it.
func (s *Subscription) deliver(ctx context.Context, sink Sink, ev Event) error {
	if !ev.ordered() {
		if !ev.visibleTo(s.includeInternal) {
			return nil
		}
		// Updates to messages the connection has not received yet arrive with the message itself.
		if ev.Type == EventMessageUpdated && ev.Seq > s.lastSeq {
			return nil
		}
		s.send(ctx, sink, ev)
		return nil
	}

	if ev.Seq <= s.lastSeq {
		return nil
	}

	if ev.Seq > s.lastSeq+1 {
		if err := s.heal(ctx, sink, ev.Seq); err != nil {
			if errors.Is(err, errWriteFailed) {
				// The event is retried through healing once the connection recovers.
				return nil
			}
			return err
		}
	}

	if !ev.visibleTo(s.includeInternal) {
		s.advance(ev.Seq)
		return nil
	}

	if err := s.sendOrdered(ctx, sink, ev); err != nil && !errors.Is(err, errWriteFailed) {
		return err
	}
	return nil
}

// sendOrdered writes a message event and advances the cursor on success.
func (s *Subscription) sendOrdered(ctx context.Context, sink Sink, ev Event) error {
	if err := sink.Send(ctx, ev, ev.Seq); err != nil {
		s.writeFailed(err)
		return errWriteFailed
	}
	s.writeStrikes.Store(0)
	s.advance(ev.Seq)
	return nil
}

// send writes an unordered event.
func (s *Subscription) send(ctx context.Context, sink Sink, ev Event) {
	if err := sink.Send(ctx, ev, s.lastSeq); err != nil {
		s.writeFailed(err)
		return
	}
	s.writeStrikes.Store(0)
}

func (s *Subscription) advance(seq int64) {
	s.lastSeq = seq
	s.cursor.Store(seq)
}

func (s *Subscription) writeFailed(err error) {
	n := s.writeStrikes.Add(1)
	s.broker.logger.Debug("Write to subscriber failed", "subscription_id", s.id, "strikes", n, "error", err)
	if int(n) >= s.broker.opts.MaxStrikes {
		s.drop("writes failing")
	}
}
