package presence

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/projectlog/internal/broker"
)

type coalesceKey struct {
	projectID string
	userID    string
}

type coalesceSlot struct {
	last    time.Time
	pending *broker.PresenceChange
	timer   clockwork.Timer
}

// coalescer emits at most one change per user per interval. Changes arriving inside the
// window collapse into a single trailing emission carrying the latest state.
type coalescer struct {
	clock    clockwork.Clock
	interval time.Duration
	emit     func(projectID string, change broker.PresenceChange)

	mu    sync.Mutex
	slots map[coalesceKey]*coalesceSlot
}

func newCoalescer(clock clockwork.Clock, interval time.Duration, emit func(string, broker.PresenceChange)) *coalescer {
	return &coalescer{
		clock:    clock,
		interval: interval,
		emit:     emit,
		slots:    make(map[coalesceKey]*coalesceSlot),
	}
}

func (c *coalescer) offer(projectID string, change broker.PresenceChange) {
	if c.interval <= 0 {
		c.emit(projectID, change)
		return
	}

	key := coalesceKey{projectID: projectID, userID: change.UserID}
	now := c.clock.Now()

	c.mu.Lock()
	slot, ok := c.slots[key]
	if !ok {
		slot = &coalesceSlot{}
		c.slots[key] = slot
	}
	if slot.timer != nil {
		slot.pending = &change
		c.mu.Unlock()
		return
	}
	if elapsed := now.Sub(slot.last); slot.last.IsZero() || elapsed >= c.interval {
		slot.last = now
		c.mu.Unlock()
		c.emit(projectID, change)
		return
	}
	slot.pending = &change
	slot.timer = c.clock.AfterFunc(c.interval-now.Sub(slot.last), func() { c.flush(key) })
	c.mu.Unlock()
}

func (c *coalescer) flush(key coalesceKey) {
	c.mu.Lock()
	slot, ok := c.slots[key]
	if !ok || slot.pending == nil {
		c.mu.Unlock()
		return
	}
	change := *slot.pending
	slot.pending = nil
	slot.timer = nil
	slot.last = c.clock.Now()
	c.mu.Unlock()

	c.emit(key.projectID, change)
}

// prune forgets idle slots.
func (c *coalescer) prune() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, slot := range c.slots {
		if slot.timer == nil && now.Sub(slot.last) >= c.interval {
			delete(c.slots, key)
		}
	}
}

// stop cancels every pending trailing emission.
func (c *coalescer) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, slot := range c.slots {
		if slot.timer != nil {
			slot.timer.Stop()
		}
		delete(c.slots, key)
	}
}
