package broker

import (
	"time"

	"github.com/edgard/projectlog/internal/database"
)

// EventType names the kind of a stream event.
type EventType string

const (
	// EventMessage carries a newly committed message. Its Seq drives ordering and gap healing.
	EventMessage EventType = "message"
	// EventMessageUpdated carries an edited or soft-deleted message. It reuses the message's
	// seq and never advances the cursor.
	EventMessageUpdated EventType = "message.updated"
	// EventPresence carries a coalesced presence change.
	EventPresence EventType = "presence"
	// EventBackpressure tells one connection that inbound signals were dropped.
	EventBackpressure EventType = "backpressure"
	// EventReconnect tells one connection to re-subscribe from its cursor.
	EventReconnect EventType = "reconnect"
)

// PresenceChange describes a user's presence state at the time of a broadcast.
type PresenceChange struct {
	UserID   string    `json:"user_id"`
	Active   bool      `json:"active"`
	Typing   bool      `json:"typing"`
	LastSeen time.Time `json:"last_seen"`
}

// Event is one unit of fan-out for a project.
type Event struct {
	Type      EventType         `json:"type"`
	ProjectID string            `json:"project_id"`
	Seq       int64             `json:"seq,omitempty"`
	Message   *database.Message `json:"message,omitempty"`
	Presence  *PresenceChange   `json:"presence,omitempty"`
	Dropped   int64             `json:"dropped,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// MessageEvent builds the fan-out event for a committed message.
func MessageEvent(msg database.Message) Event {
	return Event{Type: EventMessage, ProjectID: msg.ProjectID, Seq: msg.Seq, Message: &msg}
}

// MessageUpdatedEvent builds the fan-out event for an edited or deleted message.
func MessageUpdatedEvent(msg database.Message) Event {
	return Event{Type: EventMessageUpdated, ProjectID: msg.ProjectID, Seq: msg.Seq, Message: &msg}
}

// PresenceEvent builds the fan-out event for a presence change.
func PresenceEvent(projectID string, change PresenceChange) Event {
	return Event{Type: EventPresence, ProjectID: projectID, Presence: &change}
}

// ordered reports whether the event takes part in sequence ordering.
func (e Event) ordered() bool {
	return e.Type == EventMessage
}

// visibleTo reports whether a subscriber with the given visibility scope may see e.
func (e Event) visibleTo(includeInternal bool) bool {
	if e.Message == nil || includeInternal {
		return true
	}
	return e.Message.Visibility != database.VisibilityInternal
}
