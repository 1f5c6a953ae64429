package database

import "time"

// ActorType identifies who authored a message.
type ActorType string

const (
	ActorEndUser   ActorType = "end-user"
	ActorAssistant ActorType = "assistant"
	ActorAdvisor   ActorType = "advisor"
)

// Valid reports whether a is a known actor type.
func (a ActorType) Valid() bool {
	switch a {
	case ActorEndUser, ActorAssistant, ActorAdvisor:
		return true
	}
	return false
}

// Visibility controls who may read a message.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityInternal Visibility = "internal"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityInternal
}

// Message is one committed entry of a project's conversation log.
// ID, ProjectID, Seq, ClientMsgID, AuthorRef and CreatedAt never change after commit.
type Message struct {
	ID          string     `db:"id"            json:"id"`
	ProjectID   string     `db:"project_id"    json:"project_id"`
	Seq         int64      `db:"seq"           json:"seq"`
	ClientMsgID string     `db:"client_msg_id" json:"client_msg_id"`
	AuthorRef   string     `db:"author_ref"    json:"author_ref"`
	ActorType   ActorType  `db:"actor_type"    json:"actor_type"`
	Body        string     `db:"body"          json:"body"`
	Mode        string     `db:"mode"          json:"mode"`
	ParentRef   *string    `db:"parent_ref"    json:"parent_ref,omitempty"`
	Visibility  Visibility `db:"visibility"    json:"visibility"`
	CreatedAt   time.Time  `db:"created_at"    json:"created_at"`
	EditedAt    *time.Time `db:"edited_at"     json:"edited_at,omitempty"`
	Deleted     bool       `db:"deleted"       json:"deleted"`
}

// HistoryQuery selects a page of a project's log. Zero BeforeSeq/AfterSeq mean unbounded.
type HistoryQuery struct {
	ProjectID       string
	BeforeSeq       int64
	AfterSeq        int64
	Limit           int
	IncludeInternal bool
}

// HistoryPage is one page of messages in ascending seq order.
type HistoryPage struct {
	Messages     []Message `json:"messages"`
	StartSeq     int64     `json:"start_seq"`
	EndSeq       int64     `json:"end_seq"`
	HasMoreOlder bool      `json:"has_more_older"`
	HasMoreNewer bool      `json:"has_more_newer"`
}
