package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRecord struct {
	lastSeen    time.Time
	expiresAt   time.Time
	typingUntil time.Time
}

// MemoryBackend keeps presence in process memory. Expiry is evaluated against the time
// passed by the caller, so entries disappear on read even if never swept.
type MemoryBackend struct {
	mu       sync.Mutex
	projects map[string]map[string]*memoryRecord
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{projects: make(map[string]map[string]*memoryRecord)}
}

func (r *memoryRecord) active(now time.Time) bool { return now.Before(r.expiresAt) }
func (r *memoryRecord) typing(now time.Time) bool { return now.Before(r.typingUntil) }

// Touch implements Backend.
func (m *MemoryBackend) Touch(_ context.Context, t Touch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users, ok := m.projects[t.ProjectID]
	if !ok {
		users = make(map[string]*memoryRecord)
		m.projects[t.ProjectID] = users
	}

	rec, ok := users[t.UserID]
	changed := !ok || !rec.active(t.Now) || rec.typing(t.Now) != t.Typing
	if !ok {
		rec = &memoryRecord{}
		users[t.UserID] = rec
	}
	rec.lastSeen = t.Now
	rec.expiresAt = t.Now.Add(t.PresenceTTL)
	if t.Typing {
		rec.typingUntil = t.Now.Add(t.TypingTTL)
	} else {
		rec.typingUntil = time.Time{}
	}
	return changed, nil
}

// List implements Backend.
func (m *MemoryBackend) List(_ context.Context, projectID string, now time.Time) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := []Entry{}
	for userID, rec := range m.projects[projectID] {
		if !rec.active(now) {
			continue
		}
		entries = append(entries, Entry{UserID: userID, Typing: rec.typing(now), LastSeen: rec.lastSeen})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, nil
}

// Sweep implements Backend.
func (m *MemoryBackend) Sweep(_ context.Context, now time.Time) ([]Departure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var gone []Departure
	for projectID, users := range m.projects {
		for userID, rec := range users {
			if !rec.active(now) {
				delete(users, userID)
				gone = append(gone, Departure{ProjectID: projectID, UserID: userID})
			}
		}
		if len(users) == 0 {
			delete(m.projects, projectID)
		}
	}
	return gone, nil
}

// Ping implements Backend.
func (m *MemoryBackend) Ping(context.Context) error { return nil }
