// Package feedback stores user and system feedback about agent
// behavior: explicit ratings and corrections, error reports surfaced
// by tools, and observations the agent makes about its own runs.
// Entries link back to reasoning traces so a bad outcome can be
// traced to the decision that caused it.
package feedback

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an entry id does not exist.
var ErrNotFound = errors.New("feedback entry not found")

// Source identifies where a piece of feedback came from.
type Source string

const (
	// SourceExplicitUI is a rating or form submitted through a client UI.
	SourceExplicitUI Source = "explicit_ui"
	// SourceUserCommand is a typed feedback command.
	SourceUserCommand Source = "user_command"
	// SourceToolError is a structured error reported by a tool.
	SourceToolError Source = "tool_internal_error"
	// SourceAgentObservation is feedback the agent inferred itself,
	// such as repeated failures of the same call.
	SourceAgentObservation Source = "agent_observation"
	// SourceSystemEvent is an unhandled error or operational incident.
	SourceSystemEvent Source = "system_event"
)

// Entry is one piece of feedback.
type Entry struct {
	ID        string    `json:"feedback_id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	TraceID   string    `json:"related_trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	// Rating is 1..5 stars; 0 means unrated.
	Rating      int      `json:"rating,omitempty"`
	Correction  string   `json:"correction,omitempty"`
	ErrorReport bool     `json:"error_report,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Data        any      `json:"data,omitempty"`
}

// New creates an entry with a fresh id and the current timestamp.
func New(sessionID string, source Source, data any) Entry {
	return Entry{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Source:    source,
		Data:      data,
	}
}

// WithRating sets the star rating, clamped to 1..5.
func (e Entry) WithRating(stars int) Entry {
	if stars < 1 {
		stars = 1
	}
	if stars > 5 {
		stars = 5
	}
	e.Rating = stars
	return e
}

// WithCorrection attaches the user's suggested improvement.
func (e Entry) WithCorrection(text string) Entry {
	e.Correction = text
	return e
}

// WithTraceID links the entry to the reasoning trace it concerns.
func (e Entry) WithTraceID(traceID string) Entry {
	e.TraceID = traceID
	return e
}

// WithUserID attributes the entry to a user.
func (e Entry) WithUserID(userID string) Entry {
	e.UserID = userID
	return e
}

// AsErrorReport marks the entry as reporting an error.
func (e Entry) AsErrorReport() Entry {
	e.ErrorReport = true
	return e
}

// WithTags appends classification tags.
func (e Entry) WithTags(tags ...string) Entry {
	e.Tags = append(e.Tags, tags...)
	return e
}

// Store persists feedback entries.
type Store interface {
	// Save stores an entry, replacing any existing entry with the same id.
	Save(ctx context.Context, entry Entry) error

	// Get returns one entry by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Entry, error)

	// BySession returns a session's entries, newest first. A limit of
	// zero or less returns all of them.
	BySession(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// ByTrace returns the entries linked to one reasoning trace.
	ByTrace(ctx context.Context, traceID string) ([]Entry, error)
}

// MemoryStore is the in-process Store used in tests and single-node
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Save(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (s *MemoryStore) BySession(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, entry := range s.entries {
		if entry.SessionID == sessionID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ByTrace(_ context.Context, traceID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, entry := range s.entries {
		if entry.TraceID != "" && entry.TraceID == traceID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}
