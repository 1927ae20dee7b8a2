package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gander-ai/gander/types"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	closed   bool
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

// Load returns the session with the given id.
func (s *MemoryStore) Load(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	return &Session{
		Metadata: sess.Metadata,
		Messages: types.CloneMessages(sess.Messages),
	}, nil
}

// Append adds messages to the session log.
func (s *MemoryStore) Append(ctx context.Context, id string, msgs ...types.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}

	sess.Messages = append(sess.Messages, types.CloneMessages(msgs)...)
	return nil
}

// Replace overwrites the session log.
func (s *MemoryStore) Replace(ctx context.Context, id string, msgs []types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}

	sess.Messages = types.CloneMessages(msgs)
	return nil
}

// SaveMetadata creates or updates the session metadata record.
func (s *MemoryStore) SaveMetadata(ctx context.Context, meta Metadata) error {
	if meta.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	normalizeMetadata(&meta)

	if sess, ok := s.sessions[meta.ID]; ok {
		sess.Metadata = meta
		return nil
	}

	s.sessions[meta.ID] = &Session{Metadata: meta}
	return nil
}

// List returns metadata for all sessions, most recently updated first.
func (s *MemoryStore) List(ctx context.Context) ([]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	metas := make([]Metadata, 0, len(s.sessions))
	for _, sess := range s.sessions {
		metas = append(metas, sess.Metadata)
	}
	sortByRecency(metas)

	return metas, nil
}

// Delete removes the session.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}

	delete(s.sessions, id)
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// normalizeMetadata fills in zero timestamps so List ordering stays
// well defined.
func normalizeMetadata(meta *Metadata) {
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = meta.StartedAt
	}
}

// sortByRecency orders metadata most recently updated first.
func sortByRecency(metas []Metadata) {
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
