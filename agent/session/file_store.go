package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gander-ai/gander/types"
)

// FileStore is a file-based implementation of Store. Each session is
// one JSON file under the base directory, written atomically via a
// temp file and rename. Suitable for single-node deployments.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
	closed  bool
}

// NewFileStore creates a new file-based session store.
func NewFileStore(baseDir string) (*FileStore, error) {
	dir := filepath.Join(baseDir, "sessions")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session store directory: %w", err)
	}
	return &FileStore{baseDir: dir}, nil
}

// sessionPath returns the file path for a session id.
func (s *FileStore) sessionPath(id string) (string, error) {
	// Session ids become file names, so path metacharacters are
	// rejected outright.
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", ErrInvalidInput
	}
	return filepath.Join(s.baseDir, id+".json"), nil
}

// readSession loads a session file from disk.
func (s *FileStore) readSession(id string) (*Session, error) {
	path, err := s.sessionPath(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &sess, nil
}

// writeSession persists a session to disk.
// Atomic write: write to temp file then rename. Compact encoding keeps
// embedded raw tool arguments byte for byte stable across reloads.
func (s *FileStore) writeSession(sess *Session) error {
	path, err := s.sessionPath(sess.Metadata.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

// Load returns the session with the given id.
func (s *FileStore) Load(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.readSession(id)
}

// Append adds messages to the session log.
func (s *FileStore) Append(ctx context.Context, id string, msgs ...types.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	sess, err := s.readSession(id)
	if err != nil {
		return err
	}

	sess.Messages = append(sess.Messages, msgs...)
	return s.writeSession(sess)
}

// Replace overwrites the session log.
func (s *FileStore) Replace(ctx context.Context, id string, msgs []types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	sess, err := s.readSession(id)
	if err != nil {
		return err
	}

	sess.Messages = types.CloneMessages(msgs)
	return s.writeSession(sess)
}

// SaveMetadata creates or updates the session metadata record.
func (s *FileStore) SaveMetadata(ctx context.Context, meta Metadata) error {
	if meta.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	normalizeMetadata(&meta)

	sess, err := s.readSession(meta.ID)
	if err == ErrNotFound {
		sess = &Session{}
	} else if err != nil {
		return err
	}

	sess.Metadata = meta
	return s.writeSession(sess)
}

// List returns metadata for all sessions, most recently updated first.
func (s *FileStore) List(ctx context.Context) ([]Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}

	metas := make([]Metadata, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.baseDir, name))
		if err != nil {
			continue
		}

		// Only the metadata field is needed for listing.
		var sess struct {
			Metadata Metadata `json:"metadata"`
		}
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		metas = append(metas, sess.Metadata)
	}
	sortByRecency(metas)

	return metas, nil
}

// Delete removes the session file.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	path, err := s.sessionPath(id)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// Ping checks if the store is healthy.
func (s *FileStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

// Close closes the store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ensure FileStore implements Store
var _ Store = (*FileStore)(nil)
