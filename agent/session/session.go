// Package session persists agent conversations across process restarts.
//
// A session is an append-only message log plus a small metadata record
// (identity, working directory, timestamps, cumulative token usage).
// The log is append-only from the loop's point of view; only a context
// management rewrite may replace it wholesale, which is what Replace is
// for.
//
// Supported backends:
//   - Memory: for development and testing (default)
//   - File: single-node deployments, one JSON file per session
//   - Redis: distributed deployments
//   - GORM: relational storage (postgres, mysql, sqlite)
//   - Mongo: document storage
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/gander-ai/gander/types"
)

// Metadata is the persistent identity of a session. ID and WorkingDir
// are fixed for the session lifetime; the counters accumulate as the
// loop runs and are written back via Store.SaveMetadata.
type Metadata struct {
	// ID uniquely identifies the session.
	ID string `json:"id"`

	// Description is a short human-readable label, usually derived
	// from the first user message.
	Description string `json:"description,omitempty"`

	// WorkingDir is the directory the session operates in.
	WorkingDir string `json:"working_dir,omitempty"`

	// StartedAt is when the session was created.
	StartedAt time.Time `json:"started_at"`

	// UpdatedAt is when the session last changed.
	UpdatedAt time.Time `json:"updated_at"`

	// MessageCount is the number of messages in the session log.
	MessageCount int `json:"message_count"`

	// TokenUsage is the cumulative token consumption across all
	// provider exchanges in this session.
	TokenUsage types.TokenUsage `json:"token_usage"`
}

// Touch bumps UpdatedAt to now.
func (m *Metadata) Touch() {
	m.UpdatedAt = time.Now()
}

// Session is a loaded session: its metadata plus the full message log
// in append order.
type Session struct {
	Metadata Metadata        `json:"metadata"`
	Messages []types.Message `json:"messages"`
}

// New creates session metadata with a fresh start time. An empty id is
// replaced with a generated UUID.
func New(id, workingDir string) Metadata {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	return Metadata{
		ID:         id,
		WorkingDir: workingDir,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}
