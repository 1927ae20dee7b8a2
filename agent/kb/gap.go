// Package kb tracks knowledge gaps: things the agent noticed it does
// not know or cannot do. The loop records a gap when the repetition
// guard trips or when the same tool keeps failing; embedders can work
// the backlog through the status lifecycle.
package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a gap id does not exist.
var ErrNotFound = errors.New("knowledge gap not found")

// GapStatus tracks a gap through its lifecycle.
type GapStatus string

const (
	// GapOpen is a newly identified gap.
	GapOpen GapStatus = "open"
	// GapInvestigating means the agent is actively trying to resolve
	// it with tools.
	GapInvestigating GapStatus = "investigating_with_tools"
	// GapWaitingForUser means the agent asked the user for the
	// missing information.
	GapWaitingForUser GapStatus = "waiting_for_user_input"
	// GapResolvedByAgent means the agent believes it filled the gap.
	GapResolvedByAgent GapStatus = "resolved_by_agent"
	// GapResolvedExternally means the user or external data supplied
	// the answer.
	GapResolvedExternally GapStatus = "resolved_by_external_data"
	// GapUnresolvable means current capabilities cannot close it.
	GapUnresolvable GapStatus = "cannot_resolve_currently"
	// GapPendingReview flags the gap for offline developer review.
	GapPendingReview GapStatus = "pending_developer_review"
	// GapClosedStale closes a gap for inactivity or irrelevance.
	GapClosedStale GapStatus = "closed_stale"
)

// Closed reports whether the status is terminal.
func (s GapStatus) Closed() bool {
	switch s {
	case GapResolvedByAgent, GapResolvedExternally, GapUnresolvable, GapClosedStale:
		return true
	}
	return false
}

// Gap kinds the loop records on its own.
const (
	KindRepetitiveCall      = "repetitive_tool_call"
	KindRepeatedToolFailure = "repeated_tool_failure"
	KindMissingFact         = "missing_specific_fact"
	KindToolCapability      = "tool_capability_lacking"
	KindAmbiguousConcept    = "ambiguous_concept"
)

// GapEntry is one identified knowledge gap.
type GapEntry struct {
	ID           string    `json:"gap_id"`
	SessionID    string    `json:"session_id"`
	IdentifiedAt time.Time `json:"identified_at"`
	Description  string    `json:"description"`
	Kind         string    `json:"kind,omitempty"`
	Status       GapStatus `json:"status"`
	TraceID      string    `json:"related_trace_id,omitempty"`
	Context      any       `json:"context_snapshot,omitempty"`
	// Attempts counts investigation rounds spent on the gap.
	Attempts           int       `json:"resolution_attempts"`
	Resolution         string    `json:"resolution_details,omitempty"`
	LastInvestigatedAt time.Time `json:"last_investigated_at,omitempty"`
	// Priority is 1..5; higher is more critical, 0 unranked.
	Priority int `json:"priority,omitempty"`
}

// NewGap creates an open gap with a fresh id.
func NewGap(sessionID, description, kind string) GapEntry {
	return GapEntry{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		IdentifiedAt: time.Now(),
		Description:  description,
		Kind:         kind,
		Status:       GapOpen,
	}
}

// NewGuardTripGap describes a repetition-guard block on one tool.
func NewGuardTripGap(sessionID, tool string, streak int) GapEntry {
	gap := NewGap(sessionID,
		fmt.Sprintf("tool %s was called %d times in a row with identical arguments", tool, streak),
		KindRepetitiveCall)
	gap.Priority = 3
	return gap
}

// NewRepeatedFailureGap describes a tool failing over and over.
func NewRepeatedFailureGap(sessionID, tool string, failures int, lastError string) GapEntry {
	gap := NewGap(sessionID,
		fmt.Sprintf("tool %s failed %d times in this session, last error: %s", tool, failures, lastError),
		KindRepeatedToolFailure)
	gap.Priority = 4
	return gap
}

// WithTraceID links the gap to the reasoning trace that exposed it.
func (g GapEntry) WithTraceID(traceID string) GapEntry {
	g.TraceID = traceID
	return g
}

// WithContext attaches a snapshot of the state that exposed the gap.
func (g GapEntry) WithContext(snapshot any) GapEntry {
	g.Context = snapshot
	return g
}

// Recorder is an in-memory registry of knowledge gaps.
type Recorder struct {
	mu   sync.RWMutex
	gaps map[string]GapEntry
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{gaps: make(map[string]GapEntry)}
}

// Record stores a gap and returns its id.
func (r *Recorder) Record(gap GapEntry) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gaps[gap.ID] = gap
	return gap.ID
}

// Get returns one gap by id, or ErrNotFound.
func (r *Recorder) Get(id string) (*GapEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gap, ok := r.gaps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &gap, nil
}

// SetStatus moves a gap through its lifecycle. Resolution text is
// recorded when non-empty.
func (r *Recorder) SetStatus(id string, status GapStatus, resolution string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	gap, ok := r.gaps[id]
	if !ok {
		return ErrNotFound
	}
	gap.Status = status
	if resolution != "" {
		gap.Resolution = resolution
	}
	r.gaps[id] = gap
	return nil
}

// NoteInvestigation bumps the attempt counter and the investigation
// timestamp, marking the gap as under active investigation when it was
// still open.
func (r *Recorder) NoteInvestigation(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	gap, ok := r.gaps[id]
	if !ok {
		return ErrNotFound
	}
	gap.Attempts++
	gap.LastInvestigatedAt = time.Now()
	if gap.Status == GapOpen {
		gap.Status = GapInvestigating
	}
	r.gaps[id] = gap
	return nil
}

// Open returns a session's unresolved gaps, newest first.
func (r *Recorder) Open(sessionID string) []GapEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []GapEntry
	for _, gap := range r.gaps {
		if gap.SessionID == sessionID && !gap.Status.Closed() {
			out = append(out, gap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IdentifiedAt.After(out[j].IdentifiedAt)
	})
	return out
}

// All returns every recorded gap, newest first.
func (r *Recorder) All() []GapEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]GapEntry, 0, len(r.gaps))
	for _, gap := range r.gaps {
		out = append(out, gap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IdentifiedAt.After(out[j].IdentifiedAt)
	})
	return out
}
