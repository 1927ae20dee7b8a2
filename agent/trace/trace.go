// Package trace records the agent's decision points as structured
// reasoning traces: what was decided, what the inputs and alternatives
// were, and how it turned out. Traces link into a tree through parent
// ids so a tool dispatch can hang off the provider turn that requested
// it.
package trace

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DecisionType classifies the decision a trace records.
type DecisionType string

const (
	DecisionSessionStart       DecisionType = "session_start"
	DecisionPromptFinalization DecisionType = "prompt_finalization"
	DecisionProviderRequest    DecisionType = "provider_request"
	DecisionProviderResponse   DecisionType = "provider_response"
	DecisionToolSelection      DecisionType = "tool_selection"
	DecisionToolDispatch       DecisionType = "tool_dispatch"
	DecisionToolResponse       DecisionType = "tool_response"
	DecisionContextAction      DecisionType = "context_action"
	DecisionLoopGuardBlock     DecisionType = "loop_guard_block"
	DecisionApproval           DecisionType = "approval"
	DecisionKnowledgeGap       DecisionType = "knowledge_gap_identified"
	DecisionFeedbackIngestion  DecisionType = "feedback_ingestion"
	DecisionPlanGenerated      DecisionType = "plan_generated"
	DecisionError              DecisionType = "error_observed"
)

// ReasoningTrace is one recorded decision. Inputs, Alternatives,
// Selected and Outcome hold arbitrary JSON-encodable payloads; their
// shape is owned by the emitting site.
type ReasoningTrace struct {
	ID           string        `json:"trace_id"`
	SessionID    string        `json:"session_id"`
	ParentID     string        `json:"parent_trace_id,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	Decision     DecisionType  `json:"decision_type"`
	Inputs       any           `json:"inputs,omitempty"`
	Alternatives any           `json:"alternatives_considered,omitempty"`
	Selected     any           `json:"selected_alternative,omitempty"`
	Confidence   float64       `json:"confidence,omitempty"`
	Outcome      any           `json:"outcome,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// New creates a trace for a session with a fresh id and the current
// timestamp.
func New(sessionID string, decision DecisionType, inputs, selected any) ReasoningTrace {
	return ReasoningTrace{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Decision:  decision,
		Inputs:    inputs,
		Selected:  selected,
	}
}

// WithParent links the trace under a higher-level decision.
func (t ReasoningTrace) WithParent(parentID string) ReasoningTrace {
	t.ParentID = parentID
	return t
}

// WithAlternatives records the options that were on the table.
func (t ReasoningTrace) WithAlternatives(alternatives any) ReasoningTrace {
	t.Alternatives = alternatives
	return t
}

// WithConfidence records how sure the decider was, 0..1.
func (t ReasoningTrace) WithConfidence(score float64) ReasoningTrace {
	t.Confidence = score
	return t
}

// WithOutcome records what the decision led to.
func (t ReasoningTrace) WithOutcome(outcome any) ReasoningTrace {
	t.Outcome = outcome
	return t
}

// WithDuration records how long the decided action took.
func (t ReasoningTrace) WithDuration(d time.Duration) ReasoningTrace {
	t.Duration = d
	return t
}

// Emitter receives traces as the loop produces them. Implementations
// must be safe for concurrent use; emitting must never block the loop
// for long.
type Emitter interface {
	Emit(ctx context.Context, trace ReasoningTrace) error
}

// MemoryEmitter collects traces in memory, for tests and for local
// inspection. Unbounded; not meant for long-running production agents.
type MemoryEmitter struct {
	mu     sync.Mutex
	traces []ReasoningTrace
}

// NewMemoryEmitter creates an empty in-memory emitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

var _ Emitter = (*MemoryEmitter)(nil)

// Emit appends the trace.
func (e *MemoryEmitter) Emit(_ context.Context, trace ReasoningTrace) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.traces = append(e.traces, trace)
	return nil
}

// Traces returns a copy of everything emitted so far, in order.
func (e *MemoryEmitter) Traces() []ReasoningTrace {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ReasoningTrace, len(e.traces))
	copy(out, e.traces)
	return out
}

// SessionTraces returns the traces for one session, in emission order.
func (e *MemoryEmitter) SessionTraces(sessionID string) []ReasoningTrace {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ReasoningTrace
	for _, t := range e.traces {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out
}

// ByDecision returns the traces of one decision type, in emission order.
func (e *MemoryEmitter) ByDecision(decision DecisionType) []ReasoningTrace {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ReasoningTrace
	for _, t := range e.traces {
		if t.Decision == decision {
			out = append(out, t)
		}
	}
	return out
}

// Reset discards all collected traces.
func (e *MemoryEmitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.traces = nil
}
