package agent

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"sync"

	"github.com/gander-ai/gander/types"
)

// DefaultGuardThreshold is the consecutive-turn ceiling for one call
// signature before the guard blocks it.
const DefaultGuardThreshold = 3

// GuardDecision is the outcome of observing one tool call.
type GuardDecision int

const (
	// GuardAllow lets the call proceed to dispatch.
	GuardAllow GuardDecision = iota
	// GuardBlock withholds the call; the loop substitutes a synthetic
	// error result instead of dispatching.
	GuardBlock
)

func (d GuardDecision) String() string {
	if d == GuardBlock {
		return "block"
	}
	return "allow"
}

// LoopGuard detects a model stuck re-issuing the same tool call. It
// tracks the streak of consecutive provider turns that repeat one
// (name, arguments) signature; once the streak exceeds the threshold
// the call is blocked until a different signature interrupts it.
//
// Duplicates of the signature within a single turn extend the streak
// only once, so a batch of identical calls counts as one repetition.
// The streak survives turn boundaries; Reset clears it at session end.
type LoopGuard struct {
	mu          sync.Mutex
	threshold   int
	last        [sha256.Size]byte
	streak      int
	countedTurn bool
}

// NewLoopGuard creates a guard. A non-positive threshold falls back
// to DefaultGuardThreshold.
func NewLoopGuard(threshold int) *LoopGuard {
	if threshold <= 0 {
		threshold = DefaultGuardThreshold
	}
	return &LoopGuard{threshold: threshold}
}

// callSignature hashes the tool name and compacted JSON arguments.
// Arguments that fail to parse hash as raw bytes.
func callSignature(call types.ToolCall) [sha256.Size]byte {
	var buf bytes.Buffer
	buf.WriteString(call.Name)
	buf.WriteByte(0)
	if len(call.Arguments) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, call.Arguments); err != nil {
			buf.Write(call.Arguments)
		} else {
			buf.Write(compact.Bytes())
		}
	}
	return sha256.Sum256(buf.Bytes())
}

// BeginTurn marks the start of a provider turn batch, re-arming the
// once-per-turn streak increment. It never resets the streak.
func (g *LoopGuard) BeginTurn() {
	g.mu.Lock()
	g.countedTurn = false
	g.mu.Unlock()
}

// Observe records one tool call and decides whether it may dispatch.
func (g *LoopGuard) Observe(call types.ToolCall) GuardDecision {
	sig := callSignature(call)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.streak == 0 || sig != g.last {
		g.last = sig
		g.streak = 1
		g.countedTurn = true
		return GuardAllow
	}

	if !g.countedTurn {
		g.streak++
		g.countedTurn = true
	}
	if g.streak > g.threshold {
		return GuardBlock
	}
	return GuardAllow
}

// Streak reports the current consecutive-turn count for the last
// observed signature.
func (g *LoopGuard) Streak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streak
}

// Reset clears all guard state. Called at session boundaries.
func (g *LoopGuard) Reset() {
	g.mu.Lock()
	g.last = [sha256.Size]byte{}
	g.streak = 0
	g.countedTurn = false
	g.mu.Unlock()
}
