package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gander-ai/gander/types"
)

// Mode governs what the loop does with tool calls from the provider.
type Mode string

const (
	// ModeChat never executes tools. Calls come back to the model as
	// rejected results explaining that tools are unavailable.
	ModeChat Mode = "chat"
	// ModeAuto executes every call the loop guard allows.
	ModeAuto Mode = "auto"
	// ModeApprove asks the stream consumer before every call.
	ModeApprove Mode = "approve"
	// ModeSmartApprove executes read-only calls directly and asks for
	// everything else.
	ModeSmartApprove Mode = "smart_approve"
)

// Valid reports whether m is a known permission mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeChat, ModeAuto, ModeApprove, ModeSmartApprove:
		return true
	}
	return false
}

// callAction is the per-call verdict a mode produces.
type callAction int

const (
	actionExecute callAction = iota
	actionAsk
	actionReject
)

// decide maps a tool's annotations to the action this mode takes.
// Unknown modes ask, which is the conservative fallback; Respond
// validates the mode before the loop starts.
func (m Mode) decide(annotations types.ToolAnnotations) callAction {
	switch m {
	case ModeChat:
		return actionReject
	case ModeAuto:
		return actionExecute
	case ModeApprove:
		return actionAsk
	case ModeSmartApprove:
		if annotations.ReadOnly {
			return actionExecute
		}
		return actionAsk
	default:
		return actionAsk
	}
}

// DefaultApprovalTimeout bounds how long the loop waits for a
// consumer to decide an approval request.
const DefaultApprovalTimeout = 5 * time.Minute

// approvalOutcome is the resolution of one approval request.
type approvalOutcome int

const (
	approvalGranted approvalOutcome = iota
	approvalDenied
	approvalTimedOut
)

func (o approvalOutcome) String() string {
	switch o {
	case approvalGranted:
		return "granted"
	case approvalDenied:
		return "denied"
	case approvalTimedOut:
		return "timeout"
	default:
		return "unknown"
	}
}

// ApprovalRequest asks the stream consumer to decide one tool call.
// It rides on an approval_requested event; the consumer answers with
// Approve or Reject. Only the first response counts.
type ApprovalRequest struct {
	ID          string                `json:"id"`
	Call        types.ToolCall        `json:"call"`
	Annotations types.ToolAnnotations `json:"annotations"`
	RequestedAt time.Time             `json:"requested_at"`

	response chan bool
}

func newApprovalRequest(call types.ToolCall, annotations types.ToolAnnotations) *ApprovalRequest {
	return &ApprovalRequest{
		ID:          uuid.New().String(),
		Call:        call,
		Annotations: annotations,
		RequestedAt: time.Now(),
		response:    make(chan bool, 1),
	}
}

// Approve grants the call.
func (r *ApprovalRequest) Approve() { r.respond(true) }

// Reject denies the call.
func (r *ApprovalRequest) Reject() { r.respond(false) }

// respond is non-blocking; the buffered channel absorbs the first
// response and later ones are dropped.
func (r *ApprovalRequest) respond(approved bool) {
	select {
	case r.response <- approved:
	default:
	}
}

// wait blocks until the consumer responds, the timeout elapses, or
// ctx is cancelled. Cancellation denies the call and returns the
// context error.
func (r *ApprovalRequest) wait(ctx context.Context, timeout time.Duration) (approvalOutcome, error) {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case approved := <-r.response:
		if approved {
			return approvalGranted, nil
		}
		return approvalDenied, nil
	case <-timer.C:
		return approvalTimedOut, nil
	case <-ctx.Done():
		return approvalDenied, ctx.Err()
	}
}
