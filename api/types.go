package api

import (
	"github.com/gander-ai/gander/agent/feedback"
	"github.com/gander-ai/gander/agent/session"
	"github.com/gander-ai/gander/extension"
)

// ReplyRequest asks the agent to respond to one user message within a
// session. An empty SessionID runs an ephemeral conversation that is
// not persisted. Mode optionally overrides the configured permission
// mode for this turn.
type ReplyRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	Mode      string `json:"mode,omitempty"`
}

// SessionSummary is the session metadata record as stored. The
// canonical definition lives in session.Metadata.
type SessionSummary = session.Metadata

// SessionDetail is a full session: metadata plus the message log. The
// canonical definition lives in session.Session.
type SessionDetail = session.Session

// SessionListResponse lists sessions, most recently updated first.
type SessionListResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// ExtensionListResponse lists the registered extensions.
type ExtensionListResponse struct {
	Extensions []extension.Info `json:"extensions"`
}

// ApprovalDecision answers a pending tool-call approval that was
// surfaced on a reply stream.
type ApprovalDecision struct {
	Approve bool `json:"approve"`
}

// FeedbackRequest submits one piece of feedback about a session. An
// empty Source is recorded as explicit_ui.
type FeedbackRequest struct {
	SessionID   string   `json:"session_id"`
	Source      string   `json:"source,omitempty"`
	Rating      int      `json:"rating,omitempty"`
	Correction  string   `json:"correction,omitempty"`
	TraceID     string   `json:"related_trace_id,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
	ErrorReport bool     `json:"error_report,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// FeedbackListResponse lists feedback entries, newest first.
type FeedbackListResponse struct {
	Feedback []feedback.Entry `json:"feedback"`
}

// VersionInfo reports build identity.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}
