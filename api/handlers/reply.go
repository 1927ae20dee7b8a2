package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/agent"
	"github.com/gander-ai/gander/agent/session"
	"github.com/gander-ai/gander/api"
	"github.com/gander-ai/gander/types"
)

// AgentFactory builds a fresh agent wired to the server's provider,
// registry and session store.
type AgentFactory func() (*agent.Agent, error)

// ReplyHandler runs agent turns and streams their events as SSE.
//
// Agents are cached per session id so that loop-guard streaks and the
// busy flag carry across turns of the same session; a request without
// a session id gets a throwaway agent. Tool-call approvals surfaced on
// a stream are held in a pending table and answered out of band via
// HandleApproval; unanswered approvals fall to the agent's timeout.
type ReplyHandler struct {
	factory AgentFactory
	store   session.Store
	logger  *zap.Logger

	mu        sync.Mutex
	agents    map[string]*agent.Agent
	approvals map[string]*agent.ApprovalRequest
}

// NewReplyHandler creates a reply handler. store may be nil, in which
// case every conversation is ephemeral.
func NewReplyHandler(factory AgentFactory, store session.Store, logger *zap.Logger) *ReplyHandler {
	return &ReplyHandler{
		factory:   factory,
		store:     store,
		logger:    logger,
		agents:    make(map[string]*agent.Agent),
		approvals: make(map[string]*agent.ApprovalRequest),
	}
}

// HandleReply serves POST /api/v1/reply. The response is an SSE stream
// of agent events, one `data:` line per event, terminated by a
// `data: [DONE]` marker. Client disconnect cancels the turn.
func (h *ReplyHandler) HandleReply(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ReplyRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "message is required", h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "streaming not supported", h.logger)
		return
	}

	a, err := h.agentFor(req.SessionID)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to build agent").WithCause(err), h.logger)
		return
	}

	conv, convErr := h.conversationFor(r.Context(), req.SessionID)
	if convErr != nil {
		WriteError(w, convErr, h.logger)
		return
	}
	conv.AddUserMessage(req.Message)

	events, err := a.Respond(r.Context(), conv, agent.Mode(req.Mode))
	if err != nil {
		h.writeRespondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var pending []string
	defer func() { h.releaseApprovals(pending) }()

	for ev := range events {
		if ev.Approval != nil {
			h.registerApproval(ev.Approval)
			pending = append(pending, ev.Approval.ID)
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("failed to marshal event",
				zap.String("type", string(ev.Type)),
				zap.Error(err),
			)
			continue
		}

		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// HandleApproval serves POST /api/v1/approvals/{id}. It answers a
// pending tool-call approval from a live reply stream. Only the first
// answer counts; a late answer after the agent's approval timeout is
// dropped by the agent.
func (h *ReplyHandler) HandleApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "approval id is required", h.logger)
		return
	}

	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.ApprovalDecision
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	h.mu.Lock()
	approval, ok := h.approvals[id]
	h.mu.Unlock()
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrInvalidRequest, "no pending approval with that id", h.logger)
		return
	}

	if req.Approve {
		approval.Approve()
	} else {
		approval.Reject()
	}

	h.logger.Info("approval answered",
		zap.String("approval_id", id),
		zap.Bool("approved", req.Approve),
	)
	WriteSuccess(w, map[string]interface{}{"id": id, "approved": req.Approve})
}

// agentFor returns the cached agent for a session, building one on
// first use. An empty session id always gets a fresh agent.
func (h *ReplyHandler) agentFor(sessionID string) (*agent.Agent, error) {
	if sessionID == "" {
		return h.factory()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.agents[sessionID]; ok {
		return a, nil
	}
	a, err := h.factory()
	if err != nil {
		return nil, err
	}
	h.agents[sessionID] = a
	return a, nil
}

// conversationFor loads the persisted history for a session, or starts
// an empty conversation for unknown sessions and ephemeral requests.
func (h *ReplyHandler) conversationFor(ctx context.Context, sessionID string) (*agent.Conversation, *types.Error) {
	if sessionID == "" || h.store == nil {
		return agent.NewConversation(sessionID), nil
	}

	conv, err := agent.LoadConversation(ctx, h.store, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return agent.NewConversation(sessionID), nil
		}
		return nil, types.NewError(types.ErrInternalError, "failed to load session").WithCause(err)
	}
	return conv, nil
}

// writeRespondError maps Respond failures onto HTTP. These all happen
// before any SSE bytes go out, so a JSON error response is still
// possible.
func (h *ReplyHandler) writeRespondError(w http.ResponseWriter, err error) {
	if errors.Is(err, agent.ErrBusy) {
		WriteErrorMessage(w, http.StatusConflict, types.ErrRateLimited, "agent is busy with another stream", h.logger)
		return
	}

	var typed *types.Error
	if errors.As(err, &typed) {
		WriteError(w, typed, h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternalError, "failed to start turn").WithCause(err), h.logger)
}

func (h *ReplyHandler) registerApproval(req *agent.ApprovalRequest) {
	h.mu.Lock()
	h.approvals[req.ID] = req
	h.mu.Unlock()
}

func (h *ReplyHandler) releaseApprovals(ids []string) {
	if len(ids) == 0 {
		return
	}
	h.mu.Lock()
	for _, id := range ids {
		delete(h.approvals, id)
	}
	h.mu.Unlock()
}
