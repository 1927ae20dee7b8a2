package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/agent/feedback"
	"github.com/gander-ai/gander/api"
	"github.com/gander-ai/gander/types"
)

// FeedbackHandler accepts user feedback and serves it back per session
// or per entry. It shares its store with the agent, whose own
// observations land beside the explicit submissions.
type FeedbackHandler struct {
	store  feedback.Store
	logger *zap.Logger
}

// NewFeedbackHandler creates a feedback handler backed by store.
func NewFeedbackHandler(store feedback.Store, logger *zap.Logger) *FeedbackHandler {
	return &FeedbackHandler{
		store:  store,
		logger: logger,
	}
}

// userSources are the sources a client may claim for itself. The
// agent-side sources are reserved for entries the loop writes.
var userSources = map[feedback.Source]bool{
	feedback.SourceExplicitUI:  true,
	feedback.SourceUserCommand: true,
	feedback.SourceToolError:   true,
	feedback.SourceSystemEvent: true,
}

// HandleSubmit serves POST /api/v1/feedback.
func (h *FeedbackHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.FeedbackRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.SessionID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session_id is required", h.logger)
		return
	}

	source := feedback.Source(req.Source)
	if req.Source == "" {
		source = feedback.SourceExplicitUI
	}
	if !userSources[source] {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "unknown feedback source", h.logger)
		return
	}

	entry := feedback.New(req.SessionID, source, nil)
	if req.Rating != 0 {
		entry = entry.WithRating(req.Rating)
	}
	if req.Correction != "" {
		entry = entry.WithCorrection(req.Correction)
	}
	if req.TraceID != "" {
		entry = entry.WithTraceID(req.TraceID)
	}
	if req.UserID != "" {
		entry = entry.WithUserID(req.UserID)
	}
	if req.ErrorReport {
		entry = entry.AsErrorReport()
	}
	if len(req.Tags) > 0 {
		entry = entry.WithTags(req.Tags...)
	}

	if err := h.store.Save(r.Context(), entry); err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to save feedback").WithCause(err), h.logger)
		return
	}

	h.logger.Info("feedback received",
		zap.String("feedback_id", entry.ID),
		zap.String("session_id", entry.SessionID),
		zap.String("source", string(entry.Source)),
		zap.Int("rating", entry.Rating))
	WriteSuccess(w, entry)
}

// HandleGet serves GET /api/v1/feedback/{id}.
func (h *FeedbackHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "feedback id is required", h.logger)
		return
	}

	entry, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, feedback.ErrNotFound) {
			WriteErrorMessage(w, http.StatusNotFound, types.ErrInvalidRequest, "feedback entry not found", h.logger)
			return
		}
		WriteError(w, types.NewError(types.ErrInternalError, "failed to load feedback").WithCause(err), h.logger)
		return
	}

	WriteSuccess(w, entry)
}

// HandleListBySession serves GET /api/v1/sessions/{id}/feedback.
// A limit query parameter caps the result; entries come back newest
// first.
func (h *FeedbackHandler) HandleListBySession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session id is required", h.logger)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "limit must be a non-negative integer", h.logger)
			return
		}
		limit = parsed
	}

	entries, err := h.store.BySession(r.Context(), id, limit)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to list feedback").WithCause(err), h.logger)
		return
	}
	if entries == nil {
		entries = []feedback.Entry{}
	}

	WriteSuccess(w, api.FeedbackListResponse{Feedback: entries})
}
