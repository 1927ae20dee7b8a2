package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/agent/session"
	"github.com/gander-ai/gander/api"
	"github.com/gander-ai/gander/types"
)

// SessionsHandler exposes the session store for listing, inspection
// and deletion.
type SessionsHandler struct {
	store  session.Store
	logger *zap.Logger
}

// NewSessionsHandler creates a sessions handler backed by store.
func NewSessionsHandler(store session.Store, logger *zap.Logger) *SessionsHandler {
	return &SessionsHandler{
		store:  store,
		logger: logger,
	}
}

// HandleList serves GET /api/v1/sessions. Sessions come back most
// recently updated first.
func (h *SessionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	metas, err := h.store.List(r.Context())
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to list sessions").WithCause(err), h.logger)
		return
	}
	if metas == nil {
		metas = []session.Metadata{}
	}

	WriteSuccess(w, api.SessionListResponse{Sessions: metas})
}

// HandleGet serves GET /api/v1/sessions/{id} with the full session,
// metadata plus message log.
func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session id is required", h.logger)
		return
	}

	sess, err := h.store.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			WriteErrorMessage(w, http.StatusNotFound, types.ErrInvalidRequest, "session not found", h.logger)
			return
		}
		WriteError(w, types.NewError(types.ErrInternalError, "failed to load session").WithCause(err), h.logger)
		return
	}

	WriteSuccess(w, sess)
}

// HandleDelete serves DELETE /api/v1/sessions/{id}.
func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session id is required", h.logger)
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			WriteErrorMessage(w, http.StatusNotFound, types.ErrInvalidRequest, "session not found", h.logger)
			return
		}
		WriteError(w, types.NewError(types.ErrInternalError, "failed to delete session").WithCause(err), h.logger)
		return
	}

	h.logger.Info("session deleted", zap.String("session_id", id))
	WriteSuccess(w, map[string]string{"deleted": id})
}
