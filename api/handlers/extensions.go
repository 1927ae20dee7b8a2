package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/api"
	"github.com/gander-ai/gander/extension"
	"github.com/gander-ai/gander/types"
)

// ExtensionsHandler exposes the extension registry catalog.
type ExtensionsHandler struct {
	registry *extension.Registry
	logger   *zap.Logger
}

// NewExtensionsHandler creates an extensions handler over registry.
func NewExtensionsHandler(registry *extension.Registry, logger *zap.Logger) *ExtensionsHandler {
	return &ExtensionsHandler{
		registry: registry,
		logger:   logger,
	}
}

// HandleList serves GET /api/v1/extensions with per-extension info.
func (h *ExtensionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	infos := h.registry.Extensions()
	if infos == nil {
		infos = []extension.Info{}
	}

	WriteSuccess(w, api.ExtensionListResponse{Extensions: infos})
}

// HandleTools serves GET /api/v1/tools with the flattened tool
// schemas exactly as the agent advertises them to the model.
func (h *ExtensionsHandler) HandleTools(w http.ResponseWriter, r *http.Request) {
	tools := h.registry.ListTools()
	if tools == nil {
		tools = []types.ToolSchema{}
	}

	WriteSuccess(w, map[string]interface{}{"tools": tools})
}
