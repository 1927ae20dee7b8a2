package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/types"
)

// PlatformID is the reserved extension id for in-process tools.
const PlatformID = "platform"

// Platform serves the built-in tools that run inside the agent process:
// extension introspection, resource access, and the session todo list.
// It implements Connection and registers like any other extension.
type Platform struct {
	registry *Registry
	logger   *zap.Logger

	todoMu sync.Mutex
	todo   string
}

var _ Connection = (*Platform)(nil)

// NewPlatform creates the platform connection bound to a registry.
func NewPlatform(registry *Registry, logger *zap.Logger) *Platform {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Platform{
		registry: registry,
		logger:   logger.With(zap.String("extension", PlatformID)),
	}
}

func (p *Platform) ID() string { return PlatformID }

func (p *Platform) Instructions() string {
	return "Use todo_write to keep a short running plan for multi-step work " +
		"and todo_read to recover it. Rewrite the whole list on every update."
}

func (p *Platform) ConcurrencySafe() bool { return true }

func (p *Platform) ListPrompts(ctx context.Context) ([]PromptInfo, error) {
	return nil, nil
}

func (p *Platform) Close() error { return nil }

func (p *Platform) ListTools(ctx context.Context) ([]types.ToolSchema, error) {
	return []types.ToolSchema{
		{
			Name:        "list_extensions",
			Description: "List the currently registered extensions and their tool counts.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
			Annotations: types.ToolAnnotations{ReadOnly: true, Idempotent: true},
		},
		{
			Name:        "read_resource",
			Description: "Read a resource exposed by an extension by URI.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"extension_id": {"type": "string", "description": "Extension that owns the resource"},
					"uri": {"type": "string", "description": "Resource URI to read"}
				},
				"required": ["extension_id", "uri"]
			}`),
			Annotations: types.ToolAnnotations{ReadOnly: true, Idempotent: true},
		},
		{
			Name:        "todo_read",
			Description: "Read the session todo list.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
			Annotations: types.ToolAnnotations{ReadOnly: true, Idempotent: true},
		},
		{
			Name:        "todo_write",
			Description: "Replace the session todo list with new content.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"content": {"type": "string", "description": "Full replacement todo list, markdown checkboxes"}
				},
				"required": ["content"]
			}`),
			Annotations: types.ToolAnnotations{Idempotent: true},
		},
	}, nil
}

func (p *Platform) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	switch tool {
	case "list_extensions":
		return p.listExtensions()
	case "read_resource":
		return p.readResource(ctx, args)
	case "todo_read":
		return p.todoRead()
	case "todo_write":
		return p.todoWrite(args)
	default:
		return nil, types.NewError(types.ErrToolNotFound,
			fmt.Sprintf("platform tool %s not found", tool))
	}
}

func (p *Platform) listExtensions() (json.RawMessage, error) {
	infos := p.registry.Extensions()
	payload, err := json.Marshal(infos)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "encode extension list").WithCause(err)
	}
	return payload, nil
}

func (p *Platform) readResource(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ExtensionID string `json:"extension_id"`
		URI         string `json:"uri"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "read_resource: invalid arguments").WithCause(err)
	}
	if req.ExtensionID == "" || req.URI == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "read_resource: extension_id and uri are required")
	}

	conn, ok := p.registry.Connection(req.ExtensionID)
	if !ok {
		return nil, types.NewError(types.ErrExtensionUnavailable,
			fmt.Sprintf("extension %s not registered", req.ExtensionID))
	}
	reader, ok := conn.(ResourceReader)
	if !ok {
		return nil, types.NewError(types.ErrToolExecution,
			fmt.Sprintf("extension %s does not expose resources", req.ExtensionID))
	}

	text, err := reader.ReadResource(ctx, req.URI)
	if err != nil {
		return nil, err
	}
	return json.Marshal(text)
}

func (p *Platform) todoRead() (json.RawMessage, error) {
	p.todoMu.Lock()
	content := p.todo
	p.todoMu.Unlock()
	if content == "" {
		content = "(todo list is empty)"
	}
	return json.Marshal(content)
}

func (p *Platform) todoWrite(args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "todo_write: invalid arguments").WithCause(err)
	}

	p.todoMu.Lock()
	p.todo = req.Content
	p.todoMu.Unlock()

	p.logger.Debug("todo list updated", zap.Int("bytes", len(req.Content)))
	return json.Marshal(fmt.Sprintf("Todo list updated (%d bytes).", len(req.Content)))
}
