package extension

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/types"
)

// TargetKind tags where a qualified tool executes.
type TargetKind int

const (
	// TargetExtension dispatches over the extension's connection.
	TargetExtension TargetKind = iota
	// TargetPlatform executes an in-process platform handler.
	TargetPlatform
	// TargetFrontend is returned to the caller for client-side
	// execution and never dispatched by the agent.
	TargetFrontend
)

func (k TargetKind) String() string {
	switch k {
	case TargetExtension:
		return "extension"
	case TargetPlatform:
		return "platform"
	case TargetFrontend:
		return "frontend"
	default:
		return "unknown"
	}
}

// Target is one resolved routing entry. Routing happens once at
// registration; dispatch never parses names.
type Target struct {
	Kind        TargetKind
	ExtensionID string
	// Tool is the unqualified name the connection understands.
	Tool string
	// Schema carries the qualified name the model sees.
	Schema types.ToolSchema
}

// Info summarizes a registered extension for introspection.
type Info struct {
	ID              string `json:"id"`
	ToolCount       int    `json:"tool_count"`
	ConcurrencySafe bool   `json:"concurrency_safe"`
	Instructions    string `json:"instructions,omitempty"`
}

// Registry holds the live extension connections and the routing table
// built from their tool catalogs.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Connection
	order  []string
	routes map[string]Target
	// catalog preserves tool insertion order for stable prompts.
	catalog []string
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:  make(map[string]Connection),
		routes: make(map[string]Target),
		logger: logger.With(zap.String("component", "extension_registry")),
	}
}

// Register validates the config, opens the connection, and installs
// its tools. A failed handshake surfaces as EXTENSION_UNAVAILABLE and
// leaves the registry unchanged.
func (r *Registry) Register(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return types.NewError(types.ErrInvalidRequest, err.Error())
	}
	conn, err := dial(ctx, cfg, r.logger)
	if err != nil {
		return types.NewError(types.ErrExtensionUnavailable,
			fmt.Sprintf("extension %s: connect failed", cfg.ID)).WithCause(err)
	}
	return r.RegisterConnection(ctx, conn)
}

// RegisterConnection installs an already-open connection. The
// ListTools handshake doubles as the liveness check; on failure the
// connection is closed and nothing is installed.
func (r *Registry) RegisterConnection(ctx context.Context, conn Connection) error {
	tools, err := conn.ListTools(ctx)
	if err != nil {
		_ = conn.Close()
		return types.NewError(types.ErrExtensionUnavailable,
			fmt.Sprintf("extension %s: handshake failed", conn.ID())).WithCause(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if _, exists := r.conns[id]; exists {
		_ = conn.Close()
		return types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("extension %s already registered", id))
	}

	for _, tool := range tools {
		qualified := QualifyName(id, tool.Name)
		schema := tool
		schema.Name = qualified

		kind := TargetExtension
		if _, isPlatform := conn.(*Platform); isPlatform {
			kind = TargetPlatform
		}
		if tool.Annotations.Frontend {
			kind = TargetFrontend
		}

		r.routes[qualified] = Target{
			Kind:        kind,
			ExtensionID: id,
			Tool:        tool.Name,
			Schema:      schema,
		}
		r.catalog = append(r.catalog, qualified)
	}

	r.conns[id] = conn
	r.order = append(r.order, id)

	r.logger.Info("extension registered",
		zap.String("extension", id),
		zap.Int("tools", len(tools)))
	return nil
}

// Unregister closes and removes one extension and its routes.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	conn, exists := r.conns[id]
	if !exists {
		r.mu.Unlock()
		return types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("extension %s not registered", id))
	}
	delete(r.conns, id)

	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	kept := r.catalog[:0]
	for _, name := range r.catalog {
		if r.routes[name].ExtensionID == id {
			delete(r.routes, name)
			continue
		}
		kept = append(kept, name)
	}
	r.catalog = kept
	r.mu.Unlock()

	err := conn.Close()
	r.logger.Info("extension unregistered", zap.String("extension", id))
	return err
}

// Resolve looks up the routing target for a qualified tool name.
func (r *Registry) Resolve(name string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	target, ok := r.routes[name]
	return target, ok
}

// Connection returns the live connection for an extension id.
func (r *Registry) Connection(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// ListTools returns the flattened, ordered catalog of qualified tool
// schemas across all registered extensions.
func (r *Registry) ListTools() []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]types.ToolSchema, 0, len(r.catalog))
	for _, name := range r.catalog {
		tools = append(tools, r.routes[name].Schema)
	}
	return tools
}

// Extensions summarizes registered extensions in registration order.
func (r *Registry) Extensions() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		conn := r.conns[id]
		count := 0
		for _, name := range r.catalog {
			if r.routes[name].ExtensionID == id {
				count++
			}
		}
		infos = append(infos, Info{
			ID:              id,
			ToolCount:       count,
			ConcurrencySafe: conn.ConcurrencySafe(),
			Instructions:    conn.Instructions(),
		})
	}
	return infos
}

// Instructions collects prompt fragments from every extension that
// declares one, in registration order.
func (r *Registry) Instructions() []Instruction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Instruction
	for _, id := range r.order {
		if text := r.conns[id].Instructions(); text != "" {
			out = append(out, Instruction{ExtensionID: id, Text: text})
		}
	}
	return out
}

// Len returns the number of registered extensions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close closes every connection. The first error wins; the rest still
// get closed.
func (r *Registry) Close() error {
	r.mu.Lock()
	conns := make([]Connection, 0, len(r.order))
	for _, id := range r.order {
		conns = append(conns, r.conns[id])
	}
	r.conns = make(map[string]Connection)
	r.routes = make(map[string]Target)
	r.order = nil
	r.catalog = nil
	r.mu.Unlock()

	var first error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
