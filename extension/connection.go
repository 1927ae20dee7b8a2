// Package extension manages the agent's tool surface: live
// connections to extension servers, the platform's builtin tools, and
// the routing table that maps qualified tool names onto their
// execution targets.
package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gander-ai/gander/types"
)

// NameSeparator joins an extension id and a tool name into the
// qualified name the model sees, e.g. "developer__shell".
const NameSeparator = "__"

// QualifyName builds the qualified tool name for an extension's tool.
func QualifyName(extensionID, tool string) string {
	return extensionID + NameSeparator + tool
}

// TransportKind selects how an extension connection is established.
type TransportKind string

const (
	// TransportStdio launches the extension as a subprocess and
	// speaks over its stdin/stdout pipes.
	TransportStdio TransportKind = "stdio"
	// TransportSocket connects to a TCP or unix socket.
	TransportSocket TransportKind = "socket"
	// TransportWebSocket connects to a ws:// or wss:// endpoint.
	TransportWebSocket TransportKind = "websocket"
)

// Config describes one extension to register.
type Config struct {
	// ID names the extension and prefixes its tools.
	ID string `yaml:"id" json:"id"`

	// Transport selects the connection mechanism.
	Transport TransportKind `yaml:"transport" json:"transport"`

	// Command and Args launch a stdio extension.
	Command string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env holds extra KEY=VALUE entries for the subprocess.
	Env []string `yaml:"env,omitempty" json:"env,omitempty"`

	// Address is the socket address or WebSocket URL.
	Address string `yaml:"address,omitempty" json:"address,omitempty"`

	// Timeout bounds the registration handshake.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// ConcurrencySafe permits more than one in-flight call on this
	// extension. Off by default: most extension servers process
	// requests against shared state.
	ConcurrencySafe bool `yaml:"concurrency_safe,omitempty" json:"concurrency_safe,omitempty"`
}

// Validate checks the config before any connection attempt.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("extension id is required")
	}
	if strings.Contains(c.ID, NameSeparator) {
		return fmt.Errorf("extension id %q must not contain %q", c.ID, NameSeparator)
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("extension %s: stdio transport requires a command", c.ID)
		}
	case TransportSocket, TransportWebSocket:
		if c.Address == "" {
			return fmt.Errorf("extension %s: %s transport requires an address", c.ID, c.Transport)
		}
	case "":
		return fmt.Errorf("extension %s: transport is required", c.ID)
	default:
		return fmt.Errorf("extension %s: unsupported transport %q", c.ID, c.Transport)
	}
	return nil
}

// PromptInfo is one entry of an extension's prompt catalog.
type PromptInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Instruction is a prompt fragment an extension contributes to the
// system prompt.
type Instruction struct {
	ExtensionID string
	Text        string
}

// Connection is a live link to one extension. Implementations exist
// for MCP servers (over stdio, socket, or WebSocket) and for the
// in-process platform tools.
type Connection interface {
	// ID names the extension; it prefixes every tool.
	ID() string

	// Instructions returns prompt guidance declared by the
	// extension, or "".
	Instructions() string

	// ListTools returns the extension's tools with unqualified names.
	ListTools(ctx context.Context) ([]types.ToolSchema, error)

	// CallTool executes one tool. The returned payload is valid JSON:
	// either a structured result or an encoded string of plain text.
	CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)

	// ListPrompts returns the extension's prompt catalog.
	ListPrompts(ctx context.Context) ([]PromptInfo, error)

	// ConcurrencySafe reports whether multiple calls may be in
	// flight at once on this connection.
	ConcurrencySafe() bool

	// Close releases the connection and any child process.
	Close() error
}

// ResourceReader is implemented by connections that serve readable
// resources. The platform's read_resource tool probes for it.
type ResourceReader interface {
	ReadResource(ctx context.Context, uri string) (string, error)
}
