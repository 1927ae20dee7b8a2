// Package mcp implements the client half of the Model Context
// Protocol: JSON-RPC 2.0 with Content-Length framing over stdio
// subprocesses, TCP/unix sockets, or WebSocket. The agent talks to
// every extension through the capability-typed Client here; nothing
// above this package knows the wire format.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/types"
)

// ServerInfo identifies the extension server after the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities reports which optional method families the server
// declared during initialize. A nil block means unsupported.
type Capabilities struct {
	Tools     json.RawMessage `json:"tools,omitempty"`
	Prompts   json.RawMessage `json:"prompts,omitempty"`
	Resources json.RawMessage `json:"resources,omitempty"`
}

func (c Capabilities) HasTools() bool     { return c.Tools != nil }
func (c Capabilities) HasPrompts() bool   { return c.Prompts != nil }
func (c Capabilities) HasResources() bool { return c.Resources != nil }

// Prompt is one entry of the server's prompt catalog.
type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Client speaks MCP over a Transport. Concurrent calls are correlated
// through the pending map; the read loop is the only reader.
type Client struct {
	transport Transport
	logger    *zap.Logger

	nextID  atomic.Int64
	pending map[int64]chan *Message
	mu      sync.Mutex

	serverInfo   ServerInfo
	capabilities Capabilities
	instructions string

	started   bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps a transport. Initialize must be called before any
// other method.
func NewClient(transport Transport, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		transport: transport,
		logger:    logger.With(zap.String("component", "mcp_client")),
		pending:   make(map[int64]chan *Message),
		done:      make(chan struct{}),
	}
}

// Initialize starts the read loop and performs the MCP handshake,
// recording the server's identity, capabilities, and optional
// instructions text for the system prompt.
func (c *Client) Initialize(ctx context.Context, clientName, clientVersion string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("client already initialized")
	}
	c.started = true
	c.mu.Unlock()

	go c.readLoop()

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	result, err := c.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var init struct {
		ProtocolVersion string       `json:"protocolVersion"`
		Capabilities    Capabilities `json:"capabilities"`
		ServerInfo      ServerInfo   `json:"serverInfo"`
		Instructions    string       `json:"instructions,omitempty"`
	}
	if err := json.Unmarshal(result, &init); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.serverInfo = init.ServerInfo
	c.capabilities = init.Capabilities
	c.instructions = init.Instructions

	note, err := NewNotification("notifications/initialized", nil)
	if err != nil {
		return err
	}
	if err := c.transport.Send(ctx, note); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	c.logger.Info("extension handshake complete",
		zap.String("server", init.ServerInfo.Name),
		zap.String("server_version", init.ServerInfo.Version),
		zap.String("protocol", init.ProtocolVersion))
	return nil
}

// ServerInfo returns the identity recorded during Initialize.
func (c *Client) ServerInfo() ServerInfo { return c.serverInfo }

// Capabilities returns the capability set recorded during Initialize.
func (c *Client) Capabilities() Capabilities { return c.capabilities }

// Instructions returns the server's prompt guidance, or "".
func (c *Client) Instructions() string { return c.instructions }

// ListTools fetches the server's tool catalog mapped onto the shared
// schema type. MCP annotation hints carry over to the annotations the
// dispatcher and permission modes act on.
func (c *Client) ListTools(ctx context.Context) ([]types.ToolSchema, error) {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var list struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description,omitempty"`
			InputSchema json.RawMessage `json:"inputSchema"`
			Annotations *struct {
				ReadOnlyHint    bool `json:"readOnlyHint,omitempty"`
				DestructiveHint bool `json:"destructiveHint,omitempty"`
				IdempotentHint  bool `json:"idempotentHint,omitempty"`
			} `json:"annotations,omitempty"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}

	tools := make([]types.ToolSchema, 0, len(list.Tools))
	for _, t := range list.Tools {
		schema := types.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		}
		if len(schema.Parameters) == 0 {
			schema.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		if t.Annotations != nil {
			schema.Annotations = types.ToolAnnotations{
				ReadOnly:    t.Annotations.ReadOnlyHint,
				Destructive: t.Annotations.DestructiveHint,
				Idempotent:  t.Annotations.IdempotentHint,
			}
		}
		tools = append(tools, schema)
	}
	return tools, nil
}

// CallTool invokes one tool. The content blocks of the result are
// flattened to text; isError reports a tool-level failure the model
// should read, as opposed to a transport error.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (text string, isError bool, err error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return "", false, err
	}

	var call struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
		IsError bool `json:"isError,omitempty"`
	}
	if err := json.Unmarshal(result, &call); err != nil {
		return "", false, fmt.Errorf("parse tools/call result: %w", err)
	}

	var parts []string
	for _, block := range call.Content {
		switch block.Type {
		case "text":
			parts = append(parts, block.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s content]", block.Type))
		}
	}
	return strings.Join(parts, "\n"), call.IsError, nil
}

// ListPrompts fetches the server's prompt catalog.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	result, err := c.call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	var list struct {
		Prompts []Prompt `json:"prompts"`
	}
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("parse prompts/list result: %w", err)
	}
	return list.Prompts, nil
}

// GetPrompt renders one prompt with arguments, flattening the returned
// messages to text.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	result, err := c.call(ctx, "prompts/get", params)
	if err != nil {
		return "", err
	}

	var got struct {
		Messages []struct {
			Role    string `json:"role"`
			Content struct {
				Type string `json:"type"`
				Text string `json:"text,omitempty"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(result, &got); err != nil {
		return "", fmt.Errorf("parse prompts/get result: %w", err)
	}

	var parts []string
	for _, m := range got.Messages {
		if m.Content.Type == "text" && m.Content.Text != "" {
			parts = append(parts, m.Content.Text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// ReadResource reads one resource by URI, flattening text contents.
func (c *Client) ReadResource(ctx context.Context, uri string) (string, error) {
	result, err := c.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return "", err
	}

	var read struct {
		Contents []struct {
			URI      string `json:"uri"`
			MimeType string `json:"mimeType,omitempty"`
			Text     string `json:"text,omitempty"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(result, &read); err != nil {
		return "", fmt.Errorf("parse resources/read result: %w", err)
	}

	var parts []string
	for _, content := range read.Contents {
		if content.Text != "" {
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Close tears down the transport and fails every in-flight call.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
	})
	return err
}

// call sends one request and waits for its correlated response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	respCh := make(chan *Message, 1)

	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := c.transport.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%s: connection closed", method)
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	}
}

// readLoop is the single transport reader, routing responses to their
// pending calls and logging notifications.
func (c *Client) readLoop() {
	for {
		msg, err := c.transport.Receive(context.Background())
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("transport closed", zap.Error(err))
			}
			c.Close()
			return
		}

		switch {
		case msg.IsResponse():
			id, ok := msg.ResponseID()
			if !ok {
				c.logger.Warn("response with unusable id", zap.Any("id", msg.ID))
				continue
			}
			c.mu.Lock()
			respCh, exists := c.pending[id]
			c.mu.Unlock()
			if exists {
				respCh <- msg
			}
		case msg.IsNotification():
			c.logger.Debug("server notification", zap.String("method", msg.Method))
		default:
			// Server-initiated requests (sampling) are out of scope.
			resp := NewErrorResponse(msg.ID, CodeMethodNotFound, "client does not serve requests")
			_ = c.transport.Send(context.Background(), resp)
		}
	}
}
