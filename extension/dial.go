package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/extension/mcp"
	"github.com/gander-ai/gander/types"
)

// Identity reported to MCP servers during the initialize handshake.
const (
	clientName    = "gander"
	clientVersion = "0.1.0"
)

// dial opens the configured transport, runs the MCP handshake, and
// wraps the client as a Connection. The caller owns the returned
// connection and must Close it.
func dial(ctx context.Context, cfg Config, logger *zap.Logger) (Connection, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var (
		transport mcp.Transport
		proc      io.Closer
		err       error
	)
	switch cfg.Transport {
	case TransportStdio:
		p, perr := mcp.StartProcess(cfg.Command, cfg.Args, cfg.Env, logger)
		if perr != nil {
			return nil, perr
		}
		transport = p.Transport()
		proc = p
	case TransportSocket:
		transport, err = mcp.DialSocket(ctx, cfg.Address, logger)
		if err != nil {
			return nil, err
		}
	case TransportWebSocket:
		ws := mcp.NewWebSocketTransport(cfg.Address, logger)
		if err = ws.Connect(ctx); err != nil {
			return nil, err
		}
		transport = ws
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}

	client := mcp.NewClient(transport, logger)
	if err := client.Initialize(ctx, clientName, clientVersion); err != nil {
		_ = client.Close()
		if proc != nil {
			_ = proc.Close()
		}
		return nil, err
	}

	return &mcpConnection{
		id:              cfg.ID,
		client:          client,
		proc:            proc,
		concurrencySafe: cfg.ConcurrencySafe,
	}, nil
}

// mcpConnection adapts an mcp.Client to the Connection interface.
type mcpConnection struct {
	id              string
	client          *mcp.Client
	proc            io.Closer
	concurrencySafe bool
}

var (
	_ Connection     = (*mcpConnection)(nil)
	_ ResourceReader = (*mcpConnection)(nil)
)

func (c *mcpConnection) ID() string { return c.id }

func (c *mcpConnection) Instructions() string { return c.client.Instructions() }

func (c *mcpConnection) ConcurrencySafe() bool { return c.concurrencySafe }

func (c *mcpConnection) ListTools(ctx context.Context) ([]types.ToolSchema, error) {
	return c.client.ListTools(ctx)
}

// CallTool executes the tool on the server. Server-side failures
// (isError results) surface as TOOL_EXECUTION errors so the dispatcher
// feeds them back to the model; the success payload is the flattened
// text encoded as a JSON string.
func (c *mcpConnection) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	text, isError, err := c.client.CallTool(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	if isError {
		return nil, types.NewError(types.ErrToolExecution, text)
	}
	payload, err := json.Marshal(text)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "encode tool result").WithCause(err)
	}
	return payload, nil
}

func (c *mcpConnection) ListPrompts(ctx context.Context) ([]PromptInfo, error) {
	prompts, err := c.client.ListPrompts(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]PromptInfo, 0, len(prompts))
	for _, p := range prompts {
		infos = append(infos, PromptInfo{Name: p.Name, Description: p.Description})
	}
	return infos, nil
}

func (c *mcpConnection) ReadResource(ctx context.Context, uri string) (string, error) {
	if !c.client.Capabilities().HasResources() {
		return "", types.NewError(types.ErrToolExecution,
			fmt.Sprintf("extension %s does not expose resources", c.id))
	}
	return c.client.ReadResource(ctx, uri)
}

// Close shuts the protocol client down first, then reaps the child
// process for stdio transports.
func (c *mcpConnection) Close() error {
	err := c.client.Close()
	if c.proc != nil {
		if perr := c.proc.Close(); err == nil {
			err = perr
		}
	}
	return err
}
