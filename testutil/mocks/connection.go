package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gander-ai/gander/extension"
	"github.com/gander-ai/gander/types"
)

// ConnectionToolFunc executes one mocked tool.
type ConnectionToolFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// ConnectionCall records a single CallTool invocation.
type ConnectionCall struct {
	Tool   string
	Args   json.RawMessage
	Result json.RawMessage
	Error  error
}

// MockConnection implements extension.Connection with configurable
// tools, fixed results, error injection, and call recording. It also
// tracks the high-water mark of concurrent CallTool invocations so
// tests can assert per-extension serialization.
type MockConnection struct {
	mu sync.RWMutex

	id              string
	instructions    string
	concurrencySafe bool
	tools           []types.ToolSchema
	toolFuncs       map[string]ConnectionToolFunc
	toolResults     map[string]json.RawMessage
	toolErrors      map[string]error
	prompts         []extension.PromptInfo
	listErr         error
	callDelay       time.Duration
	closeErr        error
	closed          bool

	calls       []ConnectionCall
	inFlight    int32
	maxInFlight int32
}

var _ extension.Connection = (*MockConnection)(nil)

// NewMockConnection creates an empty connection with the given id.
func NewMockConnection(id string) *MockConnection {
	return &MockConnection{
		id:          id,
		toolFuncs:   make(map[string]ConnectionToolFunc),
		toolResults: make(map[string]json.RawMessage),
		toolErrors:  make(map[string]error),
	}
}

// WithInstructions sets the prompt fragment the connection declares.
func (c *MockConnection) WithInstructions(text string) *MockConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instructions = text
	return c
}

// WithConcurrencySafe marks the connection safe for parallel calls.
func (c *MockConnection) WithConcurrencySafe(safe bool) *MockConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.concurrencySafe = safe
	return c
}

// WithTool registers a tool backed by fn.
func (c *MockConnection) WithTool(name string, fn ConnectionToolFunc) *MockConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureSchema(name)
	c.toolFuncs[name] = fn
	return c
}

// WithToolSchema registers a full schema, replacing any existing one
// with the same name.
func (c *MockConnection) WithToolSchema(tool types.ToolSchema) *MockConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.tools {
		if existing.Name == tool.Name {
			c.tools[i] = tool
			return c
		}
	}
	c.tools = append(c.tools, tool)
	return c
}

// WithToolResult registers a tool answering with fixed JSON.
func (c *MockConnection) WithToolResult(name string, result json.RawMessage) *MockConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureSchema(name)
	c.toolResults[name] = result
	return c
}

// WithToolError registers a tool that always fails with err.
func (c *MockConnection) WithToolError(name string, err error) *MockConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureSchema(name)
	c.toolErrors[name] = err
	return c
}

// WithCallDelay makes every CallTool sleep first, honoring ctx.
func (c *MockConnection) WithCallDelay(d time.Duration) *MockConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callDelay = d
	return c
}

// WithPrompts sets the prompt catalog.
func (c *MockConnection) WithPrompts(prompts ...extension.PromptInfo) *MockConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = prompts
	return c
}

// WithListError makes ListTools fail, for handshake-failure tests.
func (c *MockConnection) WithListError(err error) *MockConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listErr = err
	return c
}

// WithCloseError makes Close return err.
func (c *MockConnection) WithCloseError(err error) *MockConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeErr = err
	return c
}

// ensureSchema registers a default schema once. Callers hold c.mu.
func (c *MockConnection) ensureSchema(name string) {
	for _, existing := range c.tools {
		if existing.Name == name {
			return
		}
	}
	c.tools = append(c.tools, types.ToolSchema{
		Name:        name,
		Description: "Mock tool: " + name,
		Parameters:  json.RawMessage(`{"type":"object"}`),
	})
}

// ID implements extension.Connection.
func (c *MockConnection) ID() string { return c.id }

// Instructions implements extension.Connection.
func (c *MockConnection) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

// ListTools implements extension.Connection.
func (c *MockConnection) ListTools(ctx context.Context) ([]types.ToolSchema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]types.ToolSchema{}, c.tools...), nil
}

// CallTool implements extension.Connection.
func (c *MockConnection) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	cur := atomic.AddInt32(&c.inFlight, 1)
	for {
		max := atomic.LoadInt32(&c.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&c.maxInFlight, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&c.inFlight, -1)

	c.mu.RLock()
	delay := c.callDelay
	fn := c.toolFuncs[tool]
	fixed, hasFixed := c.toolResults[tool]
	toolErr, hasErr := c.toolErrors[tool]
	c.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.record(tool, args, nil, ctx.Err())
			return nil, ctx.Err()
		}
	}

	var result json.RawMessage
	var err error
	switch {
	case hasErr:
		err = toolErr
	case fn != nil:
		result, err = fn(ctx, args)
	case hasFixed:
		result = fixed
	default:
		err = fmt.Errorf("mock connection %s: tool %s not configured", c.id, tool)
	}
	c.record(tool, args, result, err)
	return result, err
}

// ListPrompts implements extension.Connection.
func (c *MockConnection) ListPrompts(ctx context.Context) ([]extension.PromptInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]extension.PromptInfo{}, c.prompts...), nil
}

// ConcurrencySafe implements extension.Connection.
func (c *MockConnection) ConcurrencySafe() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.concurrencySafe
}

// Close implements extension.Connection.
func (c *MockConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *MockConnection) record(tool string, args json.RawMessage, result json.RawMessage, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, ConnectionCall{Tool: tool, Args: args, Result: result, Error: err})
}

// GetCalls returns a copy of all recorded calls.
func (c *MockConnection) GetCalls() []ConnectionCall {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ConnectionCall{}, c.calls...)
}

// GetCallCount returns how many CallTool invocations completed.
func (c *MockConnection) GetCallCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.calls)
}

// CalledTools returns the tool names in invocation order.
func (c *MockConnection) CalledTools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.calls))
	for _, call := range c.calls {
		names = append(names, call.Tool)
	}
	return names
}

// MaxInFlight returns the highest number of concurrent CallTool
// invocations observed.
func (c *MockConnection) MaxInFlight() int {
	return int(atomic.LoadInt32(&c.maxInFlight))
}

// IsClosed reports whether Close was called.
func (c *MockConnection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Reset clears recorded calls and the concurrency high-water mark.
func (c *MockConnection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
	atomic.StoreInt32(&c.maxInFlight, 0)
}
