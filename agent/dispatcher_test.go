package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/gander-ai/gander/extension"
	"github.com/gander-ai/gander/testutil/mocks"
	"github.com/gander-ai/gander/types"
)

func newDispatchRegistry(t *testing.T, conns ...extension.Connection) *extension.Registry {
	t.Helper()
	registry := extension.NewRegistry(zap.NewNop())
	for _, conn := range conns {
		require.NoError(t, registry.RegisterConnection(context.Background(), conn))
	}
	return registry
}

func TestDispatcher_ExecutesAndCorrelatesResults(t *testing.T) {
	conn := mocks.NewMockConnection("fs").
		WithConcurrencySafe(true).
		WithToolResult("read_file", json.RawMessage(`"file contents"`)).
		WithToolResult("stat", json.RawMessage(`{"size":42}`))
	registry := newDispatchRegistry(t, conn)
	d := NewDispatcher(registry, zap.NewNop())

	calls := []types.ToolCall{
		{ID: "call_1", Name: "fs__read_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)},
		{ID: "call_2", Name: "fs__stat", Arguments: json.RawMessage(`{"path":"a.txt"}`)},
	}
	results := d.Dispatch(context.Background(), calls)

	require.Len(t, results, 2)
	assert.Equal(t, "call_1", results[0].ToolCallID)
	assert.Equal(t, "fs__read_file", results[0].Name)
	assert.JSONEq(t, `"file contents"`, string(results[0].Result))
	assert.False(t, results[0].IsError())
	assert.Equal(t, "call_2", results[1].ToolCallID)
	assert.JSONEq(t, `{"size":42}`, string(results[1].Result))

	// The connection sees unqualified names.
	assert.ElementsMatch(t, []string{"read_file", "stat"}, conn.CalledTools())
}

func TestDispatcher_UnknownToolBecomesErrorResult(t *testing.T) {
	registry := newDispatchRegistry(t)
	d := NewDispatcher(registry, zap.NewNop())

	results := d.Dispatch(context.Background(), []types.ToolCall{
		{ID: "call_1", Name: "notes__search", Arguments: json.RawMessage(`{"q":"x"}`)},
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].IsError())
	assert.Equal(t, "call_1", results[0].ToolCallID)
	assert.Contains(t, results[0].Error, "notes__search")
	assert.Contains(t, results[0].Error, "not found")
}

func TestDispatcher_UnsafeExtensionServesOneCallAtATime(t *testing.T) {
	conn := mocks.NewMockConnection("db").
		WithCallDelay(20 * time.Millisecond).
		WithToolResult("query", json.RawMessage(`"row"`))
	registry := newDispatchRegistry(t, conn)
	d := NewDispatcher(registry, zap.NewNop())

	calls := make([]types.ToolCall, 4)
	for i := range calls {
		calls[i] = types.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      "db__query",
			Arguments: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		}
	}
	results := d.Dispatch(context.Background(), calls)

	require.Len(t, results, 4)
	for _, r := range results {
		assert.False(t, r.IsError())
	}
	assert.Equal(t, 4, conn.GetCallCount())
	assert.Equal(t, 1, conn.MaxInFlight())
}

func TestDispatcher_SafeExtensionRunsConcurrently(t *testing.T) {
	conn := mocks.NewMockConnection("fs").
		WithConcurrencySafe(true).
		WithCallDelay(30 * time.Millisecond).
		WithToolResult("read_file", json.RawMessage(`"x"`))
	registry := newDispatchRegistry(t, conn)
	d := NewDispatcher(registry, zap.NewNop())

	calls := make([]types.ToolCall, 4)
	for i := range calls {
		calls[i] = types.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      "fs__read_file",
			Arguments: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		}
	}
	d.Dispatch(context.Background(), calls)

	assert.Greater(t, conn.MaxInFlight(), 1)
}

func TestDispatcher_DestructiveRunsAfterConcurrentBatch(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string, delay time.Duration) mocks.ConnectionToolFunc {
		return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			time.Sleep(delay)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return json.RawMessage(`"ok"`), nil
		}
	}

	conn := mocks.NewMockConnection("fs").
		WithConcurrencySafe(true).
		WithTool("copy_a", record("copy_a", 30*time.Millisecond)).
		WithTool("copy_b", record("copy_b", 30*time.Millisecond)).
		WithTool("wipe", record("wipe", 0)).
		WithToolSchema(types.ToolSchema{
			Name:        "wipe",
			Parameters:  json.RawMessage(`{"type":"object"}`),
			Annotations: types.ToolAnnotations{Destructive: true},
		})
	registry := newDispatchRegistry(t, conn)
	d := NewDispatcher(registry, zap.NewNop())

	// The destructive call is listed first but must execute last.
	calls := []types.ToolCall{
		{ID: "call_1", Name: "fs__wipe", Arguments: json.RawMessage(`{}`)},
		{ID: "call_2", Name: "fs__copy_a", Arguments: json.RawMessage(`{}`)},
		{ID: "call_3", Name: "fs__copy_b", Arguments: json.RawMessage(`{}`)},
	}
	results := d.Dispatch(context.Background(), calls)

	require.Len(t, results, 3)
	assert.Equal(t, "call_1", results[0].ToolCallID)
	assert.Equal(t, "fs__wipe", results[0].Name)
	assert.Equal(t, "call_2", results[1].ToolCallID)
	assert.Equal(t, "call_3", results[2].ToolCallID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, "wipe", order[2])
}

func TestDispatcher_TimeoutBecomesRetryableErrorResult(t *testing.T) {
	conn := mocks.NewMockConnection("slow").
		WithConcurrencySafe(true).
		WithCallDelay(500 * time.Millisecond).
		WithToolResult("crawl", json.RawMessage(`"done"`))
	registry := newDispatchRegistry(t, conn)
	d := NewDispatcher(registry, zap.NewNop()).WithTimeout(30 * time.Millisecond)

	start := time.Now()
	results := d.Dispatch(context.Background(), []types.ToolCall{
		{ID: "call_1", Name: "slow__crawl", Arguments: json.RawMessage(`{}`)},
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].IsError())
	assert.Contains(t, results[0].Error, "timed out")
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestDispatcher_ExecutionFailureBecomesResultOthersSucceed(t *testing.T) {
	conn := mocks.NewMockConnection("fs").
		WithConcurrencySafe(true).
		WithToolResult("read_file", json.RawMessage(`"ok"`)).
		WithToolError("stat", errors.New("disk on fire"))
	registry := newDispatchRegistry(t, conn)
	d := NewDispatcher(registry, zap.NewNop())

	results := d.Dispatch(context.Background(), []types.ToolCall{
		{ID: "call_1", Name: "fs__stat", Arguments: json.RawMessage(`{}`)},
		{ID: "call_2", Name: "fs__read_file", Arguments: json.RawMessage(`{}`)},
	})

	require.Len(t, results, 2)
	assert.True(t, results[0].IsError())
	assert.Contains(t, results[0].Error, "disk on fire")
	assert.False(t, results[1].IsError())
}

func TestDispatcher_FrontendToolWithoutHandler(t *testing.T) {
	conn := mocks.NewMockConnection("ui").
		WithToolSchema(types.ToolSchema{
			Name:        "render_chart",
			Parameters:  json.RawMessage(`{"type":"object"}`),
			Annotations: types.ToolAnnotations{Frontend: true},
		})
	registry := newDispatchRegistry(t, conn)
	d := NewDispatcher(registry, zap.NewNop())

	results := d.Dispatch(context.Background(), []types.ToolCall{
		{ID: "call_1", Name: "ui__render_chart", Arguments: json.RawMessage(`{}`)},
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].IsError())
	assert.Contains(t, results[0].Error, "frontend")
	assert.Zero(t, conn.GetCallCount())
}

func TestDispatcher_FrontendHandlerInvoked(t *testing.T) {
	conn := mocks.NewMockConnection("ui").
		WithToolSchema(types.ToolSchema{
			Name:        "render_chart",
			Parameters:  json.RawMessage(`{"type":"object"}`),
			Annotations: types.ToolAnnotations{Frontend: true},
		})
	registry := newDispatchRegistry(t, conn)

	var handled types.ToolCall
	d := NewDispatcher(registry, zap.NewNop()).
		WithFrontendHandler(func(ctx context.Context, call types.ToolCall) (json.RawMessage, error) {
			handled = call
			return json.RawMessage(`{"rendered":true}`), nil
		})

	results := d.Dispatch(context.Background(), []types.ToolCall{
		{ID: "call_1", Name: "ui__render_chart", Arguments: json.RawMessage(`{"kind":"bar"}`)},
	})

	require.Len(t, results, 1)
	assert.False(t, results[0].IsError())
	assert.JSONEq(t, `{"rendered":true}`, string(results[0].Result))
	assert.Equal(t, "call_1", handled.ID)
	// Frontend calls never reach the connection.
	assert.Zero(t, conn.GetCallCount())
}

func TestDispatcher_CancelledContext(t *testing.T) {
	conn := mocks.NewMockConnection("fs").
		WithConcurrencySafe(true).
		WithCallDelay(time.Second).
		WithToolResult("read_file", json.RawMessage(`"x"`))
	registry := newDispatchRegistry(t, conn)
	d := NewDispatcher(registry, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results := d.Dispatch(ctx, []types.ToolCall{
		{ID: "call_1", Name: "fs__read_file", Arguments: json.RawMessage(`{}`)},
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].IsError())
	assert.Equal(t, "call_1", results[0].ToolCallID)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestProperty_DispatchPreservesRequestOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		numTools := rapid.IntRange(1, 6).Draw(rt, "numTools")

		conn := mocks.NewMockConnection("ext").WithConcurrencySafe(true)
		for i := 0; i < numTools; i++ {
			name := fmt.Sprintf("tool_%d", i)
			destructive := rapid.Bool().Draw(rt, fmt.Sprintf("destructive_%d", i))
			payload := json.RawMessage(fmt.Sprintf(`"result %d"`, i))
			delay := time.Duration(rapid.IntRange(0, 2).Draw(rt, fmt.Sprintf("delay_%d", i))) * time.Millisecond

			tool := name
			conn.WithTool(tool, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				time.Sleep(delay)
				return payload, nil
			})
			if destructive {
				conn.WithToolSchema(types.ToolSchema{
					Name:        tool,
					Parameters:  json.RawMessage(`{"type":"object"}`),
					Annotations: types.ToolAnnotations{Destructive: true},
				})
			}
		}

		registry := extension.NewRegistry(zap.NewNop())
		if err := registry.RegisterConnection(context.Background(), conn); err != nil {
			rt.Fatalf("register: %v", err)
		}
		d := NewDispatcher(registry, zap.NewNop())

		numCalls := rapid.IntRange(1, 8).Draw(rt, "numCalls")
		calls := make([]types.ToolCall, numCalls)
		for i := range calls {
			known := rapid.Bool().Draw(rt, fmt.Sprintf("known_%d", i))
			name := fmt.Sprintf("ext__tool_%d", rapid.IntRange(0, numTools-1).Draw(rt, fmt.Sprintf("tool_for_%d", i)))
			if !known {
				name = fmt.Sprintf("ext__missing_%d", i)
			}
			calls[i] = types.ToolCall{
				ID:        fmt.Sprintf("call_%d", i),
				Name:      name,
				Arguments: json.RawMessage(`{}`),
			}
		}

		results := d.Dispatch(context.Background(), calls)

		if len(results) != len(calls) {
			rt.Fatalf("got %d results for %d calls", len(results), len(calls))
		}
		for i := range results {
			if results[i].ToolCallID != calls[i].ID {
				rt.Fatalf("result %d correlates to %s, want %s", i, results[i].ToolCallID, calls[i].ID)
			}
			if results[i].Name != calls[i].Name {
				rt.Fatalf("result %d names %s, want %s", i, results[i].Name, calls[i].Name)
			}
		}
	})
}
