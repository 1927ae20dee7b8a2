package mcp

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Harness: an in-memory extension server over piped stream transports.
// The harness answers initialize itself; everything else goes to the
// handler, which may return zero or more responses to allow
// out-of-order replies.
// ---------------------------------------------------------------------------

type fakeServer struct {
	mu            sync.Mutex
	notifications []string
}

func (s *fakeServer) sawNotification(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.notifications {
		if m == method {
			return true
		}
	}
	return false
}

func startFakeServer(t *testing.T, handle func(*Message) []*Message) (*Client, *fakeServer) {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverT := NewStreamTransport(serverReader, serverWriter, func() error {
		serverWriter.Close()
		return serverReader.Close()
	}, zap.NewNop())
	clientT := NewStreamTransport(clientReader, clientWriter, func() error {
		clientWriter.Close()
		return clientReader.Close()
	}, zap.NewNop())

	srv := &fakeServer{}
	go func() {
		for {
			msg, err := serverT.Receive(context.Background())
			if err != nil {
				return
			}
			if msg.IsNotification() {
				srv.mu.Lock()
				srv.notifications = append(srv.notifications, msg.Method)
				srv.mu.Unlock()
				continue
			}
			var responses []*Message
			if msg.Method == "initialize" {
				resp, _ := NewResponse(msg.ID, map[string]any{
					"protocolVersion": ProtocolVersion,
					"capabilities": map[string]any{
						"tools":   map[string]any{},
						"prompts": map[string]any{},
					},
					"serverInfo":   map[string]string{"name": "notes", "version": "1.2.0"},
					"instructions": "Prefer search before create.",
				})
				responses = []*Message{resp}
			} else {
				responses = handle(msg)
			}
			for _, resp := range responses {
				if err := serverT.Send(context.Background(), resp); err != nil {
					return
				}
			}
		}
	}()

	client := NewClient(clientT, zap.NewNop())
	t.Cleanup(func() {
		client.Close()
		serverT.Close()
	})
	return client, srv
}

func initialized(t *testing.T, handle func(*Message) []*Message) (*Client, *fakeServer) {
	t.Helper()
	client, srv := startFakeServer(t, handle)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Initialize(ctx, "gander", "0.1.0"))
	return client, srv
}

func respond(msg *Message, result any) []*Message {
	resp, _ := NewResponse(msg.ID, result)
	return []*Message{resp}
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

func TestClient_Initialize(t *testing.T) {
	client, srv := initialized(t, func(msg *Message) []*Message {
		return []*Message{NewErrorResponse(msg.ID, CodeMethodNotFound, "unexpected")}
	})

	assert.Equal(t, "notes", client.ServerInfo().Name)
	assert.Equal(t, "1.2.0", client.ServerInfo().Version)
	assert.True(t, client.Capabilities().HasTools())
	assert.True(t, client.Capabilities().HasPrompts())
	assert.False(t, client.Capabilities().HasResources())
	assert.Equal(t, "Prefer search before create.", client.Instructions())

	assert.Eventually(t, func() bool {
		return srv.sawNotification("notifications/initialized")
	}, time.Second, 10*time.Millisecond)
}

func TestClient_InitializeTwiceFails(t *testing.T) {
	client, _ := initialized(t, func(msg *Message) []*Message { return nil })
	err := client.Initialize(context.Background(), "gander", "0.1.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already initialized")
}

// ---------------------------------------------------------------------------
// Tools
// ---------------------------------------------------------------------------

func TestClient_ListTools(t *testing.T) {
	client, _ := initialized(t, func(msg *Message) []*Message {
		if msg.Method != "tools/list" {
			return []*Message{NewErrorResponse(msg.ID, CodeMethodNotFound, msg.Method)}
		}
		return respond(msg, map[string]any{
			"tools": []map[string]any{
				{
					"name":        "search",
					"description": "Search notes",
					"inputSchema": map[string]any{
						"type":       "object",
						"properties": map[string]any{"query": map[string]any{"type": "string"}},
					},
					"annotations": map[string]any{"readOnlyHint": true, "idempotentHint": true},
				},
				{
					"name":        "delete_all",
					"description": "Delete every note",
					"annotations": map[string]any{"destructiveHint": true},
				},
			},
		})
	})

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)

	assert.Equal(t, "search", tools[0].Name)
	assert.True(t, tools[0].Annotations.ReadOnly)
	assert.True(t, tools[0].Annotations.Idempotent)
	assert.Contains(t, string(tools[0].Parameters), "query")

	assert.True(t, tools[1].Annotations.Destructive)
	// Missing inputSchema defaults to an empty object schema.
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(tools[1].Parameters))
}

func TestClient_CallTool(t *testing.T) {
	client, _ := initialized(t, func(msg *Message) []*Message {
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		if params.Name != "search" {
			return respond(msg, map[string]any{
				"content": []map[string]any{{"type": "text", "text": "unknown tool"}},
				"isError": true,
			})
		}
		return respond(msg, map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "note 1"},
				{"type": "text", "text": "note 2"},
				{"type": "image", "data": "..."},
			},
		})
	})

	text, isErr, err := client.CallTool(context.Background(), "search", json.RawMessage(`{"query":"go"}`))
	require.NoError(t, err)
	assert.False(t, isErr)
	assert.Equal(t, "note 1\nnote 2\n[image content]", text)

	text, isErr, err = client.CallTool(context.Background(), "bogus", nil)
	require.NoError(t, err)
	assert.True(t, isErr)
	assert.Equal(t, "unknown tool", text)
}

func TestClient_CallTool_RPCError(t *testing.T) {
	client, _ := initialized(t, func(msg *Message) []*Message {
		return []*Message{NewErrorResponse(msg.ID, CodeInvalidParams, "bad arguments")}
	})

	_, _, err := client.CallTool(context.Background(), "search", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad arguments")
}

// ---------------------------------------------------------------------------
// Prompts and resources
// ---------------------------------------------------------------------------

func TestClient_ListPromptsAndGet(t *testing.T) {
	client, _ := initialized(t, func(msg *Message) []*Message {
		switch msg.Method {
		case "prompts/list":
			return respond(msg, map[string]any{
				"prompts": []map[string]any{
					{"name": "summarize", "description": "Summarize notes"},
				},
			})
		case "prompts/get":
			return respond(msg, map[string]any{
				"messages": []map[string]any{
					{"role": "user", "content": map[string]any{"type": "text", "text": "Summarize:"}},
					{"role": "user", "content": map[string]any{"type": "text", "text": "- a\n- b"}},
				},
			})
		default:
			return []*Message{NewErrorResponse(msg.ID, CodeMethodNotFound, msg.Method)}
		}
	})

	prompts, err := client.ListPrompts(context.Background())
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "summarize", prompts[0].Name)

	text, err := client.GetPrompt(context.Background(), "summarize", map[string]string{"scope": "all"})
	require.NoError(t, err)
	assert.Equal(t, "Summarize:\n\n- a\n- b", text)
}

func TestClient_ReadResource(t *testing.T) {
	client, _ := initialized(t, func(msg *Message) []*Message {
		return respond(msg, map[string]any{
			"contents": []map[string]any{
				{"uri": "notes://today", "mimeType": "text/plain", "text": "today's notes"},
			},
		})
	})

	text, err := client.ReadResource(context.Background(), "notes://today")
	require.NoError(t, err)
	assert.Equal(t, "today's notes", text)
}

// ---------------------------------------------------------------------------
// Correlation and shutdown
// ---------------------------------------------------------------------------

func TestClient_OutOfOrderResponses(t *testing.T) {
	var held *Message
	client, _ := initialized(t, func(msg *Message) []*Message {
		// Hold the first request and answer it after the second, so
		// responses arrive in reverse order.
		if held == nil {
			held = msg
			return nil
		}
		second, _ := NewResponse(msg.ID, map[string]string{"seq": "second"})
		first, _ := NewResponse(held.ID, map[string]string{"seq": "first"})
		return []*Message{second, first}
	})

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			// Stagger so request order is deterministic.
			time.Sleep(time.Duration(idx) * 50 * time.Millisecond)
			raw, err := client.call(context.Background(), "seq", nil)
			if err != nil {
				return
			}
			var out struct {
				Seq string `json:"seq"`
			}
			_ = json.Unmarshal(raw, &out)
			results[idx] = out.Seq
		}(i)
	}
	wg.Wait()

	assert.Equal(t, "first", results[0])
	assert.Equal(t, "second", results[1])
}

func TestClient_CloseFailsInflight(t *testing.T) {
	client, _ := initialized(t, func(msg *Message) []*Message {
		return nil // never answer
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := client.call(context.Background(), "slow", nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection closed")
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call did not fail after Close")
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	client, _ := initialized(t, func(msg *Message) []*Message {
		return nil // never answer
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.call(ctx, "slow", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
