package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gander-ai/gander/types"
)

// stubConn is an in-memory Connection for registry and platform tests.
type stubConn struct {
	id           string
	tools        []types.ToolSchema
	instructions string
	listErr      error
	safe         bool
	closed       int

	resources map[string]string
}

func (s *stubConn) ID() string            { return s.id }
func (s *stubConn) Instructions() string  { return s.instructions }
func (s *stubConn) ConcurrencySafe() bool { return s.safe }

func (s *stubConn) ListTools(ctx context.Context) ([]types.ToolSchema, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.tools, nil
}

func (s *stubConn) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(fmt.Sprintf("%s ran %s", s.id, tool))
}

func (s *stubConn) ListPrompts(ctx context.Context) ([]PromptInfo, error) {
	return nil, nil
}

func (s *stubConn) Close() error {
	s.closed++
	return nil
}

// resourceConn adds ReadResource on top of stubConn.
type resourceConn struct {
	stubConn
}

func (r *resourceConn) ReadResource(ctx context.Context, uri string) (string, error) {
	text, ok := r.resources[uri]
	if !ok {
		return "", types.NewError(types.ErrToolExecution, "resource not found: "+uri)
	}
	return text, nil
}

func toolSchema(name string) types.ToolSchema {
	return types.ToolSchema{
		Name:       name,
		Parameters: json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

// ============================================================================
// Registration and routing
// ============================================================================

func TestRegistry_RegisterConnection(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	conn := &stubConn{
		id:           "developer",
		tools:        []types.ToolSchema{toolSchema("shell"), toolSchema("edit_file")},
		instructions: "Prefer small edits.",
		safe:         true,
	}

	require.NoError(t, reg.RegisterConnection(context.Background(), conn))
	assert.Equal(t, 1, reg.Len())

	tools := reg.ListTools()
	require.Len(t, tools, 2)
	assert.Equal(t, "developer__shell", tools[0].Name)
	assert.Equal(t, "developer__edit_file", tools[1].Name)

	target, ok := reg.Resolve("developer__shell")
	require.True(t, ok)
	assert.Equal(t, TargetExtension, target.Kind)
	assert.Equal(t, "developer", target.ExtensionID)
	assert.Equal(t, "shell", target.Tool)
	assert.Equal(t, "developer__shell", target.Schema.Name)

	_, ok = reg.Resolve("developer__missing")
	assert.False(t, ok)

	infos := reg.Extensions()
	require.Len(t, infos, 1)
	assert.Equal(t, "developer", infos[0].ID)
	assert.Equal(t, 2, infos[0].ToolCount)
	assert.True(t, infos[0].ConcurrencySafe)
	assert.Equal(t, "Prefer small edits.", infos[0].Instructions)
}

func TestRegistry_DuplicateID(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	require.NoError(t, reg.RegisterConnection(context.Background(),
		&stubConn{id: "dup", tools: []types.ToolSchema{toolSchema("a")}}))

	second := &stubConn{id: "dup", tools: []types.ToolSchema{toolSchema("b")}}
	err := reg.RegisterConnection(context.Background(), second)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
	assert.Equal(t, 1, second.closed, "rejected connection must be closed")

	// The original registration is untouched.
	_, ok := reg.Resolve("dup__a")
	assert.True(t, ok)
	_, ok = reg.Resolve("dup__b")
	assert.False(t, ok)
}

func TestRegistry_HandshakeFailure(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	conn := &stubConn{id: "broken", listErr: fmt.Errorf("pipe closed")}

	err := reg.RegisterConnection(context.Background(), conn)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrExtensionUnavailable))
	assert.Equal(t, 1, conn.closed)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_FrontendAnnotation(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	frontend := toolSchema("render_chart")
	frontend.Annotations.Frontend = true
	conn := &stubConn{id: "ui", tools: []types.ToolSchema{frontend, toolSchema("fetch_data")}}

	require.NoError(t, reg.RegisterConnection(context.Background(), conn))

	target, ok := reg.Resolve("ui__render_chart")
	require.True(t, ok)
	assert.Equal(t, TargetFrontend, target.Kind)

	target, ok = reg.Resolve("ui__fetch_data")
	require.True(t, ok)
	assert.Equal(t, TargetExtension, target.Kind)
}

func TestRegistry_PlatformKind(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	require.NoError(t, reg.RegisterConnection(context.Background(), NewPlatform(reg, zap.NewNop())))

	target, ok := reg.Resolve("platform__todo_read")
	require.True(t, ok)
	assert.Equal(t, TargetPlatform, target.Kind)
	assert.Equal(t, PlatformID, target.ExtensionID)
	assert.Equal(t, "todo_read", target.Tool)
}

func TestRegistry_RegisterValidatesConfig(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	err := reg.Register(context.Background(), Config{ID: "", Transport: TransportStdio})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestRegistry_Unregister(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	first := &stubConn{id: "first", tools: []types.ToolSchema{toolSchema("a"), toolSchema("b")}}
	second := &stubConn{id: "second", tools: []types.ToolSchema{toolSchema("c")}}
	require.NoError(t, reg.RegisterConnection(context.Background(), first))
	require.NoError(t, reg.RegisterConnection(context.Background(), second))

	require.NoError(t, reg.Unregister("first"))
	assert.Equal(t, 1, first.closed)
	assert.Equal(t, 1, reg.Len())

	_, ok := reg.Resolve("first__a")
	assert.False(t, ok)
	_, ok = reg.Resolve("second__c")
	assert.True(t, ok)

	tools := reg.ListTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "second__c", tools[0].Name)

	err := reg.Unregister("first")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestRegistry_Instructions(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	require.NoError(t, reg.RegisterConnection(context.Background(),
		&stubConn{id: "one", tools: []types.ToolSchema{toolSchema("a")}, instructions: "Use a wisely."}))
	require.NoError(t, reg.RegisterConnection(context.Background(),
		&stubConn{id: "two", tools: []types.ToolSchema{toolSchema("b")}}))
	require.NoError(t, reg.RegisterConnection(context.Background(),
		&stubConn{id: "three", tools: []types.ToolSchema{toolSchema("c")}, instructions: "Never call c twice."}))

	got := reg.Instructions()
	require.Len(t, got, 2, "extensions without instructions are skipped")
	assert.Equal(t, Instruction{ExtensionID: "one", Text: "Use a wisely."}, got[0])
	assert.Equal(t, Instruction{ExtensionID: "three", Text: "Never call c twice."}, got[1])
}

func TestRegistry_Close(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	first := &stubConn{id: "first", tools: []types.ToolSchema{toolSchema("a")}}
	second := &stubConn{id: "second", tools: []types.ToolSchema{toolSchema("b")}}
	require.NoError(t, reg.RegisterConnection(context.Background(), first))
	require.NoError(t, reg.RegisterConnection(context.Background(), second))

	require.NoError(t, reg.Close())
	assert.Equal(t, 1, first.closed)
	assert.Equal(t, 1, second.closed)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.ListTools())
}

func TestQualifyName(t *testing.T) {
	assert.Equal(t, "developer__shell", QualifyName("developer", "shell"))
	assert.Equal(t, "platform__todo_read", QualifyName("platform", "todo_read"))
}
