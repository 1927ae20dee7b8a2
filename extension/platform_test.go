package extension

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gander-ai/gander/types"
)

func newTestPlatform(t *testing.T) (*Platform, *Registry) {
	t.Helper()
	reg := NewRegistry(zap.NewNop())
	platform := NewPlatform(reg, zap.NewNop())
	require.NoError(t, reg.RegisterConnection(context.Background(), platform))
	return platform, reg
}

// callText invokes a platform tool and decodes its JSON string payload.
func callText(t *testing.T, p *Platform, tool string, args json.RawMessage) string {
	t.Helper()
	raw, err := p.CallTool(context.Background(), tool, args)
	require.NoError(t, err)
	var text string
	require.NoError(t, json.Unmarshal(raw, &text))
	return text
}

func TestPlatform_ListTools(t *testing.T) {
	platform, _ := newTestPlatform(t)

	tools, err := platform.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 4)

	byName := make(map[string]types.ToolSchema, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	assert.True(t, byName["list_extensions"].Annotations.ReadOnly)
	assert.True(t, byName["read_resource"].Annotations.ReadOnly)
	assert.True(t, byName["todo_read"].Annotations.ReadOnly)
	assert.False(t, byName["todo_write"].Annotations.ReadOnly)
	assert.True(t, byName["todo_write"].Annotations.Idempotent)
}

func TestPlatform_TodoRoundTrip(t *testing.T) {
	platform, _ := newTestPlatform(t)

	assert.Equal(t, "(todo list is empty)", callText(t, platform, "todo_read", nil))

	callText(t, platform, "todo_write",
		json.RawMessage(`{"content": "- [ ] write tests\n- [x] wire registry"}`))
	assert.Equal(t, "- [ ] write tests\n- [x] wire registry",
		callText(t, platform, "todo_read", nil))

	// A rewrite replaces the whole list.
	callText(t, platform, "todo_write", json.RawMessage(`{"content": "- [x] all done"}`))
	assert.Equal(t, "- [x] all done", callText(t, platform, "todo_read", nil))
}

func TestPlatform_ListExtensions(t *testing.T) {
	platform, reg := newTestPlatform(t)
	require.NoError(t, reg.RegisterConnection(context.Background(), &stubConn{
		id:    "developer",
		tools: []types.ToolSchema{toolSchema("shell"), toolSchema("edit_file")},
		safe:  true,
	}))

	raw, err := platform.CallTool(context.Background(), "list_extensions", nil)
	require.NoError(t, err)

	var infos []Info
	require.NoError(t, json.Unmarshal(raw, &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, PlatformID, infos[0].ID)
	assert.Equal(t, "developer", infos[1].ID)
	assert.Equal(t, 2, infos[1].ToolCount)
}

func TestPlatform_ReadResource(t *testing.T) {
	platform, reg := newTestPlatform(t)
	require.NoError(t, reg.RegisterConnection(context.Background(), &resourceConn{
		stubConn: stubConn{
			id:        "docs",
			tools:     []types.ToolSchema{toolSchema("search")},
			resources: map[string]string{"docs://readme": "# Gander\nAgent framework."},
		},
	}))
	require.NoError(t, reg.RegisterConnection(context.Background(),
		&stubConn{id: "plain", tools: []types.ToolSchema{toolSchema("noop")}}))

	text := callText(t, platform, "read_resource",
		json.RawMessage(`{"extension_id": "docs", "uri": "docs://readme"}`))
	assert.Equal(t, "# Gander\nAgent framework.", text)

	t.Run("unknown extension", func(t *testing.T) {
		_, err := platform.CallTool(context.Background(), "read_resource",
			json.RawMessage(`{"extension_id": "ghost", "uri": "docs://readme"}`))
		require.Error(t, err)
		assert.True(t, types.IsErrorCode(err, types.ErrExtensionUnavailable))
	})

	t.Run("extension without resources", func(t *testing.T) {
		_, err := platform.CallTool(context.Background(), "read_resource",
			json.RawMessage(`{"extension_id": "plain", "uri": "docs://readme"}`))
		require.Error(t, err)
		assert.True(t, types.IsErrorCode(err, types.ErrToolExecution))
	})

	t.Run("missing arguments", func(t *testing.T) {
		_, err := platform.CallTool(context.Background(), "read_resource",
			json.RawMessage(`{"extension_id": "docs"}`))
		require.Error(t, err)
		assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
	})
}

func TestPlatform_UnknownTool(t *testing.T) {
	platform, _ := newTestPlatform(t)
	_, err := platform.CallTool(context.Background(), "reboot", nil)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrToolNotFound))
}
