package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gander-ai/gander/llm"
	"github.com/gander-ai/gander/types"
)

// ============================================================
// Error mapping
// ============================================================

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		msg       string
		wantCode  types.ErrorCode
		retryable bool
	}{
		{"unauthorized", 401, "bad key", types.ErrAuthentication, false},
		{"forbidden", 403, "no access", types.ErrAuthentication, false},
		{"rate_limited", 429, "slow down", types.ErrRateLimited, true},
		{"bad_request", 400, "missing field", types.ErrInvalidRequest, false},
		{"quota_400", 400, "You exceeded your current Quota", types.ErrRateLimited, false},
		{"credit_400", 400, "Insufficient CREDIT balance", types.ErrRateLimited, false},
		{"billing_400", 400, "billing hard limit reached", types.ErrRateLimited, false},
		{"not_found", 404, "no such model", types.ErrInvalidRequest, false},
		{"request_timeout", 408, "timed out", types.ErrTimeout, true},
		{"server_error", 500, "boom", types.ErrProviderUnavailable, true},
		{"bad_gateway", 502, "upstream", types.ErrProviderUnavailable, true},
		{"unavailable", 503, "maintenance", types.ErrProviderUnavailable, true},
		{"gateway_timeout", 504, "slow upstream", types.ErrProviderUnavailable, true},
		{"overloaded", 529, "overloaded", types.ErrModelOverloaded, true},
		{"unknown_4xx", 418, "teapot", types.ErrProviderUnavailable, false},
		{"unknown_5xx", 599, "strange", types.ErrProviderUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapHTTPError(tt.status, tt.msg, "test")

			assert.Equal(t, tt.wantCode, err.Code)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, tt.status, err.HTTPStatus)
			assert.Equal(t, "test", err.Provider)
		})
	}
}

func TestMapTransportError(t *testing.T) {
	t.Run("deadline exceeded becomes timeout", func(t *testing.T) {
		err := MapTransportError(context.DeadlineExceeded, "test")

		assert.True(t, types.IsErrorCode(err, types.ErrTimeout))
		assert.True(t, err.Retryable)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("net timeout becomes timeout", func(t *testing.T) {
		err := MapTransportError(&timeoutErr{}, "test")

		assert.True(t, types.IsErrorCode(err, types.ErrTimeout))
		assert.True(t, err.Retryable)
	})

	t.Run("connection refusal stays retryable", func(t *testing.T) {
		err := MapTransportError(errors.New("connection refused"), "test")

		assert.True(t, types.IsErrorCode(err, types.ErrProviderUnavailable))
		assert.True(t, err.Retryable)
		assert.Equal(t, http.StatusBadGateway, err.HTTPStatus)
	})
}

// timeoutErr satisfies net.Error with Timeout() == true.
type timeoutErr struct{}

func (*timeoutErr) Error() string   { return "i/o timeout" }
func (*timeoutErr) Timeout() bool   { return true }
func (*timeoutErr) Temporary() bool { return true }

func TestMapDecodeError_NotRetryable(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := MapDecodeError(cause, "test")

	assert.True(t, types.IsErrorCode(err, types.ErrInvalidResponse))
	assert.False(t, err.Retryable)
	assert.ErrorIs(t, err, cause)
}

func TestReadErrorMessage(t *testing.T) {
	t.Run("json with type", func(t *testing.T) {
		body := strings.NewReader(`{"error":{"message":"bad key","type":"invalid_request_error"}}`)
		assert.Equal(t, "bad key (type: invalid_request_error)", ReadErrorMessage(body))
	})

	t.Run("json without type", func(t *testing.T) {
		body := strings.NewReader(`{"error":{"message":"bad key"}}`)
		assert.Equal(t, "bad key", ReadErrorMessage(body))
	})

	t.Run("raw text fallback", func(t *testing.T) {
		body := strings.NewReader("  502 Bad Gateway\n")
		assert.Equal(t, "502 Bad Gateway", ReadErrorMessage(body))
	})
}

// ============================================================
// Wire conversion
// ============================================================

func TestConvertMessagesToOpenAI(t *testing.T) {
	msgs := []types.Message{
		types.NewSystemMessage("Be brief."),
		types.NewUserMessage("List files"),
		types.NewAssistantMessage("").WithToolCalls([]types.ToolCall{
			{ID: "call_1", Name: "developer__shell", Arguments: json.RawMessage(`{"command":"ls"}`)},
		}),
		types.NewToolMessage("call_1", "developer__shell", "file.txt"),
	}

	out := ConvertMessagesToOpenAI(msgs)
	require.Len(t, out, 4)

	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "user", out[1].Role)

	require.Len(t, out[2].ToolCalls, 1)
	tc := out[2].ToolCalls[0]
	assert.Equal(t, "call_1", tc.ID)
	assert.Equal(t, "function", tc.Type)
	assert.Equal(t, "developer__shell", tc.Function.Name)
	// Arguments stay a JSON-encoded string on the wire.
	assert.JSONEq(t, `{"command":"ls"}`, tc.Function.Arguments)

	assert.Equal(t, "tool", out[3].Role)
	assert.Equal(t, "call_1", out[3].ToolCallID)
	assert.Equal(t, "file.txt", out[3].Content)
}

func TestConvertToolsToOpenAI(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)
	out := ConvertToolsToOpenAI([]types.ToolSchema{
		{Name: "developer__read_file", Description: "Read a file", Parameters: schema},
	})

	require.Len(t, out, 1)
	assert.Equal(t, "function", out[0].Type)
	assert.Equal(t, "developer__read_file", out[0].Function.Name)
	assert.JSONEq(t, string(schema), string(out[0].Function.Parameters))

	assert.Nil(t, ConvertToolsToOpenAI(nil))
}

func TestConvertToolCallFromOpenAI_EmptyArguments(t *testing.T) {
	tc := ConvertToolCallFromOpenAI(OpenAICompatToolCall{
		ID:       "call_2",
		Function: OpenAICompatFunctionCall{Name: "platform__list_extensions", Arguments: "  "},
	})

	assert.Equal(t, "call_2", tc.ID)
	assert.JSONEq(t, `{}`, string(tc.Arguments))
}

func TestToChatResponse(t *testing.T) {
	oa := OpenAICompatResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []OpenAICompatChoice{
			{Index: 0, FinishReason: "stop", Message: OpenAICompatMessage{Role: "assistant", Content: "done"}},
			{Index: 1, FinishReason: "tool_calls", Message: OpenAICompatMessage{
				Role: "assistant",
				ToolCalls: []OpenAICompatToolCall{
					{ID: "call_3", Function: OpenAICompatFunctionCall{Name: "notes__search", Arguments: `{"q":"x"}`}},
				},
			}},
		},
		Usage: &OpenAICompatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	resp := ToChatResponse(oa, "openai")

	require.Len(t, resp.Choices, 2)
	assert.Equal(t, llm.StopReasonEndTurn, resp.Choices[0].StopReason)
	assert.Equal(t, llm.StopReasonToolUse, resp.Choices[1].StopReason)
	require.Len(t, resp.Choices[1].Message.ToolCalls, 1)
	assert.Equal(t, "notes__search", resp.Choices[1].Message.ToolCalls[0].Name)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "openai", resp.Provider)
}

func TestNormalizeFinishReason(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"stop", llm.StopReasonEndTurn},
		{"content_filter", llm.StopReasonEndTurn},
		{"tool_calls", llm.StopReasonToolUse},
		{"function_call", llm.StopReasonToolUse},
		{"length", llm.StopReasonMaxTokens},
		{"", ""},
		{"weird_vendor_reason", "weird_vendor_reason"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeFinishReason(tt.in), "input %q", tt.in)
	}
}

func TestChooseModel(t *testing.T) {
	assert.Equal(t, "gpt-4o", ChooseModel(&llm.ChatRequest{Model: "gpt-4o"}, "default", "fallback"))
	assert.Equal(t, "default", ChooseModel(&llm.ChatRequest{}, "default", "fallback"))
	assert.Equal(t, "fallback", ChooseModel(nil, "", "fallback"))
}
