package llm

import (
	"context"
	"time"

	"github.com/gander-ai/gander/types"
)

// Canonical stop reasons. Adapters normalize vendor finish reasons
// onto these values before a response leaves the provider layer.
const (
	// StopReasonEndTurn means the model finished a normal turn.
	StopReasonEndTurn = "end_turn"
	// StopReasonToolUse means the model requested one or more tool calls.
	StopReasonToolUse = "tool_use"
	// StopReasonMaxTokens means generation hit the output token limit.
	StopReasonMaxTokens = "max_tokens"
)

// ChatRequest is the neutral chat-completion request passed to a Provider.
type ChatRequest struct {
	TraceID     string             `json:"trace_id,omitempty"`
	Model       string             `json:"model"`
	Messages    []types.Message    `json:"messages"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float32            `json:"temperature,omitempty"`
	TopP        float32            `json:"top_p,omitempty"`
	Stop        []string           `json:"stop,omitempty"`
	Tools       []types.ToolSchema `json:"tools,omitempty"`
	ToolChoice  string             `json:"tool_choice,omitempty"` // auto/none/<tool name>
	Timeout     time.Duration      `json:"timeout,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// ChatChoice is one completion candidate.
type ChatChoice struct {
	Index      int           `json:"index"`
	StopReason string        `json:"stop_reason,omitempty"`
	Message    types.Message `json:"message"`
}

// ChatResponse is the neutral chat-completion response.
type ChatResponse struct {
	ID        string           `json:"id,omitempty"`
	Provider  string           `json:"provider,omitempty"`
	Model     string           `json:"model"`
	Choices   []ChatChoice     `json:"choices"`
	Usage     types.TokenUsage `json:"usage,omitempty"`
	CreatedAt time.Time        `json:"created_at,omitempty"`
}

// First returns the first choice's message, or nil when there are no choices.
func (r *ChatResponse) First() *types.Message {
	if r == nil || len(r.Choices) == 0 {
		return nil
	}
	return &r.Choices[0].Message
}

// StopReason returns the first choice's stop reason, or "" when empty.
func (r *ChatResponse) StopReason() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].StopReason
}

// ToolCalls returns the tool calls requested by the first choice.
func (r *ChatResponse) ToolCalls() []types.ToolCall {
	if m := r.First(); m != nil {
		return m.ToolCalls
	}
	return nil
}

// StreamChunk is one incremental update on a streaming response.
// The Delta carries partial content or tool-call fragments; the final
// chunk carries the stop reason and, when the vendor reports it, usage.
type StreamChunk struct {
	ID         string            `json:"id,omitempty"`
	Provider   string            `json:"provider,omitempty"`
	Model      string            `json:"model,omitempty"`
	Index      int               `json:"index,omitempty"`
	Delta      types.Message     `json:"delta"`
	StopReason string            `json:"stop_reason,omitempty"`
	Usage      *types.TokenUsage `json:"usage,omitempty"`
	Err        error             `json:"-"`
}

// HealthStatus is the result of a provider liveness probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider is the uniform adapter interface over chat-completion APIs.
// Tool schemas travel in ChatRequest.Tools and requested calls come back
// in the assistant message's ToolCalls; execution belongs to the agent's
// dispatcher, never to the provider.
type Provider interface {
	// Completion performs a synchronous chat request.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream performs a streaming chat request. The returned channel is
	// closed after the final chunk; a terminal failure is delivered as a
	// chunk with Err set.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck performs a lightweight liveness probe.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name returns the provider's unique identifier.
	Name() string

	// SupportsNativeFunctionCalling reports whether the provider accepts
	// tool schemas natively. When false and a request carries tools, the
	// caller must reject or strip them; there is no prompt-side fallback.
	SupportsNativeFunctionCalling() bool
}
