// Package mocks provides test doubles for the provider and extension
// boundaries: fixed responses, scripted multi-turn exchanges, stream
// chunking, error injection, and call recording.
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gander-ai/gander/llm"
	"github.com/gander-ai/gander/types"
)

// MockProviderCall records a single provider invocation.
type MockProviderCall struct {
	Request  *llm.ChatRequest
	Response *llm.ChatResponse
	Error    error
}

// MockProvider implements llm.Provider with configurable behavior.
// Configure it through the With* builders before handing it to the
// code under test; configuration is not synchronized with use.
type MockProvider struct {
	mu sync.RWMutex

	response     string
	script       []*llm.ChatResponse
	streamChunks []string
	toolCalls    []types.ToolCall
	err          error
	streamErr    error

	promptTokens     int
	completionTokens int
	nativeTools      bool

	calls          []MockProviderCall
	completionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	streamFunc     func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)

	delay     time.Duration
	failAfter int
	callCount int
}

var _ llm.Provider = (*MockProvider)(nil)

// NewMockProvider creates a provider that answers "Mock response".
func NewMockProvider() *MockProvider {
	return &MockProvider{
		response:         "Mock response",
		promptTokens:     10,
		completionTokens: 20,
		nativeTools:      true,
	}
}

// WithResponse sets the fixed text reply.
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithScript queues full responses consumed one per call, in order.
// When the script runs out the provider falls back to its fixed
// response.
func (m *MockProvider) WithScript(responses ...*llm.ChatResponse) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, responses...)
	return m
}

// WithError makes every call fail with err.
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithStreamError terminates streams with a chunk carrying err after
// the configured content has been delivered.
func (m *MockProvider) WithStreamError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamErr = err
	return m
}

// WithStreamChunks overrides how streamed text is split.
func (m *MockProvider) WithStreamChunks(chunks []string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = chunks
	return m
}

// WithToolCalls makes the default response request these tool calls.
func (m *MockProvider) WithToolCalls(toolCalls []types.ToolCall) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCalls = toolCalls
	return m
}

// WithTokenUsage sets the usage reported on responses.
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithNativeFunctionCalling sets the native tool support flag.
func (m *MockProvider) WithNativeFunctionCalling(supported bool) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nativeTools = supported
	return m
}

// WithDelay makes each call sleep before answering.
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter makes calls fail once more than n have been made.
func (m *MockProvider) WithFailAfter(n int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithCompletionFunc overrides Completion entirely.
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// WithStreamFunc overrides Stream entirely.
func (m *MockProvider) WithStreamFunc(fn func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFunc = fn
	return m
}

// Name implements llm.Provider.
func (m *MockProvider) Name() string { return "mock" }

// SupportsNativeFunctionCalling implements llm.Provider.
func (m *MockProvider) SupportsNativeFunctionCalling() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nativeTools
}

// HealthCheck implements llm.Provider.
func (m *MockProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true, Latency: 10 * time.Millisecond}, nil
}

// nextResponse applies error injection and the script, falling back
// to the configured fixed response. Callers hold m.mu.
func (m *MockProvider) nextResponse(req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.callCount++

	if m.failAfter > 0 && m.callCount > m.failAfter {
		return nil, errors.New("mock provider: configured to fail after N calls")
	}
	if m.err != nil {
		return nil, m.err
	}

	if len(m.script) > 0 {
		resp := m.script[0]
		m.script = m.script[1:]
		if resp.Model == "" {
			resp.Model = req.Model
		}
		return resp, nil
	}

	msg := types.Message{
		Role:      types.RoleAssistant,
		Content:   m.response,
		ToolCalls: m.toolCalls,
	}
	stopReason := llm.StopReasonEndTurn
	if len(m.toolCalls) > 0 {
		stopReason = llm.StopReasonToolUse
	}
	return &llm.ChatResponse{
		ID:       "mock-response-id",
		Provider: "mock",
		Model:    req.Model,
		Choices: []llm.ChatChoice{
			{Index: 0, StopReason: stopReason, Message: msg},
		},
		Usage: types.TokenUsage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		},
		CreatedAt: time.Now(),
	}, nil
}

// Completion implements llm.Provider.
func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	delay := m.delay
	if m.completionFunc != nil {
		fn := m.completionFunc
		m.callCount++
		m.mu.Unlock()
		resp, err := fn(ctx, req)
		m.record(req, resp, err)
		return resp, err
	}
	resp, err := m.nextResponse(req)
	m.calls = append(m.calls, MockProviderCall{Request: req, Response: resp, Error: err})
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp, err
}

// Stream implements llm.Provider. The scripted or fixed response is
// delivered as text chunks followed by a terminal chunk carrying any
// tool calls, the stop reason, and usage.
func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	if m.streamFunc != nil {
		fn := m.streamFunc
		m.callCount++
		m.mu.Unlock()
		return fn(ctx, req)
	}
	resp, err := m.nextResponse(req)
	m.calls = append(m.calls, MockProviderCall{Request: req, Response: resp, Error: err})
	chunks := m.streamChunks
	streamErr := m.streamErr
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	msg := resp.First()
	ch := make(chan llm.StreamChunk, len(chunks)+3)
	go func() {
		defer close(ch)

		send := func(chunk llm.StreamChunk) bool {
			chunk.ID = resp.ID
			chunk.Provider = resp.Provider
			chunk.Model = resp.Model
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if len(chunks) == 0 && msg != nil && msg.Content != "" {
			chunks = []string{msg.Content}
		}
		for i, text := range chunks {
			if !send(llm.StreamChunk{
				Index: i,
				Delta: types.Message{Role: types.RoleAssistant, Content: text},
			}) {
				return
			}
		}

		if streamErr != nil {
			send(llm.StreamChunk{Err: streamErr})
			return
		}

		final := llm.StreamChunk{
			Delta:      types.Message{Role: types.RoleAssistant},
			StopReason: resp.StopReason(),
			Usage:      &resp.Usage,
		}
		if msg != nil && len(msg.ToolCalls) > 0 {
			final.Delta.ToolCalls = msg.ToolCalls
		}
		send(final)
	}()
	return ch, nil
}

func (m *MockProvider) record(req *llm.ChatRequest, resp *llm.ChatResponse, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockProviderCall{Request: req, Response: resp, Error: err})
}

// GetCalls returns a copy of all recorded calls.
func (m *MockProvider) GetCalls() []MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockProviderCall{}, m.calls...)
}

// GetCallCount returns how many calls were made.
func (m *MockProvider) GetCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// GetLastCall returns the most recent call, or nil.
func (m *MockProvider) GetLastCall() *MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset clears recorded calls and injected errors.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
	m.err = nil
	m.streamErr = nil
	m.script = nil
}

// TextResponse builds a single-choice end_turn response.
func TextResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		ID:       "mock-response-id",
		Provider: "mock",
		Choices: []llm.ChatChoice{
			{StopReason: llm.StopReasonEndTurn, Message: types.Message{Role: types.RoleAssistant, Content: text}},
		},
		Usage:     types.TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		CreatedAt: time.Now(),
	}
}

// ToolCallResponse builds a tool_use response requesting calls.
func ToolCallResponse(calls ...types.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		ID:       "mock-response-id",
		Provider: "mock",
		Choices: []llm.ChatChoice{
			{StopReason: llm.StopReasonToolUse, Message: types.Message{Role: types.RoleAssistant, ToolCalls: calls}},
		},
		Usage:     types.TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		CreatedAt: time.Now(),
	}
}

// NewSuccessProvider answers every call with response.
func NewSuccessProvider(response string) *MockProvider {
	return NewMockProvider().WithResponse(response)
}

// NewErrorProvider fails every call with err.
func NewErrorProvider(err error) *MockProvider {
	return NewMockProvider().WithError(err)
}

// NewToolCallProvider requests toolCalls on every turn.
func NewToolCallProvider(toolCalls []types.ToolCall) *MockProvider {
	return NewMockProvider().WithToolCalls(toolCalls)
}

// NewStreamProvider streams the given text chunks.
func NewStreamProvider(chunks []string) *MockProvider {
	return NewMockProvider().WithStreamChunks(chunks)
}

// NewFlakeyProvider succeeds failAfter times, then fails.
func NewFlakeyProvider(failAfter int, response string) *MockProvider {
	return NewMockProvider().
		WithResponse(response).
		WithFailAfter(failAfter)
}
