// Package openai adapts the OpenAI chat-completion API, and by
// extension any endpoint speaking the same format: point BaseURL at a
// compatible server and set ProviderName accordingly.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/internal/tlsutil"
	"github.com/gander-ai/gander/llm"
	"github.com/gander-ai/gander/llm/providers"
	"github.com/gander-ai/gander/types"
)

// Config holds the adapter configuration.
type Config struct {
	// ProviderName identifies this provider, "openai" by default.
	ProviderName string

	// APIKey authenticates against the API.
	APIKey string

	// BaseURL is the API root, "https://api.openai.com" by default.
	BaseURL string

	// DefaultModel is used when the request names none.
	DefaultModel string

	// FallbackModel is used when both request and DefaultModel are empty.
	FallbackModel string

	// Timeout is the HTTP client timeout, 30s by default.
	Timeout time.Duration

	// EndpointPath is the completions path, "/v1/chat/completions" by default.
	EndpointPath string

	// ModelsEndpoint is the probe path, "/v1/models" by default.
	ModelsEndpoint string

	// BuildHeaders overrides header construction. The default sets
	// "Authorization: Bearer <key>".
	BuildHeaders func(req *http.Request, apiKey string)

	// RequestHook mutates the wire body before sending, for
	// vendor-specific fields on compatible endpoints.
	RequestHook func(req *llm.ChatRequest, body *providers.OpenAICompatRequest)

	// SupportsTools declares native function-calling support.
	// Unset means true.
	SupportsTools *bool
}

// Provider implements llm.Provider over the OpenAI chat format.
type Provider struct {
	Cfg    Config
	Client *http.Client
	Logger *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// New creates an adapter with config defaults applied.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:    cfg,
		Client: tlsutil.SecureHTTPClient(timeout),
		Logger: logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.Cfg.ProviderName }

// SupportsNativeFunctionCalling reports tool-calling support.
func (p *Provider) SupportsNativeFunctionCalling() bool {
	if p.Cfg.SupportsTools != nil {
		return *p.Cfg.SupportsTools
	}
	return true
}

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	if p.Cfg.BuildHeaders != nil {
		p.Cfg.BuildHeaders(req, apiKey)
		return
	}
	providers.BearerTokenHeaders(req, apiKey)
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.Cfg.BaseURL, "/") + path
}

// HealthCheck probes the models endpoint.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.Cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.buildHeaders(httpReq, p.Cfg.APIKey)

	resp, err := p.Client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, providers.MapTransportError(err, p.Name())
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *Provider) buildBody(req *llm.ChatRequest, stream bool) providers.OpenAICompatRequest {
	body := providers.OpenAICompatRequest{
		Model:       providers.ChooseModel(req, p.Cfg.DefaultModel, p.Cfg.FallbackModel),
		Messages:    providers.ConvertMessagesToOpenAI(req.Messages),
		Tools:       providers.ConvertToolsToOpenAI(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if req.ToolChoice != "" {
		body.ToolChoice = req.ToolChoice
	}
	if stream {
		body.StreamOptions = &providers.OpenAICompatStreamOptions{IncludeUsage: true}
	}
	if p.Cfg.RequestHook != nil {
		p.Cfg.RequestHook(req, &body)
	}
	return body
}

func (p *Provider) post(ctx context.Context, body providers.OpenAICompatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.buildHeaders(httpReq, p.Cfg.APIKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, providers.MapTransportError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer providers.SafeCloseBody(resp.Body)
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}
	return resp, nil
}

// Completion performs a non-streaming chat completion.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.post(ctx, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer providers.SafeCloseBody(resp.Body)

	var oaResp providers.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, providers.MapDecodeError(err, p.Name())
	}

	result := providers.ToChatResponse(oaResp, p.Name())
	if oaResp.Created != 0 {
		result.CreatedAt = time.Unix(oaResp.Created, 0)
	}
	return result, nil
}

// Stream performs a streaming chat completion via SSE.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.post(ctx, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}
	return StreamSSE(ctx, resp.Body, p.Name()), nil
}

// pendingToolCall accumulates streamed fragments of one tool call.
// Fragments share an index; the call is complete only when the finish
// reason arrives.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

// StreamSSE parses an OpenAI-format SSE body into stream chunks. Text
// deltas pass through as they arrive; tool calls are assembled from
// their fragments and delivered complete on the finishing chunk. The
// caller must have verified the response status already.
func StreamSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer providers.SafeCloseBody(body)
		defer close(ch)

		emit := func(chunk llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
		}

		pending := make(map[int]*pendingToolCall)
		var order []int
		var usage *types.TokenUsage

		flush := func() []types.ToolCall {
			if len(order) == 0 {
				return nil
			}
			calls := make([]types.ToolCall, 0, len(order))
			for _, idx := range order {
				pc := pending[idx]
				args := strings.TrimSpace(pc.args.String())
				if args == "" {
					args = "{}"
				}
				calls = append(calls, types.ToolCall{
					ID:        pc.id,
					Name:      pc.name,
					Arguments: json.RawMessage(args),
				})
			}
			pending = make(map[int]*pendingToolCall)
			order = nil
			return calls
		}

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					emit(llm.StreamChunk{Err: providers.MapTransportError(err, providerName)})
				}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var oaResp providers.OpenAICompatResponse
			if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
				emit(llm.StreamChunk{Err: providers.MapDecodeError(err, providerName)})
				return
			}
			if oaResp.Usage != nil {
				usage = &types.TokenUsage{
					PromptTokens:     oaResp.Usage.PromptTokens,
					CompletionTokens: oaResp.Usage.CompletionTokens,
					TotalTokens:      oaResp.Usage.TotalTokens,
				}
			}

			// The usage-only chunk trails the last choice-bearing one.
			if len(oaResp.Choices) == 0 && usage != nil {
				if !emit(llm.StreamChunk{ID: oaResp.ID, Provider: providerName, Model: oaResp.Model, Usage: usage}) {
					return
				}
				continue
			}

			for _, choice := range oaResp.Choices {
				if choice.Delta != nil {
					if choice.Delta.Content != "" {
						chunk := llm.StreamChunk{
							ID:       oaResp.ID,
							Provider: providerName,
							Model:    oaResp.Model,
							Index:    choice.Index,
							Delta: types.Message{
								Role:    types.RoleAssistant,
								Content: choice.Delta.Content,
							},
						}
						if !emit(chunk) {
							return
						}
					}
					for _, tc := range choice.Delta.ToolCalls {
						idx := 0
						if tc.Index != nil {
							idx = *tc.Index
						}
						pc, ok := pending[idx]
						if !ok {
							pc = &pendingToolCall{}
							pending[idx] = pc
							order = append(order, idx)
						}
						if tc.ID != "" {
							pc.id = tc.ID
						}
						if tc.Function.Name != "" {
							pc.name = tc.Function.Name
						}
						pc.args.WriteString(tc.Function.Arguments)
					}
				}
				if choice.FinishReason != "" {
					final := llm.StreamChunk{
						ID:         oaResp.ID,
						Provider:   providerName,
						Model:      oaResp.Model,
						Index:      choice.Index,
						StopReason: providers.NormalizeFinishReason(choice.FinishReason),
						Usage:      usage,
						Delta: types.Message{
							Role:      types.RoleAssistant,
							ToolCalls: flush(),
						},
					}
					if !emit(final) {
						return
					}
				}
			}
		}
	}()
	return ch
}
