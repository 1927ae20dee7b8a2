// Package anthropic adapts the Anthropic Messages API. The protocol
// differs from the OpenAI format in every part that matters here:
// authentication uses an x-api-key header, system text is a top-level
// field instead of a message, content is an array of typed blocks,
// tool results travel as user-role tool_result blocks, and streaming
// uses its own event grammar.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/internal/tlsutil"
	"github.com/gander-ai/gander/llm"
	"github.com/gander-ai/gander/llm/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultVersion   = "2023-06-01"
	defaultMaxTokens = 4096

	messagesPath = "/v1/messages"
	modelsPath   = "/v1/models"
)

// Config holds the adapter configuration.
type Config struct {
	// APIKey authenticates via the x-api-key header.
	APIKey string

	// BaseURL is the API root, "https://api.anthropic.com" by default.
	BaseURL string

	// DefaultModel is used when the request names none.
	DefaultModel string

	// Version is the anthropic-version header, "2023-06-01" by default.
	Version string

	// Timeout is the HTTP client timeout, 60s by default. Long
	// generations routinely exceed the 30s that suffices elsewhere.
	Timeout time.Duration

	// MaxTokens caps generation when the request does not;
	// the Messages API rejects requests without a cap. Default 4096.
	MaxTokens int
}

// Provider implements llm.Provider over the Messages API.
type Provider struct {
	Cfg    Config
	Client *http.Client
	Logger *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// New creates an adapter with config defaults applied.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:    cfg,
		Client: tlsutil.SecureHTTPClient(timeout),
		Logger: logger.With(zap.String("provider", "anthropic")),
	}
}

// Name returns "anthropic".
func (p *Provider) Name() string { return "anthropic" }

// SupportsNativeFunctionCalling is always true for the Messages API.
func (p *Provider) SupportsNativeFunctionCalling() bool { return true }

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.Cfg.APIKey)
	req.Header.Set("anthropic-version", p.Cfg.Version)
	req.Header.Set("Content-Type", "application/json")
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.Cfg.BaseURL, "/") + path
}

// HealthCheck probes the models endpoint.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(modelsPath), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.buildHeaders(httpReq)

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

func (p *Provider) post(ctx context.Context, body messagesRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(messagesPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.buildHeaders(httpReq)

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

// Completion performs a non-streaming request.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.post(ctx, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer providers.SafeCloseBody(resp.Body)

	var msgResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return nil, providers.MapDecodeError(err, p.Name())
	}
	return toChatResponse(msgResp, p.Name()), nil
}

// Stream performs a streaming request.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.post(ctx, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}
	return streamEvents(ctx, resp.Body, p.Name()), nil
}

func (p *Provider) buildBody(req *llm.ChatRequest, stream bool) messagesRequest {
	model := req.Model
	if model == "" {
		model = p.Cfg.DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.Cfg.MaxTokens
	}

	system, msgs := convertMessages(req.Messages)
	body := messagesRequest{
		Model:         model,
		MaxTokens:     maxTokens,
		System:        system,
		Messages:      msgs,
		Tools:         convertTools(req.Tools),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	if tc := convertToolChoice(req.ToolChoice); tc != nil && len(body.Tools) > 0 {
		body.ToolChoice = tc
	}
	return body
}
