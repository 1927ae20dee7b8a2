package llm

import (
	"context"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/llm/retry"
	"github.com/gander-ai/gander/types"
)

// ResilientProvider decorates a Provider with exponential-backoff retry
// for errors the types package marks retryable. Non-retryable errors
// pass through on the first attempt.
type ResilientProvider struct {
	inner   Provider
	retryer retry.Retryer
	logger  *zap.Logger
}

// NewResilientProvider wraps inner with the given retry policy. A nil
// policy gets retry.DefaultPolicy; the classifier is always pinned to
// types.IsRetryable regardless of what the policy carries.
func NewResilientProvider(inner Provider, policy *retry.Policy, logger *zap.Logger) *ResilientProvider {
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	policy.Classifier = types.IsRetryable
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("component", "resilient_provider"),
		zap.String("provider", inner.Name()),
	)
	return &ResilientProvider{
		inner:   inner,
		retryer: retry.NewBackoffRetryer(policy, logger),
		logger:  logger,
	}
}

var _ Provider = (*ResilientProvider)(nil)

func (p *ResilientProvider) Name() string { return p.inner.Name() }

func (p *ResilientProvider) SupportsNativeFunctionCalling() bool {
	return p.inner.SupportsNativeFunctionCalling()
}

func (p *ResilientProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return p.inner.HealthCheck(ctx)
}

// Completion performs a chat request with retry on transient failures.
func (p *ResilientProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return retry.DoTyped[*ChatResponse](p.retryer, ctx, func() (*ChatResponse, error) {
		return p.inner.Completion(ctx, req)
	})
}

// Stream performs a streaming chat request. Only connection
// establishment is retried; once a channel is handed out, mid-stream
// failures are delivered on it and never replayed.
func (p *ResilientProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	return retry.DoTyped[<-chan StreamChunk](p.retryer, ctx, func() (<-chan StreamChunk, error) {
		return p.inner.Stream(ctx, req)
	})
}
