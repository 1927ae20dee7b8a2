/*
Package llm provides the model access layer: a uniform Provider
abstraction over chat-completion APIs, plus retry and registry
plumbing shared by the concrete adapters in providers/.

# Provider abstraction

The core interface is [Provider]: Completion, Stream, HealthCheck,
Name and SupportsNativeFunctionCalling. Adapters translate between the
wire format of one vendor and the neutral request and response model
defined here, so the agent loop never sees vendor payloads.

# Core types

  - [ChatRequest] / [ChatResponse]: neutral chat request and response
  - [ChatChoice]: one completion candidate with its stop reason
  - [StreamChunk]: incremental streaming delta
  - [HealthStatus]: probe result used for liveness checks

Stop reasons are normalized to [StopReasonEndTurn],
[StopReasonToolUse] and [StopReasonMaxTokens]; adapters map vendor
specific finish reasons onto these before returning.

# Resilience

[ResilientProvider] decorates any Provider with exponential-backoff
retry for errors marked retryable (see the types package error model).
Only connection establishment is retried for streams; mid-stream
failures surface on the chunk channel.

# Registry

[ProviderRegistry] holds named providers and a default, letting the
agent resolve a provider per session without hard wiring.

# Subpackages

  - llm/providers: vendor adapters (Anthropic, OpenAI compatible).
  - llm/retry: backoff policy and retryer.
  - llm/tokenizer: model-aware token counting with estimation fallback.
*/
package llm
