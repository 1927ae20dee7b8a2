// Package gander provides a convenience entry point for running an
// agent in-process with minimal boilerplate.
//
// Usage:
//
//	import "github.com/gander-ai/gander"
//
//	a, err := gander.New(gander.WithAnthropic("claude-sonnet-4-20250514"))
//	a, err := gander.New(gander.WithOpenAI("gpt-4o-mini"))
//	a, err := gander.New(gander.WithProvider(myProvider), gander.WithModel("custom"))
//
//	conv := agent.NewConversation("")
//	conv.AddUserMessage("hello")
//	events, err := a.Respond(ctx, conv, "")
//
// The full construction surface lives in the agent package; New wraps
// it for callers that want one import and a few options. The server
// in cmd/gander does its own wiring from configuration instead.
package gander

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/agent"
	"github.com/gander-ai/gander/agent/feedback"
	"github.com/gander-ai/gander/agent/session"
	"github.com/gander-ai/gander/extension"
	"github.com/gander-ai/gander/llm"
	"github.com/gander-ai/gander/llm/providers/anthropic"
	"github.com/gander-ai/gander/llm/providers/openai"
)

// Option configures the agent created by [New].
type Option func(*options)

type options struct {
	cfg      agent.Config
	provider llm.Provider
	logger   *zap.Logger
	store    session.Store
	feedback feedback.Store
	conns    []extension.Connection

	// Provider shortcut fields, used when provider is nil.
	providerName string
	apiKey       string
}

// WithProvider sets a pre-built LLM provider.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithAnthropic selects the Anthropic provider with the given model.
// The API key is read from ANTHROPIC_API_KEY unless [WithAPIKey] set
// one.
func WithAnthropic(model string) Option {
	return func(o *options) {
		o.providerName = "anthropic"
		o.cfg.Model = model
		if o.apiKey == "" {
			o.apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
}

// WithOpenAI selects the OpenAI provider with the given model. The
// API key is read from OPENAI_API_KEY unless [WithAPIKey] set one.
func WithOpenAI(model string) Option {
	return func(o *options) {
		o.providerName = "openai"
		o.cfg.Model = model
		if o.apiKey == "" {
			o.apiKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

// WithAPIKey overrides the API key for the provider shortcuts.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithModel overrides the model name.
func WithModel(model string) Option {
	return func(o *options) { o.cfg.Model = model }
}

// WithInstructions sets the system instructions.
func WithInstructions(instructions string) Option {
	return func(o *options) { o.cfg.Instructions = instructions }
}

// WithMode sets the tool-approval mode. Defaults follow
// [agent.Config].
func WithMode(mode agent.Mode) Option {
	return func(o *options) { o.cfg.Mode = mode }
}

// WithConfig replaces the whole agent configuration. Apply it before
// field options like [WithModel] so they can still override.
func WithConfig(cfg agent.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithExtensions registers already-connected extensions so their
// tools are available to the agent.
func WithExtensions(conns ...extension.Connection) Option {
	return func(o *options) { o.conns = append(o.conns, conns...) }
}

// WithSessionStore persists conversations to the given store.
func WithSessionStore(store session.Store) Option {
	return func(o *options) { o.store = store }
}

// WithFeedbackStore collects the agent's observations, guard trips and
// repeated tool failures, into the given store.
func WithFeedbackStore(store feedback.Store) Option {
	return func(o *options) { o.feedback = store }
}

// New creates an [agent.Agent] with minimal configuration. A provider
// must come from [WithProvider], [WithAnthropic] or [WithOpenAI].
func New(opts ...Option) (*agent.Agent, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	p := o.provider
	if p == nil {
		if o.providerName == "" {
			return nil, fmt.Errorf("provider is required: use WithProvider, WithAnthropic, or WithOpenAI")
		}
		if o.apiKey == "" {
			return nil, fmt.Errorf("API key is required for %s: set the environment variable or use WithAPIKey", o.providerName)
		}
		switch o.providerName {
		case "anthropic":
			p = anthropic.New(anthropic.Config{
				APIKey:       o.apiKey,
				DefaultModel: o.cfg.Model,
			}, o.logger)
		case "openai":
			p = openai.New(openai.Config{
				APIKey:       o.apiKey,
				DefaultModel: o.cfg.Model,
			}, o.logger)
		default:
			return nil, fmt.Errorf("unknown provider %q", o.providerName)
		}
	}

	registry := extension.NewRegistry(o.logger)
	if err := registry.RegisterConnection(context.Background(), extension.NewPlatform(registry, o.logger)); err != nil {
		registry.Close()
		return nil, fmt.Errorf("register platform extension: %w", err)
	}
	for _, conn := range o.conns {
		if err := registry.RegisterConnection(context.Background(), conn); err != nil {
			registry.Close()
			return nil, fmt.Errorf("register extension %s: %w", conn.ID(), err)
		}
	}

	a, err := agent.New(o.cfg, p, registry, o.logger)
	if err != nil {
		registry.Close()
		return nil, err
	}
	if o.store != nil {
		a.WithSessionStore(o.store)
	}
	if o.feedback != nil {
		a.WithFeedback(o.feedback)
	}
	return a, nil
}
