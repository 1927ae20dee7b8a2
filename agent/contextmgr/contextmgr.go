// Package contextmgr keeps conversation history inside the model's
// context window. The manager watches the token count after every
// provider exchange and, past a warning threshold, rewrites history
// with a configured strategy: model-generated summarization, oldest
// first truncation, clearing, or deferring the choice to the caller.
package contextmgr

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/llm"
	"github.com/gander-ai/gander/types"
)

// Strategy selects how history is rewritten when the window fills up.
type Strategy string

const (
	// StrategySummarize replaces the oldest span with a model-generated
	// condensation, falling back to truncation when the nested call fails.
	StrategySummarize Strategy = "summarize"
	// StrategyTruncate drops oldest messages, preserving system messages
	// and the most recent KeepLastN.
	StrategyTruncate Strategy = "truncate"
	// StrategyClear drops everything except system messages.
	StrategyClear Strategy = "clear"
	// StrategyPrompt defers the choice to the caller through a Prompter.
	StrategyPrompt Strategy = "prompt"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySummarize, StrategyTruncate, StrategyClear, StrategyPrompt:
		return true
	}
	return false
}

// Level grades how full the window is.
type Level int

const (
	// LevelNormal is below the warning threshold.
	LevelNormal Level = iota
	// LevelWarning is at or above the warning threshold but under the limit.
	LevelWarning
	// LevelExceeded is at or above the limit itself.
	LevelExceeded
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// State is a point-in-time reading of the window.
type State struct {
	TokenCount int      `json:"token_count"`
	Limit      int      `json:"limit"`
	Strategy   Strategy `json:"strategy"`
	Level      Level    `json:"level"`
}

// AppliedAction records one history rewrite. Strategy is the strategy
// that actually ran, after prompt resolution and summarize fallback.
type AppliedAction struct {
	Strategy       Strategy `json:"strategy"`
	Level          Level    `json:"level"`
	TokensBefore   int      `json:"tokens_before"`
	TokensAfter    int      `json:"tokens_after"`
	MessagesBefore int      `json:"messages_before"`
	MessagesAfter  int      `json:"messages_after"`
}

// Prompter surfaces an overflow decision to the caller. The agent loop
// implements it by emitting a context event carrying a reply channel.
// Implementations must honor ctx; the manager applies DecisionTimeout.
type Prompter interface {
	PromptStrategy(ctx context.Context, state State) (Strategy, error)
}

// Config tunes the manager. Zero values pick the defaults below.
type Config struct {
	// Limit is the window budget in tokens.
	Limit int `yaml:"limit" json:"limit"`
	// WarningThreshold is the fraction of Limit that triggers a rewrite.
	WarningThreshold float64 `yaml:"warning_threshold" json:"warning_threshold"`
	// Strategy applied on trigger. Empty selects by Interactive:
	// prompt for interactive callers, summarize for headless ones.
	Strategy Strategy `yaml:"strategy" json:"strategy"`
	// KeepLastN recent messages survive truncation and summarization.
	KeepLastN int `yaml:"keep_last_n" json:"keep_last_n"`
	// Interactive marks a caller with a human attached. Set explicitly
	// by the embedder; the manager never sniffs terminals.
	Interactive bool `yaml:"interactive" json:"interactive"`
	// DecisionTimeout bounds how long a Prompter may deliberate.
	DecisionTimeout time.Duration `yaml:"decision_timeout" json:"decision_timeout"`
	// SummarizeModel is the model for nested summarization calls.
	SummarizeModel string `yaml:"summarize_model" json:"summarize_model"`
}

const (
	defaultLimit            = 128000
	defaultWarningThreshold = 0.8
	defaultKeepLastN        = 5
	defaultDecisionTimeout  = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = defaultLimit
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > 1 {
		c.WarningThreshold = defaultWarningThreshold
	}
	if c.Strategy == "" {
		if c.Interactive {
			c.Strategy = StrategyPrompt
		} else {
			c.Strategy = StrategySummarize
		}
	}
	if c.KeepLastN <= 0 {
		c.KeepLastN = defaultKeepLastN
	}
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = defaultDecisionTimeout
	}
	return c
}

// Manager applies the window policy. Construct with New; one manager
// serves one session at a time.
type Manager struct {
	cfg       Config
	tokenizer types.Tokenizer
	// summarizer runs nested condensation calls. Nil degrades the
	// summarize strategy to truncation.
	summarizer llm.Provider
	prompter   Prompter
	logger     *zap.Logger
}

// New creates a Manager. The tokenizer must not be nil; summarizer may
// be nil when the summarize strategy is not in play.
func New(cfg Config, tokenizer types.Tokenizer, summarizer llm.Provider, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg.withDefaults(),
		tokenizer:  tokenizer,
		summarizer: summarizer,
		logger:     logger.With(zap.String("component", "contextmgr")),
	}
}

// SetPrompter installs the decision callback for the prompt strategy.
func (m *Manager) SetPrompter(p Prompter) { m.prompter = p }

// Limit returns the configured window budget in tokens.
func (m *Manager) Limit() int { return m.cfg.Limit }

// StateFor reads the current window state for a history.
func (m *Manager) StateFor(history []types.Message) State {
	count := m.tokenizer.CountMessagesTokens(history)
	return State{
		TokenCount: count,
		Limit:      m.cfg.Limit,
		Strategy:   m.cfg.Strategy,
		Level:      m.levelFor(count),
	}
}

func (m *Manager) levelFor(count int) Level {
	if count >= m.cfg.Limit {
		return LevelExceeded
	}
	if count >= m.warnAt() {
		return LevelWarning
	}
	return LevelNormal
}

// warnAt is the token count where rewriting starts. Strategies also
// target it, so one application lands the history back at Normal.
func (m *Manager) warnAt() int {
	return int(float64(m.cfg.Limit) * m.cfg.WarningThreshold)
}

// CheckAndApply rewrites history when the window is at Warning or
// beyond. A history already under the threshold comes back unchanged
// with a nil action. The returned error is CONTEXT_EXCEEDED only when
// the best effort still cannot fit under the limit.
func (m *Manager) CheckAndApply(ctx context.Context, history []types.Message) ([]types.Message, *AppliedAction, error) {
	state := m.StateFor(history)
	if state.Level == LevelNormal {
		return history, nil, nil
	}

	strategy := m.resolveStrategy(ctx, state)
	m.logger.Info("context window rewrite",
		zap.String("level", state.Level.String()),
		zap.String("strategy", string(strategy)),
		zap.Int("tokens", state.TokenCount),
		zap.Int("limit", state.Limit))

	rewritten, applied := m.apply(ctx, history, strategy)

	after := m.tokenizer.CountMessagesTokens(rewritten)
	if after >= m.cfg.Limit {
		return history, nil, types.NewError(types.ErrContextExceeded,
			fmt.Sprintf("history still holds %d tokens after %s with a limit of %d", after, applied, m.cfg.Limit))
	}
	if len(rewritten) == len(history) && after == state.TokenCount {
		// Nothing to drop or rewrite; under the limit, so carry on.
		return history, nil, nil
	}

	action := &AppliedAction{
		Strategy:       applied,
		Level:          state.Level,
		TokensBefore:   state.TokenCount,
		TokensAfter:    after,
		MessagesBefore: len(history),
		MessagesAfter:  len(rewritten),
	}
	m.logger.Info("context window rewritten",
		zap.String("strategy", string(applied)),
		zap.Int("tokens_before", action.TokensBefore),
		zap.Int("tokens_after", action.TokensAfter),
		zap.Int("messages_before", action.MessagesBefore),
		zap.Int("messages_after", action.MessagesAfter))
	return rewritten, action, nil
}

// apply runs the chosen strategy and reports which one actually ran.
func (m *Manager) apply(ctx context.Context, history []types.Message, strategy Strategy) ([]types.Message, Strategy) {
	switch strategy {
	case StrategySummarize:
		rewritten, err := m.summarize(ctx, history)
		if err != nil {
			m.logger.Warn("summarization failed, truncating instead", zap.Error(err))
			return m.truncate(history), StrategyTruncate
		}
		return rewritten, StrategySummarize
	case StrategyClear:
		return m.clear(history), StrategyClear
	default:
		return m.truncate(history), StrategyTruncate
	}
}

// resolveStrategy turns the prompt strategy into a concrete one by
// asking the Prompter; everything else passes through. An absent
// prompter, a timeout, or an unusable answer falls back to summarize,
// matching the headless default.
func (m *Manager) resolveStrategy(ctx context.Context, state State) Strategy {
	if m.cfg.Strategy != StrategyPrompt {
		return m.cfg.Strategy
	}
	if m.prompter == nil {
		return StrategySummarize
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.DecisionTimeout)
	defer cancel()

	choice, err := m.prompter.PromptStrategy(ctx, state)
	if err != nil {
		m.logger.Warn("context decision not answered, summarizing", zap.Error(err))
		return StrategySummarize
	}
	if !choice.Valid() || choice == StrategyPrompt {
		m.logger.Warn("unusable context decision, summarizing", zap.String("choice", string(choice)))
		return StrategySummarize
	}
	return choice
}
