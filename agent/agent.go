package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/agent/contextmgr"
	"github.com/gander-ai/gander/agent/feedback"
	"github.com/gander-ai/gander/agent/kb"
	"github.com/gander-ai/gander/agent/promptvars"
	"github.com/gander-ai/gander/agent/session"
	"github.com/gander-ai/gander/agent/trace"
	"github.com/gander-ai/gander/extension"
	"github.com/gander-ai/gander/internal/metrics"
	"github.com/gander-ai/gander/llm"
	"github.com/gander-ai/gander/llm/tokenizer"
	"github.com/gander-ai/gander/types"
)

const (
	// DefaultMaxTurns caps provider iterations in one Respond call.
	DefaultMaxTurns = 32
	// DefaultMaxTokens caps the completion size per provider call.
	DefaultMaxTokens = 4096

	eventBufferSize          = 64
	persistTimeout           = 5 * time.Second
	repeatedFailureThreshold = 3
)

const (
	cancellationMarker = "The response was interrupted before completion."
	turnLimitMarker    = "Stopped: the provider turn limit was reached before the response completed. Send another message to continue."
	chatModeRefusal    = "tool execution is disabled in chat mode; describe the intended action in text instead"
)

// Config tunes one Agent. Zero values pick the defaults above.
type Config struct {
	// Instructions is the base system prompt. {{name}} placeholders
	// are replaced from PromptVars at assembly time.
	Instructions string `yaml:"instructions" json:"instructions"`

	// Model identifies the provider model the loop calls.
	Model string `yaml:"model" json:"model"`

	// Mode is the permission mode used when Respond is given none.
	// Empty selects by Interactive: smart_approve with a human
	// attached, auto without one.
	Mode Mode `yaml:"mode" json:"mode"`

	// MaxTurns caps provider iterations in one Respond call.
	MaxTurns int `yaml:"max_turns" json:"max_turns"`

	// MaxTokens caps the completion size per provider call.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	// Temperature passes through to the provider.
	Temperature float32 `yaml:"temperature" json:"temperature"`

	// ProviderTimeout bounds one provider call. Zero leaves the
	// adapter's own transport timeout in charge.
	ProviderTimeout time.Duration `yaml:"provider_timeout" json:"provider_timeout"`

	// ToolTimeout bounds one tool dispatch. Zero uses the dispatcher
	// default.
	ToolTimeout time.Duration `yaml:"tool_timeout" json:"tool_timeout"`

	// ApprovalTimeout bounds how long an approval request may sit
	// unanswered before the call is denied.
	ApprovalTimeout time.Duration `yaml:"approval_timeout" json:"approval_timeout"`

	// GuardThreshold is the identical-call streak the loop guard
	// tolerates before blocking.
	GuardThreshold int `yaml:"guard_threshold" json:"guard_threshold"`

	// Interactive marks a session with a human attached. It selects
	// the default permission mode and the default context strategy.
	Interactive bool `yaml:"interactive" json:"interactive"`

	// DisableStreaming switches provider calls from Stream to
	// Completion. Text then arrives as a single delta event per turn.
	DisableStreaming bool `yaml:"disable_streaming" json:"disable_streaming"`

	// WorkingDir is recorded in session metadata.
	WorkingDir string `yaml:"working_dir" json:"working_dir"`

	// PromptVars fills {{name}} placeholders in the instructions.
	PromptVars map[string]string `yaml:"prompt_vars" json:"prompt_vars,omitempty"`

	// Context tunes the window manager. Its Interactive flag is
	// overlaid from the field above.
	Context contextmgr.Config `yaml:"context" json:"context"`
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		if c.Interactive {
			c.Mode = ModeSmartApprove
		} else {
			c.Mode = ModeAuto
		}
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = DefaultApprovalTimeout
	}
	if c.GuardThreshold <= 0 {
		c.GuardThreshold = DefaultGuardThreshold
	}
	return c
}

// Validate reports configuration errors that New refuses to start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return types.NewError(types.ErrInvalidRequest, "model must be set")
	}
	if !c.Mode.Valid() {
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown permission mode %q", c.Mode))
	}
	if c.Context.Strategy != "" && !c.Context.Strategy.Valid() {
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown context strategy %q", c.Context.Strategy))
	}
	return nil
}

// Agent drives the control loop for one session. Construct with New,
// wire optional collaborators with the With methods, then call
// Respond. An Agent serves one Respond stream at a time.
type Agent struct {
	cfg        Config
	provider   llm.Provider
	summarizer llm.Provider
	registry   *extension.Registry
	dispatcher *Dispatcher
	assembler  *PromptAssembler
	ctxmgr     *contextmgr.Manager
	guard      *LoopGuard
	tokenizer  types.Tokenizer
	logger     *zap.Logger

	metrics  *metrics.Collector
	tracer   trace.Emitter
	gaps     *kb.Recorder
	feedback feedback.Store
	store    session.Store
	bus      EventBus
	variants promptvars.Provider

	// failures counts consecutive error results per tool for
	// knowledge-gap detection. Loop goroutine only.
	failures map[string]int

	busy int32
}

// New creates an Agent. The provider is wrapped with retry unless it
// already is resilient; registry supplies the tool catalog and the
// dispatch targets.
func New(cfg Config, provider llm.Provider, registry *extension.Registry, logger *zap.Logger) (*Agent, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}
	if registry == nil {
		return nil, ErrNilRegistry
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "agent"))

	if _, ok := provider.(*llm.ResilientProvider); !ok {
		provider = llm.NewResilientProvider(provider, nil, logger)
	}

	a := &Agent{
		cfg:       cfg,
		provider:  provider,
		registry:  registry,
		assembler: NewPromptAssembler(cfg.Instructions, registry, logger),
		guard:     NewLoopGuard(cfg.GuardThreshold),
		tokenizer: tokenizer.ForModel(cfg.Model),
		logger:    logger,
		failures:  make(map[string]int),
	}
	a.dispatcher = NewDispatcher(registry, logger)
	if cfg.ToolTimeout > 0 {
		a.dispatcher.WithTimeout(cfg.ToolTimeout)
	}
	a.rebuildContextManager()
	return a, nil
}

// WithMetrics installs a metrics collector.
func (a *Agent) WithMetrics(c *metrics.Collector) *Agent {
	a.metrics = c
	a.dispatcher.WithMetrics(c)
	return a
}

// WithTraceEmitter installs a reasoning-trace sink.
func (a *Agent) WithTraceEmitter(e trace.Emitter) *Agent {
	a.tracer = e
	return a
}

// WithGapRecorder installs a knowledge-gap recorder fed by loop-guard
// trips and repeated tool failures.
func (a *Agent) WithGapRecorder(r *kb.Recorder) *Agent {
	a.gaps = r
	return a
}

// WithFeedback installs a feedback store. The loop writes its own
// observations there, guard trips and repeated tool failures, so they
// land beside the explicit feedback users submit.
func (a *Agent) WithFeedback(s feedback.Store) *Agent {
	a.feedback = s
	return a
}

// WithSessionStore installs persistence. Conversations with a session
// id are appended to as the loop runs.
func (a *Agent) WithSessionStore(s session.Store) *Agent {
	a.store = s
	return a
}

// WithEventBus mirrors every streamed event onto an in-process bus
// for observers beyond the per-turn consumer.
func (a *Agent) WithEventBus(b EventBus) *Agent {
	a.bus = b
	return a
}

// WithPromptVariants lets the assembler override the instructions
// with the active variant for typeKey, and reports usage back.
func (a *Agent) WithPromptVariants(p promptvars.Provider, typeKey string) *Agent {
	a.variants = p
	a.assembler.WithVariants(p, typeKey)
	return a
}

// WithFrontendHandler routes frontend-annotated tools to fn instead of
// failing them.
func (a *Agent) WithFrontendHandler(fn FrontendHandler) *Agent {
	a.dispatcher.WithFrontendHandler(fn)
	return a
}

// WithTokenizer replaces the model-derived tokenizer, mainly for
// deterministic window accounting in tests.
func (a *Agent) WithTokenizer(t types.Tokenizer) *Agent {
	a.tokenizer = t
	a.rebuildContextManager()
	return a
}

// WithSummarizer uses a dedicated provider for nested condensation
// calls instead of the loop's own.
func (a *Agent) WithSummarizer(p llm.Provider) *Agent {
	a.summarizer = p
	a.rebuildContextManager()
	return a
}

func (a *Agent) rebuildContextManager() {
	cfg := a.cfg.Context
	cfg.Interactive = a.cfg.Interactive
	if cfg.SummarizeModel == "" {
		cfg.SummarizeModel = a.cfg.Model
	}
	summarizer := a.summarizer
	if summarizer == nil {
		summarizer = a.provider
	}
	a.ctxmgr = contextmgr.New(cfg, a.tokenizer, summarizer, a.logger)
}

// Respond runs the loop for conv and returns its event stream. The
// stream is finite and not restartable: it ends with exactly one done
// event, preceded by an error event when the turn failed. An empty
// mode falls back to the configured one. The loop owns conv until the
// done event is delivered.
func (a *Agent) Respond(ctx context.Context, conv *Conversation, mode Mode) (<-chan Event, error) {
	if conv == nil {
		return nil, ErrNilConversation
	}
	if mode == "" {
		mode = a.cfg.Mode
	}
	if !mode.Valid() {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown permission mode %q", mode))
	}
	if !atomic.CompareAndSwapInt32(&a.busy, 0, 1) {
		return nil, ErrBusy
	}

	events := make(chan Event, eventBufferSize)
	go a.run(ctx, conv, mode, events)
	return events, nil
}

func (a *Agent) run(ctx context.Context, conv *Conversation, mode Mode, events chan Event) {
	defer close(events)
	defer atomic.StoreInt32(&a.busy, 0)

	st := &stream{events: events, bus: a.bus}
	started := time.Now()

	usage, err := a.loop(ctx, conv, mode, st)
	if err != nil {
		var terr *types.Error
		if !errors.As(err, &terr) {
			terr = types.NewError(types.ErrInternalError, "agent turn failed").WithCause(err)
		}
		a.logger.Error("respond failed",
			zap.String("session_id", conv.SessionID),
			zap.Error(err))
		st.emit(ctx, errorEvent(terr))
	}

	a.finishSession(conv, usage)

	final := usage
	st.emit(ctx, doneEvent(&final))
	a.logger.Info("respond finished",
		zap.String("session_id", conv.SessionID),
		zap.String("mode", string(mode)),
		zap.Int("total_tokens", usage.TotalTokens),
		zap.Duration("duration", time.Since(started)))
}

func (a *Agent) loop(ctx context.Context, conv *Conversation, mode Mode, st *stream) (types.TokenUsage, error) {
	var usage types.TokenUsage

	a.ctxmgr.SetPrompter(&streamPrompter{st: st, respondCtx: ctx})
	a.ensureSession(ctx, conv)
	a.trace(ctx, trace.New(conv.SessionID, trace.DecisionSessionStart,
		map[string]any{"mode": string(mode), "messages": len(conv.Messages)}, nil))

	for turnNo := 1; turnNo <= a.cfg.MaxTurns; turnNo++ {
		if ctx.Err() != nil {
			return usage, a.cancelTurn(ctx, conv, st)
		}
		turnStart := time.Now()
		recordTurn := func(status string) {
			a.metrics.RecordTurn(string(mode), status, time.Since(turnStart))
		}

		prompt, variant := a.assembler.Assemble(ctx, a.cfg.PromptVars)
		if variant != nil {
			a.trace(ctx, trace.New(conv.SessionID, trace.DecisionPromptFinalization,
				map[string]any{"type_key": variant.TypeKey}, variant.ID))
		}

		working := make([]types.Message, 0, len(conv.Messages)+1)
		working = append(working, types.NewSystemMessage(prompt))
		working = append(working, conv.Messages...)

		working, action, err := a.ctxmgr.CheckAndApply(ctx, working)
		if err != nil {
			recordTurn("error")
			return usage, err
		}
		if action != nil {
			// The assembled prompt sits at index 0; everything after
			// it is the rewritten conversation.
			conv.Messages = working[1:]
			a.persistReplace(ctx, conv)
			st.emit(ctx, contextActionEvent(action))
			a.metrics.RecordContextAction(string(action.Strategy), action.Level.String())
			a.trace(ctx, trace.New(conv.SessionID, trace.DecisionContextAction,
				map[string]any{"level": action.Level.String(), "tokens_before": action.TokensBefore},
				string(action.Strategy)).
				WithOutcome(map[string]any{"tokens_after": action.TokensAfter}))
		}

		req := &llm.ChatRequest{
			TraceID:     conv.SessionID,
			Model:       a.cfg.Model,
			Messages:    working,
			MaxTokens:   a.cfg.MaxTokens,
			Temperature: a.cfg.Temperature,
			Timeout:     a.cfg.ProviderTimeout,
		}
		if mode != ModeChat && a.provider.SupportsNativeFunctionCalling() {
			req.Tools = a.registry.ListTools()
		}

		callCtx, cancelCall := ctx, context.CancelFunc(func() {})
		if a.cfg.ProviderTimeout > 0 {
			callCtx, cancelCall = context.WithTimeout(ctx, a.cfg.ProviderTimeout)
		}
		callStart := time.Now()
		turn, err := a.callProvider(callCtx, req, st)
		callDur := time.Since(callStart)
		timedOut := callCtx.Err() == context.DeadlineExceeded
		cancelCall()
		if err != nil {
			if ctx.Err() != nil {
				recordTurn("cancelled")
				return usage, a.cancelTurn(ctx, conv, st)
			}
			a.metrics.RecordProviderRequest(a.provider.Name(), a.cfg.Model, "error", callDur, 0, 0)
			recordTurn("error")
			if timedOut {
				return usage, types.NewError(types.ErrTimeout,
					fmt.Sprintf("provider call exceeded %s", a.cfg.ProviderTimeout)).WithCause(err)
			}
			return usage, err
		}
		usage.Add(turn.usage)
		a.metrics.RecordProviderRequest(a.provider.Name(), a.cfg.Model, "ok", callDur,
			turn.usage.PromptTokens, turn.usage.CompletionTokens)
		a.trace(ctx, trace.New(conv.SessionID, trace.DecisionProviderResponse,
			map[string]any{"model": a.cfg.Model, "turn": turnNo}, turn.stopReason).
			WithDuration(callDur).
			WithOutcome(turn.usage))

		assistant := turn.message
		assistant.Role = types.RoleAssistant
		if assistant.Timestamp.IsZero() {
			assistant.Timestamp = time.Now()
		}
		conv.Messages = append(conv.Messages, assistant)
		a.persistAppend(ctx, conv, assistant)

		if variant != nil && a.variants != nil {
			if uerr := a.variants.UpdateMetrics(ctx, variant.ID,
				map[string]float64{"total_tokens": float64(turn.usage.TotalTokens)}, true); uerr != nil {
				a.logger.Warn("prompt variant metrics update failed",
					zap.String("variant_id", variant.ID), zap.Error(uerr))
			}
		}

		if turn.stopReason == llm.StopReasonMaxTokens {
			st.emit(ctx, notificationEvent("the response was cut short by the output token limit"))
		}

		calls := assistant.ToolCalls
		if len(calls) == 0 {
			recordTurn("ok")
			return usage, nil
		}

		results := a.processToolCalls(ctx, conv, mode, st, calls)

		resultMsgs := make([]types.Message, 0, len(results))
		for i := range results {
			st.emit(ctx, toolResultEvent(results[i]))
			msg := results[i].ToMessage()
			conv.Messages = append(conv.Messages, msg)
			resultMsgs = append(resultMsgs, msg)
			a.noteToolOutcome(ctx, conv, results[i].Name, results[i])
		}
		a.persistAppend(ctx, conv, resultMsgs...)
		recordTurn("ok")
	}

	marker := types.NewAssistantMessage(turnLimitMarker)
	conv.Messages = append(conv.Messages, marker)
	a.persistAppend(ctx, conv, marker)
	st.emit(ctx, notificationEvent(fmt.Sprintf("stopped after reaching the limit of %d provider turns", a.cfg.MaxTurns)))
	a.logger.Warn("turn limit reached",
		zap.String("session_id", conv.SessionID),
		zap.Int("max_turns", a.cfg.MaxTurns))
	return usage, nil
}

// providerTurn is one assistant reply accumulated from a provider
// call, streaming or not.
type providerTurn struct {
	message    types.Message
	stopReason string
	usage      types.TokenUsage
}

func (a *Agent) callProvider(ctx context.Context, req *llm.ChatRequest, st *stream) (*providerTurn, error) {
	if a.cfg.DisableStreaming {
		resp, err := a.provider.Completion(ctx, req)
		if err != nil {
			return nil, err
		}
		msg := resp.First()
		if msg == nil {
			return nil, types.NewError(types.ErrInvalidResponse, "provider returned no choices")
		}
		if msg.Content != "" {
			st.emit(ctx, textDeltaEvent(msg.Content))
		}
		return &providerTurn{message: *msg, stopReason: resp.StopReason(), usage: resp.Usage}, nil
	}

	chunks, err := a.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	turn := &providerTurn{message: types.Message{Role: types.RoleAssistant, Timestamp: time.Now()}}
	var content strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.Delta.Content != "" {
			content.WriteString(chunk.Delta.Content)
			st.emit(ctx, textDeltaEvent(chunk.Delta.Content))
		}
		if len(chunk.Delta.ToolCalls) > 0 {
			turn.message.ToolCalls = append(turn.message.ToolCalls, chunk.Delta.ToolCalls...)
		}
		if chunk.StopReason != "" {
			turn.stopReason = chunk.StopReason
		}
		if chunk.Usage != nil {
			turn.usage = *chunk.Usage
		}
	}
	turn.message.Content = content.String()
	return turn, nil
}

// processToolCalls applies the loop guard and the permission mode to
// one provider turn's calls, dispatches the survivors, and returns a
// result for every call in request order.
func (a *Agent) processToolCalls(ctx context.Context, conv *Conversation, mode Mode, st *stream, calls []types.ToolCall) []types.ToolResult {
	a.guard.BeginTurn()
	results := make([]types.ToolResult, len(calls))
	var pending []int

	for i, call := range calls {
		if a.guard.Observe(call) == GuardBlock {
			streak := a.guard.Streak()
			results[i] = types.ErrorResult(call, fmt.Sprintf(
				"repeated call detected: %s has run with identical arguments %d times in a row and was blocked; change the arguments or take a different approach",
				call.Name, streak))
			st.emit(ctx, notificationEvent(fmt.Sprintf("loop guard blocked %s after %d identical calls", call.Name, streak)))
			a.metrics.RecordLoopGuardTrip(call.Name)
			a.trace(ctx, trace.New(conv.SessionID, trace.DecisionLoopGuardBlock,
				map[string]any{"tool": call.Name}, "block").
				WithOutcome(map[string]any{"streak": streak}))
			a.recordGuardGap(ctx, conv, call, streak)
			continue
		}

		var annotations types.ToolAnnotations
		if target, known := a.registry.Resolve(call.Name); known {
			annotations = target.Schema.Annotations
		}

		switch mode.decide(annotations) {
		case actionExecute:
			pending = append(pending, i)
		case actionReject:
			results[i] = types.ErrorResult(call, chatModeRefusal)
		case actionAsk:
			if a.askApproval(ctx, conv, st, call, annotations) == approvalGranted {
				pending = append(pending, i)
				continue
			}
			results[i] = types.ErrorResult(call, deniedMessage(ctx))
		}
	}

	if len(pending) == 0 {
		return results
	}

	pendingCalls := make([]types.ToolCall, len(pending))
	for j, i := range pending {
		pendingCalls[j] = calls[i]
	}
	for _, call := range pendingCalls {
		st.emit(ctx, toolStartedEvent(call))
	}
	a.trace(ctx, trace.New(conv.SessionID, trace.DecisionToolDispatch,
		map[string]any{"tools": callNames(pendingCalls)}, len(pendingCalls)))

	dispatched := a.dispatcher.Dispatch(ctx, pendingCalls)
	for j, i := range pending {
		results[i] = dispatched[j]
	}
	return results
}

func (a *Agent) askApproval(ctx context.Context, conv *Conversation, st *stream, call types.ToolCall, annotations types.ToolAnnotations) approvalOutcome {
	req := newApprovalRequest(call, annotations)
	st.emit(ctx, approvalEvent(req))
	outcome, err := req.wait(ctx, a.cfg.ApprovalTimeout)
	if err != nil {
		outcome = approvalDenied
	}
	a.metrics.RecordApproval(outcome.String())
	a.trace(ctx, trace.New(conv.SessionID, trace.DecisionApproval,
		map[string]any{"tool": call.Name}, outcome.String()))
	return outcome
}

func deniedMessage(ctx context.Context) string {
	if ctx.Err() != nil {
		return "call denied: the run was cancelled while waiting for approval"
	}
	return "call denied: the user declined to run this tool"
}

// cancelTurn finalizes a cancelled run: a marker lands in history so
// the interruption is visible on resume, an advisory event goes out,
// and the stream still ends with a plain done event.
func (a *Agent) cancelTurn(ctx context.Context, conv *Conversation, st *stream) error {
	marker := types.NewAssistantMessage(cancellationMarker)
	conv.Messages = append(conv.Messages, marker)
	a.persistAppend(ctx, conv, marker)
	st.emit(ctx, notificationEvent("response cancelled before completion"))
	a.logger.Info("respond cancelled", zap.String("session_id", conv.SessionID))
	return nil
}

func (a *Agent) trace(ctx context.Context, t trace.ReasoningTrace) {
	if a.tracer == nil {
		return
	}
	if err := a.tracer.Emit(ctx, t); err != nil {
		a.logger.Warn("trace emission failed", zap.Error(err))
	}
}

func (a *Agent) recordGuardGap(ctx context.Context, conv *Conversation, call types.ToolCall, streak int) {
	if a.gaps != nil {
		id := a.gaps.Record(kb.NewGuardTripGap(conv.SessionID, call.Name, streak))
		a.trace(ctx, trace.New(conv.SessionID, trace.DecisionKnowledgeGap,
			map[string]any{"tool": call.Name, "kind": "guard_trip"}, id))
	}
	a.observe(ctx, feedback.New(conv.SessionID, feedback.SourceAgentObservation,
		map[string]any{"tool": call.Name, "streak": streak}).
		WithTags("loop_guard"))
}

// noteToolOutcome tracks consecutive failures per tool and records a
// knowledge gap, plus an agent observation, when a tool keeps failing.
func (a *Agent) noteToolOutcome(ctx context.Context, conv *Conversation, tool string, result types.ToolResult) {
	if a.gaps == nil && a.feedback == nil {
		return
	}
	if !result.IsError() {
		delete(a.failures, tool)
		return
	}
	a.failures[tool]++
	count := a.failures[tool]
	if count < repeatedFailureThreshold {
		return
	}
	if a.gaps != nil {
		id := a.gaps.Record(kb.NewRepeatedFailureGap(conv.SessionID, tool, count, result.Error))
		a.trace(ctx, trace.New(conv.SessionID, trace.DecisionKnowledgeGap,
			map[string]any{"tool": tool, "kind": "repeated_failure", "failures": count}, id))
	}
	a.observe(ctx, feedback.New(conv.SessionID, feedback.SourceAgentObservation,
		map[string]any{"tool": tool, "failures": count, "error": result.Error}).
		AsErrorReport().
		WithTags("repeated_tool_failure"))
	delete(a.failures, tool)
}

// observe saves an agent-generated feedback entry when a store is
// installed. Failures are logged, never surfaced to the loop.
func (a *Agent) observe(ctx context.Context, entry feedback.Entry) {
	if a.feedback == nil {
		return
	}
	if err := a.feedback.Save(ctx, entry); err != nil {
		a.logger.Warn("feedback save failed", zap.Error(err))
		return
	}
	a.trace(ctx, trace.New(entry.SessionID, trace.DecisionFeedbackIngestion,
		map[string]any{"source": string(entry.Source)}, entry.ID))
}

func callNames(calls []types.ToolCall) []string {
	names := make([]string, len(calls))
	for i, call := range calls {
		names[i] = call.Name
	}
	return names
}

// persistCtx returns ctx while it is alive and a short background
// deadline once it is not, so terminal writes still land after a
// cancellation.
func (a *Agent) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), persistTimeout)
}

// ensureSession creates the persisted session on first use and brings
// its log up to date with messages the caller added out of band, such
// as the user message that started this turn.
func (a *Agent) ensureSession(ctx context.Context, conv *Conversation) {
	if a.store == nil || conv.SessionID == "" {
		return
	}
	ctx, cancel := a.persistCtx(ctx)
	defer cancel()

	persisted := 0
	if sess, err := a.store.Load(ctx, conv.SessionID); err == nil {
		persisted = len(sess.Messages)
	} else {
		meta := session.New(conv.SessionID, a.cfg.WorkingDir)
		meta.Description = describeConversation(conv.Messages)
		if err := a.store.SaveMetadata(ctx, meta); err != nil {
			a.logger.Warn("session create failed",
				zap.String("session_id", conv.SessionID), zap.Error(err))
			return
		}
	}
	if persisted >= len(conv.Messages) {
		return
	}
	if err := a.store.Append(ctx, conv.SessionID, conv.Messages[persisted:]...); err != nil {
		a.logger.Warn("session append failed",
			zap.String("session_id", conv.SessionID), zap.Error(err))
	}
}

func (a *Agent) persistAppend(ctx context.Context, conv *Conversation, msgs ...types.Message) {
	if a.store == nil || conv.SessionID == "" || len(msgs) == 0 {
		return
	}
	ctx, cancel := a.persistCtx(ctx)
	defer cancel()
	if err := a.store.Append(ctx, conv.SessionID, msgs...); err != nil {
		a.logger.Warn("session append failed",
			zap.String("session_id", conv.SessionID), zap.Error(err))
	}
}

func (a *Agent) persistReplace(ctx context.Context, conv *Conversation) {
	if a.store == nil || conv.SessionID == "" {
		return
	}
	ctx, cancel := a.persistCtx(ctx)
	defer cancel()
	if err := a.store.Replace(ctx, conv.SessionID, conv.Messages); err != nil {
		a.logger.Warn("session replace failed",
			zap.String("session_id", conv.SessionID), zap.Error(err))
	}
}

func (a *Agent) finishSession(conv *Conversation, usage types.TokenUsage) {
	if a.store == nil || conv.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	meta := session.New(conv.SessionID, a.cfg.WorkingDir)
	if existing, err := a.store.Load(ctx, conv.SessionID); err == nil {
		meta = existing.Metadata
	}
	if meta.Description == "" {
		meta.Description = describeConversation(conv.Messages)
	}
	meta.MessageCount = len(conv.Messages)
	meta.TokenUsage.Add(usage)
	meta.Touch()
	if err := a.store.SaveMetadata(ctx, meta); err != nil {
		a.logger.Warn("session metadata save failed",
			zap.String("session_id", conv.SessionID), zap.Error(err))
	}
}

// describeConversation derives a session label from the first user
// message.
func describeConversation(msgs []types.Message) string {
	for _, msg := range msgs {
		if msg.Role != types.RoleUser {
			continue
		}
		text := firstLine(strings.TrimSpace(msg.Content))
		if text == "" {
			return ""
		}
		const maxLen = 64
		runes := []rune(text)
		if len(runes) > maxLen {
			return string(runes[:maxLen]) + "..."
		}
		return text
	}
	return ""
}

// stream couples the per-turn event channel with the optional bus.
// Emission blocks on the consumer while the run is alive and degrades
// to best effort once it is cancelled, so an abandoned stream cannot
// wedge the loop.
type stream struct {
	events chan<- Event
	bus    EventBus
}

func (s *stream) emit(ctx context.Context, event Event) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
	if ctx.Err() != nil {
		select {
		case s.events <- event:
		default:
		}
		return
	}
	select {
	case s.events <- event:
	case <-ctx.Done():
		select {
		case s.events <- event:
		default:
		}
	}
}

// StrategyPrompt surfaces a context-window decision to the stream
// consumer. It rides on a context_action event while the prompt
// strategy is waiting; answer with Choose. Only the first choice
// counts, and the window manager's decision timeout bounds the wait.
type StrategyPrompt struct {
	State contextmgr.State `json:"state"`

	choice chan contextmgr.Strategy
}

func newStrategyPrompt(state contextmgr.State) *StrategyPrompt {
	return &StrategyPrompt{
		State:  state,
		choice: make(chan contextmgr.Strategy, 1),
	}
}

// Choose answers the prompt with a concrete strategy.
func (p *StrategyPrompt) Choose(strategy contextmgr.Strategy) {
	select {
	case p.choice <- strategy:
	default:
	}
}

func (p *StrategyPrompt) wait(ctx context.Context) (contextmgr.Strategy, error) {
	select {
	case choice := <-p.choice:
		return choice, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// streamPrompter adapts the event stream to contextmgr.Prompter.
type streamPrompter struct {
	st         *stream
	respondCtx context.Context
}

func (p *streamPrompter) PromptStrategy(ctx context.Context, state contextmgr.State) (contextmgr.Strategy, error) {
	prompt := newStrategyPrompt(state)
	p.st.emit(p.respondCtx, contextPromptEvent(prompt))
	return prompt.wait(ctx)
}
