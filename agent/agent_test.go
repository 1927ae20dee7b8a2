package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gander-ai/gander/agent/contextmgr"
	"github.com/gander-ai/gander/agent/feedback"
	"github.com/gander-ai/gander/agent/kb"
	"github.com/gander-ai/gander/agent/promptvars"
	"github.com/gander-ai/gander/agent/session"
	"github.com/gander-ai/gander/agent/trace"
	"github.com/gander-ai/gander/extension"
	"github.com/gander-ai/gander/llm"
	"github.com/gander-ai/gander/testutil/mocks"
	"github.com/gander-ai/gander/types"
)

// charTokenizer counts one token per content character, which makes
// window math in tests exact.
type charTokenizer struct{}

func (charTokenizer) CountTokens(text string) int             { return len(text) }
func (charTokenizer) CountMessageTokens(msg types.Message) int { return len(msg.Content) }
func (charTokenizer) CountMessagesTokens(msgs []types.Message) int {
	total := 0
	for _, msg := range msgs {
		total += len(msg.Content)
	}
	return total
}
func (charTokenizer) EstimateToolTokens(tools []types.ToolSchema) int { return 0 }

func newTestAgent(t *testing.T, cfg Config, provider llm.Provider, conns ...extension.Connection) *Agent {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	registry := extension.NewRegistry(zap.NewNop())
	for _, conn := range conns {
		require.NoError(t, registry.RegisterConnection(context.Background(), conn))
	}
	a, err := New(cfg, provider, registry, zap.NewNop())
	require.NoError(t, err)
	return a
}

// collectEvents drains a stream to completion, invoking onEvent for
// each entry so tests can answer approvals and context prompts.
func collectEvents(t *testing.T, events <-chan Event, onEvent func(Event)) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			if onEvent != nil {
				onEvent(ev)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("event stream did not terminate in time")
		}
	}
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func joinedText(events []Event) string {
	var b strings.Builder
	for _, ev := range eventsOfType(events, EventTextDelta) {
		b.WriteString(ev.Delta)
	}
	return b.String()
}

// requireTerminated asserts the stream contract: exactly one done
// event, and it comes last.
func requireTerminated(t *testing.T, events []Event) {
	t.Helper()
	require.NotEmpty(t, events)
	require.Len(t, eventsOfType(events, EventDone), 1)
	assert.Equal(t, EventDone, events[len(events)-1].Type)
}

func fsConnection() *mocks.MockConnection {
	return mocks.NewMockConnection("fs").
		WithConcurrencySafe(true).
		WithToolResult("read_file", json.RawMessage(`"data"`))
}

func readCall(id string) types.ToolCall {
	return types.ToolCall{ID: id, Name: "fs__read_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)}
}

func TestConfig_WithDefaults(t *testing.T) {
	headless := Config{}.withDefaults()
	assert.Equal(t, ModeAuto, headless.Mode)
	assert.Equal(t, DefaultMaxTurns, headless.MaxTurns)
	assert.Equal(t, DefaultMaxTokens, headless.MaxTokens)
	assert.Equal(t, DefaultApprovalTimeout, headless.ApprovalTimeout)
	assert.Equal(t, DefaultGuardThreshold, headless.GuardThreshold)

	interactive := Config{Interactive: true}.withDefaults()
	assert.Equal(t, ModeSmartApprove, interactive.Mode)

	explicit := Config{Mode: ModeChat, MaxTurns: 3}.withDefaults()
	assert.Equal(t, ModeChat, explicit.Mode)
	assert.Equal(t, 3, explicit.MaxTurns)
}

func TestNew_Validation(t *testing.T) {
	registry := extension.NewRegistry(zap.NewNop())
	provider := mocks.NewMockProvider()

	_, err := New(Config{Model: "m"}, nil, registry, zap.NewNop())
	assert.ErrorIs(t, err, ErrNilProvider)

	_, err = New(Config{Model: "m"}, provider, nil, zap.NewNop())
	assert.ErrorIs(t, err, ErrNilRegistry)

	_, err = New(Config{}, provider, registry, zap.NewNop())
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))

	_, err = New(Config{Model: "m", Mode: Mode("yolo")}, provider, registry, zap.NewNop())
	require.Error(t, err)

	_, err = New(Config{Model: "m", Context: contextmgr.Config{Strategy: "shred"}}, provider, registry, zap.NewNop())
	require.Error(t, err)
}

func TestRespond_TextTurn(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("Hello there.")
	a := newTestAgent(t, Config{}, provider)

	conv := NewConversation("")
	conv.AddUserMessage("Say hi")

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	got := collectEvents(t, events, nil)

	requireTerminated(t, got)
	assert.Empty(t, eventsOfType(got, EventError))
	assert.Equal(t, "Hello there.", joinedText(got))

	done := got[len(got)-1]
	require.NotNil(t, done.Usage)
	assert.Equal(t, 30, done.Usage.TotalTokens)

	require.Len(t, conv.Messages, 2)
	assert.Equal(t, types.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "Hello there.", conv.Messages[1].Content)
}

func TestRespond_ToolCallTurn(t *testing.T) {
	conn := fsConnection()
	provider := mocks.NewMockProvider().WithScript(
		mocks.ToolCallResponse(readCall("call_1")),
		mocks.TextResponse("The file says data."),
	)
	a := newTestAgent(t, Config{}, provider, conn)

	conv := NewConversation("")
	conv.AddUserMessage("Read a.txt")

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	got := collectEvents(t, events, nil)

	requireTerminated(t, got)
	assert.Empty(t, eventsOfType(got, EventError))

	started := eventsOfType(got, EventToolStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "fs__read_file", started[0].ToolCall.Name)

	results := eventsOfType(got, EventToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, "call_1", results[0].ToolResult.ToolCallID)
	assert.False(t, results[0].ToolResult.IsError())

	assert.Equal(t, 1, conn.GetCallCount())
	assert.Equal(t, 2, provider.GetCallCount())

	// History: user, assistant with calls, tool result, assistant text.
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, types.RoleUser, conv.Messages[0].Role)
	assert.True(t, conv.Messages[1].HasToolCalls())
	assert.Equal(t, types.RoleTool, conv.Messages[2].Role)
	assert.Equal(t, "The file says data.", conv.Messages[3].Content)

	// The next request carried the full exchange behind the prompt.
	calls := provider.GetCalls()
	require.Len(t, calls, 2)
	assert.NotEmpty(t, calls[0].Request.Tools)
	require.Len(t, calls[1].Request.Messages, 4)
	assert.Equal(t, types.RoleSystem, calls[1].Request.Messages[0].Role)
}

func TestRespond_UnknownToolLoopContinues(t *testing.T) {
	provider := mocks.NewMockProvider().WithScript(
		mocks.ToolCallResponse(types.ToolCall{ID: "call_1", Name: "notes__search", Arguments: json.RawMessage(`{"q":"x"}`)}),
		mocks.TextResponse("I could not search notes."),
	)
	a := newTestAgent(t, Config{}, provider)

	conv := NewConversation("")
	conv.AddUserMessage("Search my notes")

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	got := collectEvents(t, events, nil)

	requireTerminated(t, got)
	assert.Empty(t, eventsOfType(got, EventError))

	results := eventsOfType(got, EventToolResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].ToolResult.IsError())
	assert.Contains(t, results[0].ToolResult.Error, "notes__search")
	assert.Contains(t, results[0].ToolResult.Error, "not found")

	// The loop fed the failure back and completed the turn.
	assert.Equal(t, 2, provider.GetCallCount())
	assert.Equal(t, "I could not search notes.", joinedText(got))
}

func TestRespond_ChatModeRejectsToolCalls(t *testing.T) {
	conn := fsConnection()
	provider := mocks.NewMockProvider().WithScript(
		mocks.ToolCallResponse(readCall("call_1")),
		mocks.TextResponse("I would read the file if I could."),
	)
	a := newTestAgent(t, Config{}, provider, conn)

	conv := NewConversation("")
	conv.AddUserMessage("Read a.txt")

	events, err := a.Respond(context.Background(), conv, ModeChat)
	require.NoError(t, err)
	got := collectEvents(t, events, nil)

	requireTerminated(t, got)
	assert.Empty(t, eventsOfType(got, EventToolStarted))

	results := eventsOfType(got, EventToolResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].ToolResult.IsError())
	assert.Contains(t, results[0].ToolResult.Error, "chat mode")

	assert.Zero(t, conn.GetCallCount())

	// Chat mode strips the catalog from the request.
	assert.Empty(t, provider.GetCalls()[0].Request.Tools)
}

func TestRespond_ApproveModeGrant(t *testing.T) {
	conn := fsConnection()
	provider := mocks.NewMockProvider().WithScript(
		mocks.ToolCallResponse(readCall("call_1")),
		mocks.TextResponse("Done."),
	)
	a := newTestAgent(t, Config{}, provider, conn)

	conv := NewConversation("")
	conv.AddUserMessage("Read a.txt")

	events, err := a.Respond(context.Background(), conv, ModeApprove)
	require.NoError(t, err)
	got := collectEvents(t, events, func(ev Event) {
		if ev.Type == EventApprovalRequested {
			ev.Approval.Approve()
		}
	})

	requireTerminated(t, got)
	require.Len(t, eventsOfType(got, EventApprovalRequested), 1)
	assert.Equal(t, 1, conn.GetCallCount())

	results := eventsOfType(got, EventToolResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].ToolResult.IsError())
}

func TestRespond_ApproveModeDeny(t *testing.T) {
	conn := fsConnection()
	provider := mocks.NewMockProvider().WithScript(
		mocks.ToolCallResponse(readCall("call_1")),
		mocks.TextResponse("Understood."),
	)
	a := newTestAgent(t, Config{}, provider, conn)

	conv := NewConversation("")
	conv.AddUserMessage("Read a.txt")

	events, err := a.Respond(context.Background(), conv, ModeApprove)
	require.NoError(t, err)
	got := collectEvents(t, events, func(ev Event) {
		if ev.Type == EventApprovalRequested {
			ev.Approval.Reject()
		}
	})

	requireTerminated(t, got)
	assert.Zero(t, conn.GetCallCount())
	assert.Empty(t, eventsOfType(got, EventToolStarted))

	results := eventsOfType(got, EventToolResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].ToolResult.IsError())
	assert.Contains(t, results[0].ToolResult.Error, "declined")
}

func TestRespond_SmartApproveReadOnlyBypass(t *testing.T) {
	conn := mocks.NewMockConnection("fs").
		WithConcurrencySafe(true).
		WithToolResult("read_file", json.RawMessage(`"data"`)).
		WithToolResult("delete_file", json.RawMessage(`"gone"`)).
		WithToolSchema(types.ToolSchema{
			Name:        "read_file",
			Parameters:  json.RawMessage(`{"type":"object"}`),
			Annotations: types.ToolAnnotations{ReadOnly: true},
		})
	provider := mocks.NewMockProvider().WithScript(
		mocks.ToolCallResponse(
			readCall("call_1"),
			types.ToolCall{ID: "call_2", Name: "fs__delete_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)},
		),
		mocks.TextResponse("Read it, left the delete alone."),
	)
	a := newTestAgent(t, Config{}, provider, conn)

	conv := NewConversation("")
	conv.AddUserMessage("Read then delete a.txt")

	events, err := a.Respond(context.Background(), conv, ModeSmartApprove)
	require.NoError(t, err)
	got := collectEvents(t, events, func(ev Event) {
		if ev.Type == EventApprovalRequested {
			ev.Approval.Reject()
		}
	})

	requireTerminated(t, got)

	// Only the non-read-only call needed approval.
	approvals := eventsOfType(got, EventApprovalRequested)
	require.Len(t, approvals, 1)
	assert.Equal(t, "fs__delete_file", approvals[0].ToolCall.Name)

	assert.Equal(t, []string{"read_file"}, conn.CalledTools())

	results := eventsOfType(got, EventToolResult)
	require.Len(t, results, 2)
	assert.False(t, results[0].ToolResult.IsError())
	assert.True(t, results[1].ToolResult.IsError())
}

func TestRespond_ApprovalTimeout(t *testing.T) {
	conn := fsConnection()
	provider := mocks.NewMockProvider().WithScript(
		mocks.ToolCallResponse(readCall("call_1")),
		mocks.TextResponse("Carrying on without it."),
	)
	a := newTestAgent(t, Config{ApprovalTimeout: 40 * time.Millisecond}, provider, conn)

	conv := NewConversation("")
	conv.AddUserMessage("Read a.txt")

	events, err := a.Respond(context.Background(), conv, ModeApprove)
	require.NoError(t, err)
	got := collectEvents(t, events, nil) // never answers

	requireTerminated(t, got)
	assert.Zero(t, conn.GetCallCount())

	results := eventsOfType(got, EventToolResult)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].ToolResult.Error, "approval")
}

func TestRespond_LoopGuardBlocksRepeatedPairs(t *testing.T) {
	conn := fsConnection()

	// Five provider turns issuing the identical pair, then a text turn.
	script := make([]*llm.ChatResponse, 0, 6)
	for i := 0; i < 5; i++ {
		script = append(script, mocks.ToolCallResponse(
			readCall("call_a"),
			readCall("call_b"),
		))
	}
	script = append(script, mocks.TextResponse("Giving up on that file."))
	provider := mocks.NewMockProvider().WithScript(script...)

	a := newTestAgent(t, Config{GuardThreshold: 3}, provider, conn)

	conv := NewConversation("")
	conv.AddUserMessage("Keep reading a.txt")

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	got := collectEvents(t, events, nil)

	requireTerminated(t, got)
	assert.Empty(t, eventsOfType(got, EventError))

	// Turns 1-3 dispatched, turns 4-5 blocked before dispatch.
	assert.Equal(t, 6, conn.GetCallCount())
	assert.Len(t, eventsOfType(got, EventToolStarted), 6)

	results := eventsOfType(got, EventToolResult)
	require.Len(t, results, 10)
	blocked := 0
	for _, ev := range results {
		if ev.ToolResult.IsError() && strings.Contains(ev.ToolResult.Error, "repeated call detected") {
			blocked++
		}
	}
	assert.Equal(t, 4, blocked)

	notices := 0
	for _, ev := range eventsOfType(got, EventNotification) {
		if strings.Contains(ev.Message, "loop guard blocked") {
			notices++
		}
	}
	assert.Equal(t, 4, notices)

	// The model saw the synthetic errors and finished in text.
	assert.Equal(t, 6, provider.GetCallCount())
}

func TestRespond_GuardTripRecordsKnowledgeGap(t *testing.T) {
	conn := fsConnection()
	provider := mocks.NewMockProvider().WithScript(
		mocks.ToolCallResponse(readCall("call_1")),
		mocks.ToolCallResponse(readCall("call_2")),
		mocks.TextResponse("Stopping."),
	)
	gaps := kb.NewRecorder()
	a := newTestAgent(t, Config{GuardThreshold: 1}, provider, conn).
		WithGapRecorder(gaps)

	conv := NewConversation("sess-kb")
	conv.AddUserMessage("Read a.txt")

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	got := collectEvents(t, events, nil)

	requireTerminated(t, got)
	require.Len(t, gaps.Open("sess-kb"), 1)
	assert.Equal(t, 1, conn.GetCallCount())
}

func TestRespond_GuardTripRecordsFeedbackObservation(t *testing.T) {
	conn := fsConnection()
	provider := mocks.NewMockProvider().WithScript(
		mocks.ToolCallResponse(readCall("call_1")),
		mocks.ToolCallResponse(readCall("call_2")),
		mocks.TextResponse("Stopping."),
	)
	store := feedback.NewMemoryStore()
	a := newTestAgent(t, Config{GuardThreshold: 1}, provider, conn).
		WithFeedback(store)

	conv := NewConversation("sess-fb")
	conv.AddUserMessage("Read a.txt")

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	requireTerminated(t, collectEvents(t, events, nil))

	entries, err := store.BySession(context.Background(), "sess-fb", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, feedback.SourceAgentObservation, entries[0].Source)
	assert.Contains(t, entries[0].Tags, "loop_guard")
}

func TestRespond_RepeatedToolFailureRecordsFeedback(t *testing.T) {
	conn := mocks.NewMockConnection("fs").
		WithConcurrencySafe(true).
		WithToolError("read_file", errors.New("permission denied"))

	// Distinct arguments per call keep the loop guard out of the way
	// while the same tool fails three times.
	script := make([]*llm.ChatResponse, 0, 4)
	for i := 0; i < 3; i++ {
		script = append(script, mocks.ToolCallResponse(types.ToolCall{
			ID:        "call_" + string(rune('a'+i)),
			Name:      "fs__read_file",
			Arguments: json.RawMessage(`{"path":"` + strings.Repeat("x", i+1) + `.txt"}`),
		}))
	}
	script = append(script, mocks.TextResponse("That file is unreadable."))
	provider := mocks.NewMockProvider().WithScript(script...)

	store := feedback.NewMemoryStore()
	a := newTestAgent(t, Config{}, provider, conn).WithFeedback(store)

	conv := NewConversation("sess-fb2")
	conv.AddUserMessage("Read those files")

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	requireTerminated(t, collectEvents(t, events, nil))

	entries, err := store.BySession(context.Background(), "sess-fb2", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].ErrorReport)
	assert.Contains(t, entries[0].Tags, "repeated_tool_failure")
}

func TestRespond_HeadlessWarningAutoSummarizes(t *testing.T) {
	// 12 messages of 527 tokens put the history at 79% of the 8000
	// limit; the next user message crosses the 80% warning line.
	provider := mocks.NewMockProvider().WithScript(
		mocks.TextResponse("Past exploration summary."),
		mocks.TextResponse("All compacted."),
	)
	a := newTestAgent(t, Config{
		Instructions: "Help.",
		Context:      contextmgr.Config{Limit: 8000},
	}, provider).WithTokenizer(charTokenizer{})

	conv := NewConversation("")
	for i := 0; i < 12; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		conv.Messages = append(conv.Messages, types.NewMessage(role, strings.Repeat("x", 527)))
	}
	conv.AddUserMessage(strings.Repeat("y", 500))

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	got := collectEvents(t, events, nil)

	requireTerminated(t, got)
	assert.Empty(t, eventsOfType(got, EventError))

	actions := eventsOfType(got, EventContextAction)
	require.Len(t, actions, 1)
	action := actions[0].ContextAction
	require.NotNil(t, action)
	assert.Equal(t, contextmgr.StrategySummarize, action.Strategy)
	assert.Equal(t, contextmgr.LevelWarning, action.Level)
	assert.Less(t, action.TokensAfter, action.TokensBefore)
	assert.Equal(t, 14, action.MessagesBefore)
	assert.Equal(t, 7, action.MessagesAfter)

	// Nested condensation call plus the main turn.
	assert.Equal(t, 2, provider.GetCallCount())

	// History now opens with the summary and keeps the recent tail.
	require.Len(t, conv.Messages, 7)
	assert.Equal(t, types.RoleSystem, conv.Messages[0].Role)
	assert.Contains(t, conv.Messages[0].Content, "Summary of the conversation so far:")
	assert.Contains(t, conv.Messages[0].Content, "Past exploration summary.")
	assert.Equal(t, "All compacted.", conv.Messages[6].Content)
}

func TestRespond_ContextExceededIsFatal(t *testing.T) {
	provider := mocks.NewMockProvider()
	a := newTestAgent(t, Config{
		Instructions: "Help.",
		Context:      contextmgr.Config{Limit: 8000, Strategy: contextmgr.StrategyTruncate},
	}, provider).WithTokenizer(charTokenizer{})

	// Three messages the keep-last floor refuses to drop, each too
	// large to ever fit.
	conv := NewConversation("")
	for i := 0; i < 3; i++ {
		conv.AddUserMessage(strings.Repeat("z", 3000))
	}

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	got := collectEvents(t, events, nil)

	requireTerminated(t, got)
	errs := eventsOfType(got, EventError)
	require.Len(t, errs, 1)
	require.NotNil(t, errs[0].Err)
	assert.Equal(t, types.ErrContextExceeded, errs[0].Err.Code)

	// Fatal before any provider call.
	assert.Zero(t, provider.GetCallCount())
}

func TestRespond_PromptStrategyAsksConsumer(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("Fresh start.")
	a := newTestAgent(t, Config{
		Instructions: "Help.",
		Interactive:  true,
		Context: contextmgr.Config{
			Limit:           1000,
			DecisionTimeout: 2 * time.Second,
		},
	}, provider).WithTokenizer(charTokenizer{})

	conv := NewConversation("")
	for i := 0; i < 3; i++ {
		conv.AddUserMessage(strings.Repeat("q", 300))
	}

	var promptedState contextmgr.State
	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	got := collectEvents(t, events, func(ev Event) {
		if ev.Type == EventContextAction && ev.ContextPrompt != nil {
			promptedState = ev.ContextPrompt.State
			ev.ContextPrompt.Choose(contextmgr.StrategyClear)
		}
	})

	requireTerminated(t, got)
	assert.Empty(t, eventsOfType(got, EventError))
	assert.Equal(t, contextmgr.LevelWarning, promptedState.Level)

	actions := eventsOfType(got, EventContextAction)
	require.Len(t, actions, 2)
	assert.NotNil(t, actions[0].ContextPrompt)
	require.NotNil(t, actions[1].ContextAction)
	assert.Equal(t, contextmgr.StrategyClear, actions[1].ContextAction.Strategy)

	// Cleared history leaves only the fresh assistant reply.
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "Fresh start.", conv.Messages[0].Content)
}

func TestRespond_CancelledBeforeFirstCall(t *testing.T) {
	provider := mocks.NewMockProvider()
	a := newTestAgent(t, Config{}, provider)

	conv := NewConversation("")
	conv.AddUserMessage("Hello")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events, err := a.Respond(ctx, conv, ModeAuto)
	require.NoError(t, err)
	got := collectEvents(t, events, nil)

	requireTerminated(t, got)
	assert.Empty(t, eventsOfType(got, EventError))
	assert.Zero(t, provider.GetCallCount())

	last := conv.LastMessage()
	require.NotNil(t, last)
	assert.Equal(t, types.RoleAssistant, last.Role)
	assert.Equal(t, cancellationMarker, last.Content)
}

func TestRespond_CancelledMidRun(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponse("slow answer").
		WithDelay(300 * time.Millisecond)
	a := newTestAgent(t, Config{DisableStreaming: true}, provider)

	conv := NewConversation("")
	conv.AddUserMessage("Hello")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(30*time.Millisecond, cancel)

	start := time.Now()
	events, err := a.Respond(ctx, conv, ModeAuto)
	require.NoError(t, err)
	got := collectEvents(t, events, nil)

	requireTerminated(t, got)
	assert.Empty(t, eventsOfType(got, EventError))
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	last := conv.LastMessage()
	require.NotNil(t, last)
	assert.Equal(t, cancellationMarker, last.Content)
}

func TestRespond_TurnLimit(t *testing.T) {
	conn := fsConnection()
	provider := mocks.NewMockProvider().
		WithToolCalls([]types.ToolCall{readCall("call_1")})
	a := newTestAgent(t, Config{MaxTurns: 2}, provider, conn)

	conv := NewConversation("")
	conv.AddUserMessage("Read forever")

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	got := collectEvents(t, events, nil)

	requireTerminated(t, got)
	assert.Equal(t, 2, provider.GetCallCount())
	assert.Len(t, eventsOfType(got, EventToolResult), 2)

	found := false
	for _, ev := range eventsOfType(got, EventNotification) {
		if strings.Contains(ev.Message, "limit of 2 provider turns") {
			found = true
		}
	}
	assert.True(t, found)

	last := conv.LastMessage()
	require.NotNil(t, last)
	assert.Equal(t, turnLimitMarker, last.Content)
}

func TestRespond_ProviderErrorEmitsErrorThenDone(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithError(types.NewError(types.ErrAuthentication, "bad key"))
	a := newTestAgent(t, Config{}, provider)

	conv := NewConversation("")
	conv.AddUserMessage("Hello")

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	got := collectEvents(t, events, nil)

	requireTerminated(t, got)
	errs := eventsOfType(got, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, types.ErrAuthentication, errs[0].Err.Code)
	assert.Equal(t, EventDone, got[len(got)-1].Type)
}

func TestRespond_SingleStreamAtATime(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponse("ok").
		WithDelay(150 * time.Millisecond)
	a := newTestAgent(t, Config{DisableStreaming: true}, provider)

	first, err := a.Respond(context.Background(), NewConversation(""), ModeAuto)
	require.NoError(t, err)

	_, err = a.Respond(context.Background(), NewConversation(""), ModeAuto)
	assert.ErrorIs(t, err, ErrBusy)

	collectEvents(t, first, nil)

	third, err := a.Respond(context.Background(), NewConversation(""), ModeAuto)
	require.NoError(t, err)
	collectEvents(t, third, nil)
}

func TestRespond_SessionPersistence(t *testing.T) {
	store := session.NewMemoryStore()
	conn := fsConnection()
	provider := mocks.NewMockProvider().WithScript(
		mocks.ToolCallResponse(readCall("call_1")),
		mocks.TextResponse("Saved."),
	)
	a := newTestAgent(t, Config{}, provider, conn).WithSessionStore(store)

	conv := NewConversation("sess-1")
	conv.AddUserMessage("Read a.txt please")

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	got := collectEvents(t, events, nil)
	requireTerminated(t, got)

	sess, err := store.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, sess.Messages, len(conv.Messages))
	assert.Equal(t, types.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, "Saved.", sess.Messages[len(sess.Messages)-1].Content)

	assert.Equal(t, len(conv.Messages), sess.Metadata.MessageCount)
	assert.Equal(t, 60, sess.Metadata.TokenUsage.TotalTokens)
	assert.Equal(t, "Read a.txt please", sess.Metadata.Description)
}

func TestRespond_EventBusMirrorsStream(t *testing.T) {
	bus := NewEventBus(zap.NewNop())
	defer bus.Stop()

	doneCh := make(chan Event, 1)
	bus.Subscribe(EventDone, func(ev Event) {
		select {
		case doneCh <- ev:
		default:
		}
	})

	provider := mocks.NewMockProvider().WithResponse("observed")
	a := newTestAgent(t, Config{}, provider).WithEventBus(bus)

	conv := NewConversation("")
	conv.AddUserMessage("Hello")

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	collectEvents(t, events, nil)

	select {
	case ev := <-doneCh:
		assert.Equal(t, EventDone, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("bus observer never saw the done event")
	}
}

func TestRespond_TracesDecisions(t *testing.T) {
	emitter := trace.NewMemoryEmitter()
	conn := fsConnection()
	provider := mocks.NewMockProvider().WithScript(
		mocks.ToolCallResponse(readCall("call_1")),
		mocks.TextResponse("Traced."),
	)
	a := newTestAgent(t, Config{}, provider, conn).WithTraceEmitter(emitter)

	conv := NewConversation("sess-tr")
	conv.AddUserMessage("Read a.txt")

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	requireTerminated(t, collectEvents(t, events, nil))

	assert.Len(t, emitter.ByDecision(trace.DecisionSessionStart), 1)
	assert.Len(t, emitter.ByDecision(trace.DecisionProviderResponse), 2)
	assert.Len(t, emitter.ByDecision(trace.DecisionToolDispatch), 1)
	assert.NotEmpty(t, emitter.SessionTraces("sess-tr"))
}

func TestRespond_PromptVariantDrivesInstructions(t *testing.T) {
	mp := promptvars.NewMemoryProvider()
	variant := promptvars.New("system_prompt", "You are terse. {{audience}}")
	require.NoError(t, mp.Store(context.Background(), variant))

	provider := mocks.NewMockProvider().WithResponse("Short.")
	a := newTestAgent(t, Config{
		Instructions: "You are verbose.",
		PromptVars:   map[string]string{"audience": "Engineers only."},
	}, provider).WithPromptVariants(mp, "system_prompt")

	conv := NewConversation("")
	conv.AddUserMessage("Hello")

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	requireTerminated(t, collectEvents(t, events, nil))

	sys := provider.GetCalls()[0].Request.Messages[0]
	assert.Contains(t, sys.Content, "You are terse.")
	assert.Contains(t, sys.Content, "Engineers only.")
	assert.NotContains(t, sys.Content, "You are verbose.")

	stored, err := mp.Get(context.Background(), variant.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), stored.Metrics[promptvars.MetricExecutionCount])
	assert.Equal(t, float64(30), stored.Metrics["total_tokens"])
}

func TestRespond_MaxTokensNotification(t *testing.T) {
	truncated := &llm.ChatResponse{
		Provider: "mock",
		Choices: []llm.ChatChoice{{
			StopReason: llm.StopReasonMaxTokens,
			Message:    types.Message{Role: types.RoleAssistant, Content: "and then the"},
		}},
		Usage: types.TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}
	provider := mocks.NewMockProvider().WithScript(truncated)
	a := newTestAgent(t, Config{}, provider)

	conv := NewConversation("")
	conv.AddUserMessage("Tell me everything")

	events, err := a.Respond(context.Background(), conv, ModeAuto)
	require.NoError(t, err)
	got := collectEvents(t, events, nil)

	requireTerminated(t, got)
	found := false
	for _, ev := range eventsOfType(got, EventNotification) {
		if strings.Contains(ev.Message, "output token limit") {
			found = true
		}
	}
	assert.True(t, found)
}
