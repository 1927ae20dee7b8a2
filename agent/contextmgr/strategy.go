package contextmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/gander-ai/gander/llm"
	"github.com/gander-ai/gander/types"
)

const summarizeInstruction = "Condense the conversation below into a compact summary. " +
	"Preserve the user's goals, decisions made, facts and file paths discovered, " +
	"tool results that still matter, and unresolved questions. Plain prose, " +
	"oldest first, most recent state last."

const summaryHeader = "Summary of the conversation so far:"

// summarizeMaxTokens caps the nested condensation call.
const summarizeMaxTokens = 1024

// truncate drops oldest non-system messages until the history fits the
// warning budget. System messages always survive, as do the most recent
// KeepLastN; a leading orphaned tool result whose call was dropped goes
// with it.
func (m *Manager) truncate(history []types.Message) []types.Message {
	system, rest := splitSystem(history)

	budget := m.warnAt() - m.tokenizer.CountMessagesTokens(system)

	keep := 0
	cost := 0
	for i := len(rest) - 1; i >= 0; i-- {
		msgCost := m.tokenizer.CountMessageTokens(rest[i])
		if cost+msgCost > budget && keep >= m.cfg.KeepLastN {
			break
		}
		cost += msgCost
		keep++
	}
	kept := rest[len(rest)-keep:]
	kept = dropOrphanedResults(kept)

	out := make([]types.Message, 0, len(system)+len(kept))
	out = append(out, system...)
	out = append(out, kept...)
	return out
}

// clear drops everything except system messages.
func (m *Manager) clear(history []types.Message) []types.Message {
	system, _ := splitSystem(history)
	return system
}

// summarize condenses the span between the system messages and the
// most recent KeepLastN into one summary message via a nested provider
// call. The caller falls back to truncation on error.
func (m *Manager) summarize(ctx context.Context, history []types.Message) ([]types.Message, error) {
	if m.summarizer == nil {
		return nil, types.NewError(types.ErrSummarizationFailed, "no summarization provider configured")
	}

	system, middle, recent := m.partition(history)
	if len(middle) == 0 {
		return nil, types.NewError(types.ErrSummarizationFailed, "nothing left to summarize")
	}

	req := &llm.ChatRequest{
		Model: m.cfg.SummarizeModel,
		Messages: []types.Message{
			types.NewSystemMessage(summarizeInstruction),
			types.NewUserMessage(renderTranscript(middle)),
		},
		MaxTokens:   summarizeMaxTokens,
		Temperature: 0.2,
	}
	resp, err := m.summarizer.Completion(ctx, req)
	if err != nil {
		return nil, types.NewError(types.ErrSummarizationFailed, "condensation call failed").WithCause(err)
	}
	reply := resp.First()
	if reply == nil || strings.TrimSpace(reply.Content) == "" {
		return nil, types.NewError(types.ErrSummarizationFailed, "condensation call returned no text")
	}

	summary := types.NewSystemMessage(summaryHeader + "\n\n" + strings.TrimSpace(reply.Content))
	recent = dropOrphanedResults(recent)

	out := make([]types.Message, 0, len(system)+1+len(recent))
	out = append(out, system...)
	out = append(out, summary)
	out = append(out, recent...)
	return out, nil
}

// partition splits history into system messages, the middle span to
// condense, and the most recent KeepLastN.
func (m *Manager) partition(history []types.Message) (system, middle, recent []types.Message) {
	system, rest := splitSystem(history)
	cut := len(rest) - m.cfg.KeepLastN
	if cut < 0 {
		cut = 0
	}
	return system, rest[:cut], rest[cut:]
}

// splitSystem separates system messages from the conversational rest,
// preserving relative order in both halves.
func splitSystem(history []types.Message) (system, rest []types.Message) {
	for _, msg := range history {
		if msg.Role == types.RoleSystem {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}
	return system, rest
}

// dropOrphanedResults removes leading tool results whose originating
// assistant call fell on the other side of a cut. Providers reject a
// tool result with no matching call.
func dropOrphanedResults(msgs []types.Message) []types.Message {
	for len(msgs) > 0 && msgs[0].Role == types.RoleTool {
		msgs = msgs[1:]
	}
	return msgs
}

// renderTranscript flattens messages into the plain-text form handed to
// the summarization model.
func renderTranscript(msgs []types.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case types.RoleTool:
			fmt.Fprintf(&b, "tool %s: %s\n", msg.Name, msg.Content)
		case types.RoleAssistant:
			if msg.Content != "" {
				fmt.Fprintf(&b, "assistant: %s\n", msg.Content)
			}
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(&b, "assistant called %s(%s)\n", call.Name, string(call.Arguments))
			}
		default:
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
	}
	return b.String()
}
