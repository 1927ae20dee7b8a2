package anthropic

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gander-ai/gander/llm"
	"github.com/gander-ai/gander/types"
)

// emptyObjectSchema satisfies the API requirement that every tool
// declares an object input schema.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// contentBlock is one element of a message content array. The Type
// field selects which of the remaining fields are populated: "text"
// uses Text, "tool_use" uses ID, Name and Input, and "tool_result"
// uses ToolUseID and Content.
type contentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type messageParam struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type toolParam struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolChoiceParam struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type messagesRequest struct {
	Model         string           `json:"model"`
	MaxTokens     int              `json:"max_tokens"`
	System        string           `json:"system,omitempty"`
	Messages      []messageParam   `json:"messages"`
	Tools         []toolParam      `json:"tools,omitempty"`
	ToolChoice    *toolChoiceParam `json:"tool_choice,omitempty"`
	Temperature   float32          `json:"temperature,omitempty"`
	TopP          float32          `json:"top_p,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usageBlock     `json:"usage"`
}

// convertMessages splits the neutral transcript into the top-level
// system field and the alternating message array. System messages are
// extracted and joined; tool results become user-role tool_result
// blocks, with consecutive results merged into a single user message
// so parallel tool calls round-trip as one turn.
func convertMessages(msgs []types.Message) (string, []messageParam) {
	var system []string
	out := make([]messageParam, 0, len(msgs))

	appendToolResult := func(block contentBlock) {
		if n := len(out); n > 0 && out[n-1].Role == "user" && len(out[n-1].Content) > 0 && out[n-1].Content[0].Type == "tool_result" {
			out[n-1].Content = append(out[n-1].Content, block)
			return
		}
		out = append(out, messageParam{Role: "user", Content: []contentBlock{block}})
	}

	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			system = append(system, m.Content)
		case types.RoleTool:
			appendToolResult(contentBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			})
		case types.RoleAssistant:
			var blocks []contentBlock
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				blocks = []contentBlock{{Type: "text", Text: ""}}
			}
			out = append(out, messageParam{Role: "assistant", Content: blocks})
		default:
			out = append(out, messageParam{
				Role:    "user",
				Content: []contentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}
	return strings.Join(system, "\n\n"), out
}

func convertTools(tools []types.ToolSchema) []toolParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]toolParam, 0, len(tools))
	for _, t := range tools {
		schema := json.RawMessage(t.Parameters)
		if len(schema) == 0 {
			schema = emptyObjectSchema
		}
		out = append(out, toolParam{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

// convertToolChoice maps the neutral tool choice onto the API's
// auto/any/tool forms. "none" returns nil so the field is omitted.
func convertToolChoice(choice string) *toolChoiceParam {
	switch choice {
	case "", "none":
		return nil
	case "auto":
		return &toolChoiceParam{Type: "auto"}
	case "any", "required":
		return &toolChoiceParam{Type: "any"}
	default:
		return &toolChoiceParam{Type: "tool", Name: choice}
	}
}

// normalizeStopReason maps API stop reasons onto the shared constants.
// stop_sequence folds into end_turn: a stop string ending the turn is
// still a completed turn from the caller's point of view.
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return llm.StopReasonEndTurn
	case "tool_use":
		return llm.StopReasonToolUse
	case "max_tokens":
		return llm.StopReasonMaxTokens
	default:
		return reason
	}
}

func toChatResponse(resp messagesResponse, provider string) *llm.ChatResponse {
	msg := types.Message{Role: types.RoleAssistant}
	var text []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(args),
			})
		}
	}
	msg.Content = strings.Join(text, "")

	return &llm.ChatResponse{
		ID:       resp.ID,
		Provider: provider,
		Model:    resp.Model,
		Choices: []llm.ChatChoice{{
			Index:      0,
			StopReason: normalizeStopReason(resp.StopReason),
			Message:    msg,
		}},
		Usage: types.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		CreatedAt: time.Now().UTC(),
	}
}
