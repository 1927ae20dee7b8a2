package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/gander-ai/gander/llm"
	"github.com/gander-ai/gander/llm/providers"
	"github.com/gander-ai/gander/types"
)

// streamEvent is the union of every event payload the Messages API
// emits. Each payload repeats its "type" inside the data line, so the
// SSE "event:" lines can be skipped entirely.
type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		ID    string     `json:"id"`
		Model string     `json:"model"`
		Usage usageBlock `json:"usage"`
	} `json:"message,omitempty"`

	ContentBlock *contentBlock `json:"content_block,omitempty"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`

	Usage *usageBlock `json:"usage,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// pendingTool accumulates a tool_use block whose input arrives as
// input_json_delta fragments between content_block_start and
// content_block_stop.
type pendingTool struct {
	id   string
	name string
	args strings.Builder
}

// streamEvents parses the event stream into chunks. Text deltas pass
// through as they arrive. Tool calls are held until their block stops
// so callers only ever see complete calls, delivered on the final
// chunk together with the normalized stop reason and token usage.
func streamEvents(ctx context.Context, body io.ReadCloser, provider string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer providers.SafeCloseBody(body)
		defer close(ch)

		var (
			msgID      string
			model      string
			usage      types.TokenUsage
			stopReason string
			toolCalls  []types.ToolCall
		)
		pending := make(map[int]*pendingTool)

		emit := func(chunk llm.StreamChunk) bool {
			chunk.ID = msgID
			chunk.Provider = provider
			chunk.Model = model
			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
		}

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					emit(llm.StreamChunk{Err: providers.MapTransportError(err, provider)})
				}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				emit(llm.StreamChunk{Err: providers.MapDecodeError(err, provider)})
				return
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					msgID = ev.Message.ID
					model = ev.Message.Model
					usage.PromptTokens = ev.Message.Usage.InputTokens
					usage.CompletionTokens = ev.Message.Usage.OutputTokens
				}

			case "content_block_start":
				if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
					pending[ev.Index] = &pendingTool{
						id:   ev.ContentBlock.ID,
						name: ev.ContentBlock.Name,
					}
				}

			case "content_block_delta":
				if ev.Delta == nil {
					continue
				}
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text == "" {
						continue
					}
					chunk := llm.StreamChunk{
						Delta: types.Message{Role: types.RoleAssistant, Content: ev.Delta.Text},
					}
					if !emit(chunk) {
						return
					}
				case "input_json_delta":
					if pt, ok := pending[ev.Index]; ok {
						pt.args.WriteString(ev.Delta.PartialJSON)
					}
				}

			case "content_block_stop":
				pt, ok := pending[ev.Index]
				if !ok {
					continue
				}
				delete(pending, ev.Index)
				args := strings.TrimSpace(pt.args.String())
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, types.ToolCall{
					ID:        pt.id,
					Name:      pt.name,
					Arguments: json.RawMessage(args),
				})

			case "message_delta":
				if ev.Delta != nil && ev.Delta.StopReason != "" {
					stopReason = normalizeStopReason(ev.Delta.StopReason)
				}
				if ev.Usage != nil {
					usage.CompletionTokens = ev.Usage.OutputTokens
				}

			case "message_stop":
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				final := llm.StreamChunk{
					StopReason: stopReason,
					Usage:      &usage,
				}
				if len(toolCalls) > 0 {
					final.Delta = types.Message{Role: types.RoleAssistant, ToolCalls: toolCalls}
				}
				emit(final)
				return

			case "error":
				code := types.ErrProviderUnavailable
				if ev.Error != nil && ev.Error.Type == "overloaded_error" {
					code = types.ErrModelOverloaded
				}
				msg := "stream error"
				if ev.Error != nil && ev.Error.Message != "" {
					msg = ev.Error.Message
				}
				emit(llm.StreamChunk{
					Err: types.NewError(code, msg).WithProvider(provider).WithRetryable(true),
				})
				return
			}
		}
	}()
	return ch
}
