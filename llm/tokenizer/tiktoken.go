package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/gander-ai/gander/types"
)

// Framing overhead in tokens. Message and tool overheads match the
// estimator in the types package so counts stay comparable; the
// conversation overhead covers the chat format's reply priming.
const (
	messageOverhead      = 4
	conversationOverhead = 3
	toolOverhead         = 10
)

// TiktokenTokenizer counts tokens with a tiktoken encoding. The
// encoding is initialized lazily because the vocabulary may be fetched
// on first use; if that fails the counter degrades to estimation
// rather than erroring, since context accounting must always produce
// a number.
type TiktokenTokenizer struct {
	model    string
	encoding string

	once     sync.Once
	enc      *tiktoken.Tiktoken
	fallback *types.EstimateTokenizer
}

var _ types.Tokenizer = (*TiktokenTokenizer)(nil)

// NewTiktokenTokenizer creates a counter for the given model and
// tiktoken encoding name.
func NewTiktokenTokenizer(model, encoding string) *TiktokenTokenizer {
	return &TiktokenTokenizer{
		model:    model,
		encoding: encoding,
		fallback: types.NewEstimateTokenizer(),
	}
}

func (t *TiktokenTokenizer) init() bool {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			return
		}
		t.enc = enc
	})
	return t.enc != nil
}

func (t *TiktokenTokenizer) count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// CountTokens counts tokens in a text string.
func (t *TiktokenTokenizer) CountTokens(text string) int {
	if !t.init() {
		return t.fallback.CountTokens(text)
	}
	return t.count(text)
}

// CountMessageTokens counts one message including role, name, content
// and any tool-call payloads, plus framing overhead.
func (t *TiktokenTokenizer) CountMessageTokens(msg types.Message) int {
	if !t.init() {
		return t.fallback.CountMessageTokens(msg)
	}
	total := messageOverhead + t.count(string(msg.Role))
	if msg.Content != "" {
		total += t.count(msg.Content)
	}
	if msg.Name != "" {
		total += t.count(msg.Name)
	}
	for _, tc := range msg.ToolCalls {
		total += t.count(tc.Name) + t.count(string(tc.Arguments))
	}
	return total
}

// CountMessagesTokens counts a whole history including the
// conversation-end overhead.
func (t *TiktokenTokenizer) CountMessagesTokens(msgs []types.Message) int {
	if !t.init() {
		return t.fallback.CountMessagesTokens(msgs)
	}
	total := 0
	for _, msg := range msgs {
		total += t.CountMessageTokens(msg)
	}
	return total + conversationOverhead
}

// EstimateToolTokens counts the token cost of advertising tool schemas.
func (t *TiktokenTokenizer) EstimateToolTokens(tools []types.ToolSchema) int {
	if !t.init() {
		return t.fallback.EstimateToolTokens(tools)
	}
	total := 0
	for _, tool := range tools {
		total += toolOverhead + t.count(tool.Name) + t.count(tool.Description)
		if len(tool.Parameters) > 0 {
			total += t.count(string(tool.Parameters))
		}
	}
	return total
}
