package agent

import (
	"context"

	"github.com/gander-ai/gander/agent/session"
	"github.com/gander-ai/gander/types"
)

// Conversation is the message history one Respond call works on. The
// loop owns Messages from the moment Respond returns until the stream
// delivers its done event; the caller must not read or mutate the
// slice in between. SessionID links the conversation to a persisted
// session; empty means the conversation is ephemeral.
type Conversation struct {
	SessionID string          `json:"session_id,omitempty"`
	Messages  []types.Message `json:"messages"`
}

// NewConversation creates an empty conversation.
func NewConversation(sessionID string) *Conversation {
	return &Conversation{SessionID: sessionID}
}

// LoadConversation rebuilds a conversation from a persisted session.
func LoadConversation(ctx context.Context, store session.Store, id string) (*Conversation, error) {
	sess, err := store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Conversation{
		SessionID: sess.Metadata.ID,
		Messages:  sess.Messages,
	}, nil
}

// AddUserMessage appends a user message, typically right before a
// Respond call.
func (c *Conversation) AddUserMessage(text string) {
	c.Messages = append(c.Messages, types.NewUserMessage(text))
}

// LastMessage returns the most recent message, or nil when empty.
func (c *Conversation) LastMessage() *types.Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}
