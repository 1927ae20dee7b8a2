package agent

import "errors"

// Errors returned by New and Respond before an event stream opens.
// Failures inside a running turn surface as error events on the
// stream instead.
var (
	// ErrNilProvider New was given no LLM provider.
	ErrNilProvider = errors.New("llm provider must not be nil")

	// ErrNilRegistry New was given no extension registry.
	ErrNilRegistry = errors.New("extension registry must not be nil")

	// ErrNilConversation Respond was given no conversation.
	ErrNilConversation = errors.New("conversation must not be nil")

	// ErrBusy a previous Respond stream for this agent is still open.
	ErrBusy = errors.New("another response is already in progress for this agent")
)
