/*
Package types provides the shared data model for the gander framework.

types is the lowest-level package in the module and depends on nothing
else inside it. It defines the conversation model (Message, Role,
ToolCall), the tool contract (ToolSchema, ToolAnnotations, ToolResult),
the structured error system (Error, ErrorCode), token accounting
(TokenUsage, Tokenizer) and context.Context propagation helpers.

Conversation histories are append-only: a Message is never mutated after
it has been appended, and the only wholesale rewrite allowed is a
context-management action (summarize, truncate or clear) performed by the
agent's context manager.
*/
package types
