/*
Package agent implements the control loop that turns a conversation
into provider calls, tool dispatches, and a stream of typed events.

# Overview

One Agent serves one session. Respond runs the loop in a goroutine and
hands back a finite event stream: text deltas while the model speaks,
tool lifecycle events while extensions run, and exactly one done event
at the end. The loop suspends only at provider calls and tool
dispatches, which is also where cancellation takes effect. History
mutation, session persistence, metrics, and reasoning traces are side
effects of the loop itself.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                       Agent.Respond                        │
	│            (conversation in, event stream out)             │
	├────────────────────────────────────────────────────────────┤
	│  Prompt Assembly   │  Context Manager  │    Loop Guard     │
	│  (instructions,    │  (window checks,  │  (repeated-call   │
	│   variants, vars)  │   rewrites)       │   detection)      │
	├────────────────────────────────────────────────────────────┤
	│             Permission Modes + Tool Dispatcher             │
	├────────────────────────────────────────────────────────────┤
	│         LLM Provider       │      Extension Registry       │
	└────────────────────────────────────────────────────────────┘

Each provider turn assembles the system prompt, lets the context
manager rewrite the history when the window demands it, calls the
provider, and routes any tool calls through the loop guard, the active
permission mode, and the dispatcher. Results are fed back as tool
messages and the loop repeats until the model answers in plain text or
the turn limit is reached.

# Usage

	a, err := agent.New(agent.Config{
	    Model:        "claude-sonnet-4",
	    Instructions: "You are a coding assistant.",
	    Interactive:  true,
	}, provider, registry, logger)
	if err != nil {
	    log.Fatal(err)
	}

	conv := agent.NewConversation("")
	conv.AddUserMessage("List the files in the working directory.")

	events, err := a.Respond(ctx, conv, agent.ModeSmartApprove)
	if err != nil {
	    log.Fatal(err)
	}
	for ev := range events {
	    switch ev.Type {
	    case agent.EventTextDelta:
	        fmt.Print(ev.Delta)
	    case agent.EventApprovalRequested:
	        ev.Approval.Approve()
	    }
	}

# Permission Modes

Four modes govern what happens to a tool call after the loop guard has
cleared it:

  - ModeAuto: execute every call without asking
  - ModeApprove: ask the consumer before every call
  - ModeSmartApprove: execute read-only calls, ask for the rest
  - ModeChat: reject every call, text only

A denied or rejected call becomes an error tool result; the model sees
it on the next turn and the loop continues.

# The Event Stream

Every stream ends with exactly one done event, after which the channel
closes. Failures inside a running turn surface as error events rather
than Go errors, and cancellation produces a notification followed by a
normal done. Consumers answer approval requests through ev.Approval
and context-strategy prompts through ev.ContextPrompt; both time out
on their own, so an inattentive consumer cannot wedge the loop.

# Context Management

Before each provider call the token count of the assembled request is
checked against the model's window. Past the warning threshold the
history is rewritten with one of four strategies: summarize, truncate,
clear, or prompt, where prompt defers the choice to the consumer over
the event stream. A history that still exceeds the window after the
rewrite ends the turn with a context-exceeded error event.
*/
package agent
