package agent

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gander-ai/gander/agent/contextmgr"
	"github.com/gander-ai/gander/types"
)

// EventType identifies one kind of loop event.
type EventType string

const (
	// EventTextDelta carries a chunk of streamed assistant text.
	EventTextDelta EventType = "text_delta"
	// EventToolStarted marks a tool call leaving for dispatch.
	EventToolStarted EventType = "tool_started"
	// EventToolResult carries the outcome of one tool call, including
	// synthetic error results for blocked or rejected calls.
	EventToolResult EventType = "tool_result"
	// EventContextAction reports an applied context-window strategy.
	EventContextAction EventType = "context_action"
	// EventApprovalRequested asks the consumer to decide a tool call.
	// Respond through the attached ApprovalRequest.
	EventApprovalRequested EventType = "approval_requested"
	// EventNotification carries advisory text such as loop-guard trips
	// and permission-mode rejections.
	EventNotification EventType = "notification"
	// EventError reports an error fatal to the turn. A done event
	// still follows it.
	EventError EventType = "error"
	// EventDone terminates every stream, exactly once, always last.
	EventDone EventType = "done"
)

// Event is one entry in the stream returned by Respond. Type selects
// which payload fields are set: Delta for text_delta, ToolCall for
// tool_started, ToolResult for tool_result, ContextAction or
// ContextPrompt for context_action, Approval (plus ToolCall) for
// approval_requested, Message for notification, Err for error, Usage
// for done. A context_action event carries ContextPrompt while the
// loop is waiting for a strategy decision and ContextAction once a
// rewrite has been applied.
type Event struct {
	Type          EventType                 `json:"type"`
	Timestamp     time.Time                 `json:"timestamp"`
	Delta         string                    `json:"delta,omitempty"`
	ToolCall      *types.ToolCall           `json:"tool_call,omitempty"`
	ToolResult    *types.ToolResult         `json:"tool_result,omitempty"`
	ContextAction *contextmgr.AppliedAction `json:"context_action,omitempty"`
	ContextPrompt *StrategyPrompt           `json:"context_prompt,omitempty"`
	Approval      *ApprovalRequest          `json:"approval,omitempty"`
	Message       string                    `json:"message,omitempty"`
	Err           *types.Error              `json:"error,omitempty"`
	Usage         *types.TokenUsage         `json:"usage,omitempty"`
}

func textDeltaEvent(delta string) Event {
	return Event{Type: EventTextDelta, Timestamp: time.Now(), Delta: delta}
}

func toolStartedEvent(call types.ToolCall) Event {
	return Event{Type: EventToolStarted, Timestamp: time.Now(), ToolCall: &call}
}

func toolResultEvent(result types.ToolResult) Event {
	return Event{Type: EventToolResult, Timestamp: time.Now(), ToolResult: &result}
}

func contextActionEvent(action *contextmgr.AppliedAction) Event {
	return Event{Type: EventContextAction, Timestamp: time.Now(), ContextAction: action}
}

func contextPromptEvent(prompt *StrategyPrompt) Event {
	return Event{Type: EventContextAction, Timestamp: time.Now(), ContextPrompt: prompt}
}

func approvalEvent(req *ApprovalRequest) Event {
	call := req.Call
	return Event{Type: EventApprovalRequested, Timestamp: time.Now(), Approval: req, ToolCall: &call}
}

func notificationEvent(message string) Event {
	return Event{Type: EventNotification, Timestamp: time.Now(), Message: message}
}

func errorEvent(err *types.Error) Event {
	return Event{Type: EventError, Timestamp: time.Now(), Err: err}
}

func doneEvent(usage *types.TokenUsage) Event {
	return Event{Type: EventDone, Timestamp: time.Now(), Usage: usage}
}

// subscriptionCounter generates unique subscription ids without
// relying on timestamps, which collide under concurrency.
var subscriptionCounter int64

// EventHandler consumes events published on a bus.
type EventHandler func(Event)

// EventBus fans loop events out to in-process observers beyond the
// per-turn stream returned by Respond.
type EventBus interface {
	Publish(event Event)
	Subscribe(eventType EventType, handler EventHandler) string
	Unsubscribe(subscriptionID string)
	Stop()
}

// SimpleEventBus is a buffered, drop-on-overflow bus. Handlers run on
// their own goroutines with panic recovery, so a slow or faulty
// observer never stalls the loop.
type SimpleEventBus struct {
	mu           sync.RWMutex
	handlers     map[EventType]map[string]EventHandler
	eventChannel chan Event
	done         chan struct{}
	stopOnce     sync.Once
	logger       *zap.Logger
}

// NewEventBus creates a running event bus.
func NewEventBus(logger ...*zap.Logger) EventBus {
	var l *zap.Logger
	if len(logger) > 0 && logger[0] != nil {
		l = logger[0]
	} else {
		l = zap.NewNop()
	}
	bus := &SimpleEventBus{
		handlers:     make(map[EventType]map[string]EventHandler),
		eventChannel: make(chan Event, 100),
		done:         make(chan struct{}),
		logger:       l,
	}
	go bus.processEvents()
	return bus
}

// Publish enqueues an event. Events are dropped when the buffer is
// full or the bus is stopped.
func (b *SimpleEventBus) Publish(event Event) {
	select {
	case b.eventChannel <- event:
	case <-b.done:
	default:
	}
}

// Subscribe registers a handler for one event type and returns its
// subscription id.
func (b *SimpleEventBus) Subscribe(eventType EventType, handler EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]EventHandler)
	}

	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[eventType][id] = handler
	return id
}

// Unsubscribe removes a subscription by id.
func (b *SimpleEventBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, eventType)
			}
			return
		}
	}
}

func (b *SimpleEventBus) processEvents() {
	for {
		select {
		case event := <-b.eventChannel:
			b.mu.RLock()
			src := b.handlers[event.Type]
			handlers := make([]EventHandler, 0, len(src))
			for _, h := range src {
				handlers = append(handlers, h)
			}
			b.mu.RUnlock()

			for _, handler := range handlers {
				h := handler
				go func() {
					defer func() {
						if r := recover(); r != nil {
							b.logger.Error("event handler panicked", zap.Any("recover", r))
						}
					}()
					h(event)
				}()
			}
		case <-b.done:
			return
		}
	}
}

// Stop shuts the bus down. Pending buffered events are discarded.
func (b *SimpleEventBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}
