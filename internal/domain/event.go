// Package domain defines the canonical types shared across the streaming
// pipeline: stream events, batches, messages, threads, and the error taxonomy.
package domain

import (
	"time"
)

// EventKind identifies the type of a stream event.
type EventKind string

const (
	EventMessageChunk   EventKind = "message_chunk"
	EventReasoningChunk EventKind = "reasoning_chunk"
	EventToolCall       EventKind = "tool_call"
	EventToolCallResult EventKind = "tool_call_result"
	EventPlanCreated    EventKind = "plan_created"
	EventPlanAccepted   EventKind = "plan_accepted"
	EventPlanRejected   EventKind = "plan_rejected"
	EventInterrupt      EventKind = "interrupt"
	EventError          EventKind = "error"
	EventDone           EventKind = "done"
)

// Critical reports whether events of this kind must never be dropped or
// sampled by the batcher. Content deltas are the only sampleable kinds.
func (k EventKind) Critical() bool {
	switch k {
	case EventToolCall, EventToolCallResult, EventInterrupt, EventError, EventDone:
		return true
	default:
		return false
	}
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventMessageChunk, EventReasoningChunk, EventToolCall, EventToolCallResult,
		EventPlanCreated, EventPlanAccepted, EventPlanRejected,
		EventInterrupt, EventError, EventDone:
		return true
	default:
		return false
	}
}

// DeltaPayload carries an incremental text fragment for a streaming message.
type DeltaPayload struct {
	Text         string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ToolCallPayload describes a tool invocation requested by the agent.
type ToolCallPayload struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResultPayload carries the outcome of a previously announced tool call.
type ToolResultPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PlanPayload carries the research plan attached to plan lifecycle events.
type PlanPayload struct {
	Title string   `json:"title,omitempty"`
	Steps []string `json:"steps,omitempty"`
}

// ErrorPayload carries a protocol-level error reported by the remote agent.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// StreamEvent is one decoded unit of the streaming protocol. Exactly one of
// the payload pointers is set, matching Kind. Events are immutable after
// creation by the frame parser.
type StreamEvent struct {
	Kind      EventKind
	MessageID string
	ThreadID  string
	Agent     string
	Role      Role
	Received  time.Time

	Delta      *DeltaPayload
	ToolCall   *ToolCallPayload
	ToolResult *ToolResultPayload
	Plan       *PlanPayload
	Err        *ErrorPayload
}

// Terminal reports whether this event ends the referenced message's
// streaming lifecycle.
func (e *StreamEvent) Terminal() bool {
	switch e.Kind {
	case EventDone, EventError, EventInterrupt:
		return true
	default:
		return false
	}
}

// EventBatch is a bounded, ordered group of stream events delivered together
// to the message store.
type EventBatch struct {
	Events      []*StreamEvent
	CollectedAt time.Time
	Window      time.Duration
}
