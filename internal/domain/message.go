package domain

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall records a tool invocation owned by its parent message. It is
// created when a tool_call event arrives and completed by a matching
// tool_call_result event.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	Result string         `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// MessageMetadata holds auxiliary attributes of a message that are not part
// of its rendered content.
type MessageMetadata struct {
	Agent        string `json:"agent,omitempty"`
	Reasoning    string `json:"reasoning,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Message is one turn in a conversation. ID is immutable once assigned.
// Content only grows (streaming append) or is atomically replaced.
type Message struct {
	ID          string          `json:"id"`
	ThreadID    string          `json:"thread_id"`
	Role        Role            `json:"role"`
	Content     string          `json:"content"`
	IsStreaming bool            `json:"is_streaming"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"`
	Metadata    MessageMetadata `json:"metadata,omitzero"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Clone returns a deep copy of the message so callers outside the store
// cannot mutate shared state.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if len(m.ToolCalls) > 0 {
		cp.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(cp.ToolCalls, m.ToolCalls)
		for i := range cp.ToolCalls {
			if args := m.ToolCalls[i].Args; args != nil {
				dup := make(map[string]any, len(args))
				for k, v := range args {
					dup[k] = v
				}
				cp.ToolCalls[i].Args = dup
			}
		}
	}
	return &cp
}

// ToolCallByID returns a pointer to the tool call with the given id, or nil.
func (m *Message) ToolCallByID(id string) *ToolCall {
	for i := range m.ToolCalls {
		if m.ToolCalls[i].ID == id {
			return &m.ToolCalls[i]
		}
	}
	return nil
}

// ConnectionState describes the health of the active transport, surfaced to
// the UI layer. Reset on reconnect, torn down on stop.
type ConnectionState struct {
	Connected     bool      `json:"connected"`
	Error         string    `json:"error,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`
}
