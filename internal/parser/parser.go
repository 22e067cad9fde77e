// Package parser decodes raw transport frames into typed stream events.
// It is stateless: partial-frame buffering is owned by the transport reader.
package parser

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foundrly/agentstream/internal/domain"
)

// doneSentinel terminates an SSE stream logically without carrying a payload.
const doneSentinel = "[DONE]"

// defaultEventName is assumed when an SSE block has no event: field.
const defaultEventName = "message"

// wirePayload is the superset of fields the agent service emits in a frame's
// data document. Shape is validated per event kind before anything leaves
// this package.
type wirePayload struct {
	ThreadID     string `json:"thread_id"`
	Agent        string `json:"agent"`
	ID           string `json:"id"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`

	ToolCalls []struct {
		ID   string         `json:"id"`
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"tool_calls"`
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`

	Code    string   `json:"code"`
	Message string   `json:"message"`
	Title   string   `json:"title"`
	Steps   []string `json:"steps"`
}

// socketEnvelope wraps a WebSocket message: one JSON document with the event
// kind alongside the payload fields.
type socketEnvelope struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
	wirePayload
}

// Parser turns raw frames into stream events.
type Parser struct {
	log *slog.Logger
}

// New creates a parser. A nil logger falls back to slog.Default().
func New(log *slog.Logger) *Parser {
	if log == nil {
		log = slog.Default()
	}
	return &Parser{log: log}
}

// ParseSSE decodes one blank-line-terminated SSE block. It returns nil for
// keep-alive frames, the [DONE] sentinel, and malformed input: an SSE stream
// is high-volume, so bad frames are logged and dropped rather than raised.
func (p *Parser) ParseSSE(frame []byte) *domain.StreamEvent {
	eventName, data := splitSSEFields(frame)
	if data == "" || data == doneSentinel {
		return nil
	}
	if eventName == "" {
		eventName = defaultEventName
	}

	kind := kindForEventName(eventName)
	if !kind.Valid() {
		p.log.Warn("unknown event kind, frame dropped", slog.String("event", eventName))
		return nil
	}

	var payload wirePayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		p.log.Warn("malformed frame dropped",
			slog.String("event", eventName),
			slog.String("error", err.Error()))
		return nil
	}

	ev, err := buildEvent(kind, &payload)
	if err != nil {
		p.log.Warn("invalid payload, frame dropped",
			slog.String("event", eventName),
			slog.String("error", err.Error()))
		return nil
	}
	return ev
}

// ParseSocket decodes one WebSocket message. Sockets are lower-volume, so
// malformed input produces an error-kind event rather than being dropped.
func (p *Parser) ParseSocket(data []byte) *domain.StreamEvent {
	var env socketEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &domain.StreamEvent{
			Kind:     domain.EventError,
			Received: time.Now(),
			Err: &domain.ErrorPayload{
				Code:    "malformed_message",
				Message: fmt.Sprintf("malformed socket message: %v", err),
			},
		}
	}

	name := env.Type
	if name == "" {
		name = env.Kind
	}
	kind := kindForEventName(name)
	if !kind.Valid() {
		return &domain.StreamEvent{
			Kind:     domain.EventError,
			Received: time.Now(),
			Err: &domain.ErrorPayload{
				Code:    "unknown_event",
				Message: fmt.Sprintf("unknown event kind %q", name),
			},
		}
	}

	ev, err := buildEvent(kind, &env.wirePayload)
	if err != nil {
		return &domain.StreamEvent{
			Kind:     domain.EventError,
			Received: time.Now(),
			Err: &domain.ErrorPayload{
				Code:    "invalid_payload",
				Message: err.Error(),
			},
		}
	}
	return ev
}

// splitSSEFields extracts the event: and data: fields from an SSE block.
// Multiple data: lines are joined with newlines per the SSE format.
func splitSSEFields(frame []byte) (eventName, data string) {
	var dataLines []string
	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return eventName, strings.Join(dataLines, "\n")
}

func kindForEventName(name string) domain.EventKind {
	if name == defaultEventName {
		return domain.EventMessageChunk
	}
	return domain.EventKind(name)
}

// buildEvent validates the payload shape for the given kind and packages a
// stream event. A schema mismatch is a parse error, never a raw passthrough.
func buildEvent(kind domain.EventKind, payload *wirePayload) (*domain.StreamEvent, error) {
	ev := &domain.StreamEvent{
		Kind:      kind,
		MessageID: payload.ID,
		ThreadID:  payload.ThreadID,
		Agent:     payload.Agent,
		Role:      domain.Role(payload.Role),
		Received:  time.Now(),
	}

	switch kind {
	case domain.EventMessageChunk, domain.EventReasoningChunk:
		if payload.ID == "" {
			return nil, domain.ErrParse(fmt.Sprintf("%s: missing message id", kind), nil)
		}
		ev.Delta = &domain.DeltaPayload{
			Text:         payload.Content,
			FinishReason: payload.FinishReason,
		}

	case domain.EventToolCall:
		if payload.ID == "" {
			return nil, domain.ErrParse("tool_call: missing message id", nil)
		}
		if len(payload.ToolCalls) == 0 {
			return nil, domain.ErrParse("tool_call: missing tool_calls", nil)
		}
		tc := payload.ToolCalls[0]
		if tc.ID == "" || tc.Name == "" {
			return nil, domain.ErrParse("tool_call: missing tool id or name", nil)
		}
		ev.ToolCall = &domain.ToolCallPayload{ID: tc.ID, Name: tc.Name, Args: tc.Args}

	case domain.EventToolCallResult:
		if payload.ID == "" {
			return nil, domain.ErrParse("tool_call_result: missing message id", nil)
		}
		if payload.ToolCallID == "" {
			return nil, domain.ErrParse("tool_call_result: missing tool_call_id", nil)
		}
		ev.ToolResult = &domain.ToolResultPayload{
			ToolCallID: payload.ToolCallID,
			Result:     payload.Result,
			Error:      payload.Message,
		}

	case domain.EventPlanCreated, domain.EventPlanAccepted, domain.EventPlanRejected:
		ev.Plan = &domain.PlanPayload{Title: payload.Title, Steps: payload.Steps}

	case domain.EventError:
		if payload.Message == "" {
			return nil, domain.ErrParse("error: missing message", nil)
		}
		ev.Err = &domain.ErrorPayload{Code: payload.Code, Message: payload.Message}

	case domain.EventInterrupt, domain.EventDone:
		// No payload beyond the message reference.
	}

	return ev, nil
}
