package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names an event emitted during agent execution. Types map
// 1:1 to SSE event names so browsers can subscribe per type with
// EventSource.addEventListener.
type EventType string

const (
	EventTypeText       EventType = "text"
	EventTypeThinking   EventType = "thinking"
	EventTypeToolUse    EventType = "tool_use"
	EventTypeToolResult EventType = "tool_result"
	EventTypeStatus     EventType = "status"
	EventTypeError      EventType = "error"
	EventTypeComplete   EventType = "message_complete"
	EventTypeKeepalive  EventType = "keepalive"
)

// Event is a single typed event on a session's execution stream. The
// core relays these opaquely; only EventTypeComplete is interpreted (it
// terminates the stream).
type Event struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func NewEvent(eventType EventType, messageID string, data map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Data:      data,
		MessageID: messageID,
		Timestamp: time.Now().UTC(),
	}
}

func NewTextEvent(messageID, content string) *Event {
	return NewEvent(EventTypeText, messageID, map[string]any{"content": content})
}

func NewThinkingEvent(messageID, content string) *Event {
	return NewEvent(EventTypeThinking, messageID, map[string]any{"content": content})
}

func NewToolUseEvent(messageID, toolName, toolUseID string, input map[string]any) *Event {
	return NewEvent(EventTypeToolUse, messageID, map[string]any{
		"tool":        toolName,
		"tool_use_id": toolUseID,
		"input":       input,
	})
}

func NewToolResultEvent(messageID, toolUseID, output, errText string) *Event {
	data := map[string]any{"tool_use_id": toolUseID}
	if output != "" {
		data["output"] = output
	}
	if errText != "" {
		data["error"] = errText
	}
	return NewEvent(EventTypeToolResult, messageID, data)
}

func NewErrorEvent(messageID, errText string) *Event {
	return NewEvent(EventTypeError, messageID, map[string]any{"error": errText})
}

// NewCompleteEvent terminates an event stream. Status is "completed" or
// "error".
func NewCompleteEvent(messageID, status string) *Event {
	return NewEvent(EventTypeComplete, messageID, map[string]any{"status": status})
}

func NewKeepaliveEvent() *Event {
	return NewEvent(EventTypeKeepalive, "", nil)
}

// ToSSE renders the event in Server-Sent Events wire format: an event
// line, a data line with the JSON payload, and a blank line terminator.
func (e *Event) ToSSE() string {
	payload := map[string]any{
		"timestamp": e.Timestamp.Format(time.RFC3339Nano),
	}
	for k, v := range e.Data {
		payload[k] = v
	}
	if e.MessageID != "" {
		payload["message_id"] = e.MessageID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, data)
}
