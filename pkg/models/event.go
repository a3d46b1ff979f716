package models

// EventKind identifies a streaming event pushed to a conversation's queue.
type EventKind string

const (
	// EventConnected is emitted only by the streaming endpoint on connect.
	EventConnected EventKind = "connected"

	// EventTextChunk carries one streamed model delta (content or thinking).
	EventTextChunk EventKind = "text_chunk"

	// EventToolRequest signals a client-executable tool call; the
	// conversation suspends until the client submits a result.
	EventToolRequest EventKind = "tool_request"

	EventToolExecuting EventKind = "tool_executing"
	EventToolCompleted EventKind = "tool_completed"

	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
	EventError     EventKind = "error"

	// EventHeartbeat carries no data; clients ignore it.
	EventHeartbeat EventKind = "heartbeat"
)

// Terminal reports whether the kind ends the event stream. tool_request also
// closes the stream but is not terminal: the conversation resumes later.
func (k EventKind) Terminal() bool {
	switch k {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	}
	return false
}

// ClosesStream reports whether a streaming endpoint should close after
// delivering an event of this kind.
func (k EventKind) ClosesStream() bool {
	return k.Terminal() || k == EventToolRequest
}

// Event is a structured notification persisted in an ordered
// per-conversation queue with a fixed TTL.
type Event struct {
	Kind EventKind      `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}
