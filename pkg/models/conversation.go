package models

import (
	"time"
)

// ConversationStatus is the persisted lifecycle state of a conversation.
type ConversationStatus string

const (
	// StatusActive means no pending work exists for the conversation.
	StatusActive ConversationStatus = "active"

	// StatusProcessing means an enqueued or running turn exists.
	StatusProcessing ConversationStatus = "active-processing"

	// StatusPaused means the conversation is awaiting a client tool result.
	// Paused holds iff PendingToolRequest is non-nil.
	StatusPaused ConversationStatus = "paused"

	StatusCompleted ConversationStatus = "completed"
	StatusFailed    ConversationStatus = "failed"
	StatusCancelled ConversationStatus = "cancelled"
)

// Terminal reports whether the status is absorbing: once reached, no further
// mutation is permitted except deletion.
func (s ConversationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Public maps the persisted status to the client-facing status string.
// The two active states collapse into "processing".
func (s ConversationStatus) Public() string {
	switch s {
	case StatusActive, StatusProcessing:
		return "processing"
	case StatusPaused:
		return "waiting_for_tool"
	default:
		return string(s)
	}
}

// CanTransition reports whether the transition from s to next is allowed by
// the conversation state machine.
func (s ConversationStatus) CanTransition(next ConversationStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusProcessing:
		return s == StatusActive || s == StatusProcessing || s == StatusPaused
	case StatusCompleted:
		return s == StatusProcessing
	case StatusPaused:
		return s == StatusProcessing
	case StatusActive:
		return s == StatusActive
	case StatusCancelled:
		return s == StatusActive || s == StatusProcessing || s == StatusPaused
	case StatusFailed:
		return true // any non-terminal state may fail
	}
	return false
}

// PendingToolRequest records the single client-executable tool call awaiting
// a client-submitted result. Its presence is synonymous with StatusPaused.
type PendingToolRequest struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	// Remaining holds tool calls from the same assistant turn that were not
	// yet dispatched when the conversation suspended.
	Remaining []ToolCall `json:"remaining,omitempty"`
}

// ToolSchema describes a tool offered to the model: either a built-in server
// tool or a client-declared tool.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Conversation is a multi-turn exchange between a user and an agent. It
// exclusively owns its message list and pending tool request; all mutations
// go through the single writer holding the per-conversation lease.
type Conversation struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	UserID  string `json:"user_id"`

	Messages []ChatMessage      `json:"messages"`
	Status   ConversationStatus `json:"status"`

	// TurnCount equals the number of assistant messages; monotonically
	// non-decreasing.
	TurnCount int `json:"turn_count"`

	// TotalTokens is the running sum of per-message token counts.
	TotalTokens int `json:"total_tokens"`

	PendingToolRequest *PendingToolRequest `json:"pending_tool_request,omitempty"`

	// ClientToolSchemas lists tools the connecting client declared as
	// executable on its side. Client tools win name conflicts with
	// server tools.
	ClientToolSchemas []ToolSchema `json:"client_tool_schemas,omitempty"`

	// SystemPromptSnapshot is frozen on the first turn's processing and is
	// thereafter immutable; later template edits do not affect in-flight
	// conversations.
	SystemPromptSnapshot string `json:"system_prompt_snapshot,omitempty"`

	// ModelConfigSnapshot persists the first turn's resolved model config.
	ModelConfigSnapshot *ModelConfig `json:"model_config_snapshot,omitempty"`

	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Stats summarizes a conversation for event payloads and the status endpoint.
type Stats struct {
	Turns  int `json:"turns"`
	Tokens int `json:"tokens"`
}

// Stats returns the conversation's current turn and token totals.
func (c *Conversation) ConversationStats() Stats {
	return Stats{Turns: c.TurnCount, Tokens: c.TotalTokens}
}

// LastAssistantMessage returns the most recent assistant message, or nil.
func (c *Conversation) LastAssistantMessage() *ChatMessage {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleAssistant {
			return &c.Messages[i]
		}
	}
	return nil
}

// PinnedCount returns the number of pinned messages in the transcript.
func (c *Conversation) PinnedCount() int {
	n := 0
	for i := range c.Messages {
		if c.Messages[i].Pinned {
			n++
		}
	}
	return n
}

// MaxPinnedMessages bounds pinned messages per conversation.
const MaxPinnedMessages = 10
