// Package models defines the shared wire types for the Arclight conversation
// engine: chat messages, tool calls and results, conversations, agents, and
// the events streamed to clients.
package models

import (
	"encoding/json"
	"fmt"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the four chat roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ChatMessage is a single immutable entry in a conversation transcript.
//
// Invariants enforced by the engine:
//   - ToolCalls is only set on assistant messages.
//   - ToolCallID is only set on tool messages and references a ToolCall.ID
//     from a prior assistant message.
//   - A tool message's Content is the textual rendering of its ToolResult.
type ChatMessage struct {
	ID      string `json:"id,omitempty"`
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls contains tool execution requests (assistant messages only).
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID references the originating tool call (tool messages only).
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Images holds base64-encoded image blobs for vision-capable models.
	Images []string `json:"images,omitempty"`

	// DocumentIDs references documents attached to this message, resolvable
	// by the document_search tool.
	DocumentIDs []string `json:"document_ids,omitempty"`

	// Thinking is the provider-visible reasoning scratchpad. It is never
	// concatenated into Content.
	Thinking string `json:"thinking,omitempty"`

	// TokenCount caches the estimated token count for this message.
	// Zero means not yet estimated.
	TokenCount int `json:"token_count,omitempty"`

	// Pinned messages are never dropped by context filtering.
	Pinned bool `json:"pinned,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of a tool execution. Failures are values, not
// errors: a failed tool result is appended to the transcript so a subsequent
// model turn can recover.
type ToolResult struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SuccessResult builds a successful ToolResult.
func SuccessResult(output string, metadata map[string]any) ToolResult {
	return ToolResult{Success: true, Output: output, Metadata: metadata}
}

// FailureResult builds a failed ToolResult.
func FailureResult(errMsg string, metadata map[string]any) ToolResult {
	return ToolResult{Success: false, Error: errMsg, Metadata: metadata}
}

// Render returns the textual form of the result used as a tool message's
// Content and as the model-visible tool output.
func (r ToolResult) Render() string {
	if r.Success {
		return r.Output
	}
	if r.Error == "" {
		return "tool execution failed"
	}
	return fmt.Sprintf("error: %s", r.Error)
}

// ToolMessage builds a tool ChatMessage from a result, referencing callID.
func ToolMessage(callID string, result ToolResult) ChatMessage {
	return ChatMessage{
		Role:       RoleTool,
		Content:    result.Render(),
		ToolCallID: callID,
	}
}

// TokenUsage reports token consumption for a single model invocation.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// FinishReason indicates why the model stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// AIResponse is the fully assembled result of one model invocation.
type AIResponse struct {
	Content      string         `json:"content"`
	Model        string         `json:"model"`
	TokensUsed   TokenUsage     `json:"tokens_used"`
	FinishReason FinishReason   `json:"finish_reason"`
	ToolCalls    []ToolCall     `json:"tool_calls,omitempty"`
	Thinking     string         `json:"thinking,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
