package engine

import (
	"encoding/json"
	"fmt"

	"github.com/arclight-ai/arclight/pkg/models"
)

// SubmitURL returns the path clients use to submit a tool result.
func SubmitURL(conversationID string) string {
	return fmt.Sprintf("/conversations/%s/tool-results", conversationID)
}

func statsPayload(stats models.Stats) map[string]any {
	return map[string]any{"turns": stats.Turns, "tokens": stats.Tokens}
}

// ConnectedEvent is emitted by the streaming endpoint on subscribe.
func ConnectedEvent(conversationID, publicStatus string) models.Event {
	return models.Event{Kind: models.EventConnected, Data: map[string]any{
		"conversation_id": conversationID,
		"status":          publicStatus,
	}}
}

// TextChunkEvent carries one streamed model delta.
func TextChunkEvent(conversationID, kind, chunk string) models.Event {
	return models.Event{Kind: models.EventTextChunk, Data: map[string]any{
		"conversation_id": conversationID,
		"kind":            kind,
		"chunk":           chunk,
	}}
}

// ToolRequestEvent announces a pending client tool call. The stream closes
// after delivering it; the conversation resumes on result submission.
func ToolRequestEvent(conversationID string, pending *models.PendingToolRequest, stats models.Stats) models.Event {
	return models.Event{Kind: models.EventToolRequest, Data: map[string]any{
		"conversation_id": conversationID,
		"tool_request": map[string]any{
			"call_id":   pending.CallID,
			"name":      pending.Name,
			"arguments": pending.Arguments,
		},
		"submit_url": SubmitURL(conversationID),
		"stats":      statsPayload(stats),
	}}
}

func toolExecutingEvent(conversationID string, call models.ToolCall) models.Event {
	return models.Event{Kind: models.EventToolExecuting, Data: map[string]any{
		"conversation_id": conversationID,
		"tool": map[string]any{
			"call_id":   call.ID,
			"name":      call.Name,
			"arguments": decodeArguments(call.Arguments),
		},
	}}
}

func toolCompletedEvent(conversationID string, call models.ToolCall, result models.ToolResult) models.Event {
	return models.Event{Kind: models.EventToolCompleted, Data: map[string]any{
		"conversation_id": conversationID,
		"call_id":         call.ID,
		"name":            call.Name,
		"success":         result.Success,
		"content":         result.Render(),
	}}
}

// CompletedEvent is the terminal event for a successful conversation turn
// chain. It carries the last assistant message for clients that missed the
// chunks.
func CompletedEvent(conv *models.Conversation) models.Event {
	data := map[string]any{
		"status":          "completed",
		"conversation_id": conv.ID,
		"stats":           statsPayload(conv.ConversationStats()),
	}
	if last := conv.LastAssistantMessage(); last != nil {
		data["messages"] = []models.ChatMessage{*last}
	}
	return models.Event{Kind: models.EventCompleted, Data: data}
}

// FailedEvent is the terminal event for a failed turn.
func FailedEvent(conversationID, message string, stats models.Stats) models.Event {
	return models.Event{Kind: models.EventFailed, Data: map[string]any{
		"status":          "failed",
		"conversation_id": conversationID,
		"error":           message,
		"stats":           statsPayload(stats),
	}}
}

// CancelledEvent is the terminal event for a user-cancelled conversation.
func CancelledEvent(conversationID string, stats models.Stats) models.Event {
	return models.Event{Kind: models.EventCancelled, Data: map[string]any{
		"status":          "cancelled",
		"conversation_id": conversationID,
		"stats":           statsPayload(stats),
	}}
}

// HeartbeatEvent keeps idle streams alive; clients ignore it.
func HeartbeatEvent() models.Event {
	return models.Event{Kind: models.EventHeartbeat}
}

func decodeArguments(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return map[string]any{}
		}
	}
	return args
}
