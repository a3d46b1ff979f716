package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/arclight-ai/arclight/internal/backend"
	"github.com/arclight-ai/arclight/internal/broadcast"
	"github.com/arclight-ai/arclight/internal/observability"
	"github.com/arclight-ai/arclight/internal/store"
	"github.com/arclight-ai/arclight/pkg/models"
)

var (
	// ErrEmptyMessage rejects user messages with no content.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrAwaitingToolResult rejects user messages while a client tool call
	// is pending.
	ErrAwaitingToolResult = errors.New("conversation is awaiting a tool result")

	// ErrTerminalState rejects operations on completed, failed, or cancelled
	// conversations.
	ErrTerminalState = errors.New("conversation is in a terminal state")

	// ErrNotPaused rejects tool-result submissions when no tool call is
	// pending.
	ErrNotPaused = errors.New("conversation has no pending tool request")

	// ErrCallIDMismatch rejects tool-result submissions whose call_id does
	// not match the pending request. The conversation state is unchanged.
	ErrCallIDMismatch = errors.New("call_id does not match the pending tool request")
)

// Service is the operation surface behind the HTTP handlers: message intake,
// tool-result submission, cancellation, and status reads. All transcript
// writes go through the store's atomic Mutate.
type Service struct {
	store       store.Store
	broadcaster broadcast.Broadcaster
	enqueue     func(conversationID string)
	log         *observability.Logger
	metrics     *observability.Metrics
}

// NewService creates a service. enqueue schedules turn processing and is
// usually Queue.Enqueue.
func NewService(st store.Store, b broadcast.Broadcaster, enqueue func(string), log *observability.Logger, metrics *observability.Metrics) *Service {
	if enqueue == nil {
		enqueue = func(string) {}
	}
	return &Service{store: st, broadcaster: b, enqueue: enqueue, log: log, metrics: metrics}
}

// CreateConversation starts a conversation for an agent. The agent must
// exist; clientTools declares tools the caller executes on its side.
func (s *Service) CreateConversation(ctx context.Context, agentID, userID string, clientTools []models.ToolSchema) (*models.Conversation, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}
	conv := &models.Conversation{
		ID:                uuid.NewString(),
		AgentID:           agentID,
		UserID:            userID,
		Status:            models.StatusActive,
		ClientToolSchemas: clientTools,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// MessageSubmission is one incoming user message. DocumentIDs reference
// previously uploaded documents; Pinned exempts the message from context
// filtering, capped at models.MaxPinnedMessages per conversation.
type MessageSubmission struct {
	Content     string   `json:"content"`
	Images      []string `json:"images,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	Pinned      bool     `json:"pinned,omitempty"`
}

// SendMessage appends a user message and schedules a turn. Rejected while
// a tool result is pending or after the conversation has terminated.
func (s *Service) SendMessage(ctx context.Context, conversationID string, sub MessageSubmission) (*models.Conversation, error) {
	if sub.Content == "" {
		return nil, ErrEmptyMessage
	}

	msg := models.ChatMessage{
		ID:          uuid.NewString(),
		Role:        models.RoleUser,
		Content:     sub.Content,
		Images:      sub.Images,
		DocumentIDs: sub.DocumentIDs,
		Pinned:      sub.Pinned,
		TokenCount:  backend.EstimateTokens(sub.Content),
	}

	conv, err := s.store.Mutate(ctx, conversationID, func(c *models.Conversation) error {
		if c.Status.Terminal() {
			return ErrTerminalState
		}
		if c.Status == models.StatusPaused {
			return ErrAwaitingToolResult
		}
		c.Messages = append(c.Messages, msg)
		c.TotalTokens += msg.TokenCount
		c.Status = models.StatusProcessing
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.enqueue(conversationID)
	return conv, nil
}

// ToolResultSubmission is a client's answer to a pending tool request.
type ToolResultSubmission struct {
	CallID  string `json:"call_id"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SubmitToolResult resumes a paused conversation. The submission must match
// the pending call_id exactly; a mismatch or a duplicate submission leaves
// the conversation untouched.
func (s *Service) SubmitToolResult(ctx context.Context, conversationID string, sub ToolResultSubmission) (*models.Conversation, error) {
	var result models.ToolResult
	if sub.Success {
		result = models.SuccessResult(sub.Output, nil)
	} else {
		result = models.FailureResult(sub.Error, nil)
	}

	conv, err := s.store.Mutate(ctx, conversationID, func(c *models.Conversation) error {
		if c.Status.Terminal() {
			return ErrTerminalState
		}
		if c.Status != models.StatusPaused || c.PendingToolRequest == nil {
			return ErrNotPaused
		}
		if c.PendingToolRequest.CallID != sub.CallID {
			return ErrCallIDMismatch
		}

		toolMsg := models.ToolMessage(sub.CallID, result)
		toolMsg.TokenCount = backend.EstimateTokens(toolMsg.Content)
		c.Messages = append(c.Messages, toolMsg)
		c.TotalTokens += toolMsg.TokenCount
		c.PendingToolRequest = nil
		c.Status = models.StatusProcessing
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.enqueue(conversationID)
	return conv, nil
}

// Cancel stops a conversation. Cancelling an already cancelled conversation
// succeeds without effect; completed and failed conversations reject it.
func (s *Service) Cancel(ctx context.Context, conversationID string) (*models.Conversation, error) {
	alreadyCancelled := false
	conv, err := s.store.Mutate(ctx, conversationID, func(c *models.Conversation) error {
		if c.Status == models.StatusCancelled {
			alreadyCancelled = true
			return nil
		}
		if c.Status.Terminal() {
			return ErrTerminalState
		}
		c.Status = models.StatusCancelled
		c.PendingToolRequest = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !alreadyCancelled {
		event := CancelledEvent(conversationID, conv.ConversationStats())
		if err := s.broadcaster.Emit(ctx, conversationID, event); err != nil && s.log != nil {
			s.log.Warn(ctx, "emit cancelled event", "error", err.Error())
		}
		if s.metrics != nil {
			s.metrics.RecordEvent(string(event.Kind))
		}
		if s.log != nil {
			s.log.Info(observability.WithConversation(ctx, conversationID), "conversation cancelled")
		}
	}
	return conv, nil
}

// StatusReport is the status endpoint payload. Messages carries the final
// assistant message once the conversation completed, so polling clients
// that never opened the stream still get the answer.
type StatusReport struct {
	ConversationID string                     `json:"conversation_id"`
	Status         string                     `json:"status"`
	Stats          models.Stats               `json:"stats"`
	PendingTool    *models.PendingToolRequest `json:"pending_tool_request,omitempty"`
	Messages       []models.ChatMessage       `json:"messages,omitempty"`
}

// Status reads a conversation's public state.
func (s *Service) Status(ctx context.Context, conversationID string) (*StatusReport, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{
		ConversationID: conv.ID,
		Status:         conv.Status.Public(),
		Stats:          conv.ConversationStats(),
		PendingTool:    conv.PendingToolRequest,
	}
	if conv.Status == models.StatusCompleted {
		if last := conv.LastAssistantMessage(); last != nil {
			report.Messages = []models.ChatMessage{*last}
		}
	}
	return report, nil
}

// Conversation reads the full conversation record.
func (s *Service) Conversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	return s.store.GetConversation(ctx, conversationID)
}
