// Package engine runs the agentic conversation loop: one turn per task,
// model call then tool execution, re-enqueued until the conversation
// reaches a terminal state or suspends on a client tool.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arclight-ai/arclight/internal/backend"
	"github.com/arclight-ai/arclight/internal/broadcast"
	"github.com/arclight-ai/arclight/internal/contextfilter"
	"github.com/arclight-ai/arclight/internal/observability"
	"github.com/arclight-ai/arclight/internal/prompt"
	"github.com/arclight-ai/arclight/internal/store"
	"github.com/arclight-ai/arclight/pkg/models"
)

// Config carries the processor's tunables.
type Config struct {
	// TurnTimeout bounds one turn's wall clock. Floored at 10 minutes.
	TurnTimeout time.Duration

	// DefaultMaxTurns applies when the agent sets none.
	DefaultMaxTurns int

	// DefaultContextThreshold applies when the agent sets none.
	DefaultContextThreshold float64

	// SummaryPrompt is the system prompt for summarization calls.
	SummaryPrompt string
}

func (c Config) withDefaults() Config {
	if c.TurnTimeout < 10*time.Minute {
		c.TurnTimeout = 10 * time.Minute
	}
	if c.DefaultMaxTurns <= 0 {
		c.DefaultMaxTurns = 25
	}
	if c.DefaultContextThreshold <= 0 || c.DefaultContextThreshold > 1 {
		c.DefaultContextThreshold = 0.8
	}
	if c.SummaryPrompt == "" {
		c.SummaryPrompt = "Summarize the following conversation excerpt, keeping facts, decisions, and open questions. Be brief."
	}
	return c
}

// Processor runs single turns. Turns are single-attempt: a driver failure
// terminates the turn as failed without retry.
type Processor struct {
	store       store.Store
	registry    *backend.Registry
	dispatcher  *Dispatcher
	assembler   *prompt.Assembler
	filter      *contextfilter.Filter
	broadcaster broadcast.Broadcaster
	log         *observability.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	cfg         Config

	// enqueue schedules a follow-up turn; wired to Queue.Enqueue.
	enqueue func(conversationID string)
}

// NewProcessor creates a turn processor. Call SetEnqueue before Process so
// server-tool turns can chain.
func NewProcessor(
	st store.Store,
	registry *backend.Registry,
	dispatcher *Dispatcher,
	assembler *prompt.Assembler,
	filter *contextfilter.Filter,
	broadcaster broadcast.Broadcaster,
	log *observability.Logger,
	metrics *observability.Metrics,
	cfg Config,
) *Processor {
	return &Processor{
		store:       st,
		registry:    registry,
		dispatcher:  dispatcher,
		assembler:   assembler,
		filter:      filter,
		broadcaster: broadcaster,
		log:         log,
		metrics:     metrics,
		tracer:      observability.NewTracer(),
		cfg:         cfg.withDefaults(),
		enqueue:     func(string) {},
	}
}

// SetEnqueue wires the follow-up turn scheduler.
func (p *Processor) SetEnqueue(fn func(conversationID string)) {
	if fn != nil {
		p.enqueue = fn
	}
}

// Process runs one turn for the conversation. All failure modes resolve
// the conversation to a terminal persisted state; Process itself returns
// no error to the queue.
func (p *Processor) Process(ctx context.Context, conversationID string) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TurnTimeout)
	defer cancel()
	ctx = observability.WithConversation(ctx, conversationID)

	start := time.Now()
	backendName, outcome := "unknown", "failed"
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordTurn(backendName, outcome, time.Since(start).Seconds())
		}
	}()

	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		p.logError(ctx, "load conversation", err)
		return
	}
	if conv.Status == models.StatusCancelled {
		outcome = "cancelled"
		return
	}
	if conv.Status.Terminal() || conv.Status == models.StatusPaused {
		outcome = "skipped"
		return
	}

	agent, err := p.store.GetAgent(ctx, conv.AgentID)
	if err != nil {
		p.fail(ctx, conversationID, fmt.Sprintf("load agent: %v", err))
		return
	}
	ctx = observability.WithAgent(ctx, agent.ID)
	backendName = agent.AIBackend

	ctx, span := p.tracer.StartTurn(ctx, conversationID, backendName)
	defer func() { observability.EndSpan(span, nil) }()

	maxTurns := agent.MaxTurns
	if maxTurns <= 0 {
		maxTurns = p.cfg.DefaultMaxTurns
	}
	if conv.TurnCount >= maxTurns {
		p.fail(ctx, conversationID, "max turns exceeded")
		return
	}

	// The first turn freezes the model config; later agent edits do not
	// affect this conversation.
	modelCfg := agent.ModelConfig
	if conv.ModelConfigSnapshot != nil {
		modelCfg = *conv.ModelConfigSnapshot
	}

	driver, normCfg, err := p.registry.ResolveConfig(agent.AIBackend, modelCfg)
	if err != nil {
		p.fail(ctx, conversationID, err.Error())
		return
	}
	defer driver.Disconnect()
	for _, warning := range normCfg.Warnings {
		p.logWarn(ctx, "model config adjusted", "detail", warning)
	}

	systemPrompt := conv.SystemPromptSnapshot
	if systemPrompt == "" {
		systemPrompt, err = p.assembler.Assemble(agent, conv)
		if err != nil {
			p.fail(ctx, conversationID, err.Error())
			return
		}
	}

	toolSchemas := p.toolSchemas(agent, conv)

	// Resume path: tool calls from the suspended assistant turn that were
	// behind the client call run now, before the next model call.
	if unresolved := unresolvedToolCalls(conv); len(unresolved) > 0 {
		done, cancelled := p.runToolCalls(ctx, conversationID, conv, unresolved)
		switch {
		case cancelled:
			outcome = "cancelled"
			return
		case done:
			outcome = "paused"
			return
		}
		conv, err = p.store.GetConversation(ctx, conversationID)
		if err != nil {
			p.logError(ctx, "reload conversation", err)
			return
		}
	}

	transmitted := p.filterMessages(ctx, conv, agent, driver, normCfg, systemPrompt, toolSchemas)

	// Checkpoint before the long-running driver call.
	if p.cancelled(ctx, conversationID) {
		outcome = "cancelled"
		return
	}

	resp, err := p.callDriver(ctx, driver, normCfg, systemPrompt, transmitted, toolSchemas, conversationID)
	if err != nil {
		if p.cancelled(ctx, conversationID) {
			outcome = "cancelled"
			return
		}
		p.fail(ctx, conversationID, err.Error())
		return
	}

	assistant := assistantMessage(resp)
	conv, err = p.store.Mutate(ctx, conversationID, func(c *models.Conversation) error {
		if c.Status == models.StatusCancelled {
			return errCancelled
		}
		if c.SystemPromptSnapshot == "" {
			c.SystemPromptSnapshot = systemPrompt
		}
		if c.ModelConfigSnapshot == nil {
			frozen := modelCfg
			c.ModelConfigSnapshot = &frozen
		}
		c.Messages = append(c.Messages, assistant)
		c.TurnCount++
		c.TotalTokens += assistant.TokenCount
		return nil
	})
	if err != nil {
		if errors.Is(err, errCancelled) {
			outcome = "cancelled"
			return
		}
		p.fail(ctx, conversationID, fmt.Sprintf("persist assistant message: %v", err))
		return
	}

	if len(resp.ToolCalls) == 0 {
		p.complete(ctx, conversationID)
		outcome = "completed"
		return
	}

	done, cancelled := p.runToolCalls(ctx, conversationID, conv, resp.ToolCalls)
	switch {
	case cancelled:
		outcome = "cancelled"
	case done:
		outcome = "paused"
	default:
		// Every call was server-side; chain the next turn.
		if p.cancelled(ctx, conversationID) {
			outcome = "cancelled"
			return
		}
		outcome = "continued"
		p.enqueue(conversationID)
	}
}

var errCancelled = errors.New("conversation cancelled")

func (p *Processor) callDriver(
	ctx context.Context,
	driver backend.Driver,
	normCfg backend.NormalizedModelConfig,
	systemPrompt string,
	messages []models.ChatMessage,
	toolSchemas []models.ToolSchema,
	conversationID string,
) (*models.AIResponse, error) {
	modelStart := time.Now()
	onChunk := func(kind backend.ChunkKind, text string) {
		p.emit(ctx, conversationID, TextChunkEvent(conversationID, string(kind), text))
	}

	callCtx, span := p.tracer.StartModelCall(ctx, driver.Name(), normCfg.Model)
	resp, err := driver.StreamExecute(callCtx, systemPrompt, messages, toolSchemas, onChunk)
	observability.EndSpan(span, err)

	if p.metrics != nil {
		status := "ok"
		inTok, outTok := 0, 0
		if err != nil {
			status = string(backend.ReasonOf(err))
		} else {
			inTok, outTok = resp.TokensUsed.InputTokens, resp.TokensUsed.OutputTokens
		}
		p.metrics.RecordModelRequest(driver.Name(), normCfg.Model, status, time.Since(modelStart).Seconds(), inTok, outTok)
	}
	return resp, err
}

// runToolCalls executes calls in order. It returns done=true when the turn
// ended here (client pause), and cancelled=true when cancellation was
// observed between calls.
func (p *Processor) runToolCalls(ctx context.Context, conversationID string, conv *models.Conversation, calls []models.ToolCall) (done, cancelled bool) {
	for i, call := range calls {
		if p.cancelled(ctx, conversationID) {
			return false, true
		}

		kind := p.dispatcher.Classify(conv, call)
		if kind == DispatchClient {
			pending := &models.PendingToolRequest{
				CallID:    call.ID,
				Name:      call.Name,
				Arguments: decodeArguments(call.Arguments),
				Remaining: append([]models.ToolCall(nil), calls[i+1:]...),
			}
			updated, err := p.store.Mutate(ctx, conversationID, func(c *models.Conversation) error {
				if !c.Status.CanTransition(models.StatusPaused) {
					return fmt.Errorf("cannot pause conversation in status %s", c.Status)
				}
				c.Status = models.StatusPaused
				c.PendingToolRequest = pending
				return nil
			})
			if err != nil {
				p.fail(ctx, conversationID, err.Error())
				return true, false
			}
			p.emit(ctx, conversationID, ToolRequestEvent(conversationID, pending, updated.ConversationStats()))
			return true, false
		}

		p.emit(ctx, conversationID, toolExecutingEvent(conversationID, call))
		toolCtx, span := p.tracer.StartToolCall(ctx, call.Name)
		result := p.dispatcher.Execute(toolCtx, kind, call)
		observability.EndSpan(span, nil)
		toolMsg := models.ToolMessage(call.ID, result)
		toolMsg.TokenCount = backend.EstimateTokens(toolMsg.Content)

		if _, err := p.store.Mutate(ctx, conversationID, func(c *models.Conversation) error {
			if c.Status == models.StatusCancelled {
				return errCancelled
			}
			c.Messages = append(c.Messages, toolMsg)
			c.TotalTokens += toolMsg.TokenCount
			return nil
		}); err != nil {
			if errors.Is(err, errCancelled) {
				return false, true
			}
			p.fail(ctx, conversationID, fmt.Sprintf("persist tool result: %v", err))
			return true, false
		}
		p.emit(ctx, conversationID, toolCompletedEvent(conversationID, call, result))
	}
	return false, false
}

// toolSchemas merges the agent's server tools with the client-declared
// tools; the client wins name conflicts.
func (p *Processor) toolSchemas(agent *models.Agent, conv *models.Conversation) []models.ToolSchema {
	schemas := append([]models.ToolSchema(nil), conv.ClientToolSchemas...)
	clientNames := map[string]bool{}
	for _, s := range conv.ClientToolSchemas {
		clientNames[s.Name] = true
	}
	for _, s := range p.dispatcher.registry.Schemas(agent.Tools) {
		if !clientNames[s.Name] {
			schemas = append(schemas, s)
		}
	}
	return schemas
}

func (p *Processor) filterMessages(
	ctx context.Context,
	conv *models.Conversation,
	agent *models.Agent,
	driver backend.Driver,
	normCfg backend.NormalizedModelConfig,
	systemPrompt string,
	toolSchemas []models.ToolSchema,
) []models.ChatMessage {
	contextLimit := normCfg.ContextLength
	if contextLimit <= 0 {
		contextLimit = driver.ContextLimit(normCfg.Model)
	}

	threshold := agent.ContextThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = p.cfg.DefaultContextThreshold
	}
	if !p.filter.ShouldFilter(conv.Messages, threshold, contextLimit) {
		return conv.Messages
	}

	schemaJSON, _ := json.Marshal(toolSchemas)
	return p.filter.Apply(ctx, contextfilter.Request{
		Messages:           conv.Messages,
		SystemPromptTokens: driver.CountTokens(systemPrompt, normCfg.Model),
		ToolSchemaTokens:   backend.EstimateTokens(string(schemaJSON)),
		ContextLimit:       contextLimit,
		MaxOutputTokens:    normCfg.MaxTokens,
		Strategy:           agent.ContextStrategy,
		Options:            agent.ContextOptions,
		Summarizer: &driverSummarizer{
			driver: driver,
			prompt: p.cfg.SummaryPrompt,
		},
	})
}

// driverSummarizer runs summarization calls on the turn's own driver,
// bypassing the filter.
type driverSummarizer struct {
	driver backend.Driver
	prompt string
}

func (s *driverSummarizer) Summarize(ctx context.Context, messages []models.ChatMessage, targetTokens int) (string, error) {
	var transcript strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}
	request := fmt.Sprintf("Condense the following into at most %d tokens:\n\n%s", targetTokens, transcript.String())

	resp, err := s.driver.Execute(ctx, s.prompt, []models.ChatMessage{{Role: models.RoleUser, Content: request}}, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// unresolvedToolCalls returns the last assistant message's tool calls that
// have no tool-result message yet. Non-empty only when resuming after a
// client tool pause that left calls undispatched.
func unresolvedToolCalls(conv *models.Conversation) []models.ToolCall {
	last := conv.LastAssistantMessage()
	if last == nil || len(last.ToolCalls) == 0 {
		return nil
	}
	resolved := map[string]bool{}
	for i := range conv.Messages {
		if conv.Messages[i].Role == models.RoleTool {
			resolved[conv.Messages[i].ToolCallID] = true
		}
	}
	var unresolved []models.ToolCall
	for _, call := range last.ToolCalls {
		if !resolved[call.ID] {
			unresolved = append(unresolved, call)
		}
	}
	return unresolved
}

func assistantMessage(resp *models.AIResponse) models.ChatMessage {
	msg := models.ChatMessage{
		Role:      models.RoleAssistant,
		Content:   resp.Content,
		Thinking:  resp.Thinking,
		ToolCalls: resp.ToolCalls,
	}
	if resp.TokensUsed.OutputTokens > 0 {
		msg.TokenCount = resp.TokensUsed.OutputTokens
	} else {
		msg.TokenCount = backend.EstimateTokens(resp.Content) + backend.EstimateTokens(resp.Thinking)
	}
	return msg
}

// cancelled re-reads status; used at checkpoints before long-running work
// and between tool calls.
func (p *Processor) cancelled(ctx context.Context, conversationID string) bool {
	if ctx.Err() != nil {
		return true
	}
	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false
	}
	return conv.Status == models.StatusCancelled
}

func (p *Processor) complete(ctx context.Context, conversationID string) {
	conv, err := p.store.Mutate(ctx, conversationID, func(c *models.Conversation) error {
		if !c.Status.CanTransition(models.StatusCompleted) {
			return fmt.Errorf("cannot complete conversation in status %s", c.Status)
		}
		c.Status = models.StatusCompleted
		return nil
	})
	if err != nil {
		p.logError(ctx, "finalize conversation", err)
		return
	}
	p.emit(ctx, conversationID, CompletedEvent(conv))
}

func (p *Processor) fail(ctx context.Context, conversationID, message string) {
	if p.metrics != nil {
		p.metrics.RecordError("engine", "turn_failed")
	}
	conv, err := p.store.Mutate(ctx, conversationID, func(c *models.Conversation) error {
		if c.Status.Terminal() {
			return errCancelled
		}
		c.Status = models.StatusFailed
		c.PendingToolRequest = nil
		return nil
	})
	if err != nil {
		p.logError(ctx, "mark conversation failed", err)
		return
	}
	p.logWarn(ctx, "turn failed", "error", message)
	p.emit(ctx, conversationID, FailedEvent(conversationID, message, conv.ConversationStats()))
}

// emit logs and swallows broadcaster errors: event delivery never fails a
// turn, the terminal state is still persisted.
func (p *Processor) emit(ctx context.Context, conversationID string, event models.Event) {
	if err := p.broadcaster.Emit(ctx, conversationID, event); err != nil {
		p.logWarn(ctx, "emit event", "kind", string(event.Kind), "error", err.Error())
	}
	if p.metrics != nil {
		p.metrics.RecordEvent(string(event.Kind))
	}
}

func (p *Processor) logError(ctx context.Context, msg string, err error) {
	if p.log != nil {
		p.log.Error(ctx, msg, "error", err.Error())
	}
}

func (p *Processor) logWarn(ctx context.Context, msg string, args ...any) {
	if p.log != nil {
		p.log.Warn(ctx, msg, args...)
	}
}
