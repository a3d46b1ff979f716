package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/arclight-ai/arclight/pkg/models"
)

const anthropicDefaultModel = "claude-sonnet-4-20250514"

// AnthropicDriver talks to the Anthropic Messages API. Extended thinking is
// routed to the thinking channel and never concatenated into content.
type AnthropicDriver struct {
	client       anthropic.Client
	apiKey       string
	baseURL      string
	defaultModel string
	cfg          NormalizedModelConfig
}

var _ Driver = (*AnthropicDriver)(nil)

// AnthropicOptions configures the Anthropic driver.
type AnthropicOptions struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
}

// NewAnthropicDriver creates an Anthropic driver.
func NewAnthropicDriver(opts AnthropicOptions) *AnthropicDriver {
	defaultModel := strings.TrimSpace(opts.DefaultModel)
	if defaultModel == "" {
		defaultModel = anthropicDefaultModel
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &AnthropicDriver{
		client:       buildAnthropicClient(opts.BaseURL, opts.APIKey, timeout),
		apiKey:       opts.APIKey,
		baseURL:      opts.BaseURL,
		defaultModel: defaultModel,
	}
}

func buildAnthropicClient(baseURL, apiKey string, timeout time.Duration) anthropic.Client {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		options = append(options, option.WithRequestTimeout(timeout))
	}
	return anthropic.NewClient(options...)
}

func (d *AnthropicDriver) Name() string { return "anthropic" }

func (d *AnthropicDriver) WithConfig(cfg NormalizedModelConfig) Driver {
	bound := *d
	bound.cfg = cfg
	if cfg.Timeout > 0 {
		bound.client = buildAnthropicClient(d.baseURL, d.apiKey, cfg.Timeout)
	}
	return &bound
}

func (d *AnthropicDriver) Capabilities() Capabilities {
	return Capabilities{
		Streaming:       true,
		FunctionCalling: true,
		Vision:          true,
		MaxContext:      d.ContextLimit(d.model()),
	}
}

func (d *AnthropicDriver) model() string {
	if d.cfg.Model != "" {
		return d.cfg.Model
	}
	return d.defaultModel
}

func (d *AnthropicDriver) Execute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema) (*models.AIResponse, error) {
	return d.StreamExecute(ctx, systemPrompt, messages, tools, nil)
}

// maxEmptyStreamEvents bounds consecutive empty SSE events before the
// stream is treated as malformed.
const maxEmptyStreamEvents = 300

// StreamExecute streams a Messages API request, forwarding text and
// thinking deltas to onChunk and assembling the full response.
func (d *AnthropicDriver) StreamExecute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema, onChunk ChunkFunc) (*models.AIResponse, error) {
	model := d.model()

	converted, err := convertAnthropicMessages(messages)
	if err != nil {
		return nil, NewError("anthropic", model, err)
	}

	maxTokens := d.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  converted,
		MaxTokens: int64(maxTokens),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: systemPrompt}}
	}
	if d.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(d.cfg.Temperature)
	}
	if d.cfg.TopP > 0 && d.cfg.TopP < 1 {
		params.TopP = anthropic.Float(d.cfg.TopP)
	}
	if d.cfg.TopK > 0 {
		params.TopK = anthropic.Int(int64(d.cfg.TopK))
	}
	if len(tools) > 0 {
		anthropicTools, err := toAnthropicTools(tools)
		if err != nil {
			return nil, NewError("anthropic", model, err)
		}
		params.Tools = anthropicTools
	}

	stream := d.client.Messages.NewStreaming(ctx, params)

	var content strings.Builder
	var thinking strings.Builder
	var toolCalls []models.ToolCall
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var usage models.TokenUsage
	stopReason := ""
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				currentToolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					if onChunk != nil {
						onChunk(ChunkContent, delta.Text)
					}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinking.WriteString(delta.Thinking)
					if onChunk != nil {
						onChunk(ChunkThinking, delta.Thinking)
					}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Arguments = json.RawMessage(input)
				toolCalls = append(toolCalls, *currentToolCall)
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				stopReason = string(messageDelta.Delta.StopReason)
			}
			processed = true

		case "message_stop":
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			toolCalls = EnsureCallIDs(toolCalls)
			return &models.AIResponse{
				Content:      content.String(),
				Thinking:     thinking.String(),
				Model:        model,
				TokensUsed:   usage,
				ToolCalls:    toolCalls,
				FinishReason: anthropicFinishReason(stopReason, len(toolCalls) > 0),
			}, nil

		case "error":
			return nil, d.wrapError(errors.New("anthropic stream error"), model)
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return nil, d.wrapError(
					fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEvents), model)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, d.wrapError(err, model)
	}
	return nil, d.wrapError(errors.New("stream ended without message_stop"), model)
}

func anthropicFinishReason(stopReason string, hasToolCalls bool) models.FinishReason {
	switch stopReason {
	case "tool_use":
		return models.FinishToolCalls
	case "max_tokens":
		return models.FinishLength
	default:
		if hasToolCalls {
			return models.FinishToolCalls
		}
		return models.FinishStop
	}
}

// FormatToolSchemas serializes tools in the Messages API shape.
func (d *AnthropicDriver) FormatToolSchemas(tools []models.ToolSchema) (json.RawMessage, error) {
	anthropicTools, err := toAnthropicTools(tools)
	if err != nil {
		return nil, NewError("anthropic", d.model(), err)
	}
	return json.Marshal(anthropicTools)
}

// ParseToolCalls decodes tool_use content blocks.
func (d *AnthropicDriver) ParseToolCalls(payload json.RawMessage) ([]models.ToolCall, error) {
	var blocks []anthropicToolUse
	if err := json.Unmarshal(payload, &blocks); err != nil {
		return nil, NewError("anthropic", d.model(), fmt.Errorf("decode tool calls: %w", err))
	}
	return parseAnthropicToolCalls(blocks), nil
}

func (d *AnthropicDriver) CountTokens(text, model string) int {
	return EstimateTokens(text)
}

func (d *AnthropicDriver) ContextLimit(model string) int {
	if d.cfg.ContextLength > 0 {
		return d.cfg.ContextLength
	}
	// All current Claude models share a 200K window.
	return 200000
}

func (d *AnthropicDriver) Disconnect() {}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (d *AnthropicDriver) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		wrapped := (&Error{
			Backend: "anthropic",
			Model:   model,
			Cause:   err,
			Reason:  ReasonUnknown,
		}).WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			wrapped = wrapped.WithMessage(message)
		} else {
			wrapped = wrapped.WithMessage("anthropic request failed")
		}
		if code != "" {
			wrapped = wrapped.WithCode(code)
		}
		if requestID != "" {
			wrapped = wrapped.WithRequestID(requestID)
		}
		return wrapped
	}

	return NewError("anthropic", model, err)
}

func convertAnthropicMessages(msgs []models.ChatMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range msgs {
		// System content travels in params.System, not the transcript.
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			isError := strings.HasPrefix(msg.Content, "error:")
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isError))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, img := range msg.Images {
			content = append(content, anthropic.NewImageBlockBase64("image/png", img))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}
