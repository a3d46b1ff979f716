package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/arclight-ai/arclight/pkg/models"
)

// openaiCore implements the OpenAI chat-completions protocol. It backs the
// openai driver directly and the vllm and huggingface drivers, which speak
// the same wire format against different base URLs.
type openaiCore struct {
	name         string
	client       *openai.Client
	apiKey       string
	baseURL      string
	defaultModel string
	useTiktoken  bool
	limitFn      func(model string) int
	cfg          NormalizedModelConfig
}

func newOpenAICore(name, baseURL, apiKey, defaultModel string, timeout time.Duration, useTiktoken bool, limitFn func(string) int) *openaiCore {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &openaiCore{
		name:         name,
		client:       buildOpenAIClient(baseURL, apiKey, timeout),
		apiKey:       apiKey,
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(defaultModel),
		useTiktoken:  useTiktoken,
		limitFn:      limitFn,
	}
}

func buildOpenAIClient(baseURL, apiKey string, timeout time.Duration) *openai.Client {
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}
	return openai.NewClientWithConfig(clientCfg)
}

func (c *openaiCore) withConfig(cfg NormalizedModelConfig) openaiCore {
	bound := *c
	bound.cfg = cfg
	if cfg.Timeout > 0 {
		bound.client = buildOpenAIClient(c.baseURL, c.apiKey, cfg.Timeout)
	}
	return bound
}

func (c *openaiCore) model() string {
	if c.cfg.Model != "" {
		return c.cfg.Model
	}
	return c.defaultModel
}

func (c *openaiCore) streamExecute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema, onChunk ChunkFunc) (*models.AIResponse, error) {
	model := c.model()
	if model == "" {
		return nil, NewError(c.name, "", errors.New("model is required"))
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(systemPrompt, messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if c.cfg.MaxTokens > 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}
	if c.cfg.Temperature > 0 {
		req.Temperature = float32(c.cfg.Temperature)
	}
	if c.cfg.TopP > 0 && c.cfg.TopP < 1 {
		req.TopP = float32(c.cfg.TopP)
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, c.wrapError(err, model)
	}
	defer stream.Close()

	var content strings.Builder
	var thinking strings.Builder
	var usage models.TokenUsage
	finish := ""

	// Tool calls stream incrementally: id and name arrive first, then
	// argument fragments, keyed by the delta's index.
	accum := map[int]*models.ToolCall{}
	var order []int

	for {
		select {
		case <-ctx.Done():
			return nil, c.wrapError(ctx.Err(), model)
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, c.wrapError(err, model)
		}

		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
			usage.TotalTokens = response.Usage.TotalTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onChunk != nil {
				onChunk(ChunkContent, choice.Delta.Content)
			}
		}
		if choice.Delta.ReasoningContent != "" {
			thinking.WriteString(choice.Delta.ReasoningContent)
			if onChunk != nil {
				onChunk(ChunkThinking, choice.Delta.ReasoningContent)
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if accum[index] == nil {
				accum[index] = &models.ToolCall{}
				order = append(order, index)
			}
			if tc.ID != "" {
				accum[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				accum[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				accum[index].Arguments = append(accum[index].Arguments, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
	}

	toolCalls := make([]models.ToolCall, 0, len(order))
	for _, index := range order {
		tc := accum[index]
		if tc.Name == "" {
			continue
		}
		toolCalls = append(toolCalls, *tc)
	}
	toolCalls = EnsureCallIDs(toolCalls)

	return &models.AIResponse{
		Content:      content.String(),
		Thinking:     thinking.String(),
		Model:        model,
		TokensUsed:   usage,
		ToolCalls:    toolCalls,
		FinishReason: openaiFinishReason(finish, len(toolCalls) > 0),
	}, nil
}

func openaiFinishReason(finish string, hasToolCalls bool) models.FinishReason {
	switch finish {
	case "tool_calls", "function_call":
		return models.FinishToolCalls
	case "length":
		return models.FinishLength
	case "stop", "":
		if hasToolCalls {
			return models.FinishToolCalls
		}
		return models.FinishStop
	default:
		return models.FinishStop
	}
}

func (c *openaiCore) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		wrapped := NewError(c.name, model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			wrapped = wrapped.WithMessage(apiErr.Message)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			wrapped = wrapped.WithCode(code)
		}
		return wrapped
	}
	return NewError(c.name, model, err)
}

func (c *openaiCore) formatToolSchemas(tools []models.ToolSchema) (json.RawMessage, error) {
	return json.Marshal(toOpenAITools(tools))
}

func (c *openaiCore) parseToolCalls(payload json.RawMessage) ([]models.ToolCall, error) {
	var raw []openai.ToolCall
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, NewError(c.name, c.model(), fmt.Errorf("decode tool calls: %w", err))
	}
	return parseOpenAIToolCalls(raw), nil
}

func (c *openaiCore) countTokens(text, model string) int {
	if c.useTiktoken {
		if n, ok := tiktokenCount(text, model); ok {
			return n
		}
	}
	return EstimateTokens(text)
}

func (c *openaiCore) contextLimit(model string) int {
	if c.cfg.ContextLength > 0 {
		return c.cfg.ContextLength
	}
	return c.limitFn(model)
}

func convertOpenAIMessages(systemPrompt string, msgs []models.ChatMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)

	if systemPrompt != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				out.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					out.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					}
				}
			}
			result = append(result, out)

		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			if len(msg.Images) > 0 {
				parts := make([]openai.ChatMessagePart, 0, len(msg.Images)+1)
				if msg.Content != "" {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: msg.Content,
					})
				}
				for _, img := range msg.Images {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    "data:image/png;base64," + img,
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:         openai.ChatMessageRoleUser,
					MultiContent: parts,
				})
			} else {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: msg.Content,
				})
			}
		}
	}
	return result
}

// OpenAIDriver talks to the OpenAI chat-completions API.
type OpenAIDriver struct {
	openaiCore
}

var _ Driver = (*OpenAIDriver)(nil)

// OpenAIOptions configures the OpenAI driver.
type OpenAIOptions struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
}

// NewOpenAIDriver creates an OpenAI driver.
func NewOpenAIDriver(opts OpenAIOptions) *OpenAIDriver {
	return &OpenAIDriver{
		openaiCore: *newOpenAICore("openai", opts.BaseURL, opts.APIKey, opts.DefaultModel, opts.Timeout, true, openaiContextLimit),
	}
}

func (d *OpenAIDriver) Name() string { return "openai" }

func (d *OpenAIDriver) WithConfig(cfg NormalizedModelConfig) Driver {
	return &OpenAIDriver{openaiCore: d.openaiCore.withConfig(cfg)}
}

func (d *OpenAIDriver) Capabilities() Capabilities {
	return Capabilities{
		Streaming:       true,
		FunctionCalling: true,
		Vision:          true,
		Embeddings:      true,
		MaxContext:      openaiContextLimit(d.model()),
	}
}

func (d *OpenAIDriver) Execute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema) (*models.AIResponse, error) {
	return d.streamExecute(ctx, systemPrompt, messages, tools, nil)
}

func (d *OpenAIDriver) StreamExecute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema, onChunk ChunkFunc) (*models.AIResponse, error) {
	return d.streamExecute(ctx, systemPrompt, messages, tools, onChunk)
}

func (d *OpenAIDriver) FormatToolSchemas(tools []models.ToolSchema) (json.RawMessage, error) {
	return d.formatToolSchemas(tools)
}

func (d *OpenAIDriver) ParseToolCalls(payload json.RawMessage) ([]models.ToolCall, error) {
	return d.parseToolCalls(payload)
}

func (d *OpenAIDriver) CountTokens(text, model string) int {
	return d.countTokens(text, model)
}

func (d *OpenAIDriver) ContextLimit(model string) int {
	return d.contextLimit(model)
}

func (d *OpenAIDriver) Disconnect() {}

func openaiContextLimit(model string) int {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4-turbo"):
		return 128000
	case strings.HasPrefix(model, "gpt-4.1"):
		return 1000000
	case strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return 200000
	case strings.HasPrefix(model, "gpt-3.5-turbo"):
		return 16385
	case strings.HasPrefix(model, "gpt-4"):
		return 8192
	default:
		return 128000
	}
}
