package backend

import (
	"bufio"
	"bytes"
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

// OllamaDriver talks to a local Ollama server over its native NDJSON chat
// API.
type OllamaDriver struct {
	client       *http.Client
	baseURL      string
	defaultModel string
	cfg          NormalizedModelConfig
}

var _ Driver = (*OllamaDriver)(nil)
var _ ModelLister = (*OllamaDriver)(nil)
var _ Embedder = (*OllamaDriver)(nil)

// OllamaOptions configures the Ollama driver.
type OllamaOptions struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// NewOllamaDriver creates an Ollama driver.
func NewOllamaDriver(opts OllamaOptions) *OllamaDriver {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaDriver{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(opts.DefaultModel),
	}
}

func (d *OllamaDriver) Name() string { return "ollama" }

// WithConfig binds a resolved configuration. The bound copy shares the
// connection pool with the parent.
func (d *OllamaDriver) WithConfig(cfg NormalizedModelConfig) Driver {
	bound := *d
	bound.cfg = cfg
	if cfg.Timeout > 0 && cfg.Timeout != d.client.Timeout {
		bound.client = &http.Client{
			Transport: d.client.Transport,
			Timeout:   cfg.Timeout,
		}
	}
	return &bound
}

func (d *OllamaDriver) Capabilities() Capabilities {
	return Capabilities{
		Streaming:       true,
		FunctionCalling: true,
		Vision:          true,
		ModelManagement: true,
		Embeddings:      true,
		MaxContext:      d.ContextLimit(d.model()),
	}
}

func (d *OllamaDriver) model() string {
	if d.cfg.Model != "" {
		return d.cfg.Model
	}
	return d.defaultModel
}

func (d *OllamaDriver) Execute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema) (*models.AIResponse, error) {
	return d.StreamExecute(ctx, systemPrompt, messages, tools, nil)
}

// StreamExecute sends a streaming chat request and assembles the full
// response while forwarding deltas to onChunk.
func (d *OllamaDriver) StreamExecute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema, onChunk ChunkFunc) (*models.AIResponse, error) {
	model := d.model()
	if model == "" {
		return nil, NewError("ollama", "", errors.New("model is required"))
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: buildOllamaMessages(systemPrompt, messages),
		Options:  d.buildOptions(),
	}
	if len(tools) > 0 {
		payload.Tools = toOpenAITools(tools)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError("ollama", model, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, NewError("ollama", model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, NewError("ollama", model,
			fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).
			WithStatus(resp.StatusCode)
	}

	return d.consumeStream(ctx, resp.Body, model, onChunk)
}

func (d *OllamaDriver) consumeStream(ctx context.Context, body io.Reader, model string, onChunk ChunkFunc) (*models.AIResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var content strings.Builder
	var thinking strings.Builder
	var toolCalls []models.ToolCall
	var usage models.TokenUsage
	doneReason := ""
	seen := map[string]struct{}{}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, NewError("ollama", model, ctx.Err())
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return nil, NewError("ollama", model, fmt.Errorf("decode response: %w", err))
		}
		if chunk.Error != "" {
			return nil, NewError("ollama", model, errors.New(chunk.Error))
		}

		if chunk.Message != nil {
			if chunk.Message.Content != "" {
				content.WriteString(chunk.Message.Content)
				if onChunk != nil {
					onChunk(ChunkContent, chunk.Message.Content)
				}
			}
			if chunk.Message.Thinking != "" {
				thinking.WriteString(chunk.Message.Thinking)
				if onChunk != nil {
					onChunk(ChunkThinking, chunk.Message.Thinking)
				}
			}
			for _, tc := range chunk.Message.ToolCalls {
				key := ollamaToolCallKey(tc)
				if key != "" {
					if _, dup := seen[key]; dup {
						continue
					}
					seen[key] = struct{}{}
				}
				call := models.ToolCall{
					ID:        strings.TrimSpace(tc.ID),
					Name:      strings.TrimSpace(tc.Function.Name),
					Arguments: tc.Function.Arguments,
				}
				toolCalls = append(toolCalls, call)
			}
		}

		if chunk.Done {
			doneReason = chunk.DoneReason
			usage.InputTokens = chunk.PromptEvalCount
			usage.OutputTokens = chunk.EvalCount
			usage.TotalTokens = chunk.PromptEvalCount + chunk.EvalCount
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewError("ollama", model, err)
	}

	toolCalls = EnsureCallIDs(toolCalls)

	return &models.AIResponse{
		Content:      content.String(),
		Thinking:     thinking.String(),
		Model:        model,
		TokensUsed:   usage,
		ToolCalls:    toolCalls,
		FinishReason: ollamaFinishReason(doneReason, len(toolCalls) > 0),
	}, nil
}

func ollamaFinishReason(doneReason string, hasToolCalls bool) models.FinishReason {
	if hasToolCalls {
		return models.FinishToolCalls
	}
	if doneReason == "length" {
		return models.FinishLength
	}
	return models.FinishStop
}

func (d *OllamaDriver) buildOptions() map[string]any {
	opts := map[string]any{}
	if d.cfg.Temperature != 0 {
		opts["temperature"] = d.cfg.Temperature
	}
	if d.cfg.MaxTokens > 0 {
		opts["num_predict"] = d.cfg.MaxTokens
	}
	if d.cfg.TopP > 0 && d.cfg.TopP < 1 {
		opts["top_p"] = d.cfg.TopP
	}
	if d.cfg.TopK > 0 {
		opts["top_k"] = d.cfg.TopK
	}
	if d.cfg.ContextLength > 0 {
		opts["num_ctx"] = d.cfg.ContextLength
	}
	for k, v := range d.cfg.Extra {
		opts[k] = v
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// FormatToolSchemas serializes tools in the OpenAI-compatible shape Ollama
// accepts.
func (d *OllamaDriver) FormatToolSchemas(tools []models.ToolSchema) (json.RawMessage, error) {
	return json.Marshal(toOpenAITools(tools))
}

// ParseToolCalls decodes Ollama tool calls, synthesizing call_<n> ids since
// Ollama emits none.
func (d *OllamaDriver) ParseToolCalls(payload json.RawMessage) ([]models.ToolCall, error) {
	var raw []ollamaToolCall
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, NewError("ollama", d.model(), fmt.Errorf("decode tool calls: %w", err))
	}
	calls := make([]models.ToolCall, 0, len(raw))
	for _, tc := range raw {
		calls = append(calls, models.ToolCall{
			ID:        strings.TrimSpace(tc.ID),
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: tc.Function.Arguments,
		})
	}
	return EnsureCallIDs(calls), nil
}

func (d *OllamaDriver) CountTokens(text, model string) int {
	return EstimateTokens(text)
}

// ContextLimit returns the model's context window. Unknown models get a
// conservative default.
func (d *OllamaDriver) ContextLimit(model string) int {
	if d.cfg.ContextLength > 0 {
		return d.cfg.ContextLength
	}
	switch {
	case strings.HasPrefix(model, "llama3.1"), strings.HasPrefix(model, "llama3.2"), strings.HasPrefix(model, "llama3.3"):
		return 131072
	case strings.HasPrefix(model, "qwen2.5"), strings.HasPrefix(model, "qwen3"):
		return 32768
	case strings.HasPrefix(model, "mistral"), strings.HasPrefix(model, "mixtral"):
		return 32768
	case strings.HasPrefix(model, "llama3"):
		return 8192
	default:
		return 8192
	}
}

func (d *OllamaDriver) Disconnect() {
	d.client.CloseIdleConnections()
}

// ListModels enumerates models installed on the server.
func (d *OllamaDriver) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, NewError("ollama", "", err)
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, NewError("ollama", "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, NewError("ollama", "", fmt.Errorf("ollama status %d", resp.StatusCode)).WithStatus(resp.StatusCode)
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, NewError("ollama", "", fmt.Errorf("decode response: %w", err))
	}
	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Embed returns the embedding vector for text.
func (d *OllamaDriver) Embed(ctx context.Context, model, text string) ([]float64, error) {
	if model == "" {
		model = d.model()
	}
	body, err := json.Marshal(map[string]string{"model": model, "prompt": text})
	if err != nil {
		return nil, NewError("ollama", model, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, NewError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, NewError("ollama", model, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, NewError("ollama", model, fmt.Errorf("ollama status %d", resp.StatusCode)).WithStatus(resp.StatusCode)
	}

	var payload struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, NewError("ollama", model, fmt.Errorf("decode response: %w", err))
	}
	return payload.Embedding, nil
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	Thinking  string           `json:"thinking,omitempty"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	DoneReason      string             `json:"done_reason"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func buildOllamaMessages(systemPrompt string, msgs []models.ChatMessage) []ollamaChatMessage {
	result := make([]ollamaChatMessage, 0, len(msgs)+1)

	toolNames := map[string]string{}
	for _, msg := range msgs {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}

	if system := strings.TrimSpace(systemPrompt); system != "" {
		result = append(result, ollamaChatMessage{Role: "system", Content: system})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, ollamaChatMessage{Role: "system", Content: msg.Content})
		case models.RoleAssistant:
			out := ollamaChatMessage{Role: "assistant", Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				out.ToolCalls = make([]ollamaToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					args := tc.Arguments
					if len(args) == 0 {
						args = json.RawMessage(`{}`)
					}
					out.ToolCalls[i] = ollamaToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: ollamaToolFunction{
							Name:      tc.Name,
							Arguments: args,
						},
					}
				}
			}
			result = append(result, out)
		case models.RoleTool:
			result = append(result, ollamaChatMessage{
				Role:     "tool",
				Content:  msg.Content,
				ToolName: toolNames[msg.ToolCallID],
			})
		default:
			result = append(result, ollamaChatMessage{
				Role:    "user",
				Content: msg.Content,
				Images:  msg.Images,
			})
		}
	}
	return result
}

func ollamaToolCallKey(tc ollamaToolCall) string {
	if id := strings.TrimSpace(tc.ID); id != "" {
		return id
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
