package backend

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/arclight-ai/arclight/pkg/models"
)

const huggingFaceRouterURL = "https://router.huggingface.co/v1"

// HuggingFaceDriver talks to Hugging Face inference endpoints through the
// OpenAI-compatible router API.
type HuggingFaceDriver struct {
	openaiCore
}

var _ Driver = (*HuggingFaceDriver)(nil)

// HuggingFaceOptions configures the Hugging Face driver.
type HuggingFaceOptions struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
}

// NewHuggingFaceDriver creates a Hugging Face driver.
func NewHuggingFaceDriver(opts HuggingFaceOptions) *HuggingFaceDriver {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = huggingFaceRouterURL
	}
	return &HuggingFaceDriver{
		openaiCore: *newOpenAICore("huggingface", baseURL, opts.APIKey, opts.DefaultModel, opts.Timeout, false, huggingFaceContextLimit),
	}
}

func (d *HuggingFaceDriver) Name() string { return "huggingface" }

func (d *HuggingFaceDriver) WithConfig(cfg NormalizedModelConfig) Driver {
	bound := d.openaiCore.withConfig(cfg)
	bound.name = "huggingface"
	return &HuggingFaceDriver{openaiCore: bound}
}

func (d *HuggingFaceDriver) Capabilities() Capabilities {
	return Capabilities{
		Streaming:       true,
		FunctionCalling: true,
		MaxContext:      d.contextLimit(d.model()),
	}
}

func (d *HuggingFaceDriver) Execute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema) (*models.AIResponse, error) {
	return d.streamExecute(ctx, systemPrompt, messages, tools, nil)
}

func (d *HuggingFaceDriver) StreamExecute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema, onChunk ChunkFunc) (*models.AIResponse, error) {
	return d.streamExecute(ctx, systemPrompt, messages, tools, onChunk)
}

func (d *HuggingFaceDriver) FormatToolSchemas(tools []models.ToolSchema) (json.RawMessage, error) {
	return d.formatToolSchemas(tools)
}

func (d *HuggingFaceDriver) ParseToolCalls(payload json.RawMessage) ([]models.ToolCall, error) {
	return d.parseToolCalls(payload)
}

func (d *HuggingFaceDriver) CountTokens(text, model string) int {
	return d.countTokens(text, model)
}

func (d *HuggingFaceDriver) ContextLimit(model string) int {
	return d.contextLimit(model)
}

func (d *HuggingFaceDriver) Disconnect() {}

func huggingFaceContextLimit(model string) int {
	switch {
	case strings.Contains(model, "Llama-3.1"), strings.Contains(model, "Llama-3.3"):
		return 131072
	case strings.Contains(model, "Qwen"):
		return 32768
	case strings.Contains(model, "Mistral"), strings.Contains(model, "Mixtral"):
		return 32768
	case strings.Contains(model, "DeepSeek"):
		return 65536
	default:
		return 8192
	}
}
