package backend

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/arclight-ai/arclight/pkg/models"
)

// VLLMDriver talks to a vLLM server through its OpenAI-compatible endpoint.
// The served model's context window is whatever the server was launched
// with, so context_length from configuration takes precedence.
type VLLMDriver struct {
	openaiCore
}

var _ Driver = (*VLLMDriver)(nil)

// VLLMOptions configures the vLLM driver.
type VLLMOptions struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
}

// NewVLLMDriver creates a vLLM driver.
func NewVLLMDriver(opts VLLMOptions) *VLLMDriver {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/v1"
	}
	apiKey := opts.APIKey
	if apiKey == "" {
		// vLLM requires a bearer token header even when auth is off.
		apiKey = "EMPTY"
	}
	return &VLLMDriver{
		openaiCore: *newOpenAICore("vllm", baseURL, apiKey, opts.DefaultModel, opts.Timeout, false, vllmContextLimit),
	}
}

func (d *VLLMDriver) Name() string { return "vllm" }

func (d *VLLMDriver) WithConfig(cfg NormalizedModelConfig) Driver {
	bound := d.openaiCore.withConfig(cfg)
	bound.name = "vllm"
	return &VLLMDriver{openaiCore: bound}
}

func (d *VLLMDriver) Capabilities() Capabilities {
	return Capabilities{
		Streaming:       true,
		FunctionCalling: true,
		MaxContext:      d.contextLimit(d.model()),
	}
}

func (d *VLLMDriver) Execute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema) (*models.AIResponse, error) {
	return d.streamExecute(ctx, systemPrompt, messages, tools, nil)
}

func (d *VLLMDriver) StreamExecute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema, onChunk ChunkFunc) (*models.AIResponse, error) {
	return d.streamExecute(ctx, systemPrompt, messages, tools, onChunk)
}

func (d *VLLMDriver) FormatToolSchemas(tools []models.ToolSchema) (json.RawMessage, error) {
	return d.formatToolSchemas(tools)
}

func (d *VLLMDriver) ParseToolCalls(payload json.RawMessage) ([]models.ToolCall, error) {
	return d.parseToolCalls(payload)
}

func (d *VLLMDriver) CountTokens(text, model string) int {
	return d.countTokens(text, model)
}

func (d *VLLMDriver) ContextLimit(model string) int {
	return d.contextLimit(model)
}

func (d *VLLMDriver) Disconnect() {}

func vllmContextLimit(model string) int {
	switch {
	case strings.Contains(model, "Llama-3.1"), strings.Contains(model, "Llama-3.2"), strings.Contains(model, "Llama-3.3"):
		return 131072
	case strings.Contains(model, "Qwen2.5"), strings.Contains(model, "Qwen3"):
		return 32768
	case strings.Contains(model, "Mistral"), strings.Contains(model, "Mixtral"):
		return 32768
	default:
		return 8192
	}
}
