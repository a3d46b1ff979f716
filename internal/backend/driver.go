// Package backend implements the LLM driver layer: a uniform chat, stream,
// and tool-format interface over Ollama, OpenAI, Anthropic, vLLM, and
// Hugging Face, plus a deterministic fake for tests.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arclight-ai/arclight/pkg/models"
)

// ChunkKind distinguishes streamed delta channels.
type ChunkKind string

const (
	// ChunkContent carries response text.
	ChunkContent ChunkKind = "content"

	// ChunkThinking carries extended-thinking text. Drivers without the
	// capability never emit it.
	ChunkThinking ChunkKind = "thinking"
)

// ChunkFunc receives incremental deltas during StreamExecute. Callbacks run
// on the calling goroutine; no partial tool-call text is ever delivered.
type ChunkFunc func(kind ChunkKind, text string)

// Capabilities describes what a driver supports.
type Capabilities struct {
	Streaming       bool `json:"streaming"`
	FunctionCalling bool `json:"function_calling"`
	Vision          bool `json:"vision"`
	ModelManagement bool `json:"model_management"`
	Embeddings      bool `json:"embeddings"`

	// MaxContext is the largest context window across the driver's models.
	MaxContext int `json:"max_context"`
}

// Driver is the uniform interface over LLM backends.
//
// A Driver bound via WithConfig is used for exactly one turn and released
// with Disconnect when the turn ends; instances are never shared across
// turns.
type Driver interface {
	// Name returns the driver key: ollama, openai, anthropic, vllm,
	// huggingface, or fake.
	Name() string

	// WithConfig returns a driver instance bound to a resolved
	// configuration. Pure; performs no I/O.
	WithConfig(cfg NormalizedModelConfig) Driver

	// Execute performs a one-shot model call.
	Execute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema) (*models.AIResponse, error)

	// StreamExecute is Execute with incremental delivery: onChunk is
	// invoked with content and thinking deltas as they arrive, and the
	// fully assembled response is returned at end-of-turn. A nil onChunk
	// is permitted and degrades to Execute.
	StreamExecute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema, onChunk ChunkFunc) (*models.AIResponse, error)

	// FormatToolSchemas translates canonical tool schemas into the
	// provider's wire format, serialized as JSON.
	FormatToolSchemas(tools []models.ToolSchema) (json.RawMessage, error)

	// ParseToolCalls translates the provider's tool-call payload back
	// into canonical ToolCalls, synthesizing call_<n> ids when the
	// provider emits none.
	ParseToolCalls(payload json.RawMessage) ([]models.ToolCall, error)

	// Capabilities reports the driver's capability set.
	Capabilities() Capabilities

	// CountTokens estimates tokens for text. Estimates are conservative:
	// they may overshoot but never undershoot beyond the configured
	// safety margin.
	CountTokens(text, model string) int

	// ContextLimit returns the model's context window in tokens.
	ContextLimit(model string) int

	// Disconnect releases connection pool entries. Idempotent.
	Disconnect()
}

// ModelLister is implemented by drivers that can enumerate installed models
// (Ollama-style local backends).
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Embedder is implemented by drivers that expose an embeddings endpoint.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float64, error)
}

// NormalizedModelConfig is a fully resolved model configuration: driver
// defaults, then global backend config, then agent overrides, then
// model-ceiling clamps. All fields are concrete.
type NormalizedModelConfig struct {
	Model         string        `json:"model"`
	Temperature   float64       `json:"temperature"`
	MaxTokens     int           `json:"max_tokens"`
	TopP          float64       `json:"top_p"`
	TopK          int           `json:"top_k"`
	ContextLength int           `json:"context_length"`
	Timeout       time.Duration `json:"timeout"`

	// Extra carries driver-specific additions passed through unvalidated.
	Extra map[string]any `json:"extra,omitempty"`

	// Warnings records parameters dropped during resolution because the
	// driver does not support them.
	Warnings []string `json:"warnings,omitempty"`
}

// paramSupport records which optional sampling parameters each driver
// accepts. Unsupported parameters are dropped during Resolve with a warning.
var paramSupport = map[string]map[string]bool{
	"ollama":      {"top_k": true},
	"anthropic":   {"top_k": true},
	"openai":      {"top_k": false},
	"vllm":        {"top_k": true},
	"huggingface": {"top_k": false},
	"fake":        {"top_k": true},
}

func driverSupports(driverName, param string) bool {
	if params, ok := paramSupport[driverName]; ok {
		return params[param]
	}
	return true
}

// Resolve produces a NormalizedModelConfig for a driver by layering sparse
// configs lowest-priority first. Each layer only overrides the fields it
// sets. After layering, unsupported parameters are dropped with warnings and
// context_length and max_tokens are clamped to the model's ceiling.
func Resolve(d Driver, defaultModel string, defaultTimeout time.Duration, layers ...models.ModelConfig) NormalizedModelConfig {
	cfg := NormalizedModelConfig{
		Model:       defaultModel,
		Temperature: 0.7,
		MaxTokens:   4096,
		TopP:        1.0,
		Timeout:     defaultTimeout,
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	for _, layer := range layers {
		if layer.Model != "" {
			cfg.Model = layer.Model
		}
		if layer.Temperature != nil {
			cfg.Temperature = *layer.Temperature
		}
		if layer.MaxTokens != nil {
			cfg.MaxTokens = *layer.MaxTokens
		}
		if layer.TopP != nil {
			cfg.TopP = *layer.TopP
		}
		if layer.TopK != nil {
			cfg.TopK = *layer.TopK
		}
		if layer.ContextLength != nil {
			cfg.ContextLength = *layer.ContextLength
		}
		if layer.TimeoutSeconds != nil {
			cfg.Timeout = time.Duration(*layer.TimeoutSeconds) * time.Second
		}
		for k, v := range layer.Extra {
			if cfg.Extra == nil {
				cfg.Extra = make(map[string]any)
			}
			cfg.Extra[k] = v
		}
	}

	if cfg.TopK != 0 && !driverSupports(d.Name(), "top_k") {
		cfg.Warnings = append(cfg.Warnings,
			fmt.Sprintf("top_k=%d dropped: %s does not support it", cfg.TopK, d.Name()))
		cfg.TopK = 0
	}

	limit := d.ContextLimit(cfg.Model)
	if cfg.ContextLength <= 0 || cfg.ContextLength > limit {
		if cfg.ContextLength > limit {
			cfg.Warnings = append(cfg.Warnings,
				fmt.Sprintf("context_length %d clamped to model limit %d", cfg.ContextLength, limit))
		}
		cfg.ContextLength = limit
	}
	if cfg.MaxTokens > cfg.ContextLength {
		cfg.Warnings = append(cfg.Warnings,
			fmt.Sprintf("max_tokens %d clamped to context_length %d", cfg.MaxTokens, cfg.ContextLength))
		cfg.MaxTokens = cfg.ContextLength
	}

	return cfg
}
