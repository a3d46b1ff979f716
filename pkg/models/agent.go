package models

import "time"

// ContextStrategy selects how the context filter reduces the transmitted
// message history.
type ContextStrategy string

const (
	ContextNoop          ContextStrategy = "noop"
	ContextSlidingWindow ContextStrategy = "sliding_window"
	ContextTokenBudget   ContextStrategy = "token_budget"
	ContextSummarization ContextStrategy = "summarization"
)

// ModelConfig is a sparse model configuration. Nil pointer fields mean
// "inherit from the next layer down" when resolving the normalized config.
type ModelConfig struct {
	Model          string   `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	TopP           *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	TopK           *int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	ContextLength  *int     `json:"context_length,omitempty" yaml:"context_length,omitempty"`
	TimeoutSeconds *int     `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// Extra carries driver-specific additions passed through unvalidated.
	Extra map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// SystemPrompt is a reusable prompt template with {{ name }} placeholders.
type SystemPrompt struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Template      string            `json:"template"`
	DefaultValues map[string]string `json:"default_values,omitempty"`
	// Required lists placeholder names that must resolve to a value.
	Required []string `json:"required,omitempty"`
}

// SystemPromptRef attaches a SystemPrompt to an agent with per-reference
// variable overrides. Order within Agent.Prompts is significant.
type SystemPromptRef struct {
	Prompt            SystemPrompt      `json:"prompt"`
	VariableOverrides map[string]string `json:"variable_overrides,omitempty"`
}

// Agent configures how conversations are driven: which backend, which model
// parameters, which prompts, and how the context window is managed. Agents
// are shared across conversations; the turn processor reads a frozen
// snapshot for the duration of a turn.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// AIBackend is the driver key: ollama, openai, anthropic, vllm,
	// huggingface, or fake.
	AIBackend string `json:"ai_backend"`

	ModelConfig ModelConfig `json:"model_config"`

	ContextStrategy ContextStrategy `json:"context_strategy,omitempty"`
	ContextOptions  map[string]any  `json:"context_options,omitempty"`

	// ContextThreshold in [0,1]: the filter runs only when the estimated
	// token count exceeds threshold × context limit.
	ContextThreshold float64 `json:"context_threshold,omitempty"`

	// MaxTurns bounds assistant turns per conversation.
	MaxTurns int `json:"max_turns,omitempty"`

	Prompts []SystemPromptRef `json:"prompts,omitempty"`

	// ContextVariables feed prompt assembly, below per-prompt defaults.
	ContextVariables map[string]string `json:"context_variables,omitempty"`

	// Tools names the built-in server tools enabled for this agent.
	Tools []string `json:"tools,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
