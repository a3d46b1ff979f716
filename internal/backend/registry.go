package backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/arclight-ai/arclight/internal/config"
	"github.com/arclight-ai/arclight/pkg/models"
)

// Registry maps driver keys to configured driver instances and resolves
// per-agent model configurations against them.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

type registryEntry struct {
	driver       Driver
	defaultModel string
	timeout      time.Duration
	defaults     models.ModelConfig
}

// NewRegistry builds a registry holding one driver per configured backend.
func NewRegistry(cfg config.BackendsConfig) *Registry {
	r := &Registry{entries: map[string]registryEntry{}}

	r.register(cfg.Ollama, NewOllamaDriver(OllamaOptions{
		BaseURL:      cfg.Ollama.BaseURL,
		DefaultModel: cfg.Ollama.DefaultModel,
		Timeout:      backendTimeout(cfg.Ollama),
	}))
	r.register(cfg.OpenAI, NewOpenAIDriver(OpenAIOptions{
		BaseURL:      cfg.OpenAI.BaseURL,
		APIKey:       cfg.OpenAI.APIKey,
		DefaultModel: cfg.OpenAI.DefaultModel,
		Timeout:      backendTimeout(cfg.OpenAI),
	}))
	r.register(cfg.Anthropic, NewAnthropicDriver(AnthropicOptions{
		BaseURL:      cfg.Anthropic.BaseURL,
		APIKey:       cfg.Anthropic.APIKey,
		DefaultModel: cfg.Anthropic.DefaultModel,
		Timeout:      backendTimeout(cfg.Anthropic),
	}))
	r.register(cfg.VLLM, NewVLLMDriver(VLLMOptions{
		BaseURL:      cfg.VLLM.BaseURL,
		APIKey:       cfg.VLLM.APIKey,
		DefaultModel: cfg.VLLM.DefaultModel,
		Timeout:      backendTimeout(cfg.VLLM),
	}))
	r.register(cfg.HuggingFace, NewHuggingFaceDriver(HuggingFaceOptions{
		BaseURL:      cfg.HuggingFace.BaseURL,
		APIKey:       cfg.HuggingFace.APIKey,
		DefaultModel: cfg.HuggingFace.DefaultModel,
		Timeout:      backendTimeout(cfg.HuggingFace),
	}))

	return r
}

func backendTimeout(cfg config.BackendConfig) time.Duration {
	if cfg.TimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(cfg.TimeoutSeconds) * time.Second
}

func (r *Registry) register(cfg config.BackendConfig, d Driver) {
	r.entries[d.Name()] = registryEntry{
		driver:       d,
		defaultModel: cfg.DefaultModel,
		timeout:      backendTimeout(cfg),
		defaults:     cfg.Defaults,
	}
}

// Register installs a driver under its own name. Used by tests to inject
// the fake driver.
func (r *Registry) Register(d Driver, defaultModel string, defaults models.ModelConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.Name()] = registryEntry{
		driver:       d,
		defaultModel: defaultModel,
		timeout:      2 * time.Minute,
		defaults:     defaults,
	}
}

// Driver returns the raw driver for a key.
func (r *Registry) Driver(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	return entry.driver, nil
}

// ResolveConfig resolves an agent's sparse model config against a backend's
// defaults and returns a driver bound to the result.
func (r *Registry) ResolveConfig(name string, agentCfg models.ModelConfig) (Driver, NormalizedModelConfig, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, NormalizedModelConfig{}, fmt.Errorf("unknown backend %q", name)
	}

	cfg := Resolve(entry.driver, entry.defaultModel, entry.timeout, entry.defaults, agentCfg)
	return entry.driver.WithConfig(cfg), cfg, nil
}
