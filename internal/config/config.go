// Package config loads and validates the Arclight configuration from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/arclight-ai/arclight/pkg/models"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
	Backends BackendsConfig `yaml:"backends"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	// Path is the sqlite database file path.
	Path string `yaml:"path"`
}

type RedisConfig struct {
	// Enabled selects the Redis-backed event queue. When false the engine
	// uses the in-process queue (single-node only).
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EngineConfig struct {
	// Workers bounds concurrent turn processing across conversations.
	Workers int `yaml:"workers"`

	// TurnTimeoutSeconds bounds one turn's wall time. Sized generously
	// above the driver timeout; minimum 600.
	TurnTimeoutSeconds int `yaml:"turn_timeout_seconds"`

	// DefaultMaxTurns applies when an agent does not set max_turns.
	DefaultMaxTurns int `yaml:"default_max_turns"`

	// DefaultContextThreshold applies when an agent does not set one.
	DefaultContextThreshold float64 `yaml:"default_context_threshold"`

	// EventTTLSeconds is the per-conversation event queue TTL.
	EventTTLSeconds int `yaml:"event_ttl_seconds"`

	// TokenSafetyMargin shrinks computed token budgets (0,1].
	TokenSafetyMargin float64 `yaml:"token_safety_margin"`

	// SummaryPrompt is the instruction used by the summarization context
	// strategy. The block to summarize is appended as a user message.
	SummaryPrompt string `yaml:"summary_prompt"`
}

// BackendConfig configures one LLM driver.
type BackendConfig struct {
	BaseURL        string             `yaml:"base_url"`
	APIKey         string             `yaml:"api_key"`
	DefaultModel   string             `yaml:"default_model"`
	TimeoutSeconds int                `yaml:"timeout_seconds"`
	Defaults       models.ModelConfig `yaml:"defaults"`
}

type BackendsConfig struct {
	Ollama      BackendConfig `yaml:"ollama"`
	OpenAI      BackendConfig `yaml:"openai"`
	Anthropic   BackendConfig `yaml:"anthropic"`
	VLLM        BackendConfig `yaml:"vllm"`
	HuggingFace BackendConfig `yaml:"huggingface"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with sensible defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			HTTPPort:    8080,
			MetricsPort: 9090,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "arclight.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Engine: EngineConfig{
			Workers:                 8,
			TurnTimeoutSeconds:      600,
			DefaultMaxTurns:         25,
			DefaultContextThreshold: 0.8,
			EventTTLSeconds:         3600,
			TokenSafetyMargin:       0.9,
			SummaryPrompt: "Summarize the following conversation excerpt. " +
				"Preserve facts, decisions, and open tasks. Be concise.",
		},
		Backends: BackendsConfig{
			Ollama:      BackendConfig{BaseURL: "http://localhost:11434", TimeoutSeconds: 120},
			OpenAI:      BackendConfig{TimeoutSeconds: 120},
			Anthropic:   BackendConfig{TimeoutSeconds: 120},
			VLLM:        BackendConfig{BaseURL: "http://localhost:8000", TimeoutSeconds: 120},
			HuggingFace: BackendConfig{TimeoutSeconds: 120},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML config at path, merges it over defaults, applies
// environment overrides, and validates the result. A missing file is not an
// error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides configuration from environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Backends.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Backends.OpenAI.APIKey = v
	}
	if v := os.Getenv("HF_API_TOKEN"); v != "" {
		c.Backends.HuggingFace.APIKey = v
	}
	if v := os.Getenv("ARCLIGHT_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("ARCLIGHT_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("ARCLIGHT_REDIS_ADDR"); v != "" {
		c.Redis.Enabled = true
		c.Redis.Addr = v
	}
	if v := os.Getenv("ARCLIGHT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if c.Engine.TurnTimeoutSeconds < 600 {
		c.Engine.TurnTimeoutSeconds = 600
	}
	if c.Engine.TokenSafetyMargin <= 0 || c.Engine.TokenSafetyMargin > 1 {
		return fmt.Errorf("engine.token_safety_margin must be in (0,1]")
	}
	if c.Engine.DefaultContextThreshold < 0 || c.Engine.DefaultContextThreshold > 1 {
		return fmt.Errorf("engine.default_context_threshold must be in [0,1]")
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("store.driver %q not supported", c.Store.Driver)
	}
	return nil
}
