package backend

import (
	"strings"
	"testing"
	"time"

	"github.com/arclight-ai/arclight/pkg/models"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestResolveLayering(t *testing.T) {
	d := NewFakeDriver().SetContextLimit(32768)

	global := models.ModelConfig{
		Model:       "base-model",
		Temperature: floatPtr(0.3),
		MaxTokens:   intPtr(2048),
	}
	agent := models.ModelConfig{
		Model:       "agent-model",
		Temperature: floatPtr(0.9),
	}

	cfg := Resolve(d, "default-model", time.Minute, global, agent)

	if cfg.Model != "agent-model" {
		t.Errorf("model = %q, want agent-model", cfg.Model)
	}
	if cfg.Temperature != 0.9 {
		t.Errorf("temperature = %v, want 0.9", cfg.Temperature)
	}
	if cfg.MaxTokens != 2048 {
		t.Errorf("max_tokens = %d, want 2048 from global layer", cfg.MaxTokens)
	}
	if cfg.ContextLength != 32768 {
		t.Errorf("context_length = %d, want driver limit 32768", cfg.ContextLength)
	}
	if cfg.Timeout != time.Minute {
		t.Errorf("timeout = %v, want 1m", cfg.Timeout)
	}
}

func TestResolveDefaults(t *testing.T) {
	d := NewFakeDriver()
	cfg := Resolve(d, "m", 0)

	if cfg.Temperature != 0.7 || cfg.MaxTokens != 4096 || cfg.TopP != 1.0 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Timeout != 2*time.Minute {
		t.Errorf("timeout = %v, want 2m fallback", cfg.Timeout)
	}
	if len(cfg.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", cfg.Warnings)
	}
}

func TestResolveClampsContextLength(t *testing.T) {
	d := NewFakeDriver().SetContextLimit(8192)
	cfg := Resolve(d, "m", time.Minute, models.ModelConfig{ContextLength: intPtr(999999)})

	if cfg.ContextLength != 8192 {
		t.Errorf("context_length = %d, want clamped 8192", cfg.ContextLength)
	}
	if len(cfg.Warnings) == 0 {
		t.Error("clamp should surface a warning")
	}
}

func TestResolveClampsMaxTokens(t *testing.T) {
	d := NewFakeDriver().SetContextLimit(1024)
	cfg := Resolve(d, "m", time.Minute, models.ModelConfig{MaxTokens: intPtr(4096)})

	if cfg.MaxTokens != 1024 {
		t.Errorf("max_tokens = %d, want clamped 1024", cfg.MaxTokens)
	}
}

func TestResolveDropsUnsupportedTopK(t *testing.T) {
	d := NewOpenAIDriver(OpenAIOptions{APIKey: "sk-test"})
	cfg := Resolve(d, "gpt-4o", time.Minute, models.ModelConfig{TopK: intPtr(40)})

	if cfg.TopK != 0 {
		t.Errorf("top_k = %d, want dropped", cfg.TopK)
	}
	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "top_k") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected top_k warning, got %v", cfg.Warnings)
	}
}

func TestResolveKeepsSupportedTopK(t *testing.T) {
	d := NewOllamaDriver(OllamaOptions{})
	cfg := Resolve(d, "llama3", time.Minute, models.ModelConfig{TopK: intPtr(40)})

	if cfg.TopK != 40 {
		t.Errorf("top_k = %d, want 40", cfg.TopK)
	}
}

func TestContextLengthNeverExceedsDriverLimit(t *testing.T) {
	drivers := []Driver{
		NewOllamaDriver(OllamaOptions{DefaultModel: "llama3"}),
		NewOpenAIDriver(OpenAIOptions{APIKey: "k", DefaultModel: "gpt-4o"}),
		NewAnthropicDriver(AnthropicOptions{APIKey: "k"}),
		NewVLLMDriver(VLLMOptions{DefaultModel: "Qwen2.5-7B"}),
		NewHuggingFaceDriver(HuggingFaceOptions{APIKey: "k", DefaultModel: "meta-llama/Llama-3.1-8B"}),
		NewFakeDriver(),
	}
	for _, d := range drivers {
		cfg := Resolve(d, "some-model", time.Minute, models.ModelConfig{ContextLength: intPtr(1 << 30)})
		if limit := d.ContextLimit(cfg.Model); cfg.ContextLength > limit {
			t.Errorf("%s: context_length %d exceeds limit %d", d.Name(), cfg.ContextLength, limit)
		}
	}
}
