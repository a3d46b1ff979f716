package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/arclight-ai/arclight/pkg/models"
)

// FakeDriver is a deterministic in-memory driver for tests. Responses are
// scripted with Enqueue and consumed in order; instances returned by
// WithConfig share the script so a test can assert on the whole run.
type FakeDriver struct {
	state *fakeState
	cfg   NormalizedModelConfig
}

var _ Driver = (*FakeDriver)(nil)

// FakeCall records one Execute or StreamExecute invocation.
type FakeCall struct {
	SystemPrompt string
	Messages     []models.ChatMessage
	Tools        []models.ToolSchema
	Config       NormalizedModelConfig
}

type fakeStep struct {
	response *models.AIResponse
	err      error
}

type fakeState struct {
	mu           sync.Mutex
	script       []fakeStep
	next         int
	repeatLast   bool
	calls        []FakeCall
	contextLimit int
	disconnects  int
	chunkSize    int
}

// NewFakeDriver creates a fake driver with an empty script. An exhausted
// script yields a plain "ok" completion.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		state: &fakeState{
			contextLimit: 8192,
			chunkSize:    8,
		},
	}
}

// Enqueue appends a scripted response.
func (d *FakeDriver) Enqueue(resp *models.AIResponse) *FakeDriver {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.script = append(d.state.script, fakeStep{response: resp})
	return d
}

// EnqueueError appends a scripted failure.
func (d *FakeDriver) EnqueueError(err error) *FakeDriver {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.script = append(d.state.script, fakeStep{err: err})
	return d
}

// RepeatLast makes the final scripted step repeat forever instead of
// falling through to the default completion.
func (d *FakeDriver) RepeatLast() *FakeDriver {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.repeatLast = true
	return d
}

// SetContextLimit overrides the reported context window.
func (d *FakeDriver) SetContextLimit(limit int) *FakeDriver {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.contextLimit = limit
	return d
}

// Calls returns every recorded invocation.
func (d *FakeDriver) Calls() []FakeCall {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	calls := make([]FakeCall, len(d.state.calls))
	copy(calls, d.state.calls)
	return calls
}

// Disconnects returns how many times Disconnect ran.
func (d *FakeDriver) Disconnects() int {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return d.state.disconnects
}

func (d *FakeDriver) Name() string { return "fake" }

func (d *FakeDriver) WithConfig(cfg NormalizedModelConfig) Driver {
	return &FakeDriver{state: d.state, cfg: cfg}
}

func (d *FakeDriver) Capabilities() Capabilities {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return Capabilities{
		Streaming:       true,
		FunctionCalling: true,
		Vision:          true,
		MaxContext:      d.state.contextLimit,
	}
}

func (d *FakeDriver) Execute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema) (*models.AIResponse, error) {
	return d.StreamExecute(ctx, systemPrompt, messages, tools, nil)
}

func (d *FakeDriver) StreamExecute(ctx context.Context, systemPrompt string, messages []models.ChatMessage, tools []models.ToolSchema, onChunk ChunkFunc) (*models.AIResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError("fake", d.cfg.Model, err)
	}

	d.state.mu.Lock()
	d.state.calls = append(d.state.calls, FakeCall{
		SystemPrompt: systemPrompt,
		Messages:     append([]models.ChatMessage(nil), messages...),
		Tools:        append([]models.ToolSchema(nil), tools...),
		Config:       d.cfg,
	})

	var step fakeStep
	switch {
	case d.state.next < len(d.state.script):
		step = d.state.script[d.state.next]
		d.state.next++
	case d.state.repeatLast && len(d.state.script) > 0:
		step = d.state.script[len(d.state.script)-1]
	default:
		step = fakeStep{response: &models.AIResponse{
			Content:      "ok",
			Model:        "fake-model",
			FinishReason: models.FinishStop,
			TokensUsed:   models.TokenUsage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2},
		}}
	}
	chunkSize := d.state.chunkSize
	d.state.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}

	resp := cloneResponse(step.response)
	if resp.Model == "" {
		resp.Model = d.cfg.Model
	}
	resp.ToolCalls = EnsureCallIDs(resp.ToolCalls)

	if onChunk != nil {
		emitInChunks(onChunk, ChunkThinking, resp.Thinking, chunkSize)
		emitInChunks(onChunk, ChunkContent, resp.Content, chunkSize)
	}
	return resp, nil
}

func emitInChunks(onChunk ChunkFunc, kind ChunkKind, text string, size int) {
	if size <= 0 {
		size = 8
	}
	for start := 0; start < len(text); start += size {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		onChunk(kind, text[start:end])
	}
}

func cloneResponse(resp *models.AIResponse) *models.AIResponse {
	clone := *resp
	clone.ToolCalls = append([]models.ToolCall(nil), resp.ToolCalls...)
	return &clone
}

// FormatToolSchemas serializes the canonical schemas unchanged.
func (d *FakeDriver) FormatToolSchemas(tools []models.ToolSchema) (json.RawMessage, error) {
	return json.Marshal(tools)
}

// ParseToolCalls decodes canonical tool calls, synthesizing missing ids.
func (d *FakeDriver) ParseToolCalls(payload json.RawMessage) ([]models.ToolCall, error) {
	var calls []models.ToolCall
	if err := json.Unmarshal(payload, &calls); err != nil {
		return nil, NewError("fake", d.cfg.Model, fmt.Errorf("decode tool calls: %w", err))
	}
	return EnsureCallIDs(calls), nil
}

func (d *FakeDriver) CountTokens(text, model string) int {
	return EstimateTokens(text)
}

func (d *FakeDriver) ContextLimit(model string) int {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return d.state.contextLimit
}

func (d *FakeDriver) Disconnect() {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.disconnects++
}
