// Package tools hosts the built-in server tools and the registry that
// validates and executes them on behalf of the turn processor.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/arclight-ai/arclight/internal/observability"
	"github.com/arclight-ai/arclight/pkg/models"
)

// Tool is a server-executable tool. Execute must honor ctx cancellation;
// failures are returned as values so the model can see and recover from
// them.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON schema for the tool's arguments.
	Schema() map[string]any

	// Timeout bounds one execution. Zero means the registry default.
	Timeout() time.Duration

	Execute(ctx context.Context, args map[string]any) models.ToolResult
}

const defaultToolTimeout = 30 * time.Second

type registryEntry struct {
	tool     Tool
	compiled *jsonschema.Schema
}

// Registry holds the built-in server tools keyed by name. Arguments are
// validated against each tool's schema before execution.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(log *observability.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		entries: map[string]registryEntry{},
		log:     log,
		metrics: metrics,
	}
}

// NewDefaultRegistry creates a registry with the standard built-ins.
func NewDefaultRegistry(log *observability.Logger, metrics *observability.Metrics) (*Registry, error) {
	r := NewRegistry(log, metrics)
	builtins := []Tool{
		NewWebSearchTool(WebSearchConfig{}),
		NewWebFetchTool(WebFetchConfig{}),
		NewDocumentSearchTool(),
		NewTaskListTool(),
	}
	for _, tool := range builtins {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles the tool's schema and installs it. A nil schema means
// any arguments are accepted.
func (r *Registry) Register(tool Tool) error {
	entry := registryEntry{tool: tool}

	if schema := tool.Schema(); schema != nil {
		raw, err := json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("tool %s: marshal schema: %w", tool.Name(), err)
		}
		compiled, err := jsonschema.CompileString(tool.Name()+".json", string(raw))
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", tool.Name(), err)
		}
		entry.compiled = compiled
	}

	r.mu.Lock()
	r.entries[tool.Name()] = entry
	r.mu.Unlock()
	return nil
}

// Has reports whether a tool with this name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns canonical tool schemas for the named tools. Unknown names
// are skipped. A nil argument selects every registered tool.
func (r *Registry) Schemas(names []string) []models.ToolSchema {
	if names == nil {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]models.ToolSchema, 0, len(names))
	for _, name := range names {
		entry, ok := r.entries[name]
		if !ok {
			continue
		}
		schemas = append(schemas, models.ToolSchema{
			Name:        entry.tool.Name(),
			Description: entry.tool.Description(),
			Parameters:  entry.tool.Schema(),
		})
	}
	return schemas
}

// Execute validates args and runs the named tool under its timeout. Every
// failure mode comes back as a failed ToolResult, never an error.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) models.ToolResult {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return models.FailureResult(fmt.Sprintf("unknown tool %q", name), nil)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return models.FailureResult(fmt.Sprintf("invalid arguments: %v", err), nil)
	}
	if entry.compiled != nil {
		if err := entry.compiled.Validate(decoded); err != nil {
			return models.FailureResult(fmt.Sprintf("arguments failed validation: %v", err), nil)
		}
	}
	argMap, ok := decoded.(map[string]any)
	if !ok {
		return models.FailureResult("arguments must be a JSON object", nil)
	}

	timeout := entry.tool.Timeout()
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := entry.tool.Execute(execCtx, argMap)
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && !result.Success {
		result = models.FailureResult(fmt.Sprintf("tool %s timed out after %s", name, timeout), nil)
	}

	status := "success"
	if !result.Success {
		status = "failure"
	}
	if r.metrics != nil {
		r.metrics.RecordToolExecution(name, status, time.Since(start).Seconds())
	}
	if r.log != nil {
		r.log.Debug(ctx, "tool executed", "tool", name, "status", status)
	}
	return result
}
