package engine

import (
	"context"

	"github.com/arclight-ai/arclight/internal/tools"
	"github.com/arclight-ai/arclight/pkg/models"
)

// Dispatch classifies where a tool call executes.
type Dispatch string

const (
	// DispatchClient suspends the conversation until the client submits a
	// result.
	DispatchClient Dispatch = "client"

	// DispatchServer runs a built-in tool synchronously within the turn.
	DispatchServer Dispatch = "server"

	// DispatchSystem covers calls naming no known tool; they resolve to a
	// failed result the model can see and recover from.
	DispatchSystem Dispatch = "system"
)

// Dispatcher routes tool calls between the built-in registry and the
// client's declared tools. A name declared by the client wins over a
// server tool of the same name.
type Dispatcher struct {
	registry *tools.Registry
}

// NewDispatcher creates a dispatcher over the server tool registry.
func NewDispatcher(registry *tools.Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Classify decides where call executes for this conversation.
func (d *Dispatcher) Classify(conv *models.Conversation, call models.ToolCall) Dispatch {
	for _, schema := range conv.ClientToolSchemas {
		if schema.Name == call.Name {
			return DispatchClient
		}
	}
	if d.registry != nil && d.registry.Has(call.Name) {
		return DispatchServer
	}
	return DispatchSystem
}

// Execute runs a server or system call and returns its result as a value.
// System calls fail immediately with an explanatory message.
func (d *Dispatcher) Execute(ctx context.Context, kind Dispatch, call models.ToolCall) models.ToolResult {
	if kind != DispatchServer || d.registry == nil {
		return models.FailureResult("unknown tool "+call.Name, nil)
	}
	return d.registry.Execute(ctx, call.Name, call.Arguments)
}
