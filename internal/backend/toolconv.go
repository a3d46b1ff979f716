package backend

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/arclight-ai/arclight/pkg/models"
)

// EnsureCallIDs synthesizes call_<n> ids in turn-local order for tool calls
// whose provider emitted no id. Existing ids are preserved so downstream
// references stay stable.
func EnsureCallIDs(calls []models.ToolCall) []models.ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d", i)
		}
		if len(calls[i].Arguments) == 0 {
			calls[i].Arguments = json.RawMessage(`{}`)
		}
	}
	return calls
}

// toOpenAITools converts canonical schemas to OpenAI function definitions.
// The same shape is accepted by vLLM, Hugging Face TGI, and Ollama.
func toOpenAITools(tools []models.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		params := tool.Parameters
		if params == nil {
			params = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

// parseOpenAIToolCalls converts OpenAI tool calls to canonical form.
func parseOpenAIToolCalls(calls []openai.ToolCall) []models.ToolCall {
	result := make([]models.ToolCall, 0, len(calls))
	for _, tc := range calls {
		call := models.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
		}
		if tc.Function.Arguments != "" {
			call.Arguments = json.RawMessage(tc.Function.Arguments)
		}
		result = append(result, call)
	}
	return EnsureCallIDs(result)
}

// toAnthropicTools converts canonical schemas to Anthropic tool params.
func toAnthropicTools(tools []models.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

// anthropicToolUse mirrors the provider's tool_use content block.
type anthropicToolUse struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// parseAnthropicToolCalls converts tool_use content blocks to canonical
// form.
func parseAnthropicToolCalls(blocks []anthropicToolUse) []models.ToolCall {
	result := make([]models.ToolCall, 0, len(blocks))
	for _, block := range blocks {
		if block.Type != "" && block.Type != "tool_use" {
			continue
		}
		result = append(result, models.ToolCall{
			ID:        block.ID,
			Name:      block.Name,
			Arguments: block.Input,
		})
	}
	return EnsureCallIDs(result)
}
