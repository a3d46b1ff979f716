package engine

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arclight-ai/arclight/internal/observability"
	"github.com/arclight-ai/arclight/internal/tools"
	"github.com/arclight-ai/arclight/pkg/models"
)

func testDispatcher(t *testing.T, serverTools ...tools.Tool) *Dispatcher {
	t.Helper()
	log := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	reg := tools.NewRegistry(log, observability.NewMetrics(prometheus.NewRegistry()))
	for _, tool := range serverTools {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return NewDispatcher(reg)
}

func TestClassify(t *testing.T) {
	d := testDispatcher(t, &stubServerTool{name: "search"})
	conv := &models.Conversation{
		ClientToolSchemas: []models.ToolSchema{
			{Name: "open_file"},
			{Name: "search"}, // shadows the server tool
		},
	}

	tests := []struct {
		name string
		call string
		want Dispatch
	}{
		{"client tool", "open_file", DispatchClient},
		{"client shadows server", "search", DispatchClient},
		{"unknown", "format_disk", DispatchSystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Classify(conv, models.ToolCall{Name: tt.call})
			if got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.call, got, tt.want)
			}
		})
	}

	// Without the client declaration the server tool is reachable again.
	bare := &models.Conversation{}
	if got := d.Classify(bare, models.ToolCall{Name: "search"}); got != DispatchServer {
		t.Errorf("Classify without client schemas = %s, want server", got)
	}
}

func TestExecuteSystemCallFails(t *testing.T) {
	d := testDispatcher(t)
	result := d.Execute(context.Background(), DispatchSystem, models.ToolCall{Name: "ghost"})
	if result.Success {
		t.Fatal("system call succeeded")
	}
	if !strings.Contains(result.Error, "unknown tool ghost") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestExecuteServerCall(t *testing.T) {
	echo := &stubServerTool{name: "echo", fn: func(_ context.Context, args map[string]any) models.ToolResult {
		return models.SuccessResult(args["text"].(string), nil)
	}}
	d := testDispatcher(t, echo)

	call := models.ToolCall{Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)}
	result := d.Execute(context.Background(), DispatchServer, call)
	if !result.Success || result.Output != "hi" {
		t.Errorf("result = %+v", result)
	}
}
