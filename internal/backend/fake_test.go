package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/arclight-ai/arclight/pkg/models"
)

func TestFakeDriverScriptOrder(t *testing.T) {
	d := NewFakeDriver().
		Enqueue(&models.AIResponse{Content: "first", FinishReason: models.FinishStop}).
		EnqueueError(errors.New("boom")).
		Enqueue(&models.AIResponse{Content: "third", FinishReason: models.FinishStop})

	ctx := context.Background()

	resp, err := d.Execute(ctx, "", nil, nil)
	if err != nil || resp.Content != "first" {
		t.Fatalf("step 1: %v, %+v", err, resp)
	}
	if _, err := d.Execute(ctx, "", nil, nil); err == nil {
		t.Fatal("step 2: expected scripted error")
	}
	resp, err = d.Execute(ctx, "", nil, nil)
	if err != nil || resp.Content != "third" {
		t.Fatalf("step 3: %v, %+v", err, resp)
	}

	// Exhausted script falls through to the default completion.
	resp, err = d.Execute(ctx, "", nil, nil)
	if err != nil || resp.Content != "ok" {
		t.Fatalf("step 4: %v, %+v", err, resp)
	}
}

func TestFakeDriverRepeatLast(t *testing.T) {
	d := NewFakeDriver().
		Enqueue(&models.AIResponse{
			Content:      "loop",
			FinishReason: models.FinishToolCalls,
			ToolCalls:    []models.ToolCall{{Name: "web_search"}},
		}).
		RepeatLast()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		resp, err := d.Execute(ctx, "", nil, nil)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if resp.FinishReason != models.FinishToolCalls || len(resp.ToolCalls) != 1 {
			t.Fatalf("call %d: %+v", i, resp)
		}
		if resp.ToolCalls[0].ID != "call_0" {
			t.Errorf("call %d: tool call id = %q", i, resp.ToolCalls[0].ID)
		}
	}
}

func TestFakeDriverStreamsChunksInOrder(t *testing.T) {
	d := NewFakeDriver().Enqueue(&models.AIResponse{
		Thinking:     "pondering deeply",
		Content:      "the final answer",
		FinishReason: models.FinishStop,
	})

	type chunk struct {
		kind ChunkKind
		text string
	}
	var chunks []chunk
	resp, err := d.StreamExecute(context.Background(), "", nil, nil, func(kind ChunkKind, text string) {
		chunks = append(chunks, chunk{kind, text})
	})
	if err != nil {
		t.Fatal(err)
	}

	var thinking, content string
	contentStarted := false
	for _, c := range chunks {
		switch c.kind {
		case ChunkThinking:
			if contentStarted {
				t.Fatal("thinking chunk after content started")
			}
			thinking += c.text
		case ChunkContent:
			contentStarted = true
			content += c.text
		}
	}
	if thinking != resp.Thinking || content != resp.Content {
		t.Errorf("reassembled %q / %q, want %q / %q", thinking, content, resp.Thinking, resp.Content)
	}
}

func TestFakeDriverRecordsCalls(t *testing.T) {
	base := NewFakeDriver()
	bound := base.WithConfig(NormalizedModelConfig{Model: "fake-model", Temperature: 0.2})

	msgs := []models.ChatMessage{{Role: models.RoleUser, Content: "hello"}}
	tools := []models.ToolSchema{{Name: "web_search"}}
	if _, err := bound.Execute(context.Background(), "be brief", msgs, tools); err != nil {
		t.Fatal(err)
	}

	calls := base.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d recorded calls, want 1", len(calls))
	}
	call := calls[0]
	if call.SystemPrompt != "be brief" || len(call.Messages) != 1 || len(call.Tools) != 1 {
		t.Errorf("recorded call = %+v", call)
	}
	if call.Config.Model != "fake-model" || call.Config.Temperature != 0.2 {
		t.Errorf("recorded config = %+v", call.Config)
	}
}

func TestFakeDriverCancelledContext(t *testing.T) {
	d := NewFakeDriver().Enqueue(&models.AIResponse{Content: "never"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Execute(ctx, "", nil, nil); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if len(d.Calls()) != 0 {
		t.Error("cancelled call should not be recorded")
	}
}

func TestFakeDriverDisconnects(t *testing.T) {
	base := NewFakeDriver()
	bound := base.WithConfig(NormalizedModelConfig{Model: "m"})
	bound.Disconnect()
	bound.Disconnect()
	if got := base.Disconnects(); got != 2 {
		t.Errorf("disconnects = %d, want 2", got)
	}
}
