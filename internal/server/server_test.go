package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arclight-ai/arclight/internal/backend"
	"github.com/arclight-ai/arclight/internal/broadcast"
	"github.com/arclight-ai/arclight/internal/config"
	"github.com/arclight-ai/arclight/internal/contextfilter"
	"github.com/arclight-ai/arclight/internal/engine"
	"github.com/arclight-ai/arclight/internal/observability"
	"github.com/arclight-ai/arclight/internal/prompt"
	"github.com/arclight-ai/arclight/internal/store"
	"github.com/arclight-ai/arclight/internal/tools"
	"github.com/arclight-ai/arclight/pkg/models"
)

type harness struct {
	ts   *httptest.Server
	st   *store.MemoryStore
	fake *backend.FakeDriver
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	st := store.NewMemoryStore()
	bus := broadcast.NewMemoryBroadcaster(time.Hour)
	t.Cleanup(func() { bus.Close() })

	fake := backend.NewFakeDriver()
	registry := backend.NewRegistry(config.BackendsConfig{})
	registry.Register(fake, "fake-model", models.ModelConfig{})

	toolReg := tools.NewRegistry(log, metrics)
	filter := contextfilter.New(log, metrics, nil, 1.0)
	proc := engine.NewProcessor(st, registry, engine.NewDispatcher(toolReg), prompt.NewAssembler(), filter, bus, log, metrics, engine.Config{})

	queue := engine.NewQueue(2, proc.Process)
	proc.SetEnqueue(queue.Enqueue)
	queue.Start()
	t.Cleanup(queue.Stop)

	service := engine.NewService(st, bus, queue.Enqueue, log, metrics)
	ts := httptest.NewServer(New(service, st, bus, log, metrics).Handler())
	t.Cleanup(ts.Close)

	return &harness{ts: ts, st: st, fake: fake}
}

func (h *harness) putAgent(t *testing.T) {
	t.Helper()
	agent := &models.Agent{
		ID:        "agent-1",
		Name:      "assistant",
		AIBackend: "fake",
	}
	if err := h.st.PutAgent(context.Background(), agent); err != nil {
		t.Fatalf("put agent: %v", err)
	}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	decoded := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func (h *harness) createConversation(t *testing.T, clientTools []models.ToolSchema) string {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/conversations", map[string]any{
		"agent_id":     "agent-1",
		"user_id":      "user-1",
		"client_tools": clientTools,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create conversation: status %d body %v", resp.StatusCode, body)
	}
	return body["id"].(string)
}

type sseEvent struct {
	kind string
	data map[string]any
}

// openStream connects to the SSE endpoint. The response headers arrive as
// soon as the handler has written the connected event.
func (h *harness) openStream(t *testing.T, conversationID string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.ts.URL+"/conversations/"+conversationID+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("stream content type = %q", ct)
	}
	return resp
}

// scanStream consumes SSE events until the server closes the stream.
func (h *harness) scanStream(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := map[string]any{}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data); err != nil {
				t.Fatalf("bad event data %q: %v", line, err)
			}
			current.data = data
		case line == "":
			if current.kind != "" {
				events = append(events, current)
				current = sseEvent{}
			}
		}
	}
	return events
}

func (h *harness) readStream(t *testing.T, conversationID string) []sseEvent {
	t.Helper()
	return h.scanStream(t, h.openStream(t, conversationID))
}

func kindsOf(events []sseEvent) []string {
	kinds := make([]string, 0, len(events))
	for _, e := range events {
		if e.kind == "heartbeat" {
			continue
		}
		kinds = append(kinds, e.kind)
	}
	return kinds
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
}

func TestAgentCRUD(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/agents", map[string]any{
		"name":       "helper",
		"ai_backend": "fake",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create agent: %d %v", resp.StatusCode, body)
	}
	id := body["id"].(string)
	if id == "" {
		t.Fatal("no id assigned")
	}

	resp, body = h.do(t, http.MethodGet, "/agents/"+id, nil)
	if resp.StatusCode != http.StatusOK || body["name"] != "helper" {
		t.Fatalf("get agent: %d %v", resp.StatusCode, body)
	}

	resp, _ = h.do(t, http.MethodDelete, "/agents/"+id, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete agent: %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/agents/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted agent: %d", resp.StatusCode)
	}

	// Missing backend is rejected up front.
	resp, _ = h.do(t, http.MethodPost, "/agents", map[string]any{"name": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("agent without backend: %d", resp.StatusCode)
	}
}

func TestMessageRoundTripOverStream(t *testing.T) {
	h := newHarness(t)
	h.putAgent(t)
	h.fake.Enqueue(&models.AIResponse{
		Content:      "hello there",
		FinishReason: models.FinishStop,
		TokensUsed:   models.TokenUsage{OutputTokens: 2},
	})

	convID := h.createConversation(t, nil)

	// Subscribe before sending so the live chunk events are observed rather
	// than the terminal replay.
	stream := h.openStream(t, convID)

	resp, body := h.do(t, http.MethodPost, "/conversations/"+convID+"/messages", map[string]any{
		"content": "hi",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send message: %d %v", resp.StatusCode, body)
	}
	if body["stream_url"] != "/conversations/"+convID+"/stream" {
		t.Errorf("stream_url = %v", body["stream_url"])
	}

	events := h.scanStream(t, stream)
	kinds := kindsOf(events)
	if len(kinds) < 2 || kinds[0] != "connected" || kinds[len(kinds)-1] != "completed" {
		t.Fatalf("event kinds = %v", kinds)
	}

	var text string
	for _, e := range events {
		if e.kind == "text_chunk" {
			text += e.data["chunk"].(string)
		}
	}
	if text != "hello there" {
		t.Errorf("streamed text = %q", text)
	}

	final := events[len(events)-1]
	if final.data["status"] != "completed" || final.data["conversation_id"] != convID {
		t.Errorf("completed payload = %v", final.data)
	}
	stats := final.data["stats"].(map[string]any)
	if stats["turns"].(float64) != 1 {
		t.Errorf("stats = %v", stats)
	}

	// Polling clients that skipped the stream get the answer from the
	// status endpoint once the conversation completed.
	resp, body = h.do(t, http.MethodGet, "/conversations/"+convID+"/status", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "completed" {
		t.Fatalf("status after completion: %d %v", resp.StatusCode, body)
	}
	messages, ok := body["messages"].([]any)
	if !ok || len(messages) != 1 {
		t.Fatalf("status messages = %v, want the final assistant message", body["messages"])
	}
	if msg := messages[0].(map[string]any); msg["content"] != "hello there" || msg["role"] != "assistant" {
		t.Errorf("status message = %v", msg)
	}
}

func TestMessageAcceptsDocumentIDs(t *testing.T) {
	h := newHarness(t)
	h.putAgent(t)
	convID := h.createConversation(t, nil)

	resp, body := h.do(t, http.MethodPost, "/conversations/"+convID+"/messages", map[string]any{
		"content":      "summarize the attached report",
		"document_ids": []string{"doc-7"},
		"pinned":       true,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("message with document_ids: %d %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodGet, "/conversations/"+convID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get conversation: %d", resp.StatusCode)
	}
	first := body["messages"].([]any)[0].(map[string]any)
	docs, ok := first["document_ids"].([]any)
	if !ok || len(docs) != 1 || docs[0] != "doc-7" {
		t.Errorf("persisted document_ids = %v", first["document_ids"])
	}
	if first["pinned"] != true {
		t.Errorf("persisted pinned = %v", first["pinned"])
	}
}

func TestToolResultPreconditions(t *testing.T) {
	h := newHarness(t)
	h.putAgent(t)
	h.fake.Enqueue(&models.AIResponse{
		FinishReason: models.FinishToolCalls,
		ToolCalls: []models.ToolCall{{
			ID: "t1", Name: "client_tool", Arguments: json.RawMessage(`{}`),
		}},
		TokensUsed: models.TokenUsage{OutputTokens: 2},
	}).Enqueue(&models.AIResponse{
		Content:      "done",
		FinishReason: models.FinishStop,
		TokensUsed:   models.TokenUsage{OutputTokens: 1},
	})

	convID := h.createConversation(t, []models.ToolSchema{{Name: "client_tool"}})

	// Before any pause: 409.
	resp, _ := h.do(t, http.MethodPost, "/conversations/"+convID+"/tool-results", map[string]any{
		"call_id": "t1", "success": true,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("submit before pause: %d", resp.StatusCode)
	}

	h.do(t, http.MethodPost, "/conversations/"+convID+"/messages", map[string]any{"content": "go"})
	events := h.readStream(t, convID)
	kinds := kindsOf(events)
	if kinds[len(kinds)-1] != "tool_request" {
		t.Fatalf("stream kinds = %v", kinds)
	}
	req := events[len(events)-1].data["tool_request"].(map[string]any)
	if req["call_id"] != "t1" || req["name"] != "client_tool" {
		t.Fatalf("tool_request = %v", req)
	}

	// Wrong call_id: 409, state unchanged.
	resp, body := h.do(t, http.MethodPost, "/conversations/"+convID+"/tool-results", map[string]any{
		"call_id": "bogus", "success": true,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("mismatched call_id: %d %v", resp.StatusCode, body)
	}
	resp, body = h.do(t, http.MethodGet, "/conversations/"+convID+"/status", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "waiting_for_tool" {
		t.Fatalf("status after mismatch: %d %v", resp.StatusCode, body)
	}

	// Missing call_id: 400.
	resp, _ = h.do(t, http.MethodPost, "/conversations/"+convID+"/tool-results", map[string]any{"success": true})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing call_id: %d", resp.StatusCode)
	}

	// Correct submission resumes and completes.
	resp, _ = h.do(t, http.MethodPost, "/conversations/"+convID+"/tool-results", map[string]any{
		"call_id": "t1", "success": true, "output": "42",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("valid submission: %d", resp.StatusCode)
	}
	events = h.readStream(t, convID)
	kinds = kindsOf(events)
	if kinds[len(kinds)-1] != "completed" {
		t.Fatalf("resumed stream kinds = %v", kinds)
	}

	// Duplicate submission after resume: 409.
	resp, _ = h.do(t, http.MethodPost, "/conversations/"+convID+"/tool-results", map[string]any{
		"call_id": "t1", "success": true,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate submission: %d", resp.StatusCode)
	}
}

func TestStopEndpoint(t *testing.T) {
	h := newHarness(t)
	h.putAgent(t)
	convID := h.createConversation(t, nil)

	resp, body := h.do(t, http.MethodPost, "/conversations/"+convID+"/stop", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "cancelled" {
		t.Fatalf("stop: %d %v", resp.StatusCode, body)
	}

	// Idempotent.
	resp, _ = h.do(t, http.MethodPost, "/conversations/"+convID+"/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat stop: %d", resp.StatusCode)
	}

	// Further messages rejected.
	resp, _ = h.do(t, http.MethodPost, "/conversations/"+convID+"/messages", map[string]any{"content": "hi"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("message after stop: %d", resp.StatusCode)
	}
}

func TestStreamReplaysTerminalState(t *testing.T) {
	h := newHarness(t)
	h.putAgent(t)
	convID := h.createConversation(t, nil)

	h.do(t, http.MethodPost, "/conversations/"+convID+"/messages", map[string]any{"content": "hi"})
	first := h.readStream(t, convID)
	if kindsOf(first)[len(kindsOf(first))-1] != "completed" {
		t.Fatalf("first stream = %v", kindsOf(first))
	}

	// A late subscriber sees connected plus a synthesized completed event.
	second := h.readStream(t, convID)
	kinds := kindsOf(second)
	if len(kinds) != 2 || kinds[0] != "connected" || kinds[1] != "completed" {
		t.Fatalf("replay stream = %v", kinds)
	}
	if second[0].data["status"] != "completed" {
		t.Errorf("connected status = %v", second[0].data["status"])
	}
}

func TestValidationErrors(t *testing.T) {
	h := newHarness(t)
	h.putAgent(t)
	convID := h.createConversation(t, nil)

	resp, _ := h.do(t, http.MethodPost, "/conversations/"+convID+"/messages", map[string]any{"content": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty content: %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/conversations/"+convID+"/messages", strings.NewReader("{not json"))
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("raw request: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: %d", resp2.StatusCode)
	}

	resp, _ = h.do(t, http.MethodGet, "/conversations/nope/status", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown conversation status: %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/conversations", map[string]any{"agent_id": "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown agent: %d", resp.StatusCode)
	}
}
