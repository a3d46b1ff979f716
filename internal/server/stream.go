package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/arclight-ai/arclight/internal/engine"
	"github.com/arclight-ai/arclight/pkg/models"
)

// handleStream serves the SSE event stream for one conversation. The stream
// always opens with a connected event and closes after delivering a terminal
// event or a tool_request.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	conv, err := s.service.Conversation(r.Context(), conversationID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disables response buffering in nginx-style proxies.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if s.metrics != nil {
		s.metrics.StreamOpened()
		defer s.metrics.StreamClosed()
	}

	send := func(event models.Event) bool {
		return s.writeEvent(w, flusher, event) == nil
	}

	if !send(engine.ConnectedEvent(conversationID, conv.Status.Public())) {
		return
	}

	// A subscriber arriving after the fact gets the final state replayed
	// immediately instead of waiting on an empty queue.
	if conv.Status.Terminal() {
		send(terminalReplay(conv))
		return
	}
	if conv.Status == models.StatusPaused && conv.PendingToolRequest != nil {
		send(engine.ToolRequestEvent(conversationID, conv.PendingToolRequest, conv.ConversationStats()))
		return
	}

	for {
		event, ok, err := s.broadcaster.Pop(r.Context(), conversationID, streamPopTimeout)
		if err != nil {
			if r.Context().Err() == nil && s.log != nil {
				s.log.Warn(r.Context(), "stream pop", "conversation_id", conversationID, "error", err.Error())
			}
			return
		}
		if !ok {
			if r.Context().Err() != nil {
				return
			}
			if !send(engine.HeartbeatEvent()) {
				return
			}
			continue
		}
		if !send(event) {
			return
		}
		if event.Kind.ClosesStream() {
			return
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, event models.Event) error {
	data := event.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// terminalReplay synthesizes the terminal event for an already finished
// conversation. The original failure message is not persisted, so a failed
// replay carries a generic error.
func terminalReplay(conv *models.Conversation) models.Event {
	switch conv.Status {
	case models.StatusCompleted:
		return engine.CompletedEvent(conv)
	case models.StatusCancelled:
		return engine.CancelledEvent(conv.ID, conv.ConversationStats())
	default:
		return engine.FailedEvent(conv.ID, "conversation failed", conv.ConversationStats())
	}
}
