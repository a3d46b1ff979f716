// Package server exposes the conversation engine over HTTP: message intake,
// tool-result submission, cancellation, status reads, agent CRUD, and the
// SSE event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arclight-ai/arclight/internal/broadcast"
	"github.com/arclight-ai/arclight/internal/engine"
	"github.com/arclight-ai/arclight/internal/observability"
	"github.com/arclight-ai/arclight/internal/store"
	"github.com/arclight-ai/arclight/pkg/models"
)

const (
	maxBodyBytes = 4 << 20

	// streamPopTimeout is how long one blocking pop waits before the stream
	// emits a heartbeat.
	streamPopTimeout = 2 * time.Second
)

// Server holds the HTTP handler set and its dependencies.
type Server struct {
	service     *engine.Service
	store       store.Store
	broadcaster broadcast.Broadcaster
	log         *observability.Logger
	metrics     *observability.Metrics
}

// New creates the HTTP server layer.
func New(service *engine.Service, st store.Store, b broadcast.Broadcaster, log *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{service: service, store: st, broadcaster: b, log: log, metrics: metrics}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /agents", s.instrument("/agents", s.handlePutAgent))
	mux.HandleFunc("PUT /agents/{id}", s.instrument("/agents/{id}", s.handlePutAgent))
	mux.HandleFunc("GET /agents/{id}", s.instrument("/agents/{id}", s.handleGetAgent))
	mux.HandleFunc("DELETE /agents/{id}", s.instrument("/agents/{id}", s.handleDeleteAgent))

	mux.HandleFunc("POST /conversations", s.instrument("/conversations", s.handleCreateConversation))
	mux.HandleFunc("GET /conversations/{id}", s.instrument("/conversations/{id}", s.handleGetConversation))
	mux.HandleFunc("POST /conversations/{id}/messages", s.instrument("/conversations/{id}/messages", s.handleSendMessage))
	mux.HandleFunc("POST /conversations/{id}/tool-results", s.instrument("/conversations/{id}/tool-results", s.handleToolResult))
	mux.HandleFunc("POST /conversations/{id}/stop", s.instrument("/conversations/{id}/stop", s.handleStop))
	mux.HandleFunc("GET /conversations/{id}/status", s.instrument("/conversations/{id}/status", s.handleStatus))
	mux.HandleFunc("GET /conversations/{id}/stream", s.handleStream)

	return mux
}

// instrument wraps a handler with request metrics keyed by route pattern.
func (s *Server) instrument(pattern string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && s.log != nil {
		s.log.Warn(context.Background(), "encode response", "error", err.Error())
	}
}

// writeError maps service errors onto status codes. Precondition violations
// come back as 409 so clients can distinguish them from malformed input.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrPinnedLimit):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrNotPaused),
		errors.Is(err, engine.ErrCallIDMismatch),
		errors.Is(err, engine.ErrAwaitingToolResult),
		errors.Is(err, engine.ErrTerminalState):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func (s *Server) handlePutAgent(w http.ResponseWriter, r *http.Request) {
	var agent models.Agent
	if !s.decode(w, r, &agent) {
		return
	}
	if id := r.PathValue("id"); id != "" {
		agent.ID = id
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.AIBackend == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "ai_backend is required"})
		return
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	if err := s.store.PutAgent(r.Context(), &agent); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAgent(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createConversationRequest struct {
	AgentID     string              `json:"agent_id"`
	UserID      string              `json:"user_id,omitempty"`
	ClientTools []models.ToolSchema `json:"client_tools,omitempty"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "agent_id is required"})
		return
	}
	conv, err := s.service.CreateConversation(r.Context(), req.AgentID, req.UserID, req.ClientTools)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.service.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var sub engine.MessageSubmission
	if !s.decode(w, r, &sub) {
		return
	}
	conv, err := s.service.SendMessage(r.Context(), r.PathValue("id"), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"conversation_id": conv.ID,
		"status":          conv.Status.Public(),
		"stream_url":      fmt.Sprintf("/conversations/%s/stream", conv.ID),
	})
}

func (s *Server) handleToolResult(w http.ResponseWriter, r *http.Request) {
	var sub engine.ToolResultSubmission
	if !s.decode(w, r, &sub) {
		return
	}
	if sub.CallID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "call_id is required"})
		return
	}
	conv, err := s.service.SubmitToolResult(r.Context(), r.PathValue("id"), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"conversation_id": conv.ID,
		"status":          conv.Status.Public(),
		"stream_url":      fmt.Sprintf("/conversations/%s/stream", conv.ID),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	conv, err := s.service.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"status":          conv.Status.Public(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
