package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine-level Prometheus metrics.
//
// Tracked concerns:
//   - Turn throughput and latency per backend
//   - Model request performance and token consumption
//   - Tool execution counts and latencies
//   - Event queue depth and stream lifetimes
//   - Error rates by component and reason
type Metrics struct {
	// TurnCounter counts processed turns.
	// Labels: backend, outcome (completed|paused|failed|cancelled|continued)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures whole-turn latency in seconds.
	// Labels: backend
	TurnDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model calls by driver, model, and status.
	// Labels: backend, model, status (success|error)
	ModelRequestCounter *prometheus.CounterVec

	// ModelRequestDuration measures model call latency in seconds.
	// Labels: backend, model
	ModelRequestDuration *prometheus.HistogramVec

	// ModelTokensUsed tracks token consumption.
	// Labels: backend, model, type (input|output)
	ModelTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and reason.
	// Labels: component (engine|backend|broadcast|store|server), reason
	ErrorCounter *prometheus.CounterVec

	// ActiveStreams is a gauge of currently open event streams.
	ActiveStreams prometheus.Gauge

	// EventsPublished counts events pushed to conversation queues.
	// Labels: kind
	EventsPublished *prometheus.CounterVec

	// ContextFilterRuns counts context filter executions.
	// Labels: strategy, outcome (filtered|skipped|failed_open)
	ContextFilterRuns *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// StoreQueryDuration measures persistence operation latency.
	// Labels: operation, entity
	StoreQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics with reg. Call once
// at startup; metrics are served from the /metrics endpoint.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arclight_turns_total",
				Help: "Total number of processed turns by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arclight_turn_duration_seconds",
				Help:    "Duration of whole turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"backend"},
		),

		ModelRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arclight_model_requests_total",
				Help: "Total number of model requests by backend, model, and status",
			},
			[]string{"backend", "model", "status"},
		),

		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arclight_model_request_duration_seconds",
				Help:    "Duration of model requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"backend", "model"},
		),

		ModelTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arclight_model_tokens_total",
				Help: "Total tokens consumed by backend, model, and type",
			},
			[]string{"backend", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arclight_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arclight_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arclight_errors_total",
				Help: "Total errors by component and reason",
			},
			[]string{"component", "reason"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "arclight_active_streams",
				Help: "Current number of open event streams",
			},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arclight_events_published_total",
				Help: "Total events pushed to conversation queues by kind",
			},
			[]string{"kind"},
		),

		ContextFilterRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arclight_context_filter_runs_total",
				Help: "Total context filter executions by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arclight_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arclight_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		StoreQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arclight_store_query_duration_seconds",
				Help:    "Duration of persistence operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "entity"},
		),
	}
}

// RecordTurn records one turn outcome with its duration.
func (m *Metrics) RecordTurn(backend, outcome string, durationSeconds float64) {
	m.TurnCounter.WithLabelValues(backend, outcome).Inc()
	m.TurnDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// RecordModelRequest records one model call with latency and token usage.
func (m *Metrics) RecordModelRequest(backend, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.ModelRequestCounter.WithLabelValues(backend, model, status).Inc()
	m.ModelRequestDuration.WithLabelValues(backend, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.ModelTokensUsed.WithLabelValues(backend, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.ModelTokensUsed.WithLabelValues(backend, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and reason.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorCounter.WithLabelValues(component, reason).Inc()
}

// RecordEvent counts one published event.
func (m *Metrics) RecordEvent(kind string) {
	m.EventsPublished.WithLabelValues(kind).Inc()
}

// RecordContextFilter counts one context filter run.
func (m *Metrics) RecordContextFilter(strategy, outcome string) {
	m.ContextFilterRuns.WithLabelValues(strategy, outcome).Inc()
}

// StreamOpened increments the active stream gauge.
func (m *Metrics) StreamOpened() { m.ActiveStreams.Inc() }

// StreamClosed decrements the active stream gauge.
func (m *Metrics) StreamClosed() { m.ActiveStreams.Dec() }

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordStoreQuery records one persistence operation.
func (m *Metrics) RecordStoreQuery(operation, entity string, durationSeconds float64) {
	m.StoreQueryDuration.WithLabelValues(operation, entity).Observe(durationSeconds)
}
