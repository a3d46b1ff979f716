// Package contextfilter reduces conversation transcripts to fit a model's
// context window.
//
// Every strategy preserves the same invariants: system messages and pinned
// messages are always retained, and an assistant message carrying tool calls
// travels with its tool-result messages as one atomic unit.
package contextfilter

import (
	"context"
	"fmt"

	"github.com/arclight-ai/arclight/internal/backend"
	"github.com/arclight-ai/arclight/internal/observability"
	"github.com/arclight-ai/arclight/pkg/models"
)

// Summarizer condenses a block of messages into a short synthetic summary.
// The summarization call bypasses the filter.
type Summarizer interface {
	Summarize(ctx context.Context, messages []models.ChatMessage, targetTokens int) (string, error)
}

// Request carries one filter invocation.
type Request struct {
	Messages           []models.ChatMessage
	SystemPromptTokens int
	ToolSchemaTokens   int
	ContextLimit       int
	MaxOutputTokens    int
	Strategy           models.ContextStrategy
	Options            map[string]any

	// Summarizer overrides the filter's default for this invocation. Used
	// to bind summarization to the turn's own driver.
	Summarizer Summarizer
}

const (
	defaultWindowSize       = 20
	defaultBudgetPercentage = 0.8
	defaultReserveTokens    = 0
	defaultTargetTokens     = 512
	defaultMinMessages      = 6
)

// Filter applies a context reduction strategy. A strategy failure is
// fail-open: the transcript passes through unchanged and the failure is
// logged, so a turn never dies because trimming did.
type Filter struct {
	log          *observability.Logger
	metrics      *observability.Metrics
	summarizer   Summarizer
	safetyMargin float64
}

// New creates a filter. summarizer may be nil; the summarization strategy
// then fails open. safetyMargin scales the context limit, 0 means 1.0.
func New(log *observability.Logger, metrics *observability.Metrics, summarizer Summarizer, safetyMargin float64) *Filter {
	if safetyMargin <= 0 || safetyMargin > 1 {
		safetyMargin = 1.0
	}
	return &Filter{log: log, metrics: metrics, summarizer: summarizer, safetyMargin: safetyMargin}
}

// ShouldFilter implements the triggering rule: filter only when the
// estimated token total exceeds threshold times the context limit.
func (f *Filter) ShouldFilter(messages []models.ChatMessage, threshold float64, contextLimit int) bool {
	if threshold <= 0 || contextLimit <= 0 {
		return false
	}
	return EstimateMessages(messages) > int(threshold*float64(contextLimit))
}

// Apply runs the configured strategy. The returned slice is in chronological
// order. On strategy failure the input is returned unchanged.
func (f *Filter) Apply(ctx context.Context, req Request) []models.ChatMessage {
	strategy := req.Strategy
	if strategy == "" {
		strategy = models.ContextNoop
	}

	var (
		out []models.ChatMessage
		err error
	)
	switch strategy {
	case models.ContextNoop:
		out = req.Messages
	case models.ContextSlidingWindow:
		out, err = f.slidingWindow(req)
	case models.ContextTokenBudget:
		out, err = f.tokenBudget(req)
	case models.ContextSummarization:
		out, err = f.summarize(ctx, req)
	default:
		err = fmt.Errorf("unknown context strategy %q", strategy)
	}

	if err != nil {
		if f.log != nil {
			f.log.Warn(ctx, "context filter failed open",
				"strategy", string(strategy), "error", err.Error())
		}
		if f.metrics != nil {
			f.metrics.RecordContextFilter(string(strategy), "failed_open")
		}
		return req.Messages
	}

	outcome := "skipped"
	if len(out) != len(req.Messages) {
		outcome = "filtered"
	}
	if f.metrics != nil {
		f.metrics.RecordContextFilter(string(strategy), outcome)
	}
	return out
}

// unit is an atomic group of message indices: either a single message, or an
// assistant message with tool calls together with its tool results.
type unit struct {
	indices []int
	tokens  int
	keep    bool // system or pinned, never dropped
}

func buildUnits(messages []models.ChatMessage) []unit {
	// Tool results attach to the unit of their originating call.
	callUnit := map[string]int{}
	var units []unit

	for i := range messages {
		msg := &messages[i]

		if msg.Role == models.RoleTool && msg.ToolCallID != "" {
			if u, ok := callUnit[msg.ToolCallID]; ok {
				units[u].indices = append(units[u].indices, i)
				units[u].tokens += EstimateMessage(msg)
				if msg.Pinned {
					units[u].keep = true
				}
				continue
			}
		}

		u := unit{
			indices: []int{i},
			tokens:  EstimateMessage(msg),
			keep:    msg.Pinned || msg.Role == models.RoleSystem,
		}
		units = append(units, u)
		for _, tc := range msg.ToolCalls {
			callUnit[tc.ID] = len(units) - 1
		}
	}
	return units
}

func flatten(messages []models.ChatMessage, units []unit, admitted map[int]bool) []models.ChatMessage {
	var indices []int
	for ui, u := range units {
		if admitted[ui] {
			indices = append(indices, u.indices...)
		}
	}
	// Unit indices are chronological within and across units except tool
	// results appended to an earlier assistant unit, so restore order.
	sortInts(indices)

	out := make([]models.ChatMessage, 0, len(indices))
	for _, i := range indices {
		out = append(out, messages[i])
	}
	return out
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func (f *Filter) slidingWindow(req Request) ([]models.ChatMessage, error) {
	windowSize := optInt(req.Options, "window_size", defaultWindowSize)
	if windowSize < 1 {
		return nil, fmt.Errorf("window_size %d out of range", windowSize)
	}

	units := buildUnits(req.Messages)
	admitted := map[int]bool{}
	for ui, u := range units {
		if u.keep {
			admitted[ui] = true
		}
	}

	// Most recent window_size-1 messages, rounded up to whole units.
	budget := windowSize - 1
	for ui := len(units) - 1; ui >= 0 && budget > 0; ui-- {
		if admitted[ui] {
			continue
		}
		admitted[ui] = true
		budget -= len(units[ui].indices)
	}

	return flatten(req.Messages, units, admitted), nil
}

func (f *Filter) tokenBudget(req Request) ([]models.ChatMessage, error) {
	budgetPct := optFloat(req.Options, "budget_percentage", defaultBudgetPercentage)
	reserve := optInt(req.Options, "reserve_tokens", defaultReserveTokens)
	if budgetPct <= 0 || budgetPct > 1 {
		return nil, fmt.Errorf("budget_percentage %v out of range", budgetPct)
	}
	if reserve < 0 {
		return nil, fmt.Errorf("reserve_tokens %d out of range", reserve)
	}

	limit := int(float64(req.ContextLimit) * f.safetyMargin)
	headroom := limit - req.MaxOutputTokens - req.ToolSchemaTokens - req.SystemPromptTokens
	available := int(float64(headroom)*budgetPct) - reserve
	if available <= 0 {
		return nil, fmt.Errorf("no token budget available (limit %d)", req.ContextLimit)
	}

	units := buildUnits(req.Messages)
	admitted := map[int]bool{}

	// System and pinned units are admitted unconditionally and charged
	// first.
	for ui, u := range units {
		if u.keep {
			admitted[ui] = true
			available -= u.tokens
		}
	}

	// Newest to oldest, whole units only.
	for ui := len(units) - 1; ui >= 0; ui-- {
		u := units[ui]
		if admitted[ui] || u.tokens > available {
			continue
		}
		admitted[ui] = true
		available -= u.tokens
	}

	return flatten(req.Messages, units, admitted), nil
}

func (f *Filter) summarize(ctx context.Context, req Request) ([]models.ChatMessage, error) {
	summarizer := req.Summarizer
	if summarizer == nil {
		summarizer = f.summarizer
	}
	if summarizer == nil {
		return nil, fmt.Errorf("no summarizer configured")
	}
	targetTokens := optInt(req.Options, "target_tokens", defaultTargetTokens)
	minMessages := optInt(req.Options, "min_messages", defaultMinMessages)
	if targetTokens < 1 || minMessages < 1 {
		return nil, fmt.Errorf("invalid summarization options (target_tokens=%d, min_messages=%d)", targetTokens, minMessages)
	}

	limit := int(float64(req.ContextLimit) * f.safetyMargin)
	budget := limit - req.MaxOutputTokens - req.ToolSchemaTokens - req.SystemPromptTokens
	if budget <= 0 {
		return nil, fmt.Errorf("no token budget available (limit %d)", req.ContextLimit)
	}

	messages := append([]models.ChatMessage(nil), req.Messages...)
	for EstimateMessages(messages) > budget {
		units := buildUnits(messages)

		// The oldest contiguous run of droppable units, at least
		// minMessages messages long, becomes one summary.
		start, end, count := -1, -1, 0
		for ui, u := range units {
			if u.keep {
				if count >= minMessages {
					break
				}
				start, end, count = -1, -1, 0
				continue
			}
			if start == -1 {
				start = ui
			}
			end = ui
			count += len(u.indices)
			if count >= minMessages && ui < len(units)-1 {
				break
			}
		}
		if count < minMessages || end >= len(units)-1 {
			// Too little history left ahead of the tail to condense.
			break
		}

		var block []models.ChatMessage
		for ui := start; ui <= end; ui++ {
			for _, i := range units[ui].indices {
				block = append(block, messages[i])
			}
		}
		summary, err := summarizer.Summarize(ctx, block, targetTokens)
		if err != nil {
			return nil, fmt.Errorf("summarize block: %w", err)
		}

		firstIdx := units[start].indices[0]
		lastIdx := units[end].indices[len(units[end].indices)-1]
		replaced := make([]models.ChatMessage, 0, len(messages))
		replaced = append(replaced, messages[:firstIdx]...)
		replaced = append(replaced, models.ChatMessage{
			Role:    models.RoleSystem,
			Content: summary,
		})
		replaced = append(replaced, messages[lastIdx+1:]...)
		messages = replaced
	}

	return messages, nil
}

// EstimateMessage returns the cached token count or a content-aware
// estimate covering content, thinking, and tool-call arguments.
func EstimateMessage(msg *models.ChatMessage) int {
	if msg.TokenCount > 0 {
		return msg.TokenCount
	}
	n := backend.EstimateTokens(msg.Content) + backend.EstimateTokens(msg.Thinking)
	for _, tc := range msg.ToolCalls {
		n += backend.EstimateTokens(string(tc.Arguments))
	}
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessages sums per-message estimates for a transcript.
func EstimateMessages(messages []models.ChatMessage) int {
	total := 0
	for i := range messages {
		total += EstimateMessage(&messages[i])
	}
	return total
}

func optInt(opts map[string]any, key string, fallback int) int {
	v, ok := opts[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}

func optFloat(opts map[string]any, key string, fallback float64) float64 {
	v, ok := opts[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return fallback
}
