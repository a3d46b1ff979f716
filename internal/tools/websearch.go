package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arclight-ai/arclight/pkg/models"
)

// WebSearchConfig configures the web_search tool. An empty SearXNGURL
// leaves the tool registered but failing with a configuration message.
type WebSearchConfig struct {
	SearXNGURL  string
	ResultCount int
	Timeout     time.Duration
	Client      *http.Client
}

// WebSearchTool queries a SearXNG instance and returns titled snippets.
type WebSearchTool struct {
	cfg    WebSearchConfig
	client *http.Client
}

// NewWebSearchTool creates the web_search tool.
func NewWebSearchTool(cfg WebSearchConfig) *WebSearchTool {
	if cfg.ResultCount <= 0 {
		cfg.ResultCount = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebSearchTool{cfg: cfg, client: client}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return titled result snippets with URLs."
}

func (t *WebSearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Search query",
			},
			"count": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     20,
				"description": "Number of results to return",
			},
		},
		"required":             []any{"query"},
		"additionalProperties": false,
	}
}

func (t *WebSearchTool) Timeout() time.Duration { return t.cfg.Timeout }

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	if t.cfg.SearXNGURL == "" {
		return models.FailureResult("web search is not configured: no search backend URL", nil)
	}

	query, _ := args["query"].(string)
	count := t.cfg.ResultCount
	if n, ok := args["count"].(float64); ok && n > 0 {
		count = int(n)
	}

	endpoint := strings.TrimRight(t.cfg.SearXNGURL, "/") + "/search?" + url.Values{
		"q":      {query},
		"format": {"json"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.FailureResult(fmt.Sprintf("build search request: %v", err), nil)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return models.FailureResult(fmt.Sprintf("search request failed: %v", err), nil)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.FailureResult(fmt.Sprintf("search backend returned status %d", resp.StatusCode), nil)
	}

	var payload searxngResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return models.FailureResult(fmt.Sprintf("decode search response: %v", err), nil)
	}

	if len(payload.Results) == 0 {
		return models.SuccessResult("No results found.", map[string]any{"query": query})
	}
	if len(payload.Results) > count {
		payload.Results = payload.Results[:count]
	}

	var out strings.Builder
	for i, r := range payload.Results {
		fmt.Fprintf(&out, "%d. %s\n%s\n", i+1, r.Title, r.URL)
		if r.Content != "" {
			fmt.Fprintf(&out, "%s\n", r.Content)
		}
		out.WriteString("\n")
	}
	return models.SuccessResult(strings.TrimSpace(out.String()), map[string]any{
		"query":        query,
		"result_count": len(payload.Results),
	})
}
