package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/arclight-ai/arclight/pkg/models"
)

// WebFetchConfig configures the web_fetch tool.
type WebFetchConfig struct {
	MaxBytes int64
	Timeout  time.Duration
	Client   *http.Client
}

// WebFetchTool retrieves a URL and returns its textual content with markup
// stripped.
type WebFetchTool struct {
	cfg    WebFetchConfig
	client *http.Client
}

// NewWebFetchTool creates the web_fetch tool.
func NewWebFetchTool(cfg WebFetchConfig) *WebFetchTool {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 512 << 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebFetchTool{cfg: cfg, client: client}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return its text content."
}

func (t *WebFetchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "HTTP or HTTPS URL to fetch",
			},
		},
		"required":             []any{"url"},
		"additionalProperties": false,
	}
}

func (t *WebFetchTool) Timeout() time.Duration { return t.cfg.Timeout }

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	raw, _ := args["url"].(string)
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return models.FailureResult(fmt.Sprintf("invalid url %q: only http and https are supported", raw), nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return models.FailureResult(fmt.Sprintf("build request: %v", err), nil)
	}
	req.Header.Set("User-Agent", "arclight/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return models.FailureResult(fmt.Sprintf("fetch failed: %v", err), nil)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.FailureResult(fmt.Sprintf("fetch returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxBytes))
	if err != nil {
		return models.FailureResult(fmt.Sprintf("read body: %v", err), nil)
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		text = stripHTML(text)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return models.FailureResult("fetched page contains no text", nil)
	}

	return models.SuccessResult(text, map[string]any{
		"url":          raw,
		"content_type": resp.Header.Get("Content-Type"),
		"bytes":        len(body),
	})
}

func stripHTML(html string) string {
	text := scriptRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, "\n")
	text = strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'", "&nbsp;", " ",
	).Replace(text)
	text = spaceRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	return blankRe.ReplaceAllString(text, "\n\n")
}
