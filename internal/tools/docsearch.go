package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arclight-ai/arclight/pkg/models"
)

// Document is an indexed text document.
type Document struct {
	ID      string
	Title   string
	Content string
}

// DocumentSearchTool searches documents indexed at startup with simple term
// scoring. It stands in for a full retrieval pipeline on single-node
// deployments.
type DocumentSearchTool struct {
	mu   sync.RWMutex
	docs []Document
}

// NewDocumentSearchTool creates an empty document_search tool.
func NewDocumentSearchTool() *DocumentSearchTool {
	return &DocumentSearchTool{}
}

// Add indexes a document.
func (t *DocumentSearchTool) Add(doc Document) {
	t.mu.Lock()
	t.docs = append(t.docs, doc)
	t.mu.Unlock()
}

func (t *DocumentSearchTool) Name() string { return "document_search" }

func (t *DocumentSearchTool) Description() string {
	return "Search indexed documents and return matching excerpts."
}

func (t *DocumentSearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Search terms",
			},
			"limit": map[string]any{
				"type":    "integer",
				"minimum": 1,
				"maximum": 10,
			},
		},
		"required":             []any{"query"},
		"additionalProperties": false,
	}
}

func (t *DocumentSearchTool) Timeout() time.Duration { return 10 * time.Second }

type docHit struct {
	doc   Document
	score int
}

func (t *DocumentSearchTool) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	query, _ := args["query"].(string)
	limit := 3
	if n, ok := args["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}

	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return models.FailureResult("query contains no searchable terms", nil)
	}

	t.mu.RLock()
	var hits []docHit
	for _, doc := range t.docs {
		haystack := strings.ToLower(doc.Title + " " + doc.Content)
		score := 0
		for _, term := range terms {
			score += strings.Count(haystack, term)
		}
		if score > 0 {
			hits = append(hits, docHit{doc: doc, score: score})
		}
	}
	t.mu.RUnlock()

	if len(hits) == 0 {
		return models.SuccessResult("No matching documents.", map[string]any{"query": query})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	var out strings.Builder
	for i, hit := range hits {
		fmt.Fprintf(&out, "%d. %s (%s)\n%s\n\n", i+1, hit.doc.Title, hit.doc.ID, excerpt(hit.doc.Content, terms[0]))
	}
	return models.SuccessResult(strings.TrimSpace(out.String()), map[string]any{
		"query":     query,
		"hit_count": len(hits),
	})
}

// excerpt returns up to 200 characters around the first match of term.
func excerpt(content, term string) string {
	lower := strings.ToLower(content)
	idx := strings.Index(lower, term)
	if idx < 0 {
		idx = 0
	}
	start := idx - 80
	if start < 0 {
		start = 0
	}
	end := start + 200
	if end > len(content) {
		end = len(content)
	}
	return strings.TrimSpace(content[start:end])
}
