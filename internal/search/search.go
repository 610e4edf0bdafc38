// Package search runs the web searches that seed search-first steps.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"

	duckduckgo "github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary"`
}

// Config configures the DuckDuckGo searcher.
type Config struct {
	MaxResults int
	Timeout    time.Duration
}

// DuckDuckGo searches through the eino-ext DuckDuckGo text search tool.
type DuckDuckGo struct {
	tool tool.InvokableTool
}

// NewDuckDuckGo creates a searcher. It needs no API key.
func NewDuckDuckGo(ctx context.Context, cfg Config) (*DuckDuckGo, error) {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	t, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search",
		ToolDesc:   "Search the web using DuckDuckGo. Returns titles, URLs, and summaries.",
		MaxResults: cfg.MaxResults,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init duckduckgo: %w", err)
	}
	return &DuckDuckGo{tool: t}, nil
}

type searchArgs struct {
	Query string `json:"query"`
}

type searchReply struct {
	Message string   `json:"message"`
	Results []Result `json:"results"`
}

// Search returns the hits for query that carry a URL.
func (d *DuckDuckGo) Search(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search: empty query")
	}
	args, err := json.Marshal(searchArgs{Query: query})
	if err != nil {
		return nil, fmt.Errorf("encode search args: %w", err)
	}
	out, err := d.tool.InvokableRun(ctx, string(args))
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	var reply searchReply
	if err := json.Unmarshal([]byte(out), &reply); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	results := make([]Result, 0, len(reply.Results))
	for _, r := range reply.Results {
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}
