package tools

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/samsaffron/toolstream/internal/llm"
)

const defaultBraveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// SearchResult is one hit returned by the search backend.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearchOptions configures WebSearchTool.
type WebSearchOptions struct {
	Endpoint   string
	APIKey     string
	MaxResults int
	CacheTTL   time.Duration
	Cache      Cache // nil disables caching
	HTTPClient *http.Client
}

// WebSearchTool queries the Brave Search API. Result URLs become citations.
type WebSearchTool struct {
	opts   WebSearchOptions
	client *http.Client
}

func NewWebSearchTool(opts WebSearchOptions) *WebSearchTool {
	if opts.Endpoint == "" {
		opts.Endpoint = defaultBraveEndpoint
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebSearchTool{opts: opts, client: client}
}

func (t *WebSearchTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        llm.WebSearchToolName,
		Description: "Search the web. Returns titles, URLs and snippets of the top results. Use specific queries that name the place and subject.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The search query",
				},
				"max_results": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results (1-20)",
				},
			},
			"required":             []string{"query"},
			"additionalProperties": false,
		},
	}
}

func (t *WebSearchTool) ArgRules() []llm.ArgRule {
	return []llm.ArgRule{llm.QueryArg("query", 3, `{"query":"minnesota cottage food law"}`)}
}

func (t *WebSearchTool) Preview(args json.RawMessage) string {
	return stringArg(args, "query")
}

func (t *WebSearchTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	var payload struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return llm.ToolOutput{}, NewToolErrorf(ErrInvalidParams, "parse web_search args: %v", err)
	}
	query := strings.TrimSpace(payload.Query)
	count := payload.MaxResults
	if count <= 0 || count > 20 {
		count = t.opts.MaxResults
	}

	results, err := t.search(ctx, query, count)
	if err != nil {
		return llm.ToolOutput{}, err
	}
	if len(results) == 0 {
		return llm.TextOutput("No results found."), nil
	}

	var b strings.Builder
	var citations []string
	for _, r := range results {
		if r.URL == "" || r.Title == "" {
			continue
		}
		fmt.Fprintf(&b, "- [%s](%s)", r.Title, r.URL)
		if r.Snippet != "" {
			b.WriteString(" - ")
			b.WriteString(r.Snippet)
		}
		b.WriteString("\n")
		citations = append(citations, r.URL)
	}
	return llm.ToolOutput{Content: strings.TrimSuffix(b.String(), "\n"), Citations: citations}, nil
}

func (t *WebSearchTool) search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	key := searchCacheKey(query, count)
	if t.opts.Cache != nil {
		if data, ok, err := t.opts.Cache.Get(ctx, key); err != nil {
			slog.Debug("search cache get failed", "err", err)
		} else if ok {
			var cached []SearchResult
			if json.Unmarshal(data, &cached) == nil {
				return cached, nil
			}
		}
	}

	results, err := t.fetch(ctx, query, count)
	if err != nil {
		return nil, err
	}

	if t.opts.Cache != nil {
		if data, err := json.Marshal(results); err == nil {
			if err := t.opts.Cache.Set(ctx, key, data, t.opts.CacheTTL); err != nil {
				slog.Debug("search cache set failed", "err", err)
			}
		}
	}
	return results, nil
}

func (t *WebSearchTool) fetch(ctx context.Context, query string, count int) ([]SearchResult, error) {
	if t.opts.APIKey == "" {
		return nil, NewToolError(ErrNotConfigured, "web search API key is not set")
	}
	u, err := url.Parse(t.opts.Endpoint)
	if err != nil {
		return nil, NewToolErrorf(ErrNotConfigured, "invalid search endpoint: %v", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.opts.APIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, NewToolErrorf(ErrFetchFailed, "search request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, NewToolErrorf(ErrFetchFailed, "search API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, NewToolErrorf(ErrFetchFailed, "decode search response: %v", err)
	}
	out := make([]SearchResult, 0, len(raw.Web.Results))
	for i, r := range raw.Web.Results {
		if i >= count {
			break
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Snippet: stripTags(r.Description)})
	}
	return out, nil
}

func searchCacheKey(query string, count int) string {
	sum := sha1.Sum([]byte(strings.ToLower(query) + "|" + strconv.Itoa(count)))
	return "search:" + hex.EncodeToString(sum[:])
}

// stripTags removes the <strong> highlighting Brave puts in snippets.
func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>' && inTag:
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
