package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/samsaffron/toolstream/internal/llm"
)

const defaultReadURLMaxBytes = 2 << 20

// ReadURLOptions configures ReadURLTool.
type ReadURLOptions struct {
	Timeout    time.Duration
	MaxBytes   int64
	UserAgent  string
	HTTPClient *http.Client
}

// ReadURLTool fetches a page and returns its readable text. The fetched
// URL is cited.
type ReadURLTool struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

func NewReadURLTool(opts ReadURLOptions) *ReadURLTool {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultReadURLMaxBytes
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "toolstream/1.0 (+read_url)"
	}
	return &ReadURLTool{client: client, maxBytes: maxBytes, userAgent: ua}
}

func (t *ReadURLTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        llm.ReadURLToolName,
		Description: "Fetch a web page and return its main text. Use this to read full content from URLs found in search results.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "The absolute http(s) URL to fetch",
				},
			},
			"required":             []string{"url"},
			"additionalProperties": false,
		},
	}
}

func (t *ReadURLTool) ArgRules() []llm.ArgRule {
	return []llm.ArgRule{llm.URLArg("url", `{"url":"https://mda.state.mn.us/cottage-food"}`)}
}

func (t *ReadURLTool) Preview(args json.RawMessage) string {
	return stringArg(args, "url")
}

func (t *ReadURLTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return llm.ToolOutput{}, NewToolErrorf(ErrInvalidParams, "parse read_url args: %v", err)
	}
	target, err := url.Parse(strings.TrimSpace(payload.URL))
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return llm.ToolOutput{}, NewToolErrorf(ErrInvalidParams, "invalid url %q", payload.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return llm.ToolOutput{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return llm.ToolOutput{}, NewToolErrorf(ErrTimeout, "fetching %s: %v", target, ctx.Err())
		}
		return llm.ToolOutput{}, NewToolErrorf(ErrFetchFailed, "fetching %s: %v", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return llm.ToolOutput{}, NewToolErrorf(ErrFetchFailed, "HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes))
	if err != nil {
		return llm.ToolOutput{}, NewToolErrorf(ErrFetchFailed, "reading response: %v", err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var text string
	switch {
	case mediaType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml":
		text = extractReadable(string(body), resp.Request.URL)
	case strings.HasPrefix(mediaType, "text/") || mediaType == "application/json":
		text = strings.TrimSpace(string(body))
	default:
		return llm.ToolOutput{}, NewToolErrorf(ErrUnsupportedFormat, "cannot read %s content", mediaType)
	}
	if text == "" {
		text = "The page has no readable text."
	}

	return llm.ToolOutput{Content: text, Citations: []string{target.String()}}, nil
}

// extractReadable returns the article text of an HTML page, falling back
// to all visible text when readability finds no article.
func extractReadable(page string, pageURL *url.URL) string {
	article, err := readability.FromReader(strings.NewReader(page), pageURL)
	if err == nil {
		text := collapseBlankLines(article.TextContent)
		if text != "" {
			if title := strings.TrimSpace(article.Title); title != "" {
				return "# " + title + "\n\n" + text
			}
			return text
		}
	}
	return visibleText(page)
}

func visibleText(page string) string {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return ""
	}
	var title string
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template", "svg":
				return
			case "title":
				if n.FirstChild != nil && title == "" {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				b.WriteString(s)
				b.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	text := collapseBlankLines(b.String())
	if title != "" && text != "" {
		return "# " + title + "\n\n" + text
	}
	return text
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
