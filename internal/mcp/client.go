package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolSpec describes a tool available from an MCP server.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// CallResult is the flattened outcome of a remote tool call.
type CallResult struct {
	Text      string
	Citations []string // resource link URIs returned by the tool
}

// Client wraps an MCP server connection.
type Client struct {
	name      string
	config    ServerConfig
	transport mcp.Transport // overrides config when set
	client    *mcp.Client
	session   *mcp.ClientSession
	tools     []ToolSpec
	mu        sync.RWMutex
	running   bool
}

// NewClient creates a new MCP client for the given server configuration.
func NewClient(name string, config ServerConfig) *Client {
	return &Client{
		name:   name,
		config: config,
	}
}

// Name returns the server name.
func (c *Client) Name() string {
	return c.name
}

// Start connects to the MCP server and initializes the session.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	c.client = mcp.NewClient(&mcp.Implementation{
		Name:    "toolstream",
		Version: "1.0.0",
	}, nil)

	transport := c.transport
	if transport == nil {
		if err := c.config.Validate(); err != nil {
			return fmt.Errorf("MCP server %s: %w", c.name, err)
		}
		if c.config.TransportType() == "http" {
			transport = c.createHTTPTransport()
		} else {
			transport = c.createStdioTransport(ctx)
		}
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to MCP server %s: %w", c.name, err)
	}
	c.session = session

	if err := c.refreshTools(ctx); err != nil {
		c.session.Close()
		c.session = nil
		return fmt.Errorf("list tools from %s: %w", c.name, err)
	}

	c.running = true
	return nil
}

// createStdioTransport builds the subprocess transport. Configured env vars
// are layered over the parent environment.
func (c *Client) createStdioTransport(ctx context.Context) mcp.Transport {
	cmd := exec.CommandContext(ctx, c.config.Command, c.config.Args...)
	if len(c.config.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.config.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return &mcp.CommandTransport{Command: cmd}
}

func (c *Client) createHTTPTransport() mcp.Transport {
	httpClient := http.DefaultClient
	if len(c.config.Headers) > 0 {
		httpClient = &http.Client{Transport: &headerTransport{
			base:    http.DefaultTransport,
			headers: c.config.Headers,
		}}
	}
	return &mcp.StreamableClientTransport{Endpoint: c.config.URL, HTTPClient: httpClient}
}

// headerTransport adds static headers (usually auth) to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}
	return t.base.RoundTrip(req)
}

// Stop closes the MCP server connection.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	var err error
	if c.session != nil {
		err = c.session.Close()
		c.session = nil
	}
	c.running = false
	c.tools = nil
	return err
}

// Tools returns the available tools from this server.
func (c *Client) Tools() []ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

func (c *Client) refreshTools(ctx context.Context) error {
	result, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return err
	}

	c.tools = make([]ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema := make(map[string]any)
		if m, ok := t.InputSchema.(map[string]any); ok {
			schema = m
		}
		c.tools = append(c.tools, ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schema,
		})
	}
	return nil
}

// CallTool invokes a tool on the MCP server. A result flagged as an error
// by the server is returned as an error carrying its text.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	c.mu.RLock()
	session := c.session
	running := c.running
	c.mu.RUnlock()

	if !running || session == nil {
		return CallResult{}, fmt.Errorf("MCP server %s is not running", c.name)
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return CallResult{}, fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return CallResult{}, fmt.Errorf("call tool %s: %w", name, err)
	}

	out := formatContent(result.Content)
	if result.IsError {
		return CallResult{}, fmt.Errorf("tool %s returned error: %s", name, out.Text)
	}
	return out, nil
}

func formatContent(content []mcp.Content) CallResult {
	var text strings.Builder
	var citations []string
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			text.WriteString(v.Text)
		case *mcp.ResourceLink:
			citations = append(citations, v.URI)
			label := v.Title
			if label == "" {
				label = v.Name
			}
			fmt.Fprintf(&text, "[%s](%s)", label, v.URI)
		default:
			if data, err := json.Marshal(c); err == nil {
				text.Write(data)
			}
		}
	}
	return CallResult{Text: text.String(), Citations: citations}
}
