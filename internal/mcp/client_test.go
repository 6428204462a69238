package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/samsaffron/toolstream/internal/config"
	"github.com/samsaffron/toolstream/internal/llm"
)

func TestCreateStdioTransport_InheritsEnv(t *testing.T) {
	client := &Client{
		name: "test",
		config: ServerConfig{
			Command: "echo",
			Args:    []string{"hello"},
			Env: map[string]string{
				"CUSTOM_VAR": "custom_value",
			},
		},
	}

	transport := client.createStdioTransport(context.Background())
	ct, ok := transport.(*sdkmcp.CommandTransport)
	if !ok {
		t.Fatal("expected sdkmcp.CommandTransport")
	}

	hasPath := false
	hasCustom := false
	for _, e := range ct.Command.Env {
		if strings.HasPrefix(e, "PATH=") {
			hasPath = true
		}
		if e == "CUSTOM_VAR=custom_value" {
			hasCustom = true
		}
	}
	if !hasPath {
		t.Error("parent PATH not inherited in subprocess env")
	}
	if !hasCustom {
		t.Error("custom env var not set")
	}
}

func TestCreateStdioTransport_NoEnvNil(t *testing.T) {
	for _, env := range []map[string]string{nil, {}} {
		client := &Client{name: "test", config: ServerConfig{Command: "echo", Env: env}}
		ct := client.createStdioTransport(context.Background()).(*sdkmcp.CommandTransport)
		if ct.Command.Env != nil {
			t.Error("expected nil env when no config env vars (inherits parent automatically)")
		}
	}
}

func TestCreateStdioTransport_EnvOverridesParent(t *testing.T) {
	os.Setenv("TEST_MCP_VAR", "original")
	defer os.Unsetenv("TEST_MCP_VAR")

	client := &Client{
		name: "test",
		config: ServerConfig{
			Command: "echo",
			Env:     map[string]string{"TEST_MCP_VAR": "overridden"},
		},
	}
	ct := client.createStdioTransport(context.Background()).(*sdkmcp.CommandTransport)

	last := ""
	for _, e := range ct.Command.Env {
		if strings.HasPrefix(e, "TEST_MCP_VAR=") {
			last = e
		}
	}
	if last != "TEST_MCP_VAR=overridden" {
		t.Errorf("last TEST_MCP_VAR entry=%q", last)
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"stdio", ServerConfig{Command: "srv"}, false},
		{"http", ServerConfig{URL: "https://mcp.example"}, false},
		{"http type without url", ServerConfig{Type: "http"}, true},
		{"both", ServerConfig{Command: "srv", URL: "https://mcp.example"}, true},
		{"empty", ServerConfig{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate()=%v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServersFromConfig(t *testing.T) {
	got := ServersFromConfig(map[string]config.MCPServerConfig{
		"laws": {Command: "laws-mcp", Args: []string{"--stdio"}},
	})
	laws := got["laws"]
	if laws.Command != "laws-mcp" || laws.TransportType() != "stdio" {
		t.Fatalf("got %+v", got)
	}
}

type lookupArgs struct {
	State string `json:"state,omitempty"`
}

// newTestManager serves a "statutes" MCP server over in-memory transports.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	server := sdkmcp.NewServer(&sdkmcp.Implementation{Name: "statutes", Version: "0.0.1"}, nil)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "lookup", Description: "Look up a statute"},
		func(ctx context.Context, req *sdkmcp.CallToolRequest, in lookupArgs) (*sdkmcp.CallToolResult, any, error) {
			if in.State == "" {
				return &sdkmcp.CallToolResult{
					IsError: true,
					Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: "state is required"}},
				}, nil, nil
			}
			return &sdkmcp.CallToolResult{Content: []sdkmcp.Content{
				&sdkmcp.TextContent{Text: "Chapter 28A covers " + in.State + " food law. "},
				&sdkmcp.ResourceLink{URI: "https://revisor.mn.gov/statutes/cite/28A", Name: "28A"},
			}}, nil, nil
		})

	clientT, serverT := sdkmcp.NewInMemoryTransports()
	ctx := context.Background()
	if _, err := server.Connect(ctx, serverT, nil); err != nil {
		t.Fatalf("server connect: %v", err)
	}

	m := NewManager(map[string]ServerConfig{"statutes": {Command: "unused"}})
	m.dial = func(name string, cfg ServerConfig) *Client {
		c := NewClient(name, cfg)
		c.transport = clientT
		return c
	}
	if err := m.EnableAll(ctx); err != nil {
		t.Fatalf("EnableAll: %v", err)
	}
	t.Cleanup(m.StopAll)
	return m
}

func TestManagerExposesPrefixedTools(t *testing.T) {
	m := newTestManager(t)

	tools := m.AllTools()
	if len(tools) != 1 || tools[0].Name != "statutes__lookup" {
		t.Fatalf("tools=%+v", tools)
	}
	if tools[0].Schema["type"] != "object" {
		t.Fatalf("schema=%v", tools[0].Schema)
	}

	states := m.States()
	if len(states) != 1 || states[0].Status != StatusReady || states[0].Tools != 1 {
		t.Fatalf("states=%+v", states)
	}

	reg := llm.NewToolRegistry()
	if n := RegisterMCPTools(m, reg); n != 1 {
		t.Fatalf("registered %d tools", n)
	}
	tool, ok := reg.Get("statutes__lookup")
	if !ok {
		t.Fatal("tool not registered")
	}
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"state":"Minnesota"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.Content, "Minnesota food law") {
		t.Fatalf("content=%q", out.Content)
	}
	if len(out.Citations) != 1 || out.Citations[0] != "https://revisor.mn.gov/statutes/cite/28A" {
		t.Fatalf("citations=%v", out.Citations)
	}
}

func TestManagerCallToolErrors(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CallTool(ctx, "statutes__lookup", json.RawMessage(`{}`)); err == nil || !strings.Contains(err.Error(), "state is required") {
		t.Fatalf("err=%v", err)
	}
	if _, err := m.CallTool(ctx, "lookup", nil); err == nil {
		t.Fatal("expected error for unprefixed name")
	}
	if _, err := m.CallTool(ctx, "other__lookup", nil); err == nil {
		t.Fatal("expected error for unknown server")
	}
	if err := m.Enable(ctx, "missing"); err == nil {
		t.Fatal("expected error for unknown server")
	}
}

func TestParseToolName(t *testing.T) {
	server, tool := parseToolName("statutes__lookup__v2")
	if server != "statutes" || tool != "lookup__v2" {
		t.Fatalf("got %q %q", server, tool)
	}
	if server, _ := parseToolName("plain"); server != "" {
		t.Fatalf("server=%q", server)
	}
}

func TestEnableAllReportsFailures(t *testing.T) {
	m := NewManager(map[string]ServerConfig{"broken": {}})
	err := m.EnableAll(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		t.Fatalf("expected joined error, got %T", err)
	}
	if st := m.States(); len(st) != 1 || st[0].Status != StatusFailed {
		t.Fatalf("states=%+v", st)
	}
}
