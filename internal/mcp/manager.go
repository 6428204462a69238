package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ServerStatus represents the current state of an MCP server.
type ServerStatus string

const (
	StatusStopped  ServerStatus = "stopped"
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusFailed   ServerStatus = "failed"
)

// ServerState holds the state of a managed MCP server.
type ServerState struct {
	Name   string       `json:"name"`
	Status ServerStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
	Tools  int          `json:"tools"`
}

type serverEntry struct {
	status ServerStatus
	err    error
	client *Client
}

// Manager owns the MCP server connections and routes prefixed tool calls.
type Manager struct {
	servers map[string]ServerConfig
	entries map[string]*serverEntry
	dial    func(name string, cfg ServerConfig) *Client
	mu      sync.RWMutex
}

// NewManager creates a manager for the given servers. Nothing is started.
func NewManager(servers map[string]ServerConfig) *Manager {
	return &Manager{
		servers: servers,
		entries: make(map[string]*serverEntry),
		dial:    NewClient,
	}
}

// AvailableServers returns the configured server names, sorted.
func (m *Manager) AvailableServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedNames(m.servers)
}

// Enable connects one server and waits for its tool list.
func (m *Manager) Enable(ctx context.Context, name string) error {
	m.mu.Lock()
	serverCfg, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown MCP server: %s", name)
	}
	if e, ok := m.entries[name]; ok && (e.status == StatusStarting || e.status == StatusReady) {
		m.mu.Unlock()
		return nil
	}
	client := m.dial(name, serverCfg)
	m.entries[name] = &serverEntry{status: StatusStarting, client: client}
	m.mu.Unlock()

	return m.start(ctx, name, client)
}

func (m *Manager) start(ctx context.Context, name string, client *Client) error {
	err := client.Start(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[name]
	if e == nil || e.client != client {
		// Disabled while starting.
		_ = client.Stop()
		return nil
	}
	if err != nil {
		e.status = StatusFailed
		e.err = err
		return err
	}
	e.status = StatusReady
	e.err = nil
	return nil
}

// EnableAll starts every configured server concurrently. Failed servers are
// logged and reported in the joined error; the others stay usable.
func (m *Manager) EnableAll(ctx context.Context) error {
	names := m.AvailableServers()
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Enable(ctx, name); err != nil {
				slog.Warn("mcp server failed to start", "server", name, "err", err)
				errs[i] = err
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StopAll stops all running MCP servers.
func (m *Manager) StopAll() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*serverEntry)
	m.mu.Unlock()

	for name, e := range entries {
		if err := e.client.Stop(); err != nil {
			slog.Debug("stopping mcp server", "server", name, "err", err)
		}
	}
}

// AllTools returns all tools from all running MCP servers, sorted by name.
// Tool names are prefixed with the server name to avoid collisions.
func (m *Manager) AllTools() []ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var allTools []ToolSpec
	for name, e := range m.entries {
		if e.status != StatusReady {
			continue
		}
		for _, tool := range e.client.Tools() {
			allTools = append(allTools, ToolSpec{
				Name:        toolName(name, tool.Name),
				Description: fmt.Sprintf("[%s] %s", name, tool.Description),
				Schema:      tool.Schema,
			})
		}
	}
	sort.Slice(allTools, func(i, j int) bool { return allTools[i].Name < allTools[j].Name })
	return allTools
}

// CallTool routes a tool call to the appropriate MCP server.
// Tool names should be prefixed with "servername__".
func (m *Manager) CallTool(ctx context.Context, fullName string, args json.RawMessage) (CallResult, error) {
	serverName, name := parseToolName(fullName)
	if serverName == "" {
		return CallResult{}, fmt.Errorf("invalid MCP tool name: %s (expected servername__toolname)", fullName)
	}

	m.mu.RLock()
	e, ok := m.entries[serverName]
	m.mu.RUnlock()

	if !ok || e.status != StatusReady {
		return CallResult{}, fmt.Errorf("MCP server %s is not running", serverName)
	}
	return e.client.CallTool(ctx, name, args)
}

func toolName(server, tool string) string {
	return server + "__" + tool
}

// parseToolName extracts server name and tool name from prefixed name.
func parseToolName(fullName string) (serverName, toolName string) {
	if i := strings.Index(fullName, "__"); i >= 0 {
		return fullName[:i], fullName[i+2:]
	}
	return "", fullName
}

// States reports every server that has been enabled, sorted by name.
func (m *Manager) States() []ServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]ServerState, 0, len(m.entries))
	for name, e := range m.entries {
		st := ServerState{Name: name, Status: e.status}
		if e.err != nil {
			st.Error = e.err.Error()
		}
		if e.status == StatusReady {
			st.Tools = len(e.client.Tools())
		}
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}
