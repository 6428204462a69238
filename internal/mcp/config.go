package mcp

import (
	"fmt"
	"sort"

	"github.com/samsaffron/toolstream/internal/config"
)

// ServerConfig represents a configured MCP server.
// Supports both stdio transport (Command/Args) and HTTP transport (URL).
type ServerConfig struct {
	// Type discriminator: "stdio" (default if command present) or "http"
	Type string

	// Stdio transport fields
	Command string
	Args    []string

	// HTTP transport fields
	URL     string
	Headers map[string]string

	// Shared fields
	Env map[string]string
}

// TransportType returns the effective transport type for this server.
func (c *ServerConfig) TransportType() string {
	if c.Type == "http" || c.URL != "" {
		return "http"
	}
	return "stdio"
}

// Validate checks that the server configuration is valid.
func (c *ServerConfig) Validate() error {
	transport := c.TransportType()
	if transport == "http" {
		if c.URL == "" {
			return fmt.Errorf("http transport requires url")
		}
		if c.Command != "" {
			return fmt.Errorf("cannot specify both url and command")
		}
	} else {
		if c.Command == "" {
			return fmt.Errorf("stdio transport requires command")
		}
		if c.URL != "" {
			return fmt.Errorf("cannot specify both url and command")
		}
	}
	return nil
}

// ServersFromConfig converts the mcp section of the application config.
func ServersFromConfig(servers map[string]config.MCPServerConfig) map[string]ServerConfig {
	out := make(map[string]ServerConfig, len(servers))
	for name, s := range servers {
		out[name] = ServerConfig{
			Type:    s.Type,
			Command: s.Command,
			Args:    append([]string(nil), s.Args...),
			URL:     s.URL,
			Headers: s.Headers,
			Env:     s.Env,
		}
	}
	return out
}

func sortedNames(servers map[string]ServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
