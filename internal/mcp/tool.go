package mcp

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/samsaffron/toolstream/internal/llm"
)

// MCPTool wraps an MCP server tool as an llm.Tool.
type MCPTool struct {
	manager  *Manager
	toolSpec ToolSpec
}

// NewMCPTool creates a new MCP tool wrapper.
func NewMCPTool(manager *Manager, spec ToolSpec) *MCPTool {
	return &MCPTool{
		manager:  manager,
		toolSpec: spec,
	}
}

func (t *MCPTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        t.toolSpec.Name,
		Description: t.toolSpec.Description,
		Schema:      t.toolSpec.Schema,
	}
}

// Preview shows the arguments as compact JSON; remote tools expose no
// better summary.
func (t *MCPTool) Preview(args json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, args); err != nil || buf.String() == "{}" {
		return ""
	}
	return buf.String()
}

// Execute invokes the tool on the MCP server.
func (t *MCPTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	res, err := t.manager.CallTool(ctx, t.toolSpec.Name, args)
	if err != nil {
		return llm.ToolOutput{}, err
	}
	return llm.ToolOutput{Content: res.Text, Citations: res.Citations}, nil
}

// RegisterMCPTools registers all MCP tools from the manager into the tool
// registry and returns how many were added.
func RegisterMCPTools(manager *Manager, registry *llm.ToolRegistry) int {
	tools := manager.AllTools()
	for _, spec := range tools {
		registry.Register(NewMCPTool(manager, spec))
	}
	return len(tools)
}
