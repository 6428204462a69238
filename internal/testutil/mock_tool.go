// Package testutil holds test doubles shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/samsaffron/toolstream/internal/llm"
)

// MockTool is a configurable tool for testing. It is safe for concurrent
// invocation.
type MockTool struct {
	SpecData  llm.ToolSpec
	Rules     []llm.ArgRule
	ExecuteFn func(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error)
	PreviewFn func(args json.RawMessage) string

	mu          sync.Mutex
	invocations []MockToolInvocation
}

// MockToolInvocation records a single tool invocation.
type MockToolInvocation struct {
	Args   json.RawMessage
	Output llm.ToolOutput
	Result string // Shortcut for Output.Content
	Error  error
}

// Spec implements llm.Tool.
func (m *MockTool) Spec() llm.ToolSpec {
	return m.SpecData
}

// ArgRules implements llm.ArgRuleProvider.
func (m *MockTool) ArgRules() []llm.ArgRule {
	return m.Rules
}

// Execute implements llm.Tool.
func (m *MockTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	var result llm.ToolOutput
	var err error
	if m.ExecuteFn != nil {
		result, err = m.ExecuteFn(ctx, args)
	}
	m.mu.Lock()
	m.invocations = append(m.invocations, MockToolInvocation{
		Args:   args,
		Output: result,
		Result: result.Content,
		Error:  err,
	})
	m.mu.Unlock()
	return result, err
}

// Preview implements llm.Tool.
func (m *MockTool) Preview(args json.RawMessage) string {
	if m.PreviewFn == nil {
		return ""
	}
	return m.PreviewFn(args)
}

// NewMockTool creates a mock tool with the given name that returns a fixed
// result and cites citations.
func NewMockTool(name string, result string, citations ...string) *MockTool {
	return &MockTool{
		SpecData: llm.ToolSpec{
			Name:        name,
			Description: "Mock tool: " + name,
			Schema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		ExecuteFn: func(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
			return llm.ToolOutput{Content: result, Citations: citations}, nil
		},
	}
}

// NewMockToolWithSchema creates a mock tool with a custom schema.
func NewMockToolWithSchema(name, description string, schema map[string]interface{}, executeFn func(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error)) *MockTool {
	return &MockTool{
		SpecData: llm.ToolSpec{
			Name:        name,
			Description: description,
			Schema:      schema,
		},
		ExecuteFn: executeFn,
	}
}

// Invocations returns a copy of the recorded invocations.
func (m *MockTool) Invocations() []MockToolInvocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockToolInvocation(nil), m.invocations...)
}

// InvocationCount returns the number of times the tool was invoked.
func (m *MockTool) InvocationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.invocations)
}

// LastArgs returns the arguments from the last invocation, or nil if never invoked.
func (m *MockTool) LastArgs() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.invocations) == 0 {
		return nil
	}
	return m.invocations[len(m.invocations)-1].Args
}
