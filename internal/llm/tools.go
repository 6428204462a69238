package llm

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

const (
	WebSearchToolName  = "web_search"
	ReadURLToolName    = "read_url"
	CalculatorToolName = "calculator"
)

// Tool describes a callable external tool.
type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, args json.RawMessage) (ToolOutput, error)
	// Preview returns a short human-readable description of what the tool
	// will do, used for status messages. Empty if none.
	Preview(args json.RawMessage) string
}

// ArgRuleProvider is implemented by tools that declare argument rules
// beyond their JSON schema.
type ArgRuleProvider interface {
	ArgRules() []ArgRule
}

// ToolOutput is what a tool returns: opaque content for the model plus
// optional citations for the end user.
type ToolOutput struct {
	Content   string
	Citations []string
}

// TextOutput creates a ToolOutput with text content only.
func TextOutput(s string) ToolOutput {
	return ToolOutput{Content: s}
}

// ToolRegistry stores tools by name for execution.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Spec().Name] = tool
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// AllSpecs returns the specs for all registered tools, sorted by name.
func (r *ToolRegistry) AllSpecs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, tool.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Subset returns a registry holding only the named tools. Unknown names
// are returned in missing.
func (r *ToolRegistry) Subset(names []string) (sub *ToolRegistry, missing []string) {
	sub = NewToolRegistry()
	for _, name := range names {
		tool, ok := r.Get(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		sub.Register(tool)
	}
	return sub, missing
}

func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
