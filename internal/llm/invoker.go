package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxParallelTools = 4
	defaultMaxToolOutput    = 50000
	maxPreviewRunes         = 80
)

// InvokerOptions configures a ToolInvoker.
type InvokerOptions struct {
	FallbackPolicy FallbackPolicy
	MaxParallel    int // concurrent tool calls per iteration (default 4)
	MaxOutputChars int // tool output sent to the model is truncated past this (default 50000)
	// OnToolDone, if set, is called after every invocation with its outcome:
	// "ok", "invalid", or "error".
	OnToolDone func(tool, outcome string, elapsed time.Duration)
}

// ToolInvoker validates and executes tool calls.
type ToolInvoker struct {
	tools       *ToolRegistry
	validator   *argValidator
	maxParallel int
	maxOutput   int
	onDone      func(tool, outcome string, elapsed time.Duration)
}

// Invocation is the outcome of one tool call.
type Invocation struct {
	Call         ToolCall
	Args         json.RawMessage // arguments actually used
	Output       ToolOutput
	Substitution *Substitution
	Err          error // *ToolValidationError or *ToolExecutionError
	Elapsed      time.Duration
}

func NewToolInvoker(tools *ToolRegistry, opts InvokerOptions) *ToolInvoker {
	if tools == nil {
		tools = NewToolRegistry()
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallelTools
	}
	maxOutput := opts.MaxOutputChars
	if maxOutput <= 0 {
		maxOutput = defaultMaxToolOutput
	}
	return &ToolInvoker{
		tools:       tools,
		validator:   newArgValidator(opts.FallbackPolicy),
		maxParallel: maxParallel,
		maxOutput:   maxOutput,
		onDone:      opts.OnToolDone,
	}
}

// Tools returns the registry the invoker executes against.
func (inv *ToolInvoker) Tools() *ToolRegistry {
	return inv.tools
}

// Invoke validates and runs a single call. It never panics and never
// returns a Go error: failures are reported in Invocation.Err.
func (inv *ToolInvoker) Invoke(ctx context.Context, call ToolCall, history []Message) (result Invocation) {
	start := time.Now()
	result = Invocation{Call: call, Args: call.Arguments}
	defer func() {
		result.Elapsed = time.Since(start)
		if inv.onDone != nil {
			inv.onDone(call.Name, result.outcome(), result.Elapsed)
		}
	}()

	tool, ok := inv.tools.Get(call.Name)
	if !ok {
		result.Err = &ToolExecutionError{Tool: call.Name, CallID: call.ID, Err: fmt.Errorf("tool not registered: %s", call.Name)}
		return result
	}

	args, sub, err := inv.validator.validate(tool, call, history)
	if err != nil {
		result.Err = err
		return result
	}
	result.Args = args
	result.Substitution = sub

	output, err := executeTool(ContextWithCallID(ctx, call.ID), tool, args)
	if err != nil {
		result.Err = &ToolExecutionError{Tool: call.Name, CallID: call.ID, Err: err}
		return result
	}
	output.Content = truncateOutput(output.Content, inv.maxOutput)
	result.Output = output
	return result
}

// InvokeAll runs calls concurrently and returns their invocations in the
// order of calls. Citations from successful calls are merged into
// citations in that same order.
func (inv *ToolInvoker) InvokeAll(ctx context.Context, calls []ToolCall, history []Message, citations *CitationSet) []Invocation {
	results := make([]Invocation, len(calls))
	if len(calls) == 1 {
		results[0] = inv.Invoke(ctx, calls[0], history)
	} else {
		var g errgroup.Group
		g.SetLimit(inv.maxParallel)
		for i, call := range calls {
			g.Go(func() error {
				results[i] = inv.Invoke(ctx, call, history)
				return nil
			})
		}
		_ = g.Wait()
	}

	if citations != nil {
		for _, r := range results {
			if r.Err == nil {
				citations.Add(r.Output.Citations...)
			}
		}
	}
	return results
}

func executeTool(ctx context.Context, tool Tool, args json.RawMessage) (out ToolOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Execute(ctx, args)
}

// Preview describes a call for progress output. Unknown tools and
// panicking previews yield "".
func (inv *ToolInvoker) Preview(call ToolCall) (preview string) {
	tool, ok := inv.tools.Get(call.Name)
	if !ok {
		return ""
	}
	defer func() {
		if recover() != nil {
			preview = ""
		}
	}()
	preview = strings.Join(strings.Fields(tool.Preview(call.Arguments)), " ")
	if short := truncateRunes(preview, maxPreviewRunes); short != preview {
		return short + "..."
	}
	return preview
}

func (r Invocation) outcome() string {
	switch r.Err.(type) {
	case nil:
		return "ok"
	case *ToolValidationError:
		return "invalid"
	default:
		return "error"
	}
}

// Failed reports whether the call produced an error instead of output.
func (r Invocation) Failed() bool {
	return r.Err != nil
}

// ModelContent is the tool output the model sees on the next iteration.
func (r Invocation) ModelContent() string {
	if r.Err != nil {
		return formatToolError(r.Err)
	}
	if r.Substitution != nil {
		return fmt.Sprintf("[note: the call did not include a usable %q; it was run with %q instead]\n\n%s",
			r.Substitution.Field, r.Substitution.Value, r.Output.Content)
	}
	return r.Output.Content
}

// Message is the conversation entry for this call, keyed by its call id.
func (r Invocation) Message() Message {
	if r.Err != nil {
		return ToolErrorMessage(r.Call.ID, r.Call.Name, r.ModelContent(), r.Call.ThoughtSig)
	}
	return ToolResultMessage(r.Call.ID, r.Call.Name, r.ModelContent(), r.Call.ThoughtSig)
}

func truncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "\n[output truncated]"
}
