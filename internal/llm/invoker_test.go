package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func newInvoker(opts InvokerOptions, tools ...Tool) *ToolInvoker {
	reg := NewToolRegistry()
	for _, tool := range tools {
		reg.Register(tool)
	}
	return NewToolInvoker(reg, opts)
}

func TestInvokeValidCall(t *testing.T) {
	calc := newAdderStub()
	inv := newInvoker(InvokerOptions{}, calc)

	res := inv.Invoke(context.Background(), ToolCall{ID: "call_1", Name: CalculatorToolName, Arguments: json.RawMessage(`{"expression":"2+2"}`)}, nil)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Output.Content != "4" {
		t.Fatalf("content=%q, want 4", res.Output.Content)
	}
	if res.ModelContent() != "4" {
		t.Fatalf("model content=%q", res.ModelContent())
	}
	msg := res.Message()
	if msg.Role != RoleTool || len(msg.Parts) != 1 || msg.Parts[0].ToolResult.ID != "call_1" {
		t.Fatalf("message=%+v", msg)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	inv := newInvoker(InvokerOptions{})
	res := inv.Invoke(context.Background(), ToolCall{ID: "c", Name: "nope"}, nil)
	var execErr *ToolExecutionError
	if !errors.As(res.Err, &execErr) {
		t.Fatalf("err=%v, want ToolExecutionError", res.Err)
	}
	if !res.Failed() {
		t.Fatal("Failed() = false")
	}
}

func TestInvokeMissingQueryRepairedFromHistory(t *testing.T) {
	search := newSearchStub()
	inv := newInvoker(InvokerOptions{FallbackPolicy: FallbackRepair}, search)
	history := []Message{UserText("What do I need to sell cottage food in Minnesota?")}

	res := inv.Invoke(context.Background(), ToolCall{ID: "c1", Name: WebSearchToolName, Arguments: json.RawMessage(`{}`)}, history)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	want := "minnesota cottage food official requirements site:.gov"
	if res.Substitution == nil || res.Substitution.Field != "query" || res.Substitution.Value != want {
		t.Fatalf("substitution=%+v", res.Substitution)
	}
	calls := search.Calls()
	if len(calls) != 1 || !strings.Contains(string(calls[0]), want) {
		t.Fatalf("tool called with %s", calls)
	}
	if !strings.HasPrefix(res.ModelContent(), "[note:") {
		t.Fatalf("model content missing substitution note: %q", res.ModelContent())
	}
	if res.Output.Content != "results for "+want {
		t.Fatalf("output=%q", res.Output.Content)
	}
}

func TestInvokeMalformedArgumentsRepaired(t *testing.T) {
	search := newSearchStub()
	inv := newInvoker(InvokerOptions{}, search)
	history := []Message{UserText("zoning in Ohio")}

	res := inv.Invoke(context.Background(), ToolCall{ID: "c1", Name: WebSearchToolName, Arguments: json.RawMessage(`{"query":`)}, history)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Substitution == nil || res.Substitution.Value != "ohio zoning official requirements site:.gov" {
		t.Fatalf("substitution=%+v", res.Substitution)
	}
}

func TestInvokeClarifyPolicyDoesNotSubstitute(t *testing.T) {
	search := newSearchStub()
	inv := newInvoker(InvokerOptions{FallbackPolicy: FallbackClarify}, search)
	history := []Message{UserText("cottage food in Minnesota")}

	res := inv.Invoke(context.Background(), ToolCall{ID: "c1", Name: WebSearchToolName, Arguments: json.RawMessage(`{"query":""}`)}, history)
	var verr *ToolValidationError
	if !errors.As(res.Err, &verr) {
		t.Fatalf("err=%v, want ToolValidationError", res.Err)
	}
	if verr.Field != "query" {
		t.Fatalf("field=%q", verr.Field)
	}
	if !strings.Contains(verr.Hint, "minnesota cottage food") {
		t.Fatalf("hint does not offer the derived query: %q", verr.Hint)
	}
	if len(search.Calls()) != 0 {
		t.Fatal("tool must not run under clarify policy")
	}

	var payload map[string]string
	if err := json.Unmarshal([]byte(res.ModelContent()), &payload); err != nil {
		t.Fatalf("model content is not JSON: %v", err)
	}
	if payload["field"] != "query" || payload["hint"] == "" || payload["error"] == "" {
		t.Fatalf("payload=%v", payload)
	}
	if res.Message().Parts[0].ToolResult.IsError != true {
		t.Fatal("tool message not marked as error")
	}
}

func TestInvokeNoFallbackAvailable(t *testing.T) {
	inv := newInvoker(InvokerOptions{}, newSearchStub())
	res := inv.Invoke(context.Background(), ToolCall{ID: "c1", Name: WebSearchToolName, Arguments: json.RawMessage(`{}`)}, nil)
	var verr *ToolValidationError
	if !errors.As(res.Err, &verr) {
		t.Fatalf("err=%v, want ToolValidationError", res.Err)
	}
	if !strings.Contains(verr.Hint, "minnesota cottage food law") {
		t.Fatalf("hint missing example: %q", verr.Hint)
	}
}

func TestInvokeSchemaViolation(t *testing.T) {
	calc := newAdderStub()
	inv := newInvoker(InvokerOptions{}, calc)
	res := inv.Invoke(context.Background(), ToolCall{ID: "c1", Name: CalculatorToolName, Arguments: json.RawMessage(`{"expression":"1+1","extra":true}`)}, nil)
	var verr *ToolValidationError
	if !errors.As(res.Err, &verr) {
		t.Fatalf("err=%v, want ToolValidationError", res.Err)
	}
	if len(calc.Calls()) != 0 {
		t.Fatal("tool ran despite schema violation")
	}
}

func TestInvokeWrongTypeRejected(t *testing.T) {
	inv := newInvoker(InvokerOptions{}, newAdderStub())
	res := inv.Invoke(context.Background(), ToolCall{ID: "c1", Name: CalculatorToolName, Arguments: json.RawMessage(`{"expression":4}`)}, nil)
	var verr *ToolValidationError
	if !errors.As(res.Err, &verr) || verr.Field != "expression" {
		t.Fatalf("err=%v", res.Err)
	}
}

func TestInvokeToolErrorAndPanic(t *testing.T) {
	failing := &stubTool{
		spec: ToolSpec{Name: "failing"},
		exec: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
			return ToolOutput{}, fmt.Errorf("upstream 500")
		},
	}
	panicking := &stubTool{
		spec: ToolSpec{Name: "panicking"},
		exec: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
			panic("boom")
		},
	}
	var outcomes []string
	inv := newInvoker(InvokerOptions{OnToolDone: func(tool, outcome string, _ time.Duration) {
		outcomes = append(outcomes, tool+":"+outcome)
	}}, failing, panicking)

	res := inv.Invoke(context.Background(), ToolCall{ID: "a", Name: "failing"}, nil)
	var execErr *ToolExecutionError
	if !errors.As(res.Err, &execErr) || !strings.Contains(execErr.Error(), "upstream 500") {
		t.Fatalf("err=%v", res.Err)
	}
	res = inv.Invoke(context.Background(), ToolCall{ID: "b", Name: "panicking"}, nil)
	if res.Err == nil || !strings.Contains(res.Err.Error(), "panicked") {
		t.Fatalf("err=%v", res.Err)
	}
	if strings.Join(outcomes, ",") != "failing:error,panicking:error" {
		t.Fatalf("outcomes=%v", outcomes)
	}
}

func TestInvokePassesCallIDInContext(t *testing.T) {
	var got string
	tool := &stubTool{
		spec: ToolSpec{Name: "ctx"},
		exec: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
			got = CallIDFromContext(ctx)
			return TextOutput("ok"), nil
		},
	}
	inv := newInvoker(InvokerOptions{}, tool)
	inv.Invoke(context.Background(), ToolCall{ID: "call_ctx", Name: "ctx"}, nil)
	if got != "call_ctx" {
		t.Fatalf("call id in context=%q", got)
	}
}

func TestInvokeTruncatesOutput(t *testing.T) {
	tool := &stubTool{
		spec: ToolSpec{Name: "big"},
		exec: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
			return TextOutput(strings.Repeat("x", 100)), nil
		},
	}
	inv := newInvoker(InvokerOptions{MaxOutputChars: 10}, tool)
	res := inv.Invoke(context.Background(), ToolCall{ID: "c", Name: "big"}, nil)
	if res.Output.Content != strings.Repeat("x", 10)+"\n[output truncated]" {
		t.Fatalf("content=%q", res.Output.Content)
	}
}

func TestInvokeAllPreservesOrderAndMergesCitations(t *testing.T) {
	var active, peak int32
	tool := slowStub("slow", 20*time.Millisecond, &active, &peak)
	inv := newInvoker(InvokerOptions{MaxParallel: 2}, tool)

	calls := []ToolCall{
		{ID: "1", Name: "slow", Arguments: json.RawMessage(`{"n":1}`)},
		{ID: "2", Name: "slow", Arguments: json.RawMessage(`{"n":2}`)},
		{ID: "3", Name: "slow", Arguments: json.RawMessage(`{"n":3}`)},
		{ID: "4", Name: "slow", Arguments: json.RawMessage(`{"n":1}`)},
	}
	citations := NewCitationSet()
	citations.Add("cite:earlier")
	results := inv.InvokeAll(context.Background(), calls, nil, citations)

	for i, r := range results {
		if r.Call.ID != calls[i].ID {
			t.Fatalf("result %d has call %s", i, r.Call.ID)
		}
		if r.Output.Content != string(calls[i].Arguments) {
			t.Fatalf("result %d content=%q", i, r.Output.Content)
		}
	}
	want := []string{"cite:earlier", `cite:{"n":1}`, `cite:{"n":2}`, `cite:{"n":3}`}
	got := citations.List()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("citations=%v, want %v", got, want)
	}
	if peak > 2 {
		t.Fatalf("peak concurrency %d exceeds limit 2", peak)
	}
	if peak < 2 {
		t.Fatalf("calls did not run concurrently (peak %d)", peak)
	}
}

func TestInvokeAllSkipsCitationsFromFailedCalls(t *testing.T) {
	search := newSearchStub()
	inv := newInvoker(InvokerOptions{}, search)
	calls := []ToolCall{
		{ID: "ok", Name: WebSearchToolName, Arguments: json.RawMessage(`{"query":"food truck"}`)},
		{ID: "bad", Name: "missing"},
	}
	citations := NewCitationSet()
	results := inv.InvokeAll(context.Background(), calls, nil, citations)
	if results[0].Err != nil || results[1].Err == nil {
		t.Fatalf("results=%+v", results)
	}
	if got := citations.List(); len(got) != 1 || got[0] != "https://example.gov/food truck" {
		t.Fatalf("citations=%v", got)
	}
}

func TestParseFallbackPolicy(t *testing.T) {
	for in, want := range map[string]FallbackPolicy{"": FallbackRepair, "repair": FallbackRepair, " Clarify ": FallbackClarify} {
		got, err := ParseFallbackPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseFallbackPolicy(%q)=%q,%v", in, got, err)
		}
	}
	if _, err := ParseFallbackPolicy("guess"); err == nil {
		t.Fatal("expected error")
	}
}

func TestInvokerPreview(t *testing.T) {
	long := strings.Repeat("x", 200)
	reg := NewToolRegistry()
	reg.Register(&stubTool{
		spec:    ToolSpec{Name: "echo"},
		preview: func(args json.RawMessage) string { return string(args) },
	})
	reg.Register(&stubTool{
		spec:    ToolSpec{Name: "broken"},
		preview: func(json.RawMessage) string { panic("boom") },
	})
	inv := NewToolInvoker(reg, InvokerOptions{})

	tests := []struct {
		name string
		call ToolCall
		want string
	}{
		{"plain", ToolCall{Name: "echo", Arguments: json.RawMessage("2+2")}, "2+2"},
		{"whitespace collapsed", ToolCall{Name: "echo", Arguments: json.RawMessage("a\n\n  b")}, "a b"},
		{"unknown tool", ToolCall{Name: "missing", Arguments: json.RawMessage("x")}, ""},
		{"panicking preview", ToolCall{Name: "broken"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inv.Preview(tt.call); got != tt.want {
				t.Fatalf("Preview = %q, want %q", got, tt.want)
			}
		})
	}

	got := inv.Preview(ToolCall{Name: "echo", Arguments: json.RawMessage(long)})
	if !strings.HasSuffix(got, "...") || utf8.RuneCountInString(got) != maxPreviewRunes+3 {
		t.Fatalf("long preview = %q (%d runes)", got, utf8.RuneCountInString(got))
	}
}
