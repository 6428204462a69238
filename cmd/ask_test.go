package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/samsaffron/toolstream/internal/llm"
)

func TestTerminalSinkProgress(t *testing.T) {
	var out, errOut bytes.Buffer
	sink := newTerminalSink(&out, &errOut, true)

	events := []struct {
		name    string
		payload any
	}{
		{llm.EventToolCall, llm.ToolCallPayload{ID: "c1", Tool: "web_search", Preview: "cottage food minnesota"}},
		{llm.EventToolCall, llm.ToolCallPayload{ID: "c2", Tool: "lookup"}},
		{llm.EventToolError, llm.ToolErrorPayload{ID: "c2", Tool: "lookup", Error: "not found"}},
		{llm.EventContent, llm.ContentPayload{Delta: "Answer"}},
		{llm.EventDone, llm.DonePayload{Citations: []string{"https://example.gov"}}},
	}
	for _, ev := range events {
		if err := sink.Emit(ev.name, ev.payload); err != nil {
			t.Fatalf("Emit(%s): %v", ev.name, err)
		}
	}

	wantErr := "→ web_search: cottage food minnesota\n→ lookup\n✗ lookup: not found\n"
	if errOut.String() != wantErr {
		t.Fatalf("stderr = %q, want %q", errOut.String(), wantErr)
	}
	if !strings.HasPrefix(out.String(), "Answer\n") || !strings.Contains(out.String(), "[1] https://example.gov") {
		t.Fatalf("stdout = %q", out.String())
	}
}

func TestTerminalSinkQuiet(t *testing.T) {
	var out, errOut bytes.Buffer
	sink := newTerminalSink(&out, &errOut, false)
	_ = sink.Emit(llm.EventToolCall, llm.ToolCallPayload{ID: "c1", Tool: "calculator", Preview: "2+2"})
	_ = sink.Emit(llm.EventContent, llm.ContentPayload{Delta: "4\n"})
	_ = sink.Emit(llm.EventDone, llm.DonePayload{Citations: []string{}})

	if errOut.Len() != 0 {
		t.Fatalf("quiet sink wrote progress: %q", errOut.String())
	}
	if out.String() != "4\n" {
		t.Fatalf("stdout = %q", out.String())
	}
}
