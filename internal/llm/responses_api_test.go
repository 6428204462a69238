package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseBody(events ...string) string {
	var b strings.Builder
	for _, ev := range events {
		var envelope struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(ev), &envelope)
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", envelope.Type, ev)
	}
	return b.String()
}

func collect(t *testing.T, s Stream) ([]ProviderEvent, error) {
	t.Helper()
	defer s.Close()
	var out []ProviderEvent
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func TestResponsesClientStreamsToolCall(t *testing.T) {
	var gotBody ResponsesRequest
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			`{"type":"response.output_item.added","item":{"type":"function_call","id":"fc_1","call_id":"call_1","name":"calculator"}}`,
			`{"type":"response.function_call_arguments.delta","item_id":"fc_1","delta":"{\"expression\":"}`,
			`{"type":"response.function_call_arguments.delta","item_id":"fc_1","delta":"\"2+2\"}"}`,
			`{"type":"response.function_call_arguments.done","item_id":"fc_1","arguments":"{\"expression\":\"2+2\"}"}`,
			`{"type":"response.output_item.done","item":{"type":"function_call","id":"fc_1","call_id":"call_1","name":"calculator","arguments":"{\"expression\":\"2+2\"}"}}`,
			`{"type":"response.completed","response":{"id":"resp_1","usage":{"input_tokens":10,"output_tokens":5,"input_tokens_details":{"cached_tokens":2}}}}`,
		))
	}))
	defer server.Close()

	client := &ResponsesClient{BaseURL: server.URL, GetAuthHeader: func() string { return "Bearer k" }}
	stream, err := client.Stream(context.Background(), ResponsesRequest{
		Model:  "gpt-test",
		Input:  BuildResponsesInput([]Message{SystemText("be brief"), UserText("2+2?")}),
		Stream: true,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events, err := collect(t, stream)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if gotAuth != "Bearer k" {
		t.Fatalf("auth=%q", gotAuth)
	}
	if len(gotBody.Input) != 2 || gotBody.Input[0].Role != "developer" {
		t.Fatalf("input=%+v", gotBody.Input)
	}

	d := NewStreamDecoder()
	for _, ev := range events {
		d.Decode(ev)
	}
	calls := d.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "call_1" || string(calls[0].Arguments) != `{"expression":"2+2"}` {
		t.Fatalf("calls=%+v", calls)
	}
	if d.ResponseID() != "resp_1" || d.Usage() == nil || d.Usage().CachedInputTokens != 2 {
		t.Fatalf("completion: id=%q usage=%+v", d.ResponseID(), d.Usage())
	}
}

func TestResponsesClientErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":"slow down"}`)
	}))
	defer server.Close()

	client := &ResponsesClient{BaseURL: server.URL}
	_, err := client.Stream(context.Background(), ResponsesRequest{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "retry-after 7") {
		t.Fatalf("err=%v", err)
	}
	if !isRetryable(err) {
		t.Fatal("429 should be retryable")
	}
}

func TestResponsesClientFailedEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody(
			`{"type":"response.output_text.delta","delta":"Hel"}`,
			`{"type":"response.failed","response":{"error":{"message":"model overloaded"}}}`,
		))
	}))
	defer server.Close()

	stream, err := (&ResponsesClient{BaseURL: server.URL}).Stream(context.Background(), ResponsesRequest{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	events, err := collect(t, stream)
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("err=%v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events=%v", events)
	}
	if delta, ok := events[0].(TextDelta); !ok || delta.Text != "Hel" {
		t.Fatalf("event=%#v", events[0])
	}
}

func TestParseResponsesEventUsesPayloadType(t *testing.T) {
	ev, err := parseResponsesEvent("", []byte(`{"type":"response.output_text.delta","delta":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if d, ok := ev.(TextDelta); !ok || d.Text != "x" {
		t.Fatalf("event=%#v", ev)
	}

	ev, err = parseResponsesEvent("response.reasoning_summary_text.delta", []byte(`{"delta":"thinking"}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ev.(Ignored); !ok {
		t.Fatalf("event=%#v, want Ignored", ev)
	}

	ev, err = parseResponsesEvent("response.output_item.done", []byte(`{"item":{"type":"message","content":[{"type":"output_text","text":"a"},{"type":"refusal","refusal":"no"}]}}`))
	if err != nil {
		t.Fatal(err)
	}
	done := ev.(OutputItemDone)
	if done.Item.Kind != ItemMessage || done.Item.Text[0] != "a" || done.Item.Refusal[0] != "no" {
		t.Fatalf("item=%+v", done.Item)
	}
}

func TestBuildResponsesInputOrdersToolTraffic(t *testing.T) {
	calls := []ToolCall{{ID: "call_1", Name: "calculator", Arguments: json.RawMessage(`{"expression":"1+1"}`)}}
	items := BuildResponsesInput([]Message{
		UserText("hi"),
		buildAssistantMessage("let me check", calls),
		ToolResultMessage("call_1", "calculator", "2", nil),
	})
	types := make([]string, len(items))
	for i, item := range items {
		types[i] = item.Type
	}
	if strings.Join(types, ",") != "message,message,function_call,function_call_output" {
		t.Fatalf("types=%v", types)
	}
	if items[3].CallID != "call_1" || items[3].Output != "2" {
		t.Fatalf("output item=%+v", items[3])
	}
}

func TestNormalizeSchemaForOpenAI(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url":  map[string]interface{}{"type": "string", "format": "uri"},
			"when": map[string]interface{}{"type": "string", "format": "date"},
		},
		"required": []string{"url"},
	}
	got := normalizeSchemaForOpenAI(schema)
	if got["additionalProperties"] != false {
		t.Fatal("additionalProperties not set to false")
	}
	if req := got["required"].([]string); len(req) != 2 {
		t.Fatalf("required=%v", req)
	}
	props := got["properties"].(map[string]interface{})
	if _, ok := props["url"].(map[string]interface{})["format"]; ok {
		t.Fatal("unsupported format kept")
	}
	if props["when"].(map[string]interface{})["format"] != "date" {
		t.Fatal("supported format dropped")
	}
	if _, ok := schema["additionalProperties"]; ok {
		t.Fatal("input schema was mutated")
	}
}
