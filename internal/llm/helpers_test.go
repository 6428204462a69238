package llm

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// stubTool is a tool whose behavior is supplied by the test.
type stubTool struct {
	spec    ToolSpec
	rules   []ArgRule
	exec    func(ctx context.Context, args json.RawMessage) (ToolOutput, error)
	preview func(args json.RawMessage) string

	mu    sync.Mutex
	calls []json.RawMessage
}

func (s *stubTool) Spec() ToolSpec      { return s.spec }
func (s *stubTool) ArgRules() []ArgRule { return s.rules }

func (s *stubTool) Preview(args json.RawMessage) string {
	if s.preview == nil {
		return ""
	}
	return s.preview(args)
}

func (s *stubTool) Execute(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
	s.mu.Lock()
	s.calls = append(s.calls, args)
	s.mu.Unlock()
	if s.exec == nil {
		return TextOutput("ok"), nil
	}
	return s.exec(ctx, args)
}

func (s *stubTool) Calls() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.calls...)
}

func objectSchema(required string, propType string) map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			required: map[string]interface{}{"type": propType},
		},
		"required":             []string{required},
		"additionalProperties": false,
	}
}

// newSearchStub returns a web_search tool that cites one URL per query.
func newSearchStub() *stubTool {
	return &stubTool{
		spec: ToolSpec{
			Name:        WebSearchToolName,
			Description: "Search the web",
			Schema:      objectSchema("query", "string"),
		},
		rules: []ArgRule{QueryArg("query", 3, `{"query":"minnesota cottage food law"}`)},
		exec: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
			var in struct {
				Query string `json:"query"`
			}
			_ = json.Unmarshal(args, &in)
			return ToolOutput{
				Content:   "results for " + in.Query,
				Citations: []string{"https://example.gov/" + in.Query},
			}, nil
		},
	}
}

// newAdderStub returns a calculator that only understands "a+b".
func newAdderStub() *stubTool {
	return &stubTool{
		spec: ToolSpec{
			Name:        CalculatorToolName,
			Description: "Evaluate arithmetic",
			Schema:      objectSchema("expression", "string"),
		},
		rules: []ArgRule{ExpressionArg("expression", `{"expression":"2+2"}`)},
		preview: func(args json.RawMessage) string {
			var in struct {
				Expression string `json:"expression"`
			}
			_ = json.Unmarshal(args, &in)
			return in.Expression
		},
		exec: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
			var in struct {
				Expression string `json:"expression"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return ToolOutput{}, err
			}
			var a, b int
			for i, r := range in.Expression {
				if r == '+' {
					a, _ = strconv.Atoi(in.Expression[:i])
					b, _ = strconv.Atoi(in.Expression[i+1:])
				}
			}
			return TextOutput(strconv.Itoa(a + b)), nil
		},
	}
}

// slowStub sleeps before answering and tracks peak concurrency. It echoes
// its arguments as content and cites them.
func slowStub(name string, delay time.Duration, active, peak *int32) *stubTool {
	return &stubTool{
		spec: ToolSpec{Name: name, Schema: map[string]interface{}{"type": "object"}},
		exec: func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
			n := atomic.AddInt32(active, 1)
			for {
				p := atomic.LoadInt32(peak)
				if n <= p || atomic.CompareAndSwapInt32(peak, p, n) {
					break
				}
			}
			time.Sleep(delay)
			atomic.AddInt32(active, -1)
			return ToolOutput{Content: string(args), Citations: []string{"cite:" + string(args)}}, nil
		},
	}
}

// recordedEvent is one event captured by a recordingSink.
type recordedEvent struct {
	Name    string
	Payload any
}

// recordingSink keeps every event in memory.
type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
	closed int
}

func (s *recordingSink) Emit(name string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{Name: name, Payload: payload})
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Events returns a copy of the recorded events.
func (s *recordingSink) Events() []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Names returns the recorded event names in order.
func (s *recordingSink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.events))
	for i, e := range s.events {
		names[i] = e.Name
	}
	return names
}

// CloseCount reports how many times Close was called.
func (s *recordingSink) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
