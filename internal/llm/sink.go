package llm

import "encoding/json"

// Client-facing event names.
const (
	EventContent    = "content"
	EventStatus     = "status"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventToolError  = "tool_error"
	EventDone       = "done"
	EventError      = "error"
)

// IsTerminalEvent reports whether name ends a run's event stream.
func IsTerminalEvent(name string) bool {
	return name == EventDone || name == EventError
}

// Sink receives a run's client events in order. Close is called once,
// after the terminal event.
type Sink interface {
	Emit(name string, payload any) error
	Close() error
}

type ContentPayload struct {
	Delta string `json:"delta"`
}

type StatusPayload struct {
	Message string `json:"message"`
}

type ToolCallPayload struct {
	ID      string `json:"id"`
	Tool    string `json:"tool"`
	Args    any    `json:"args"`
	Preview string `json:"preview,omitempty"`
}

type ToolResultPayload struct {
	ID     string `json:"id"`
	Tool   string `json:"tool"`
	Result string `json:"result"`
}

type ToolErrorPayload struct {
	ID    string `json:"id"`
	Tool  string `json:"tool"`
	Error string `json:"error"`
}

type DonePayload struct {
	Citations []string `json:"citations"`
	RunID     string   `json:"run_id,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// eventArgs returns args as raw JSON when valid so clients get an object,
// and as a string otherwise.
func eventArgs(args json.RawMessage) any {
	if len(args) == 0 {
		return map[string]any{}
	}
	if json.Valid(args) {
		return args
	}
	return string(args)
}
