package llm

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrIterationBudgetExhausted is reported when a run hits its iteration
// limit while the model still wanted to call tools. It is a warning, not
// a failure.
var ErrIterationBudgetExhausted = errors.New("iteration budget exhausted")

// ProviderRequestError means opening or reading the model stream failed.
type ProviderRequestError struct {
	Iteration int
	Err       error
}

func (e *ProviderRequestError) Error() string {
	return fmt.Sprintf("provider request failed (iteration %d): %v", e.Iteration, e.Err)
}

func (e *ProviderRequestError) Unwrap() error {
	return e.Err
}

// ToolValidationError means a tool call's arguments were unusable and no
// safe replacement could be derived. The tool was not invoked.
type ToolValidationError struct {
	Tool    string
	Field   string
	Message string
	Hint    string
}

func (e *ToolValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: invalid argument %q: %s", e.Tool, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: invalid arguments: %s", e.Tool, e.Message)
}

// ToolExecutionError wraps a failure returned by a tool.
type ToolExecutionError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// toolErrorPayload is the tool output the model sees for a failed call.
type toolErrorPayload struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

// formatToolError renders err as the JSON tool output for the model.
func formatToolError(err error) string {
	payload := toolErrorPayload{Error: err.Error()}
	var verr *ToolValidationError
	if errors.As(err, &verr) {
		payload.Field = verr.Field
		payload.Hint = verr.Hint
	}
	data, mErr := json.Marshal(payload)
	if mErr != nil {
		return err.Error()
	}
	return string(data)
}
