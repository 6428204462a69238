// Package tools provides the built-in tools exposed to the model: web
// search, page reading, and arithmetic.
package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolErrorType classifies tool failures so they read consistently in
// tool_error events.
type ToolErrorType string

const (
	ErrInvalidParams     ToolErrorType = "INVALID_PARAMS"
	ErrExecutionFailed   ToolErrorType = "EXECUTION_FAILED"
	ErrFetchFailed       ToolErrorType = "FETCH_FAILED"
	ErrUnsupportedFormat ToolErrorType = "UNSUPPORTED_FORMAT"
	ErrTimeout           ToolErrorType = "TIMEOUT"
	ErrNotConfigured     ToolErrorType = "NOT_CONFIGURED"
)

// ToolError provides structured error information.
type ToolError struct {
	Type    ToolErrorType `json:"type"`
	Message string        `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewToolError creates a new ToolError.
func NewToolError(errType ToolErrorType, message string) *ToolError {
	return &ToolError{Type: errType, Message: message}
}

// NewToolErrorf creates a new ToolError with formatted message.
func NewToolErrorf(errType ToolErrorType, format string, args ...interface{}) *ToolError {
	return &ToolError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// stringArg pulls a single string field out of raw arguments for previews.
func stringArg(args json.RawMessage, field string) string {
	var m map[string]interface{}
	if err := json.Unmarshal(args, &m); err != nil {
		return ""
	}
	s, _ := m[field].(string)
	return strings.TrimSpace(s)
}
