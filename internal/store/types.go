// Package store keeps a log of orchestration runs: the request, every
// event sent to the client, the conversation and the final answer.
package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/samsaffron/toolstream/internal/llm"
)

// RunStatus is the lifecycle state of a stored run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusDone      RunStatus = "done"
	StatusPartial   RunStatus = "partial" // done, with a warning
	StatusError     RunStatus = "error"
	StatusAbandoned RunStatus = "abandoned"
)

// Run is one stored orchestration run.
type Run struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model,omitempty"`
	Question     string    `json:"question"`
	Status       RunStatus `json:"status"`
	FinalText    string    `json:"final_text,omitempty"`
	Citations    []string  `json:"citations"`
	Iterations   int       `json:"iterations"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Warning      string    `json:"warning,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
}

// Event is one client event as it was emitted.
type Event struct {
	Sequence  int             `json:"seq"`
	Name      string          `json:"event"`
	Payload   json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Message is one conversation entry recorded after an iteration.
type Message struct {
	Iteration   int        `json:"iteration"`
	Sequence    int        `json:"seq"`
	Role        llm.Role   `json:"role"`
	Parts       []llm.Part `json:"parts"`
	TextContent string     `json:"text,omitempty"`
}

// Store is the interface for run persistence.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, runID string, result *llm.RunResult, runErr error) error
	AppendEvent(ctx context.Context, runID string, seq int, name string, payload any) error
	AddMessages(ctx context.Context, runID string, iteration int, msgs []llm.Message) error

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	Events(ctx context.Context, runID string) ([]Event, error)
	Messages(ctx context.Context, runID string) ([]Message, error)

	Close() error
}

// QuestionFrom returns the latest user text in msgs, trimmed for display.
func QuestionFrom(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			if text := strings.TrimSpace(msgs[i].Text()); text != "" {
				return truncate(text, 500)
			}
		}
	}
	return ""
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func statusFor(result *llm.RunResult, runErr error) RunStatus {
	switch {
	case runErr != nil:
		return StatusError
	case result != nil && result.Warning != nil:
		return StatusPartial
	default:
		return StatusDone
	}
}
