package store

import (
	"context"

	"github.com/samsaffron/toolstream/internal/config"
	"github.com/samsaffron/toolstream/internal/llm"
)

// NoopStore discards all writes and finds nothing. Used when the run log
// is disabled.
type NoopStore struct{}

func (NoopStore) CreateRun(context.Context, *Run) error                          { return nil }
func (NoopStore) FinishRun(context.Context, string, *llm.RunResult, error) error { return nil }
func (NoopStore) AppendEvent(context.Context, string, int, string, any) error    { return nil }
func (NoopStore) AddMessages(context.Context, string, int, []llm.Message) error  { return nil }
func (NoopStore) GetRun(context.Context, string) (*Run, error)                   { return nil, nil }
func (NoopStore) ListRuns(context.Context, int) ([]Run, error)                   { return nil, nil }
func (NoopStore) Events(context.Context, string) ([]Event, error)                { return nil, nil }
func (NoopStore) Messages(context.Context, string) ([]Message, error)            { return nil, nil }
func (NoopStore) Close() error                                                   { return nil }

// New returns the configured store: SQLite when enabled, NoopStore otherwise.
func New(cfg *config.Config) (Store, error) {
	if !cfg.Store.Enabled {
		return NoopStore{}, nil
	}
	return Open(cfg.StorePath(), cfg.Store)
}
