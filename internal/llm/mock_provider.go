package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockTurn is one scripted provider response.
type MockTurn struct {
	Events    []ProviderEvent
	OpenErr   error // returned by Stream
	StreamErr error // returned by Recv after Events
}

// MockProvider replays scripted turns, one per Stream call, and records
// every request it receives.
type MockProvider struct {
	name string
	caps Capabilities

	mu       sync.Mutex
	turns    []MockTurn
	next     int
	fallback *MockTurn
	Requests []Request
}

func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name, caps: Capabilities{ToolCalls: true}}
}

func (m *MockProvider) Name() string               { return m.name }
func (m *MockProvider) Credential() string         { return "mock" }
func (m *MockProvider) Capabilities() Capabilities { return m.caps }

// AddTurn appends a scripted turn.
func (m *MockProvider) AddTurn(turn MockTurn) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
	return m
}

// AddTextResponse scripts a turn that streams text and completes.
func (m *MockProvider) AddTextResponse(text string) *MockProvider {
	return m.AddTurn(MockTurn{Events: []ProviderEvent{
		ItemAdded{Kind: ItemMessage, ItemID: "msg_1"},
		TextDelta{Text: text},
		Completed{},
	}})
}

// AddToolCall scripts a turn with a single tool call whose arguments are
// streamed in two deltas and then confirmed by a terminal payload.
func (m *MockProvider) AddToolCall(id, name string, args any) *MockProvider {
	return m.AddTurn(MockTurn{Events: append(ToolCallEvents(id, name, args), Completed{})})
}

// WithDefaultText makes the provider answer with text once the script is
// exhausted instead of failing.
func (m *MockProvider) WithDefaultText(text string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &MockTurn{Events: []ProviderEvent{TextDelta{Text: text}, Completed{}}}
	return m
}

// AddError scripts a turn whose Stream call fails.
func (m *MockProvider) AddError(err error) *MockProvider {
	return m.AddTurn(MockTurn{OpenErr: err})
}

// ToolCallEvents returns the event sequence for one streamed tool call.
func ToolCallEvents(id, name string, args any) []ProviderEvent {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte("{}")
	}
	if raw, ok := args.(string); ok {
		data = []byte(raw)
	}
	itemID := "fc_" + id
	half := len(data) / 2
	return []ProviderEvent{
		ItemAdded{Kind: ItemFunctionCall, ItemID: itemID, CallID: id, Name: name},
		ArgumentsDelta{ItemID: itemID, Delta: string(data[:half])},
		ArgumentsDelta{ItemID: itemID, Delta: string(data[half:])},
		ArgumentsDone{ItemID: itemID, CallID: id, Name: name, Arguments: string(data)},
	}
}

// RequestCount reports how many Stream calls were made.
func (m *MockProvider) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

func (m *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	m.mu.Lock()
	req.Messages = append([]Message(nil), req.Messages...)
	m.Requests = append(m.Requests, req)
	var turn MockTurn
	switch {
	case m.next < len(m.turns):
		turn = m.turns[m.next]
		m.next++
	case m.fallback != nil:
		turn = *m.fallback
	default:
		m.mu.Unlock()
		return nil, fmt.Errorf("mock provider %s: no more scripted turns", m.name)
	}
	m.mu.Unlock()

	if turn.OpenErr != nil {
		return nil, turn.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newSliceStream(turn.Events, turn.StreamErr), nil
}
