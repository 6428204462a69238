package testutil

import "sync"

// RecordedEvent is one event captured by a RecordingSink.
type RecordedEvent struct {
	Name    string
	Payload any
}

// RecordingSink is an llm.Sink that keeps every event in memory.
type RecordingSink struct {
	mu     sync.Mutex
	events []RecordedEvent
	closed int
}

func (s *RecordingSink) Emit(name string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, RecordedEvent{Name: name, Payload: payload})
	return nil
}

func (s *RecordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []RecordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedEvent(nil), s.events...)
}

// Names returns the recorded event names in order.
func (s *RecordingSink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.events))
	for i, e := range s.events {
		names[i] = e.Name
	}
	return names
}

// CloseCount reports how many times Close was called.
func (s *RecordingSink) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
