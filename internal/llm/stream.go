package llm

import (
	"context"
	"io"
	"sync"
)

// eventStream adapts a producer goroutine to the Stream interface.
type eventStream struct {
	events    chan ProviderEvent
	cancel    context.CancelFunc
	err       error
	closeOnce sync.Once
}

// newEventStream runs produce in its own goroutine. Events it sends are
// returned by Recv in order; its return value becomes the final Recv error
// (io.EOF when nil).
func newEventStream(ctx context.Context, produce func(ctx context.Context, events chan<- ProviderEvent) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan ProviderEvent, 32),
		cancel: cancel,
	}
	go func() {
		defer close(s.events)
		s.err = produce(ctx, s.events)
	}()
	return s
}

func (s *eventStream) Recv() (ProviderEvent, error) {
	event, ok := <-s.events
	if ok {
		return event, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

// Close cancels the producer and drains anything it was about to send so
// the goroutine can exit.
func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		go func() {
			for range s.events {
			}
		}()
	})
	return nil
}

// sliceStream replays a fixed set of events.
type sliceStream struct {
	events []ProviderEvent
	err    error
	pos    int
}

func newSliceStream(events []ProviderEvent, err error) Stream {
	return &sliceStream{events: events, err: err}
}

func (s *sliceStream) Recv() (ProviderEvent, error) {
	if s.pos < len(s.events) {
		event := s.events[s.pos]
		s.pos++
		return event, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *sliceStream) Close() error { return nil }
