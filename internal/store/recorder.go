package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samsaffron/toolstream/internal/llm"
)

// Recorder persists one run while it streams. It wraps the client sink so
// every event is logged in order, and supplies the engine's turn callback.
//
// Events reach the client before they are queued for storage. A background
// writer drains the queue; consecutive content deltas collapse into one
// stored row. Finish flushes the queue before writing the run outcome.
type Recorder struct {
	store  Store
	runID  string
	ctx    context.Context
	logger *slog.Logger

	mu      sync.Mutex
	seq     int
	pending *queuedEvent // open content run, still accepting deltas
	queue   []queuedEvent
	closed  bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

type queuedEvent struct {
	seq     int
	name    string
	payload any
}

// NewRecorder creates the run row and returns a recorder for it. Writes use
// a context detached from ctx's cancellation so a client disconnect does
// not drop the tail of the log.
func NewRecorder(ctx context.Context, s Store, run *Run) (*Recorder, error) {
	if err := s.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	r := &Recorder{
		store:  s,
		runID:  run.ID,
		ctx:    context.WithoutCancel(ctx),
		logger: slog.Default().With("run_id", run.ID),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go r.writeLoop()
	return r, nil
}

func (r *Recorder) RunID() string { return r.runID }

// Sink returns a sink that forwards each event to next and then queues it
// for storage.
func (r *Recorder) Sink(next llm.Sink) llm.Sink {
	return &recordingSink{rec: r, next: next}
}

// OnTurn is an llm.TurnCompletedCallback that stores the messages an
// iteration added.
func (r *Recorder) OnTurn(ctx context.Context, runID string, iteration int, messages []llm.Message, _ llm.TurnMetrics) error {
	if runID != r.runID {
		return nil
	}
	if err := r.store.AddMessages(r.ctx, runID, iteration, messages); err != nil {
		r.logger.Warn("recording messages failed", "iteration", iteration, "err", err)
		return err
	}
	return nil
}

// Finish drains queued events and records the run outcome. It is safe to
// call more than once; only the first call writes.
func (r *Recorder) Finish(result *llm.RunResult, runErr error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.closePendingLocked()
		r.closed = true
		r.mu.Unlock()
		r.signal()
		<-r.done

		if err := r.store.FinishRun(r.ctx, r.runID, result, runErr); err != nil {
			r.logger.Warn("recording run result failed", "err", err)
		}
	})
}

func (r *Recorder) record(name string, payload any) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Debug("event after finish not recorded", "event", name)
		return
	}
	if delta, ok := payload.(llm.ContentPayload); ok && name == llm.EventContent {
		if r.pending != nil {
			prev := r.pending.payload.(llm.ContentPayload)
			r.pending.payload = llm.ContentPayload{Delta: prev.Delta + delta.Delta}
		} else {
			r.pending = &queuedEvent{seq: r.nextSeqLocked(), name: name, payload: delta}
		}
		r.mu.Unlock()
		return
	}
	r.closePendingLocked()
	r.queue = append(r.queue, queuedEvent{seq: r.nextSeqLocked(), name: name, payload: payload})
	r.mu.Unlock()
	r.signal()
}

func (r *Recorder) nextSeqLocked() int {
	seq := r.seq
	r.seq++
	return seq
}

func (r *Recorder) closePendingLocked() {
	if r.pending != nil {
		r.queue = append(r.queue, *r.pending)
		r.pending = nil
	}
}

func (r *Recorder) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Recorder) writeLoop() {
	defer close(r.done)
	for range r.wake {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		closed := r.closed
		r.mu.Unlock()

		for _, ev := range batch {
			if err := r.store.AppendEvent(r.ctx, r.runID, ev.seq, ev.name, ev.payload); err != nil {
				r.logger.Warn("recording event failed", "event", ev.name, "err", err)
			}
		}
		if closed {
			return
		}
	}
}

type recordingSink struct {
	rec  *Recorder
	next llm.Sink
}

func (s *recordingSink) Emit(name string, payload any) error {
	err := s.next.Emit(name, payload)
	s.rec.record(name, payload)
	return err
}

func (s *recordingSink) Close() error {
	return s.next.Close()
}
