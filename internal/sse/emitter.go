// Package sse writes server-sent events to a live HTTP response.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/samsaffron/toolstream/internal/llm"
)

// ErrClosed is returned by writes after Close or after the client went away.
var ErrClosed = errors.New("sse: stream closed")

// Emitter frames named events onto one response. Writes are serialized so
// events and heartbeats never interleave.
type Emitter struct {
	mu       sync.Mutex
	w        io.Writer
	flusher  http.Flusher
	terminal bool
	closed   bool
	events   int
}

// NewEmitter prepares w for streaming and returns an emitter bound to it.
// w must support http.Flusher.
func NewEmitter(w http.ResponseWriter) (*Emitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("sse: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Emitter{w: w, flusher: flusher}, nil
}

// Emit writes one event. Strings are sent as raw data lines; anything else
// is JSON encoded.
func (e *Emitter) Emit(name string, payload any) error {
	data, err := encodeData(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}

	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(name)
	b.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writeLocked(b.String()); err != nil {
		return err
	}
	e.events++
	if llm.IsTerminalEvent(name) {
		e.terminal = true
	}
	return nil
}

// Ping writes a keep-alive comment frame.
func (e *Emitter) Ping() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeLocked(":\n\n")
}

// Close ends the stream. It only takes effect once a terminal event has
// been written and is a no-op on every later call.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.terminal {
		return nil
	}
	e.closed = true
	return nil
}

// Disconnect marks the client as gone. Every later write returns ErrClosed.
func (e *Emitter) Disconnect() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// WatchContext disconnects the emitter when ctx is done. The returned
// function detaches the watcher.
func (e *Emitter) WatchContext(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, e.Disconnect)
}

// Closed reports whether writes are still accepted.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Terminated reports whether a done or error event was written.
func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

// EventCount returns the number of events written, heartbeats excluded.
func (e *Emitter) EventCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

func (e *Emitter) writeLocked(frame string) error {
	if e.closed {
		return ErrClosed
	}
	if _, err := io.WriteString(e.w, frame); err != nil {
		e.closed = true
		return fmt.Errorf("sse write: %w", err)
	}
	e.flusher.Flush()
	return nil
}

func encodeData(payload any) (string, error) {
	switch v := payload.(type) {
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var _ llm.Sink = (*Emitter)(nil)
