package sse

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/samsaffron/toolstream/internal/llm"
)

func newTestEmitter(t *testing.T) (*Emitter, *httptest.ResponseRecorder) {
	t.Helper()
	rec := httptest.NewRecorder()
	em, err := NewEmitter(rec)
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}
	return em, rec
}

func TestEmitterFramesEvents(t *testing.T) {
	em, rec := newTestEmitter(t)

	if err := em.Emit(llm.EventContent, llm.ContentPayload{Delta: "Hello"}); err != nil {
		t.Fatal(err)
	}
	if err := em.Emit(llm.EventDone, llm.DonePayload{Citations: []string{}}); err != nil {
		t.Fatal(err)
	}

	want := "event: content\ndata: {\"delta\":\"Hello\"}\n\n" +
		"event: done\ndata: {\"citations\":[]}\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("body=%q\nwant %q", got, want)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}
	if !rec.Flushed {
		t.Fatal("expected flush")
	}
	if em.EventCount() != 2 || !em.Terminated() {
		t.Fatalf("count=%d terminated=%v", em.EventCount(), em.Terminated())
	}
}

func TestEmitterRawStringsSplitLines(t *testing.T) {
	em, rec := newTestEmitter(t)
	if err := em.Emit("note", "line one\nline two"); err != nil {
		t.Fatal(err)
	}
	want := "event: note\ndata: line one\ndata: line two\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("body=%q, want %q", got, want)
	}
}

func TestEmitterCloseRequiresTerminalEvent(t *testing.T) {
	em, rec := newTestEmitter(t)

	if err := em.Close(); err != nil {
		t.Fatal(err)
	}
	if em.Closed() {
		t.Fatal("close before a terminal event must not close the stream")
	}
	if err := em.Emit(llm.EventError, llm.ErrorPayload{Message: "boom"}); err != nil {
		t.Fatal(err)
	}
	if err := em.Close(); err != nil {
		t.Fatal(err)
	}
	if err := em.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !em.Closed() {
		t.Fatal("expected closed stream")
	}

	before := rec.Body.Len()
	if err := em.Emit(llm.EventContent, llm.ContentPayload{Delta: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("emit after close: %v", err)
	}
	if err := em.Ping(); !errors.Is(err, ErrClosed) {
		t.Fatalf("ping after close: %v", err)
	}
	if rec.Body.Len() != before {
		t.Fatal("bytes written after close")
	}
}

func TestEmitterWatchContextDisconnects(t *testing.T) {
	em, rec := newTestEmitter(t)
	ctx, cancel := context.WithCancel(context.Background())
	stop := em.WatchContext(ctx)
	defer stop()

	cancel()
	// AfterFunc runs asynchronously.
	for i := 0; i < 1000 && !em.Closed(); i++ {
		runtimeYield()
	}
	if !em.Closed() {
		t.Fatal("emitter still open after context cancel")
	}
	if err := em.Emit(llm.EventStatus, llm.StatusPayload{Message: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v", err)
	}
	if strings.Contains(rec.Body.String(), "status") {
		t.Fatal("status event written after disconnect")
	}
}

type failingWriter struct {
	http.ResponseWriter
}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }
func (failingWriter) Flush()                    {}

func TestEmitterWriteFailureDisconnects(t *testing.T) {
	em, err := NewEmitter(failingWriter{httptest.NewRecorder()})
	if err != nil {
		t.Fatal(err)
	}
	if err := em.Emit(llm.EventContent, llm.ContentPayload{Delta: "x"}); err == nil {
		t.Fatal("expected write error")
	}
	if err := em.Emit(llm.EventContent, llm.ContentPayload{Delta: "y"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

type noFlush struct{ http.ResponseWriter }

func TestNewEmitterRequiresFlusher(t *testing.T) {
	if _, err := NewEmitter(noFlush{httptest.NewRecorder()}); err == nil {
		t.Fatal("expected error for non-flushing writer")
	}
}
