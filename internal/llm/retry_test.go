package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRetryProviderRetriesTransientOpenErrors(t *testing.T) {
	inner := NewMockProvider("mock").
		AddError(errors.New("status 503 service unavailable")).
		AddTextResponse("hello")
	p := WrapWithRetry(inner, fastRetry())

	stream, err := p.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	events, err := collect(t, stream)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	retry, ok := events[0].(Retrying)
	if !ok || retry.Attempt != 1 || retry.MaxAttempts != 3 {
		t.Fatalf("first event=%#v", events[0])
	}
	if inner.RequestCount() != 2 {
		t.Fatalf("requests=%d", inner.RequestCount())
	}
}

func TestRetryProviderGivesUp(t *testing.T) {
	inner := NewMockProvider("mock")
	for i := 0; i < 3; i++ {
		inner.AddError(errors.New("429 too many requests"))
	}
	p := WrapWithRetry(inner, fastRetry())
	stream, _ := p.Stream(context.Background(), Request{})
	events, err := collect(t, stream)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(events) != 2 {
		t.Fatalf("retrying events=%d, want 2", len(events))
	}
	if inner.RequestCount() != 3 {
		t.Fatalf("requests=%d", inner.RequestCount())
	}
}

func TestRetryProviderDoesNotRetryAfterOutput(t *testing.T) {
	inner := NewMockProvider("mock").
		AddTurn(MockTurn{Events: []ProviderEvent{TextDelta{Text: "partial"}}, StreamErr: errors.New("connection reset")}).
		AddTextResponse("never")
	p := WrapWithRetry(inner, fastRetry())
	stream, _ := p.Stream(context.Background(), Request{})
	events, err := collect(t, stream)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(events) != 1 || inner.RequestCount() != 1 {
		t.Fatalf("events=%v requests=%d", events, inner.RequestCount())
	}
}

func TestRetryProviderDoesNotRetryPermanentErrors(t *testing.T) {
	inner := NewMockProvider("mock").AddError(errors.New("status 400 bad request")).AddTextResponse("never")
	p := WrapWithRetry(inner, fastRetry())
	stream, _ := p.Stream(context.Background(), Request{})
	if _, err := collect(t, stream); err == nil {
		t.Fatal("expected error")
	}
	if inner.RequestCount() != 1 {
		t.Fatalf("requests=%d", inner.RequestCount())
	}
}

func TestWrapWithRetryDisabled(t *testing.T) {
	inner := NewMockProvider("mock")
	if p := WrapWithRetry(inner, RetryConfig{MaxAttempts: 1}); p != Provider(inner) {
		t.Fatal("expected inner provider back")
	}
}

func TestCalculateBackoffHonorsRetryAfter(t *testing.T) {
	r := &RetryProvider{config: RetryConfig{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: 20 * time.Second}}
	if got := r.calculateBackoff(1, errors.New("status 429, retry-after 7")); got != 7*time.Second {
		t.Fatalf("backoff=%s", got)
	}
	if got := r.calculateBackoff(1, errors.New("retry-after 90")); got != 20*time.Second {
		t.Fatalf("backoff=%s, want capped", got)
	}
	got := r.calculateBackoff(2, errors.New("503"))
	if got < 1500*time.Millisecond || got > 2500*time.Millisecond {
		t.Fatalf("backoff=%s outside jitter range", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if isRetryable(context.Canceled) {
		t.Fatal("canceled must not be retried")
	}
	if !isRetryable(errors.New("dial tcp: connection refused")) {
		t.Fatal("connection refused should be retried")
	}
	if isRetryable(errors.New("invalid api key")) {
		t.Fatal("auth errors should not be retried")
	}
}
