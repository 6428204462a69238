package llm

import (
	"strings"
	"testing"
)

func TestSearchQueryFallback(t *testing.T) {
	tests := []struct {
		name    string
		history []Message
		want    string
		ok      bool
	}{
		{
			name: "jurisdiction and topic in one message",
			history: []Message{
				UserText("What are the cottage food rules in Minnesota?"),
			},
			want: "minnesota cottage food official requirements site:.gov",
			ok:   true,
		},
		{
			name: "jurisdiction and topic across messages",
			history: []Message{
				UserText("I live in Texas."),
				AssistantText("Thanks, what are you planning?"),
				UserText("I want to start a food truck"),
			},
			want: "texas food truck official requirements site:.gov",
			ok:   true,
		},
		{
			name: "longest jurisdiction wins",
			history: []Message{
				UserText("sales tax in west virginia"),
			},
			want: "west virginia sales tax official requirements site:.gov",
			ok:   true,
		},
		{
			name: "falls back to last user utterance",
			history: []Message{
				UserText("first question"),
				AssistantText("answer"),
				UserText("  how   do I register\na trademark? "),
			},
			want: "how do I register a trademark? official requirements",
			ok:   true,
		},
		{
			name: "tool messages are skipped",
			history: []Message{
				UserText("Minnesota"),
				ToolResultMessage("call_1", "web_search", "cottage food", nil),
			},
			want: "Minnesota official requirements",
			ok:   true,
		},
		{
			name:    "nothing to go on",
			history: []Message{SystemText("You are helpful.")},
			ok:      false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SearchQueryFallback(tt.history)
			if ok != tt.ok {
				t.Fatalf("ok=%v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Fatalf("query=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestSearchQueryFallbackOnlyScansRecentMessages(t *testing.T) {
	history := []Message{UserText("Minnesota cottage food")}
	for i := 0; i < fallbackScanMessages; i++ {
		history = append(history, AssistantText("ok"))
	}
	history = append(history, UserText("and what else?"))

	got, ok := SearchQueryFallback(history)
	if !ok {
		t.Fatal("expected a query")
	}
	if got != "and what else? official requirements" {
		t.Fatalf("query=%q", got)
	}
}

func TestSearchQueryFallbackTruncatesUtterance(t *testing.T) {
	long := strings.Repeat("word ", 60)
	got, ok := SearchQueryFallback([]Message{UserText(long)})
	if !ok {
		t.Fatal("expected a query")
	}
	base := strings.TrimSuffix(got, fallbackGenericSuffix)
	if len([]rune(base)) > fallbackUtteranceMax {
		t.Fatalf("utterance not truncated: %d runes", len([]rune(base)))
	}
}
