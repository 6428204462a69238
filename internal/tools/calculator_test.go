package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestCalculatorEvaluate(t *testing.T) {
	calc := NewCalculatorTool(0)
	tests := []struct {
		expr string
		want string
	}{
		{"2+2", "4"},
		{"(3 + 4) * 2", "14"},
		{"7 / 2", "3.5"},
		{"2 ^ 10", "1024"},
		{"sqrt(16)", "4"},
		{"max(3, 9, 4)", "9"},
		{"round(pi * 100) / 100", "3.14"},
		{"10 % 3", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := calc.Evaluate(tt.expr)
			if err != nil {
				t.Fatalf("Evaluate(%q): %v", tt.expr, err)
			}
			if got != tt.want {
				t.Fatalf("Evaluate(%q)=%q, want %q", tt.expr, got, tt.want)
			}
		})
	}
}

func TestCalculatorRejects(t *testing.T) {
	calc := NewCalculatorTool(16)
	for _, in := range []string{"", "2 +", "\"text\"", "1 == 1", "1/0", strings.Repeat("1+", 10) + "1"} {
		if _, err := calc.Evaluate(in); err == nil {
			t.Fatalf("Evaluate(%q) succeeded", in)
		}
	}
}

func TestCalculatorExecute(t *testing.T) {
	out, err := NewCalculatorTool(0).Execute(context.Background(), json.RawMessage(`{"expression":"2+2"}`))
	if err != nil || out.Content != "4" {
		t.Fatalf("out=%+v err=%v", out, err)
	}
	_, err = NewCalculatorTool(0).Execute(context.Background(), json.RawMessage(`{"expression":"nope("}`))
	var terr *ToolError
	if !errors.As(err, &terr) || terr.Type != ErrInvalidParams {
		t.Fatalf("err=%v", err)
	}
}
