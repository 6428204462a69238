package tools

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/samsaffron/toolstream/internal/llm"
)

// calcEnv is the only environment expressions can see.
var calcEnv = map[string]interface{}{
	"pi":    math.Pi,
	"e":     math.E,
	"sqrt":  math.Sqrt,
	"pow":   math.Pow,
	"log":   math.Log,
	"log10": math.Log10,
	"exp":   math.Exp,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
}

// CalculatorTool evaluates arithmetic expressions.
type CalculatorTool struct {
	maxLen int
}

func NewCalculatorTool(maxLen int) *CalculatorTool {
	if maxLen <= 0 {
		maxLen = 512
	}
	return &CalculatorTool{maxLen: maxLen}
}

func (t *CalculatorTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        llm.CalculatorToolName,
		Description: "Evaluate an arithmetic expression exactly. Supports + - * / % ^, parentheses, and sqrt, pow, log, log10, exp, sin, cos, tan, abs, floor, ceil, round, min, max, pi, e.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"expression": map[string]interface{}{
					"type":        "string",
					"description": "The expression to evaluate, e.g. (3 + 4) * 2",
				},
			},
			"required":             []string{"expression"},
			"additionalProperties": false,
		},
	}
}

func (t *CalculatorTool) ArgRules() []llm.ArgRule {
	return []llm.ArgRule{llm.ExpressionArg("expression", `{"expression":"(3 + 4) * 2"}`)}
}

func (t *CalculatorTool) Preview(args json.RawMessage) string {
	return stringArg(args, "expression")
}

func (t *CalculatorTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	var payload struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return llm.ToolOutput{}, NewToolErrorf(ErrInvalidParams, "parse calculator args: %v", err)
	}
	value, err := t.Evaluate(payload.Expression)
	if err != nil {
		return llm.ToolOutput{}, err
	}
	return llm.TextOutput(value), nil
}

// Evaluate computes expression and formats the number without a trailing
// fraction when it is integral.
func (t *CalculatorTool) Evaluate(expression string) (string, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return "", NewToolError(ErrInvalidParams, "expression is empty")
	}
	if len(expression) > t.maxLen {
		return "", NewToolErrorf(ErrInvalidParams, "expression longer than %d characters", t.maxLen)
	}

	program, err := expr.Compile(expression, expr.Env(calcEnv))
	if err != nil {
		return "", NewToolErrorf(ErrInvalidParams, "cannot parse expression: %v", err)
	}
	out, err := expr.Run(program, calcEnv)
	if err != nil {
		return "", NewToolErrorf(ErrExecutionFailed, "evaluating expression: %v", err)
	}

	switch v := out.(type) {
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return "", NewToolErrorf(ErrExecutionFailed, "result is not a finite number (%v)", v)
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", NewToolErrorf(ErrInvalidParams, "expression does not produce a number (got %T)", out)
	}
}
