package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FallbackPolicy decides what happens when a required argument is missing
// but a replacement can be derived from the conversation.
type FallbackPolicy string

const (
	// FallbackRepair runs the tool with the derived value and tells both
	// the client and the model that a substitution happened.
	FallbackRepair FallbackPolicy = "repair"
	// FallbackClarify never substitutes; the derived value is only offered
	// in the validation hint so the model can retry explicitly.
	FallbackClarify FallbackPolicy = "clarify"
)

// ParseFallbackPolicy maps a config string to a policy, defaulting to repair.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch FallbackPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FallbackRepair:
		return FallbackRepair, nil
	case FallbackClarify:
		return FallbackClarify, nil
	}
	return "", fmt.Errorf("unknown fallback policy %q (want repair or clarify)", s)
}

// ArgRule checks one required argument of a tool.
type ArgRule struct {
	Field   string
	Check   func(v any) error
	Example string // example argument object used in hints
	// Fallback derives a value from the conversation when the argument is
	// missing or invalid. Optional.
	Fallback func(history []Message) (string, bool)
}

// Substitution records an argument value the invoker derived itself.
type Substitution struct {
	Field string
	Value string
}

// QueryArg requires a search query of at least minLen non-space runes and
// falls back to SearchQueryFallback.
func QueryArg(field string, minLen int, example string) ArgRule {
	return ArgRule{
		Field: field,
		Check: func(v any) error {
			s, ok := v.(string)
			if !ok {
				return errors.New("must be a string")
			}
			if len([]rune(strings.TrimSpace(s))) < minLen {
				return fmt.Errorf("must be at least %d characters", minLen)
			}
			return nil
		},
		Example:  example,
		Fallback: SearchQueryFallback,
	}
}

// URLArg requires an absolute http or https URL.
func URLArg(field, example string) ArgRule {
	return ArgRule{
		Field: field,
		Check: func(v any) error {
			s, ok := v.(string)
			if !ok {
				return errors.New("must be a string")
			}
			s = strings.TrimSpace(s)
			if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
				return errors.New("must start with http:// or https://")
			}
			return nil
		},
		Example: example,
	}
}

// ExpressionArg requires a non-empty expression string.
func ExpressionArg(field, example string) ArgRule {
	return ArgRule{
		Field: field,
		Check: func(v any) error {
			s, ok := v.(string)
			if !ok {
				return errors.New("must be a string")
			}
			if strings.TrimSpace(s) == "" {
				return errors.New("must not be empty")
			}
			return nil
		},
		Example: example,
	}
}

// argValidator applies ArgRules and the tool's JSON schema.
type argValidator struct {
	policy FallbackPolicy

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema // nil entry: schema could not be compiled
}

func newArgValidator(policy FallbackPolicy) *argValidator {
	if policy == "" {
		policy = FallbackRepair
	}
	return &argValidator{policy: policy, schemas: make(map[string]*jsonschema.Schema)}
}

// validate returns the arguments to execute with. When a fallback value
// was substituted the returned Substitution is non-nil.
func (v *argValidator) validate(tool Tool, call ToolCall, history []Message) (json.RawMessage, *Substitution, error) {
	spec := tool.Spec()
	var rules []ArgRule
	if p, ok := tool.(ArgRuleProvider); ok {
		rules = p.ArgRules()
	}

	args := map[string]any{}
	var parseErr error
	if raw := bytes.TrimSpace(call.Arguments); len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil || args == nil {
			parseErr = errors.New("arguments are not a JSON object")
			args = map[string]any{}
		}
	}

	var sub *Substitution
	for _, rule := range rules {
		value, present := args[rule.Field]
		var problem error
		if !present || value == nil {
			problem = errors.New("is required")
		} else if rule.Check != nil {
			problem = rule.Check(value)
		}
		if problem == nil {
			continue
		}

		verr := &ToolValidationError{
			Tool:    spec.Name,
			Field:   rule.Field,
			Message: problem.Error(),
			Hint:    ruleHint(rule),
		}
		if rule.Fallback == nil {
			return nil, nil, verr
		}
		candidate, ok := rule.Fallback(history)
		if !ok {
			return nil, nil, verr
		}
		if v.policy == FallbackClarify {
			verr.Hint = fmt.Sprintf("%s Based on the conversation you may want %q.", verr.Hint, candidate)
			return nil, nil, verr
		}
		args[rule.Field] = candidate
		sub = &Substitution{Field: rule.Field, Value: candidate}
	}

	if parseErr != nil && sub == nil {
		return nil, nil, &ToolValidationError{Tool: spec.Name, Message: parseErr.Error(), Hint: schemaHint(spec, rules)}
	}

	if schema := v.schema(spec); schema != nil {
		if err := schema.Validate(args); err != nil {
			return nil, nil, &ToolValidationError{
				Tool:    spec.Name,
				Message: schemaErrorMessage(err),
				Hint:    schemaHint(spec, rules),
			}
		}
	}

	if sub == nil && parseErr == nil && len(bytes.TrimSpace(call.Arguments)) > 0 {
		return call.Arguments, nil, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, nil, fmt.Errorf("encode arguments: %w", err)
	}
	return data, sub, nil
}

func (v *argValidator) schema(spec ToolSpec) *jsonschema.Schema {
	if len(spec.Schema) == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.schemas[spec.Name]; ok {
		return s
	}
	s, err := compileToolSchema(spec)
	if err != nil {
		slog.Debug("tool schema not enforced", "tool", spec.Name, "err", err)
	}
	v.schemas[spec.Name] = s
	return s
}

func compileToolSchema(spec ToolSpec) (*jsonschema.Schema, error) {
	data, err := json.Marshal(spec.Schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	url := "tool://" + spec.Name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func schemaErrorMessage(err error) string {
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		leaf := verr
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		if leaf.InstanceLocation != "" {
			return fmt.Sprintf("%s: %s", leaf.InstanceLocation, leaf.Message)
		}
		return leaf.Message
	}
	return err.Error()
}

func ruleHint(rule ArgRule) string {
	if rule.Example != "" {
		return fmt.Sprintf("Provide %q. Example: %s", rule.Field, rule.Example)
	}
	return fmt.Sprintf("Provide %q.", rule.Field)
}

func schemaHint(spec ToolSpec, rules []ArgRule) string {
	for _, rule := range rules {
		if rule.Example != "" {
			return "Expected a JSON object. Example: " + rule.Example
		}
	}
	required := requiredFields(spec.Schema)
	if len(required) == 0 {
		return "Expected a JSON object matching the tool's parameter schema."
	}
	return "Expected a JSON object with fields: " + strings.Join(required, ", ")
}

func requiredFields(schema map[string]interface{}) []string {
	var out []string
	switch req := schema["required"].(type) {
	case []string:
		out = append(out, req...)
	case []interface{}:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}
