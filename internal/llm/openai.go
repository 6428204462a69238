package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider streams through the Responses API and uses the official
// SDK for everything else.
type OpenAIProvider struct {
	client          *openai.Client // Used for ListModels
	apiKey          string
	model           string
	effort          string // reasoning effort: "low", "medium", "high", or ""
	responsesClient *ResponsesClient
}

// parseModelEffort extracts effort suffix from model name.
// "gpt-5.2-high" -> ("gpt-5.2", "high")
// "gpt-5.2" -> ("gpt-5.2", "")
func parseModelEffort(model string) (string, string) {
	for _, effort := range []string{"medium", "high", "low"} {
		suffix := "-" + effort
		if strings.HasSuffix(model, suffix) {
			return strings.TrimSuffix(model, suffix), effort
		}
	}
	return model, ""
}

func NewOpenAIProvider(apiKey, model, baseURL string) *OpenAIProvider {
	actualModel, effort := parseModelEffort(model)
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	opts = append(opts, option.WithBaseURL(baseURL+"/"))
	client := openai.NewClient(opts...)
	return &OpenAIProvider{
		client: &client,
		apiKey: apiKey,
		model:  actualModel,
		effort: effort,
		responsesClient: &ResponsesClient{
			BaseURL:       baseURL + "/responses",
			GetAuthHeader: func() string { return "Bearer " + apiKey },
			HTTPClient:    defaultHTTPClient,
		},
	}
}

func (p *OpenAIProvider) Name() string {
	if p.effort != "" {
		return fmt.Sprintf("OpenAI (%s, effort=%s)", p.model, p.effort)
	}
	return fmt.Sprintf("OpenAI (%s)", p.model)
}

func (p *OpenAIProvider) Credential() string {
	return "api_key"
}

func (p *OpenAIProvider) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true}
}

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	var models []ModelInfo
	for _, m := range page.Data {
		models = append(models, ModelInfo{
			ID:      m.ID,
			Created: m.Created,
			OwnedBy: m.OwnedBy,
		})
	}
	return models, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	// Strip effort suffix from req.Model if present, use it if no provider-level effort set
	reqModel, reqEffort := parseModelEffort(req.Model)
	model := firstNonEmpty(reqModel, p.model)
	effort := firstNonEmpty(req.ReasoningEffort, p.effort, reqEffort)

	responsesReq := ResponsesRequest{
		Model:          model,
		Input:          BuildResponsesInput(req.Messages),
		Tools:          BuildResponsesTools(req.Tools),
		PromptCacheKey: req.SessionID,
		Store:          boolPtr(false),
		Stream:         true,
	}
	if len(responsesReq.Tools) > 0 {
		responsesReq.ToolChoice = BuildResponsesToolChoice(req.ToolChoice)
		if req.ParallelToolCalls {
			responsesReq.ParallelToolCalls = boolPtr(true)
		}
	}
	if req.MaxOutputTokens > 0 {
		responsesReq.MaxOutputTokens = req.MaxOutputTokens
	}
	if effort != "" {
		responsesReq.Reasoning = &ResponsesReasoning{Effort: effort}
	}
	if req.Verbosity != "" {
		responsesReq.Text = &ResponsesText{Verbosity: req.Verbosity}
	}

	return p.responsesClient.Stream(ctx, responsesReq)
}

// normalizeSchemaForOpenAI ensures schema meets OpenAI's strict requirements:
// - 'required' must include every key in properties
// - 'additionalProperties' must be false
// - unsupported 'format' values must be removed
func normalizeSchemaForOpenAI(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}
	return normalizeSchemaRecursive(deepCopyMap(schema))
}

// deepCopyMap creates a deep copy of a map[string]interface{}
func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

func normalizeSchemaRecursive(schema map[string]interface{}) map[string]interface{} {
	if format, ok := schema["format"].(string); ok {
		switch format {
		case "date-time", "date", "time", "email":
		default:
			delete(schema, "format")
		}
	}

	if props, ok := schema["properties"].(map[string]interface{}); ok && len(props) > 0 {
		for key, val := range props {
			if propSchema, ok := val.(map[string]interface{}); ok {
				props[key] = normalizeSchemaRecursive(propSchema)
			}
		}
		required := make([]string, 0, len(props))
		for key := range props {
			required = append(required, key)
		}
		schema["required"] = required
	}

	if items, ok := schema["items"].(map[string]interface{}); ok {
		schema["items"] = normalizeSchemaRecursive(items)
	}

	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := schema[key].([]interface{}); ok {
			for i, item := range arr {
				if itemSchema, ok := item.(map[string]interface{}); ok {
					arr[i] = normalizeSchemaRecursive(itemSchema)
				}
			}
		}
	}

	// Schema-valued additionalProperties is a free-form map and is kept.
	if schema["type"] == "object" || schema["properties"] != nil {
		if _, isSchemaMap := schema["additionalProperties"].(map[string]interface{}); !isSchemaMap {
			schema["additionalProperties"] = false
		}
	}

	return schema
}

func boolPtr(v bool) *bool {
	return &v
}
