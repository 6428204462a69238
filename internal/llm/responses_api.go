package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var defaultHTTPClient = &http.Client{Timeout: 10 * time.Minute}

// ResponsesClient makes raw HTTP calls to Open Responses-compliant endpoints.
// See https://www.openresponses.org/specification
type ResponsesClient struct {
	BaseURL       string            // Full URL for responses endpoint (e.g., "https://api.openai.com/v1/responses")
	GetAuthHeader func() string     // Dynamic auth (allows token refresh)
	ExtraHeaders  map[string]string // Provider-specific headers
	HTTPClient    *http.Client
}

// ResponsesRequest follows the Open Responses spec
type ResponsesRequest struct {
	Model             string               `json:"model"`
	Input             []ResponsesInputItem `json:"input"`
	Tools             []any                `json:"tools,omitempty"`
	ToolChoice        any                  `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool                `json:"parallel_tool_calls,omitempty"`
	MaxOutputTokens   int                  `json:"max_output_tokens,omitempty"`
	Reasoning         *ResponsesReasoning  `json:"reasoning,omitempty"`
	Text              *ResponsesText       `json:"text,omitempty"`
	PromptCacheKey    string               `json:"prompt_cache_key,omitempty"`
	Store             *bool                `json:"store,omitempty"`
	Stream            bool                 `json:"stream"`
}

// ResponsesInputItem represents an input item in the Open Responses format
type ResponsesInputItem struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	// For function_call type
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	// For function_call_output type
	Output string `json:"output,omitempty"`
}

// ResponsesTool represents a tool definition in Open Responses format
type ResponsesTool struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
	Strict      bool                   `json:"strict,omitempty"`
}

// ResponsesReasoning configures reasoning effort for models that support it
type ResponsesReasoning struct {
	Effort string `json:"effort,omitempty"` // "low", "medium", "high"
}

// ResponsesText configures output text options.
type ResponsesText struct {
	Verbosity string `json:"verbosity,omitempty"`
}

type responsesOutputItem struct {
	Type      string                   `json:"type"` // "message", "function_call", "reasoning"
	ID        string                   `json:"id,omitempty"`
	Content   []responsesOutputContent `json:"content,omitempty"`
	CallID    string                   `json:"call_id,omitempty"`
	Name      string                   `json:"name,omitempty"`
	Arguments string                   `json:"arguments,omitempty"`
}

type responsesOutputContent struct {
	Type    string `json:"type"` // "output_text" or "refusal"
	Text    string `json:"text,omitempty"`
	Refusal string `json:"refusal,omitempty"`
}

type responsesUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	InputTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

type responsesError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BuildResponsesInput converts []Message to Open Responses input format
func BuildResponsesInput(messages []Message) []ResponsesInputItem {
	var inputItems []ResponsesInputItem

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			// Use developer role for system messages in Responses API
			inputItems = append(inputItems, buildResponsesMessageItems("developer", msg.Parts)...)
		case RoleUser:
			inputItems = append(inputItems, buildResponsesMessageItems("user", msg.Parts)...)
		case RoleAssistant:
			inputItems = append(inputItems, buildResponsesMessageItems("assistant", msg.Parts)...)
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				callID := strings.TrimSpace(part.ToolResult.ID)
				if callID == "" {
					continue
				}
				inputItems = append(inputItems, ResponsesInputItem{
					Type:   "function_call_output",
					CallID: callID,
					Output: part.ToolResult.Content,
				})
			}
		}
	}

	return inputItems
}

// buildResponsesMessageItems keeps text and function calls in their
// original order, merging adjacent text parts into one message item.
func buildResponsesMessageItems(role string, parts []Part) []ResponsesInputItem {
	var items []ResponsesInputItem
	var textBuf strings.Builder

	flushText := func() {
		if textBuf.Len() == 0 {
			return
		}
		items = append(items, ResponsesInputItem{
			Type:    "message",
			Role:    role,
			Content: textBuf.String(),
		})
		textBuf.Reset()
	}

	for _, part := range parts {
		switch part.Type {
		case PartText:
			textBuf.WriteString(part.Text)
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			flushText()
			callID := strings.TrimSpace(part.ToolCall.ID)
			if callID == "" {
				continue
			}
			args := strings.TrimSpace(string(part.ToolCall.Arguments))
			if args == "" {
				args = "{}"
			}
			items = append(items, ResponsesInputItem{
				Type:      "function_call",
				CallID:    callID,
				Name:      part.ToolCall.Name,
				Arguments: args,
			})
		}
	}

	flushText()
	return items
}

// BuildResponsesTools converts []ToolSpec to Open Responses format with schema normalization
func BuildResponsesTools(specs []ToolSpec) []any {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]any, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, ResponsesTool{
			Type:        "function",
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  normalizeSchemaForOpenAI(spec.Schema),
			Strict:      true,
		})
	}
	return tools
}

// BuildResponsesToolChoice converts ToolChoice to Open Responses format
func BuildResponsesToolChoice(choice ToolChoice) interface{} {
	switch choice.Mode {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceRequired:
		return "required"
	case ToolChoiceAuto:
		return "auto"
	case ToolChoiceName:
		return map[string]interface{}{
			"type": "function",
			"name": choice.Name,
		}
	default:
		return nil
	}
}

// Stream makes a streaming request to the Responses API. Each SSE event is
// translated into a ProviderEvent; tool call accumulation is left to the
// StreamDecoder.
func (c *ResponsesClient) Stream(ctx context.Context, req ResponsesRequest) (Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.GetAuthHeader != nil {
		httpReq.Header.Set("Authorization", c.GetAuthHeader())
	}
	for key, value := range c.ExtraHeaders {
		httpReq.Header.Set(key, value)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Responses API request failed: %w", err)
	}

	// Check for error responses synchronously so retry logic can handle them
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("Responses API authentication failed (status %d): token may be invalid or expired", resp.StatusCode)
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return nil, fmt.Errorf("Responses API error (status %d, retry-after %s): %s", resp.StatusCode, ra, strings.TrimSpace(string(respBody)))
		}
		return nil, fmt.Errorf("Responses API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return newEventStream(ctx, func(ctx context.Context, events chan<- ProviderEvent) error {
		defer resp.Body.Close()
		return readResponsesSSE(ctx, resp.Body, events)
	}), nil
}

// readResponsesSSE parses an Open Responses event stream.
func readResponsesSSE(ctx context.Context, body io.Reader, events chan<- ProviderEvent) error {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	var lastEventType string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			lastEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		event, err := parseResponsesEvent(lastEventType, []byte(data))
		lastEventType = ""
		if err != nil {
			return err
		}
		if event == nil {
			continue
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("Responses API streaming error: %w", err)
	}
	return nil
}

// parseResponsesEvent maps one SSE payload to a ProviderEvent. The event
// name comes from the "event:" line when present, else from the payload's
// type field.
func parseResponsesEvent(eventType string, data []byte) (ProviderEvent, error) {
	var envelope struct {
		Type        string              `json:"type"`
		Delta       string              `json:"delta"`
		ItemID      string              `json:"item_id"`
		Name        string              `json:"name"`
		Arguments   string              `json:"arguments"`
		Item        responsesOutputItem `json:"item"`
		OutputIndex int                 `json:"output_index"`
		Response    struct {
			ID    string          `json:"id"`
			Usage *responsesUsage `json:"usage,omitempty"`
			Error *responsesError `json:"error,omitempty"`
		} `json:"response"`
		Error   *responsesError `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Ignored{Type: eventType}, nil
	}
	if eventType == "" {
		eventType = envelope.Type
	}

	switch eventType {
	case "response.output_text.delta":
		if envelope.Delta == "" {
			return nil, nil
		}
		return TextDelta{Text: envelope.Delta}, nil

	case "response.output_item.added":
		item := envelope.Item
		return ItemAdded{Kind: OutputItemKind(item.Type), ItemID: item.ID, CallID: item.CallID, Name: item.Name}, nil

	case "response.function_call_arguments.delta":
		return ArgumentsDelta{ItemID: envelope.ItemID, Delta: envelope.Delta}, nil

	case "response.function_call_arguments.done":
		return ArgumentsDone{ItemID: envelope.ItemID, Name: envelope.Name, Arguments: envelope.Arguments}, nil

	case "response.output_item.done":
		item := envelope.Item
		out := OutputItem{
			Kind:      OutputItemKind(item.Type),
			ItemID:    item.ID,
			CallID:    item.CallID,
			Name:      item.Name,
			Arguments: item.Arguments,
		}
		for _, content := range item.Content {
			switch content.Type {
			case "output_text":
				out.Text = append(out.Text, content.Text)
			case "refusal":
				out.Refusal = append(out.Refusal, content.Refusal)
			}
		}
		return OutputItemDone{Item: out}, nil

	case "response.completed":
		done := Completed{ResponseID: envelope.Response.ID}
		if u := envelope.Response.Usage; u != nil {
			done.Usage = &Usage{
				InputTokens:       u.InputTokens,
				OutputTokens:      u.OutputTokens,
				CachedInputTokens: u.InputTokensDetails.CachedTokens,
			}
		}
		return done, nil

	case "response.failed", "response.incomplete", "error":
		apiErr := envelope.Error
		if apiErr == nil {
			apiErr = envelope.Response.Error
		}
		if apiErr != nil && apiErr.Message != "" {
			return nil, fmt.Errorf("Responses API error: %s", apiErr.Message)
		}
		if envelope.Message != "" {
			return nil, fmt.Errorf("Responses API error: %s", envelope.Message)
		}
		return nil, fmt.Errorf("Responses API error: %s", eventType)
	}

	return Ignored{Type: eventType}, nil
}
