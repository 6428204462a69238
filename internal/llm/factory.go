package llm

import (
	"fmt"
	"strings"

	"github.com/samsaffron/toolstream/internal/config"
)

// GetBuiltInProviderNames lists the provider names NewProvider understands.
func GetBuiltInProviderNames() []string {
	return []string{"anthropic", "openai", "gemini", "mock"}
}

// ParseProviderModel parses "provider:model" or just "provider" from a flag value.
// Model will be empty if not specified.
func ParseProviderModel(s string) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	provider := strings.TrimSpace(parts[0])
	if provider == "" {
		return "", "", fmt.Errorf("invalid provider format: %q", s)
	}
	model := ""
	if len(parts) == 2 {
		model = strings.TrimSpace(parts[1])
	}
	for _, name := range GetBuiltInProviderNames() {
		if provider == name {
			return provider, model, nil
		}
	}
	return "", "", fmt.Errorf("unknown provider: %s", provider)
}

// NewProvider creates the configured provider. Providers are wrapped with
// automatic retry for rate limits (429) and transient errors.
func NewProvider(cfg *config.Config) (Provider, error) {
	provider, err := newProviderInternal(cfg)
	if err != nil {
		return nil, err
	}
	return WrapWithRetry(provider, retryConfigFrom(cfg.Engine.Retry)), nil
}

func newProviderInternal(cfg *config.Config) (Provider, error) {
	settings := cfg.ProviderSettings(cfg.Provider)
	switch cfg.Provider {
	case "anthropic":
		if settings.APIKey == "" {
			return nil, fmt.Errorf("anthropic: no API key (set ANTHROPIC_API_KEY or anthropic.api_key)")
		}
		return NewAnthropicProvider(settings.APIKey, settings.Model), nil
	case "openai":
		if settings.APIKey == "" {
			return nil, fmt.Errorf("openai: no API key (set OPENAI_API_KEY or openai.api_key)")
		}
		return NewOpenAIProvider(settings.APIKey, settings.Model, settings.BaseURL), nil
	case "gemini":
		if settings.APIKey == "" {
			return nil, fmt.Errorf("gemini: no API key (set GEMINI_API_KEY or gemini.api_key)")
		}
		return NewGeminiProvider(settings.APIKey, settings.Model), nil
	case "mock":
		// Fixed reply, for running the server without credentials.
		return NewMockProvider("mock").WithDefaultText("This is a mock response."), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}

func retryConfigFrom(rc config.RetryConfig) RetryConfig {
	out := DefaultRetryConfig()
	if rc.MaxAttempts > 0 {
		out.MaxAttempts = rc.MaxAttempts
	}
	if rc.BaseBackoff > 0 {
		out.BaseBackoff = rc.BaseBackoff
	}
	if rc.MaxBackoff > 0 {
		out.MaxBackoff = rc.MaxBackoff
	}
	return out
}
