package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{
		Provider:  "anthropic",
		Anthropic: ProviderConfig{Model: "claude-sonnet-4-5"},
		OpenAI:    ProviderConfig{Model: "gpt-5.2"},
		Gemini:    ProviderConfig{Model: "gemini-3-flash-preview"},
	}

	cfg.ApplyOverrides("openai", "gpt-4o")
	if cfg.Provider != "openai" {
		t.Fatalf("provider=%q, want %q", cfg.Provider, "openai")
	}
	if cfg.OpenAI.Model != "gpt-4o" {
		t.Fatalf("openai model=%q, want %q", cfg.OpenAI.Model, "gpt-4o")
	}
	if cfg.Anthropic.Model != "claude-sonnet-4-5" {
		t.Fatalf("anthropic model changed unexpectedly: %q", cfg.Anthropic.Model)
	}

	cfg.ApplyOverrides("", "gemini-2.5-flash")
	if cfg.Provider != "openai" {
		t.Fatalf("provider changed unexpectedly: %q", cfg.Provider)
	}
	if cfg.OpenAI.Model != "gemini-2.5-flash" {
		t.Fatalf("openai model=%q, want %q", cfg.OpenAI.Model, "gemini-2.5-flash")
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider != "openai" {
		t.Fatalf("provider=%q, want openai", cfg.Provider)
	}
	if cfg.Engine.MaxIterations != 10 {
		t.Fatalf("max_iterations=%d, want 10", cfg.Engine.MaxIterations)
	}
	if cfg.Engine.RunTimeout != 10*time.Minute {
		t.Fatalf("run_timeout=%s, want 10m", cfg.Engine.RunTimeout)
	}
	if cfg.Validation.FallbackPolicy != "repair" {
		t.Fatalf("fallback_policy=%q, want repair", cfg.Validation.FallbackPolicy)
	}
	if len(cfg.Tools.Enabled) != 3 {
		t.Fatalf("enabled tools=%v, want 3 defaults", cfg.Tools.Enabled)
	}
}

func TestLoadFileOverridesAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_TOOLSTREAM_KEY", "secret-key")
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `provider: anthropic
anthropic:
  api_key: ${TEST_TOOLSTREAM_KEY}
engine:
  max_iterations: 4
  run_timeout: 90s
validation:
  fallback_policy: clarify
mcp:
  files:
    command: mcp-files
    args: ["--root", "/tmp"]
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Anthropic.APIKey != "secret-key" {
		t.Fatalf("api key=%q, want expanded env value", cfg.Anthropic.APIKey)
	}
	if cfg.Engine.MaxIterations != 4 || cfg.Engine.RunTimeout != 90*time.Second {
		t.Fatalf("engine=%+v", cfg.Engine)
	}
	if cfg.Validation.FallbackPolicy != "clarify" {
		t.Fatalf("fallback_policy=%q", cfg.Validation.FallbackPolicy)
	}
	if got := cfg.MCPServerNames(); len(got) != 1 || got[0] != "files" {
		t.Fatalf("mcp servers=%v", got)
	}
	if cfg.MCP["files"].Args[1] != "/tmp" {
		t.Fatalf("mcp args=%v", cfg.MCP["files"].Args)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown provider", Config{Provider: "nope"}},
		{"bad policy", Config{Provider: "openai", Validation: ValidationConfig{FallbackPolicy: "guess"}}},
		{"stdio without command", Config{Provider: "openai", MCP: map[string]MCPServerConfig{"x": {Type: "stdio"}}}},
		{"http without url", Config{Provider: "openai", MCP: map[string]MCPServerConfig{"x": {Type: "http"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestStorePathDefaultsToDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	cfg := &Config{}
	if got := cfg.StorePath(); got != filepath.Join("/data", "toolstream", "runs.db") {
		t.Fatalf("StorePath=%q", got)
	}
	cfg.Store.Path = "/tmp/x.db"
	if got := cfg.StorePath(); got != "/tmp/x.db" {
		t.Fatalf("StorePath=%q", got)
	}
}
