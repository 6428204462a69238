package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Provider   string                     `mapstructure:"provider"`
	Anthropic  ProviderConfig             `mapstructure:"anthropic"`
	OpenAI     ProviderConfig             `mapstructure:"openai"`
	Gemini     ProviderConfig             `mapstructure:"gemini"`
	Engine     EngineConfig               `mapstructure:"engine"`
	Validation ValidationConfig           `mapstructure:"validation"`
	Tools      ToolsConfig                `mapstructure:"tools"`
	MCP        map[string]MCPServerConfig `mapstructure:"mcp"`
	Server     ServerConfig               `mapstructure:"server"`
	Store      StoreConfig                `mapstructure:"store"`
	Redis      RedisConfig                `mapstructure:"redis"`
	Log        LogConfig                  `mapstructure:"log"`
}

// ProviderConfig is shared by all hosted providers.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"` // openai only
}

type EngineConfig struct {
	MaxIterations   int           `mapstructure:"max_iterations"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
	MaxParallel     int           `mapstructure:"max_parallel_tools"`
	MaxOutputChars  int           `mapstructure:"max_output_chars"`
	ReasoningEffort string        `mapstructure:"reasoning_effort"`
	Verbosity       string        `mapstructure:"verbosity"`
	Instructions    string        `mapstructure:"instructions"` // system prompt prepended to every run
	Retry           RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

type ValidationConfig struct {
	FallbackPolicy string `mapstructure:"fallback_policy"` // repair or clarify
}

type ToolsConfig struct {
	Enabled    []string         `mapstructure:"enabled"`
	WebSearch  WebSearchConfig  `mapstructure:"web_search"`
	ReadURL    ReadURLConfig    `mapstructure:"read_url"`
	Calculator CalculatorConfig `mapstructure:"calculator"`
}

type WebSearchConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	APIKey     string        `mapstructure:"api_key"`
	MaxResults int           `mapstructure:"max_results"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type ReadURLConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxBytes int64         `mapstructure:"max_bytes"`
}

type CalculatorConfig struct {
	MaxExpressionLength int `mapstructure:"max_expression_length"`
}

// MCPServerConfig describes one MCP server whose tools are exposed to runs.
type MCPServerConfig struct {
	Type    string            `mapstructure:"type"` // stdio or http
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	Token             string        `mapstructure:"token"` // bearer token; empty disables auth
	CORSOrigins       []string      `mapstructure:"cors_origins"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
}

type StoreConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxAgeDays int    `mapstructure:"max_age_days"` // delete runs older than this (0=never)
	MaxRuns    int    `mapstructure:"max_runs"`     // keep at most this many runs (0=unlimited)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"` // empty uses an in-process cache
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// Load reads config.yaml from the config directory or the working
// directory. A missing file is not an error.
func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}
	return load(configPath, ".")
}

// LoadFile reads the config from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return decode(v)
}

func load(paths ...string) (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TOOLSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("provider", "openai")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("openai.model", "gpt-5.2")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("gemini.model", "gemini-3-flash-preview")
	v.SetDefault("engine.max_iterations", 10)
	v.SetDefault("engine.run_timeout", 10*time.Minute)
	v.SetDefault("engine.max_parallel_tools", 4)
	v.SetDefault("engine.max_output_chars", 50000)
	v.SetDefault("engine.retry.max_attempts", 3)
	v.SetDefault("engine.retry.base_backoff", time.Second)
	v.SetDefault("engine.retry.max_backoff", 20*time.Second)
	v.SetDefault("validation.fallback_policy", "repair")
	v.SetDefault("tools.enabled", []string{"web_search", "read_url", "calculator"})
	v.SetDefault("tools.web_search.endpoint", "https://api.search.brave.com/res/v1/web/search")
	v.SetDefault("tools.web_search.max_results", 5)
	v.SetDefault("tools.web_search.cache_ttl", 15*time.Minute)
	v.SetDefault("tools.web_search.timeout", 15*time.Second)
	v.SetDefault("tools.read_url.timeout", 20*time.Second)
	v.SetDefault("tools.read_url.max_bytes", 2<<20)
	v.SetDefault("tools.calculator.max_expression_length", 512)
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.heartbeat_interval", 15*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("store.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.resolveCredentials()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolveCredentials() {
	c.Anthropic.APIKey = resolveKey(c.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	c.OpenAI.APIKey = resolveKey(c.OpenAI.APIKey, "OPENAI_API_KEY")
	c.Gemini.APIKey = resolveKey(c.Gemini.APIKey, "GEMINI_API_KEY")
	c.Tools.WebSearch.APIKey = resolveKey(c.Tools.WebSearch.APIKey, "BRAVE_API_KEY")
	c.Server.Token = expandEnv(c.Server.Token)
	c.Redis.Password = expandEnv(c.Redis.Password)
	for name, srv := range c.MCP {
		for k, val := range srv.Env {
			srv.Env[k] = expandEnv(val)
		}
		for k, val := range srv.Headers {
			srv.Headers[k] = expandEnv(val)
		}
		c.MCP[name] = srv
	}
}

// resolveKey expands an env reference in the configured value and falls
// back to the conventional environment variable.
func resolveKey(value, envVar string) string {
	value = expandEnv(value)
	if value == "" {
		value = os.Getenv(envVar)
	}
	return value
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	switch c.Provider {
	case "anthropic", "openai", "gemini", "mock":
	default:
		return fmt.Errorf("unknown provider: %q", c.Provider)
	}
	switch c.Validation.FallbackPolicy {
	case "", "repair", "clarify":
	default:
		return fmt.Errorf("validation.fallback_policy must be repair or clarify, got %q", c.Validation.FallbackPolicy)
	}
	if c.Engine.MaxIterations < 0 {
		return fmt.Errorf("engine.max_iterations must not be negative")
	}
	for name, srv := range c.MCP {
		switch srv.Type {
		case "", "stdio":
			if srv.Command == "" {
				return fmt.Errorf("mcp server %q: command is required", name)
			}
		case "http":
			if srv.URL == "" {
				return fmt.Errorf("mcp server %q: url is required", name)
			}
		default:
			return fmt.Errorf("mcp server %q: unknown type %q", name, srv.Type)
		}
	}
	return nil
}

// ApplyOverrides applies command line provider and model overrides.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.Provider = provider
	}
	if model == "" {
		return
	}
	if pc := c.ProviderSettings(c.Provider); pc != nil {
		pc.Model = model
	}
}

// ProviderSettings returns the settings block for a provider name, or nil.
func (c *Config) ProviderSettings(name string) *ProviderConfig {
	switch name {
	case "anthropic":
		return &c.Anthropic
	case "openai":
		return &c.OpenAI
	case "gemini":
		return &c.Gemini
	}
	return nil
}

// MCPServerNames returns configured MCP server names in sorted order.
func (c *Config) MCPServerNames() []string {
	names := make([]string, 0, len(c.MCP))
	for name := range c.MCP {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		varName := s[2 : len(s)-1]
		return os.Getenv(varName)
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns $XDG_CONFIG_HOME/toolstream or ~/.config/toolstream.
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "toolstream"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "toolstream"), nil
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// GetDataDir returns the XDG data directory used for the run store.
func GetDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "toolstream")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".toolstream")
	}
	return filepath.Join(homeDir, ".local", "share", "toolstream")
}

// StorePath returns the configured store path or the default under the
// data directory.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(GetDataDir(), "runs.db")
}
