package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/samsaffron/toolstream/internal/config"
	"github.com/samsaffron/toolstream/internal/llm"
)

// ValidToolName reports whether name is a built-in tool.
func ValidToolName(name string) bool {
	switch name {
	case llm.WebSearchToolName, llm.ReadURLToolName, llm.CalculatorToolName:
		return true
	}
	return false
}

// BuiltinToolNames lists the built-in tools in registration order.
func BuiltinToolNames() []string {
	return []string{llm.WebSearchToolName, llm.ReadURLToolName, llm.CalculatorToolName}
}

// NewRegistry registers every enabled built-in tool. cache backs web search
// results and may be nil.
func NewRegistry(cfg config.ToolsConfig, cache Cache) (*llm.ToolRegistry, error) {
	reg := llm.NewToolRegistry()
	for _, name := range cfg.Enabled {
		if !ValidToolName(name) {
			return nil, NewToolErrorf(ErrInvalidParams, "unknown tool: %s", name)
		}
		switch name {
		case llm.WebSearchToolName:
			reg.Register(NewWebSearchTool(WebSearchOptions{
				Endpoint:   cfg.WebSearch.Endpoint,
				APIKey:     cfg.WebSearch.APIKey,
				MaxResults: cfg.WebSearch.MaxResults,
				CacheTTL:   cfg.WebSearch.CacheTTL,
				Cache:      cache,
			}))
		case llm.ReadURLToolName:
			reg.Register(NewReadURLTool(ReadURLOptions{
				Timeout:  cfg.ReadURL.Timeout,
				MaxBytes: cfg.ReadURL.MaxBytes,
			}))
		case llm.CalculatorToolName:
			reg.Register(NewCalculatorTool(cfg.Calculator.MaxExpressionLength))
		}
	}
	return reg, nil
}

// NewCache returns a Redis-backed cache when an address is configured and
// reachable, otherwise an in-memory one.
func NewCache(ctx context.Context, cfg config.RedisConfig) Cache {
	if cfg.Addr == "" {
		return NewMemoryCache()
	}
	rc := NewRedisCache(cfg.Addr, cfg.Password, cfg.DB)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		slog.Warn("redis unavailable, using in-memory search cache", "addr", cfg.Addr, "err", err)
		_ = rc.Close()
		return NewMemoryCache()
	}
	return rc
}
