package tools

import (
	"context"
	"testing"
	"time"

	"github.com/samsaffron/toolstream/internal/config"
)

func TestMemoryCacheExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := c.Get(ctx, "k"); !ok || string(v) != "v" {
		t.Fatalf("get=%q %v", v, ok)
	}
	now = now.Add(time.Minute)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("entry should have expired")
	}
	if err := c.Set(ctx, "forever", []byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	now = now.Add(24 * time.Hour)
	if _, ok, _ := c.Get(ctx, "forever"); !ok {
		t.Fatal("entry without ttl expired")
	}
}

func TestNewCacheWithoutRedis(t *testing.T) {
	if _, ok := NewCache(context.Background(), config.RedisConfig{}).(*MemoryCache); !ok {
		t.Fatal("expected in-memory cache when redis is not configured")
	}
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(config.ToolsConfig{Enabled: BuiltinToolNames()}, NewMemoryCache())
	if err != nil {
		t.Fatal(err)
	}
	specs := reg.AllSpecs()
	if len(specs) != 3 {
		t.Fatalf("specs=%d, want 3", len(specs))
	}
	if _, err := NewRegistry(config.ToolsConfig{Enabled: []string{"shell"}}, nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}
