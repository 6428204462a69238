package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/samsaffron/toolstream/internal/config"
	"github.com/samsaffron/toolstream/internal/llm"
	"github.com/samsaffron/toolstream/internal/mcp"
	"github.com/samsaffron/toolstream/internal/metrics"
	"github.com/samsaffron/toolstream/internal/store"
	"github.com/samsaffron/toolstream/internal/tools"
)

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := setupLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyProviderOverrides(cfg *config.Config, providerFlag string) error {
	if providerFlag == "" {
		return nil
	}
	provider, model, err := llm.ParseProviderModel(providerFlag)
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(provider, model)
	return nil
}

// runtime is everything a run needs, assembled once per process.
type runtime struct {
	cfg      *config.Config
	provider llm.Provider
	engine   *llm.Engine
	store    store.Store
	metrics  *metrics.Metrics
	mcp      *mcp.Manager
	cache    tools.Cache

	// The engine has a single turn callback; it is fanned out to the
	// recorder of whichever run reported the turn.
	recorders sync.Map // run id -> *store.Recorder
}

func newRuntime(ctx context.Context, cfg *config.Config, provider llm.Provider) (*runtime, error) {
	policy, err := llm.ParseFallbackPolicy(cfg.Validation.FallbackPolicy)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, provider: provider, metrics: metrics.New()}
	rt.cache = tools.NewCache(ctx, cfg.Redis)

	registry, err := tools.NewRegistry(cfg.Tools, rt.cache)
	if err != nil {
		rt.Close()
		return nil, err
	}

	if len(cfg.MCP) > 0 {
		rt.mcp = mcp.NewManager(mcp.ServersFromConfig(cfg.MCP))
		if err := rt.mcp.EnableAll(ctx); err != nil {
			// Servers that did start still contribute their tools.
			slog.Warn("some mcp servers failed to start", "err", err)
		}
		if n := mcp.RegisterMCPTools(rt.mcp, registry); n > 0 {
			slog.Info("registered mcp tools", "count", n)
		}
	}

	rt.store, err = store.New(cfg)
	if err != nil {
		slog.Warn("run store unavailable, runs will not be recorded", "err", err)
		rt.store = store.NoopStore{}
	}

	rt.engine = llm.NewEngine(provider, registry, llm.EngineOptions{
		MaxIterations:   cfg.Engine.MaxIterations,
		RunTimeout:      cfg.Engine.RunTimeout,
		ReasoningEffort: cfg.Engine.ReasoningEffort,
		Verbosity:       cfg.Engine.Verbosity,
		Observer:        rt.metrics,
		Invoker: llm.InvokerOptions{
			FallbackPolicy: policy,
			MaxParallel:    cfg.Engine.MaxParallel,
			MaxOutputChars: cfg.Engine.MaxOutputChars,
			OnToolDone:     rt.metrics.ToolDone,
		},
	})
	rt.engine.SetTurnCompletedCallback(rt.onTurn)
	return rt, nil
}

func (rt *runtime) onTurn(ctx context.Context, runID string, iteration int, messages []llm.Message, m llm.TurnMetrics) error {
	rec, ok := rt.recorders.Load(runID)
	if !ok {
		return nil
	}
	return rec.(*store.Recorder).OnTurn(ctx, runID, iteration, messages, m)
}

// execute runs one request, recording it when the store is enabled. The
// system instructions from config are prepended to messages.
func (rt *runtime) execute(ctx context.Context, req llm.RunRequest, sink llm.Sink) (*llm.RunResult, error) {
	if req.RunID == "" {
		req.RunID = newRunID()
	}
	if rt.cfg.Engine.Instructions != "" {
		req.Messages = append([]llm.Message{llm.SystemText(rt.cfg.Engine.Instructions)}, req.Messages...)
	}

	rec, err := store.NewRecorder(ctx, rt.store, &store.Run{
		ID:       req.RunID,
		Provider: rt.cfg.Provider,
		Model:    firstNonEmpty(req.Model, rt.modelName()),
		Question: store.QuestionFrom(req.Messages),
	})
	if err != nil {
		slog.Warn("failed to record run", "run_id", req.RunID, "err", err)
		return rt.engine.Run(ctx, req, sink)
	}
	rt.recorders.Store(req.RunID, rec)
	defer rt.recorders.Delete(req.RunID)

	result, runErr := rt.engine.Run(ctx, req, rec.Sink(sink))
	rec.Finish(result, runErr)
	return result, runErr
}

func (rt *runtime) modelName() string {
	if pc := rt.cfg.ProviderSettings(rt.cfg.Provider); pc != nil {
		return pc.Model
	}
	return ""
}

func (rt *runtime) Close() {
	if rt.mcp != nil {
		rt.mcp.StopAll()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			slog.Warn("closing run store", "err", err)
		}
	}
	if c, ok := rt.cache.(io.Closer); ok {
		_ = c.Close()
	}
}

func newRunID() string {
	return uuid.NewString()
}
