package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxIterations = 10
	DefaultRunTimeout    = 10 * time.Minute
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	MaxIterations   int
	RunTimeout      time.Duration // wall-clock limit per run; <0 disables
	Model           string
	ReasoningEffort string
	Verbosity       string
	Invoker         InvokerOptions
	Observer        RunObserver
	Logger          *slog.Logger
}

// RunObserver is notified about run progress. Used for metrics.
type RunObserver interface {
	RunStarted()
	IterationCompleted(toolCalls int)
	RunFinished(outcome string, elapsed time.Duration)
}

// TurnMetrics holds per-iteration numbers passed to TurnCompletedCallback.
type TurnMetrics struct {
	InputTokens  int
	OutputTokens int
	ToolCalls    int
}

// TurnCompletedCallback is called after each iteration with the messages it
// added to the conversation.
type TurnCompletedCallback func(ctx context.Context, runID string, iteration int, messages []Message, metrics TurnMetrics) error

// RunRequest is the input to one orchestration run.
type RunRequest struct {
	RunID           string // generated when empty
	Messages        []Message
	ToolNames       []string // subset of registered tools; empty means all
	Model           string
	ReasoningEffort string
	Verbosity       string
	MaxIterations   int
}

// RunResult is what a run produced.
type RunResult struct {
	RunID      string
	Text       string   // text of the latest iteration that produced any
	Citations  []string // deduplicated, in first-seen order
	Iterations int
	Usage      Usage
	Messages   []Message // full conversation including tool traffic
	// Warning is set when the run ended early but still completed with
	// done: a later-iteration provider failure or an exhausted budget.
	Warning error
}

// Engine runs the bounded tool-calling loop against a provider.
type Engine struct {
	provider Provider
	tools    *ToolRegistry
	opts     EngineOptions
	logger   *slog.Logger

	callbackMu sync.RWMutex
	onTurn     TurnCompletedCallback
}

func NewEngine(provider Provider, tools *ToolRegistry, opts EngineOptions) *Engine {
	if tools == nil {
		tools = NewToolRegistry()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.RunTimeout == 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{provider: provider, tools: tools, opts: opts, logger: logger}
}

func (e *Engine) Tools() *ToolRegistry {
	return e.tools
}

func (e *Engine) Provider() Provider {
	return e.provider
}

// SetTurnCompletedCallback sets a callback invoked after every iteration.
func (e *Engine) SetTurnCompletedCallback(cb TurnCompletedCallback) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.onTurn = cb
}

func (e *Engine) getCallback() TurnCompletedCallback {
	e.callbackMu.RLock()
	defer e.callbackMu.RUnlock()
	return e.onTurn
}

// run holds the state owned by a single Run call.
type run struct {
	id         string
	sink       Sink
	logger     *slog.Logger
	messages   []Message
	citations  *CitationSet
	result     *RunResult
	terminated bool
}

// Run drives the conversation until the model stops calling tools, the
// iteration budget runs out, or the provider fails. Exactly one terminal
// event (done or error) is emitted to sink, after which sink is closed.
// A non-nil error is only returned when the first provider request fails.
func (e *Engine) Run(ctx context.Context, req RunRequest, sink Sink) (*RunResult, error) {
	started := time.Now()
	r := &run{
		id:        req.RunID,
		sink:      sink,
		messages:  append([]Message(nil), req.Messages...),
		citations: NewCitationSet(),
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	r.logger = e.logger.With("run_id", r.id, "provider", e.provider.Name())
	r.result = &RunResult{RunID: r.id}
	ctx = ContextWithRunID(ctx, r.id)

	if e.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RunTimeout)
		defer cancel()
	}

	if e.opts.Observer != nil {
		e.opts.Observer.RunStarted()
	}
	outcome := "error"
	defer func() {
		if e.opts.Observer != nil {
			e.opts.Observer.RunFinished(outcome, time.Since(started))
		}
	}()

	tools := e.tools
	if len(req.ToolNames) > 0 {
		var missing []string
		tools, missing = e.tools.Subset(req.ToolNames)
		if len(missing) > 0 {
			r.logger.Warn("requested tools not registered", "tools", strings.Join(missing, ","))
		}
	}
	invoker := NewToolInvoker(tools, e.opts.Invoker)
	specs := tools.AllSpecs()

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = e.opts.MaxIterations
	}
	turnReq := Request{
		Model:             firstNonEmpty(req.Model, e.opts.Model),
		Tools:             specs,
		ToolChoice:        ToolChoice{Mode: ToolChoiceAuto},
		ParallelToolCalls: true,
		ReasoningEffort:   firstNonEmpty(req.ReasoningEffort, e.opts.ReasoningEffort),
		Verbosity:         firstNonEmpty(req.Verbosity, e.opts.Verbosity),
		SessionID:         r.id,
	}
	if len(specs) == 0 {
		turnReq.ToolChoice = ToolChoice{Mode: ToolChoiceNone}
	}
	callback := e.getCallback()

	for iteration := 1; iteration <= maxIterations; iteration++ {
		r.result.Iterations = iteration
		turnReq.Messages = r.messages

		turn, err := e.streamTurn(ctx, r, turnReq)
		if turn != nil {
			r.result.Usage.InputTokens += turn.usage.InputTokens
			r.result.Usage.OutputTokens += turn.usage.OutputTokens
			r.result.Usage.CachedInputTokens += turn.usage.CachedInputTokens
			if turn.text != "" {
				r.result.Text = turn.text
			}
		}
		if err != nil {
			perr := &ProviderRequestError{Iteration: iteration, Err: err}
			if iteration == 1 {
				r.logger.Error("provider request failed", "iteration", iteration, "err", err)
				r.fail(perr)
				return r.finalize(), perr
			}
			r.logger.Warn("provider request failed, finishing with partial result", "iteration", iteration, "err", err)
			r.result.Warning = perr
			outcome = "partial"
			r.done()
			return r.finalize(), nil
		}

		if len(turn.calls) == 0 {
			if turn.text != "" {
				final := AssistantText(turn.text)
				r.messages = append(r.messages, final)
				if callback != nil {
					_ = callback(ctx, r.id, iteration, []Message{final}, turn.metrics(0))
				}
			}
			if e.opts.Observer != nil {
				e.opts.Observer.IterationCompleted(0)
			}
			outcome = "ok"
			r.done()
			return r.finalize(), nil
		}

		assistant := buildAssistantMessage(turn.text, turn.calls)
		r.messages = append(r.messages, assistant)
		for _, call := range turn.calls {
			r.emit(EventToolCall, ToolCallPayload{ID: call.ID, Tool: call.Name, Args: eventArgs(call.Arguments), Preview: invoker.Preview(call)})
		}

		invocations := invoker.InvokeAll(ctx, turn.calls, r.messages, r.citations)
		turnMessages := []Message{assistant}
		for _, inv := range invocations {
			r.reportInvocation(inv)
			msg := inv.Message()
			r.messages = append(r.messages, msg)
			turnMessages = append(turnMessages, msg)
		}
		if callback != nil {
			_ = callback(ctx, r.id, iteration, turnMessages, turn.metrics(len(turn.calls)))
		}
		if e.opts.Observer != nil {
			e.opts.Observer.IterationCompleted(len(turn.calls))
		}
	}

	r.logger.Warn("iteration budget exhausted, finishing with partial result", "max_iterations", maxIterations)
	r.result.Warning = fmt.Errorf("%w after %d iterations", ErrIterationBudgetExhausted, maxIterations)
	outcome = "exhausted"
	r.done()
	return r.finalize(), nil
}

type turnResult struct {
	text  string
	calls []ToolCall
	usage Usage
}

func (t *turnResult) metrics(toolCalls int) TurnMetrics {
	return TurnMetrics{InputTokens: t.usage.InputTokens, OutputTokens: t.usage.OutputTokens, ToolCalls: toolCalls}
}

// streamTurn runs one provider request through a fresh decoder, forwarding
// text as it arrives. On error the partial turn is still returned.
func (e *Engine) streamTurn(ctx context.Context, r *run, req Request) (*turnResult, error) {
	stream, err := e.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	dec := NewStreamDecoder()
	for {
		event, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &turnResult{text: dec.Text()}, err
		}
		if retry, ok := event.(Retrying); ok {
			r.emit(EventStatus, StatusPayload{
				Message: fmt.Sprintf("Model busy, retrying in %s (attempt %d/%d)", retry.Wait.Round(time.Second), retry.Attempt+1, retry.MaxAttempts),
			})
			continue
		}
		if text := dec.Decode(event); text != "" {
			r.emit(EventContent, ContentPayload{Delta: text})
		}
	}
	if text := dec.Finish(); text != "" {
		r.emit(EventContent, ContentPayload{Delta: text})
	}
	if !dec.Completed() {
		r.logger.Debug("provider stream ended without completion event")
	}

	turn := &turnResult{
		text:  dec.Text(),
		calls: dedupeToolCalls(ensureToolCallIDs(dec.ToolCalls())),
	}
	if u := dec.Usage(); u != nil {
		turn.usage = *u
	}
	return turn, nil
}

func (r *run) reportInvocation(inv Invocation) {
	if inv.Substitution != nil {
		r.emit(EventStatus, StatusPayload{
			Message: fmt.Sprintf("%s was called without a usable %q; using %q", inv.Call.Name, inv.Substitution.Field, inv.Substitution.Value),
		})
	}
	if inv.Err != nil {
		r.logger.Warn("tool call failed", "tool", inv.Call.Name, "call_id", inv.Call.ID, "err", inv.Err)
		r.emit(EventToolError, ToolErrorPayload{ID: inv.Call.ID, Tool: inv.Call.Name, Error: inv.Err.Error()})
		return
	}
	r.logger.Debug("tool call finished", "tool", inv.Call.Name, "call_id", inv.Call.ID, "elapsed", inv.Elapsed, "citations", len(inv.Output.Citations))
	r.emit(EventToolResult, ToolResultPayload{ID: inv.Call.ID, Tool: inv.Call.Name, Result: inv.Output.Content})
}

// emit writes a non-terminal event. Write failures mean the client went
// away; the run keeps going so its result can still be returned.
func (r *run) emit(name string, payload any) {
	if r.terminated {
		return
	}
	if err := r.sink.Emit(name, payload); err != nil {
		r.logger.Debug("event dropped", "event", name, "err", err)
	}
}

func (r *run) done() {
	r.terminate(EventDone, DonePayload{Citations: r.citations.List(), RunID: r.id})
}

func (r *run) fail(err error) {
	r.terminate(EventError, ErrorPayload{Message: err.Error()})
}

func (r *run) terminate(name string, payload any) {
	if r.terminated {
		return
	}
	r.emit(name, payload)
	r.terminated = true
	if err := r.sink.Close(); err != nil {
		r.logger.Debug("closing event sink", "err", err)
	}
}

func (r *run) finalize() *RunResult {
	r.result.Citations = r.citations.List()
	r.result.Messages = r.messages
	return r.result
}

// ensureToolCallIDs assigns ids to calls the provider left anonymous.
func ensureToolCallIDs(calls []ToolCall) []ToolCall {
	for i := range calls {
		if strings.TrimSpace(calls[i].ID) == "" {
			calls[i].ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
	}
	return calls
}

// dedupeToolCalls drops repeated call ids, keeping the first occurrence.
func dedupeToolCalls(calls []ToolCall) []ToolCall {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]struct{}, len(calls))
	out := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		if _, ok := seen[call.ID]; ok {
			continue
		}
		seen[call.ID] = struct{}{}
		out = append(out, call)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
