package cmd

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/samsaffron/toolstream/internal/llm"
	"github.com/samsaffron/toolstream/internal/signal"
	"github.com/samsaffron/toolstream/internal/sse"
	"github.com/spf13/cobra"
)

var (
	serveAddr        string
	serveToken       string
	serveAllowNoAuth bool
	serveCORSOrigins []string
	serveProvider    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming HTTP server",
	Long: `Run an HTTP server that answers questions as server-sent events.

Endpoints:
  POST /v1/chat
  GET  /v1/tools
  GET  /v1/models
  GET  /v1/runs/{id}
  GET  /healthz
  GET  /metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token for API auth (overrides server.token)")
	serveCmd.Flags().BoolVar(&serveAllowNoAuth, "allow-no-auth", false, "Disable auth (only allowed on loopback hosts)")
	serveCmd.Flags().StringArrayVar(&serveCORSOrigins, "cors-origin", nil, "Allowed CORS origin (repeatable, or '*' for all)")
	AddProviderFlag(serveCmd, &serveProvider)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyProviderOverrides(cfg, serveProvider); err != nil {
		return err
	}

	addr := firstNonEmpty(serveAddr, cfg.Server.Addr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	token := strings.TrimSpace(firstNonEmpty(serveToken, cfg.Server.Token))
	requireAuth := !serveAllowNoAuth || token != ""
	if !requireAuth && !isLoopbackHost(host) {
		return fmt.Errorf("--allow-no-auth is only allowed on loopback hosts (got %q)", host)
	}
	generated := false
	if requireAuth && token == "" {
		if token, err = generateServeToken(); err != nil {
			return fmt.Errorf("generate auth token: %w", err)
		}
		generated = true
	}

	provider, err := llm.NewProvider(cfg)
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, provider)
	if err != nil {
		return err
	}
	defer rt.Close()

	origins := append([]string(nil), cfg.Server.CORSOrigins...)
	origins = append(origins, serveCORSOrigins...)
	s := newServeServer(rt, serveServerConfig{
		addr:        addr,
		requireAuth: requireAuth,
		token:       token,
		corsOrigins: origins,
		heartbeat:   cfg.Server.HeartbeatInterval,
		maxBody:     cfg.Server.MaxBodyBytes,
	})
	if err := s.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "toolstream serve listening on http://%s\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "auth: %s\n", authSummary(requireAuth))
	if generated {
		fmt.Fprintf(cmd.ErrOrStderr(), "token: %s\n", token)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "provider: %s\n", provider.Name())
	fmt.Fprintf(cmd.ErrOrStderr(), "tools: %s\n", strings.Join(toolNames(rt.engine.Tools()), ", "))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Stop(shutdownCtx)
}

func authSummary(required bool) string {
	if required {
		return "bearer required"
	}
	return "disabled"
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func generateServeToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func toolNames(reg *llm.ToolRegistry) []string {
	specs := reg.AllSpecs()
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	return names
}

type serveServerConfig struct {
	addr        string
	requireAuth bool
	token       string
	corsOrigins []string
	heartbeat   time.Duration
	maxBody     int64
}

type serveServer struct {
	cfg    serveServerConfig
	rt     *runtime
	server *http.Server
}

func newServeServer(rt *runtime, cfg serveServerConfig) *serveServer {
	if cfg.heartbeat <= 0 {
		cfg.heartbeat = sse.DefaultHeartbeatInterval
	}
	if cfg.maxBody <= 0 {
		cfg.maxBody = 1 << 20
	}
	return &serveServer{cfg: cfg, rt: rt}
}

func (s *serveServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.rt.metrics.Handler())
	mux.HandleFunc("/v1/chat", s.auth(s.cors(s.handleChat)))
	mux.HandleFunc("/v1/tools", s.auth(s.cors(s.handleTools)))
	mux.HandleFunc("/v1/models", s.auth(s.cors(s.handleModels)))
	mux.HandleFunc("/v1/runs/{id}", s.auth(s.cors(s.handleRun)))
	return mux
}

func (s *serveServer) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

func (s *serveServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *serveServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeAPIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	resp := map[string]any{
		"status":   "ok",
		"provider": s.rt.provider.Name(),
		"tools":    s.rt.engine.Tools().Len(),
	}
	if s.rt.mcp != nil {
		resp["mcp"] = s.rt.mcp.States()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *serveServer) auth(next http.HandlerFunc) http.HandlerFunc {
	if !s.cfg.requireAuth {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) {
			writeAPIError(w, http.StatusUnauthorized, "invalid_api_key", "invalid authentication credentials")
			return
		}
		gotToken := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
		if subtle.ConstantTimeCompare([]byte(gotToken), []byte(s.cfg.token)) != 1 {
			writeAPIError(w, http.StatusUnauthorized, "invalid_api_key", "invalid authentication credentials")
			return
		}
		next(w, r)
	}
}

func (s *serveServer) cors(next http.HandlerFunc) http.HandlerFunc {
	allowed := make(map[string]struct{}, len(s.cfg.corsOrigins))
	allowAll := false
	for _, origin := range s.cfg.corsOrigins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[o] = struct{}{}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages        []chatMessage `json:"messages"`
	Tools           []string      `json:"tools,omitempty"`
	Model           string        `json:"model,omitempty"`
	MaxIterations   int           `json:"max_iterations,omitempty"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
	Verbosity       string        `json:"verbosity,omitempty"`
}

// handleChat streams one orchestration run. Request problems are reported
// as JSON errors; once the stream is open every failure arrives as an
// error event.
func (s *serveServer) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeAPIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	if err := requireJSONContentType(r); err != nil {
		writeAPIError(w, http.StatusUnsupportedMediaType, "invalid_request_error", err.Error())
		return
	}
	var req chatRequest
	if err := decodeJSONBody(w, r, &req, s.cfg.maxBody); err != nil {
		if tooLarge := new(http.MaxBytesError); errors.As(err, &tooLarge) {
			writeAPIError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return
	}
	runReq, err := s.buildRunRequest(req)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	emitter, err := sse.NewEmitter(w)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	s.rt.metrics.StreamOpened()

	ctx := r.Context()
	unwatch := emitter.WatchContext(ctx)
	defer unwatch()
	hb := sse.StartHeartbeat(ctx, emitter, s.cfg.heartbeat)
	defer hb.Stop()

	result, err := s.rt.execute(ctx, runReq, emitter)
	if err != nil {
		slog.Warn("run failed", "run_id", runReq.RunID, "err", err)
		return
	}
	attrs := []any{"run_id", result.RunID, "iterations", result.Iterations, "citations", len(result.Citations)}
	if result.Warning != nil {
		attrs = append(attrs, "warning", result.Warning)
	}
	if emitter.Closed() && !emitter.Terminated() {
		attrs = append(attrs, "client_gone", true)
	}
	slog.Info("run finished", attrs...)
}

func (s *serveServer) buildRunRequest(req chatRequest) (llm.RunRequest, error) {
	if len(req.Messages) == 0 {
		return llm.RunRequest{}, errors.New("messages must not be empty")
	}
	msgs, err := parseChatMessages(req.Messages)
	if err != nil {
		return llm.RunRequest{}, err
	}
	if len(req.Tools) > 0 {
		if _, missing := s.rt.engine.Tools().Subset(req.Tools); len(missing) > 0 {
			return llm.RunRequest{}, fmt.Errorf("unknown tools: %s", strings.Join(missing, ", "))
		}
	}
	if req.MaxIterations < 0 {
		return llm.RunRequest{}, errors.New("max_iterations must not be negative")
	}
	return llm.RunRequest{
		RunID:           newRunID(),
		Messages:        msgs,
		ToolNames:       req.Tools,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
		Verbosity:       req.Verbosity,
		MaxIterations:   req.MaxIterations,
	}, nil
}

func parseChatMessages(msgs []chatMessage) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(msgs))
	hasUser := false
	for i, msg := range msgs {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "system", "developer":
			out = append(out, llm.SystemText(msg.Content))
		case "user":
			hasUser = true
			out = append(out, llm.UserText(msg.Content))
		case "assistant":
			out = append(out, llm.AssistantText(msg.Content))
		default:
			return nil, fmt.Errorf("messages[%d]: unsupported role %q", i, msg.Role)
		}
	}
	if !hasUser {
		return nil, errors.New("at least one user message is required")
	}
	return out, nil
}

type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"parameters"`
}

func (s *serveServer) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeAPIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	specs := s.rt.engine.Tools().AllSpecs()
	data := make([]toolInfo, 0, len(specs))
	for _, spec := range specs {
		data = append(data, toolInfo{Name: spec.Name, Description: spec.Description, Schema: spec.Schema})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *serveServer) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeAPIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	lister, ok := s.rt.provider.(llm.ModelLister)
	if !ok {
		writeAPIError(w, http.StatusNotImplemented, "invalid_request_error", "provider does not support listing models")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	models, err := lister.ListModels(ctx)
	if err != nil {
		writeAPIError(w, http.StatusBadGateway, "server_error", err.Error())
		return
	}
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"id":       m.ID,
			"object":   "model",
			"created":  m.Created,
			"owned_by": m.OwnedBy,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *serveServer) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeAPIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	id := r.PathValue("id")
	ctx := r.Context()
	run, err := s.rt.store.GetRun(ctx, id)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if run == nil {
		writeAPIError(w, http.StatusNotFound, "not_found_error", fmt.Sprintf("run %q not found", id))
		return
	}
	events, err := s.rt.store.Events(ctx, id)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	messages, err := s.rt.store.Messages(ctx, id)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":      run,
		"events":   events,
		"messages": messages,
	})
}

func writeAPIError(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, limit int64) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func requireJSONContentType(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if strings.TrimSpace(contentType) == "" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("invalid Content-Type header")
	}
	if mediaType != "application/json" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}
