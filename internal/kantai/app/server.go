package app

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/kantai/common/trace"
	"github.com/bdobrica/kantai/common/version"
	"github.com/bdobrica/kantai/internal/kantai/errdefs"
	"github.com/bdobrica/kantai/internal/kantai/fleet"
	"github.com/bdobrica/kantai/internal/kantai/metrics"
	"github.com/bdobrica/kantai/internal/kantai/store"
)

const (
	maxBodyBytes   = 1 << 20
	actorHeader    = "X-Kantai-Actor"
	traceHeader    = "X-Trace-ID"
	defaultActor   = "api"
	requestTimeout = 2 * time.Minute
)

//go:embed create_agent.schema.json
var createAgentSchemaJSON string

var createAgentSchema = jsonschema.MustCompileString("create_agent.schema.json", createAgentSchemaJSON)

// statusProvider is the part of the registry /status needs.
type statusProvider interface {
	AgentCount(ctx context.Context) (int, error)
}

// Deps are the services behind the HTTP API.
type Deps struct {
	Fleet        *fleet.Service
	MetricsStore *metrics.Store
	Metrics      *metrics.Metrics
	Status       statusProvider
}

// Server serves /health, /status, /metrics and the /api/v1 fleet API.
type Server struct {
	addr      string
	deps      Deps
	startedAt time.Time
	router    chi.Router
	server    *http.Server
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	version.Build

	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	UptimeSecs float64   `json:"uptime_seconds"`
	AgentCount int       `json:"agent_count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the router. It does not listen until Start.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{addr: addr, deps: deps, startedAt: time.Now()}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(traceMiddleware)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Timeout(requestTimeout))

		r.Get("/fleet", s.handleFleet)
		r.Get("/fleet/summary", s.handleFleetSummary)
		r.Post("/fleet/start-all", s.handleStartAll)
		r.Post("/fleet/stop-all", s.handleStopAll)

		r.Post("/agents", s.handleCreateAgent)
		r.Get("/agents/{id}", s.handleGetAgent)
		r.Patch("/agents/{id}", s.handleUpdateAgent)
		r.Delete("/agents/{id}", s.handleDestroyAgent)
		r.Post("/agents/{id}/start", s.lifecycleHandler(s.deps.Fleet.Start))
		r.Post("/agents/{id}/stop", s.lifecycleHandler(s.deps.Fleet.Stop))
		r.Post("/agents/{id}/restart", s.lifecycleHandler(s.deps.Fleet.Restart))
		r.Post("/agents/{id}/tasks", s.handleRecordTask)

		r.Get("/metrics/history", s.handleHistory)
		r.Get("/metrics/tasks-today", s.handleTasksToday)
	})

	s.router = r
	return s
}

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens in the background and returns once the port is open. The
// server shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http server: listen %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      requestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	b := version.Get()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: b.Version,
		Commit:  b.Commit,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agentCount := 0
	if s.deps.Status != nil {
		if n, err := s.deps.Status.AgentCount(r.Context()); err == nil {
			agentCount = n
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Build:      version.Get(),
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		AgentCount: agentCount,
	})
}

// --- fleet ---

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Fleet.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Fleet.Summary(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Fleet.StartAll(r.Context(), actor(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Fleet.StopAll(r.Context(), actor(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// --- agents ---

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := createAgentSchema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, schemaMessage(err))
		return
	}
	var req fleet.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agent, err := s.deps.Fleet.Create(r.Context(), req, actor(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agentResponseFrom(agent))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.deps.Fleet.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentResponseFrom(agent))
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req fleet.UpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.deps.Fleet.Update(r.Context(), chi.URLParam(r, "id"), req, actor(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":    agentResponseFrom(res.Agent),
		"warnings": res.Warnings,
	})
}

func (s *Server) handleDestroyAgent(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Fleet.Destroy(r.Context(), chi.URLParam(r, "id"), actor(r))
	code := http.StatusOK
	// A destroy that removed the definition but not the container still
	// happened; the body carries the failure.
	if !res.Success && !res.RegistryDeleted {
		code = statusFor(res.Err)
	}
	writeJSON(w, code, res)
}

func (s *Server) lifecycleHandler(fn func(context.Context, string, string) fleet.ActionResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := fn(r.Context(), chi.URLParam(r, "id"), actor(r))
		code := http.StatusOK
		if !res.Success {
			code = statusFor(res.Err)
		}
		writeJSON(w, code, res)
	}
}

type recordTaskRequest struct {
	Task       string    `json:"task"`
	Status     string    `json:"status"`
	FinishedAt time.Time `json:"finished_at"`
}

func (s *Server) handleRecordTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req recordTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := s.deps.Fleet.Get(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	if req.FinishedAt.IsZero() {
		req.FinishedAt = time.Now()
	}
	task, err := s.deps.MetricsStore.RecordTask(r.Context(), id, req.Task, req.Status, req.FinishedAt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.deps.Metrics.RecordTask()
	writeJSON(w, http.StatusCreated, task)
}

// --- metrics ---

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.deps.MetricsStore.AllHistories(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if agent := r.URL.Query().Get("agent"); agent != "" {
		writeJSON(w, http.StatusOK, map[string]any{agent: hist[agent]})
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleTasksToday(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.MetricsStore.TasksToday(r.Context(), time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"tasks_today": n})
}

// --- helpers ---

// agentResponse is the API shape of a definition. Template contents are
// included; API key values never are.
type agentResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Emoji           string    `json:"emoji"`
	Role            string    `json:"role"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model"`
	Mode            string    `json:"mode"`
	Autonomy        string    `json:"autonomy"`
	MemLimit        string    `json:"mem_limit"`
	CPULimit        float64   `json:"cpu_limit"`
	AllowedCommands []string  `json:"allowed_commands"`
	APIKeyName      string    `json:"api_key_name"`
	Port            int       `json:"port"`
	Enabled         bool      `json:"enabled"`
	SoulContent     string    `json:"soul_content"`
	AgentsContent   string    `json:"agents_content"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func agentResponseFrom(a *store.Agent) agentResponse {
	return agentResponse{
		ID:              a.ID,
		Name:            a.Name,
		Emoji:           a.Emoji,
		Role:            a.Role,
		Provider:        a.Provider,
		Model:           a.Model,
		Mode:            a.Mode,
		Autonomy:        a.Autonomy,
		MemLimit:        a.MemLimit,
		CPULimit:        a.CPULimit,
		AllowedCommands: a.AllowedCommands,
		APIKeyName:      a.APIKeyName,
		Port:            a.Port,
		Enabled:         a.Enabled,
		SoulContent:     a.SoulContent,
		AgentsContent:   a.AgentsContent,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return nil, false
	}
	return body, true
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(actorHeader)); a != "" {
		return a
	}
	return defaultActor
}

// schemaMessage flattens a schema validation error to its leaf causes.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return "invalid request: " + strings.Join(msgs, "; ")
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errdefs.IsValidation(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsRuntimeUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError maps the error taxonomy onto HTTP. Errors outside it are
// logged and hidden behind a generic message, except container start
// failures, whose (redacted) text is the useful part.
func writeDomainError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	var startErr *fleet.StartError
	if code == http.StatusInternalServerError && !errdefs.IsArtifact(err) && !errors.As(err, &startErr) {
		slog.Error("request failed", "err", err)
		writeError(w, code, "internal server error")
		return
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// traceMiddleware attaches a trace ID to every request, reusing the caller's
// X-Trace-ID when it sent one.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(traceHeader); id != "" && len(id) <= 64 {
			ctx = trace.WithTraceID(ctx, id)
		}
		ctx, id := trace.Ensure(ctx)
		w.Header().Set(traceHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		trace.Logger(r.Context()).Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
