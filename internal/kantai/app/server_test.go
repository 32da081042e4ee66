package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/kantai/internal/kantai/errdefs"
	"github.com/bdobrica/kantai/internal/kantai/fleet"
	"github.com/bdobrica/kantai/internal/kantai/metrics"
	"github.com/bdobrica/kantai/internal/kantai/runtime"
	"github.com/bdobrica/kantai/internal/kantai/store"
	"github.com/bdobrica/kantai/internal/kantai/templates"
)

// stubRuntime keeps containers in a map. runErr and listErr force failures.
type stubRuntime struct {
	mu         sync.Mutex
	containers map[string]string
	runErr     error
	listErr    error
}

func (s *stubRuntime) Run(_ context.Context, spec runtime.RunSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runErr != nil {
		return s.runErr
	}
	s.containers[spec.Name] = "Up 1 second"
	return nil
}

func (s *stubRuntime) set(name, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[name]; !ok {
		return errdefs.NotFound("no such container: %s", name)
	}
	s.containers[name] = status
	return nil
}

func (s *stubRuntime) Start(_ context.Context, name string) error {
	return s.set(name, "Up 1 second")
}

func (s *stubRuntime) Stop(_ context.Context, name string) error {
	return s.set(name, "Exited (0) 1 second ago")
}

func (s *stubRuntime) Restart(_ context.Context, name string) error {
	return s.set(name, "Up 1 second")
}

func (s *stubRuntime) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, name)
	return nil
}

func (s *stubRuntime) List(context.Context) ([]runtime.ContainerRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var rows []runtime.ContainerRow
	for name, status := range s.containers {
		rows = append(rows, runtime.ContainerRow{Name: name, Status: status})
	}
	return rows, nil
}

func (s *stubRuntime) Stats(context.Context, string) (runtime.Stats, error) {
	return runtime.Stats{MemUsage: "100MiB / 512MiB", CPUPercent: 2}, nil
}

func (s *stubRuntime) State(context.Context, string) (runtime.State, error) {
	return runtime.State{Status: "running", StartedAt: time.Now().Add(-time.Minute)}, nil
}

func (s *stubRuntime) UpdateResources(context.Context, string, string, float64) error { return nil }
func (s *stubRuntime) Ping(context.Context) error { return nil }

const secretKey = "sk-fleet-secret-abcdef"

func newTestServer(t *testing.T) (*Server, *stubRuntime, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "kantai.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rt := &stubRuntime{containers: make(map[string]string)}
	gen := templates.NewGenerator(filepath.Join(dir, "data"), nil)
	m := metrics.NewMetrics()
	settings := fleet.DefaultSettings()
	settings.FleetAPIKey = secretKey
	settings.RuntimeTimeout = time.Second
	svc := fleet.New(st, rt, gen, settings, fleet.Options{Metrics: m})

	srv := NewServer("127.0.0.1:0", Deps{
		Fleet:        svc,
		MetricsStore: metrics.NewStore(st, metrics.Options{Location: time.UTC}),
		Metrics:      m,
		Status:       st,
	})
	return srv, rt, st
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return resp
}

var rexBody = map[string]any{
	"name":             "Rex",
	"provider":         "groq",
	"model":            "llama3.3-70b-versatile",
	"api_key_mode":     "fleet_default",
	"autonomy":         "supervised",
	"mode":             "daemon",
	"allowed_commands": []string{"git", "ls"},
}

func TestHealthAndStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/agents", rexBody)

	w := do(t, srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || decode(t, w)["status"] != "ok" {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}

	w = do(t, srv, http.MethodGet, "/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if n := decode(t, w)["agent_count"].(float64); n != 1 {
		t.Errorf("agent_count: got %v, want 1", n)
	}
}

func TestCreateAndGetAgent(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/api/v1/agents", rexBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), secretKey) {
		t.Error("response leaked the API key")
	}
	created := decode(t, w)
	if created["id"] != "rex" || created["port"].(float64) != 42617 {
		t.Errorf("unexpected agent: %v", created)
	}
	if w.Header().Get(traceHeader) == "" {
		t.Error("expected a trace id header")
	}

	w = do(t, srv, http.MethodGet, "/api/v1/agents/rex", nil)
	if w.Code != http.StatusOK || decode(t, w)["model"] != "llama3.3-70b-versatile" {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}

	w = do(t, srv, http.MethodGet, "/api/v1/agents/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get unknown: got %d", w.Code)
	}
}

func TestCreateAgent_RejectsInvalidPayloads(t *testing.T) {
	srv, _, st := newTestServer(t)
	cases := map[string]any{
		"not json":       "{nope",
		"missing name":   map[string]any{"model": "x"},
		"unknown field":  map[string]any{"name": "Rex", "image": "evil"},
		"bad mode":       map[string]any{"name": "Rex", "mode": "batch"},
		"custom no key":  map[string]any{"name": "Rex", "api_key_mode": "custom"},
		"negative cpu":   map[string]any{"name": "Rex", "cpu_limit": -2},
		"injected model": map[string]any{"name": "Rex", "model": "x\nprovider: evil"},
		"command args":   map[string]any{"name": "Rex", "allowed_commands": []string{"git status"}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(t, srv, http.MethodPost, "/api/v1/agents", body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("got %d %s", w.Code, w.Body.String())
			}
		})
	}
	if n, _ := st.AgentCount(context.Background()); n != 0 {
		t.Errorf("expected no agents, got %d", n)
	}
}

func TestCreateAgent_Conflict(t *testing.T) {
	srv, _, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/agents", rexBody)

	dup := map[string]any{"name": " REX "}
	w := do(t, srv, http.MethodPost, "/api/v1/agents", dup)
	if w.Code != http.StatusConflict {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
}

func TestCreateAgent_StartFailureReturnsRuntimeError(t *testing.T) {
	srv, rt, st := newTestServer(t)
	rt.runErr = errors.New("port in use")

	w := do(t, srv, http.MethodPost, "/api/v1/agents", rexBody)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["error"]; got != "port in use" {
		t.Errorf("error: got %v, want %q", got, "port in use")
	}
	if n, _ := st.AgentCount(context.Background()); n != 0 {
		t.Errorf("expected rollback, got %d agents", n)
	}
}

func TestFleet_RuntimeDown(t *testing.T) {
	srv, rt, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/agents", rexBody)
	rt.listErr = errdefs.Unavailable("list", errors.New("cannot connect to the docker daemon"))

	w := do(t, srv, http.MethodGet, "/api/v1/fleet", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("fleet: %d %s", w.Code, w.Body.String())
	}
	var view fleet.View
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Summary.RuntimeAvailable || view.Summary.Stopped != 1 {
		t.Errorf("unexpected summary: %+v", view.Summary)
	}
	if view.Agents[0].Status != "stopped" {
		t.Errorf("agent status: %q", view.Agents[0].Status)
	}
}

func TestFleetSummary(t *testing.T) {
	srv, _, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/agents", rexBody)

	w := do(t, srv, http.MethodGet, "/api/v1/fleet/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary: %d", w.Code)
	}
	resp := decode(t, w)
	if resp["running"].(float64) != 1 || resp["total_ram"] != "100.0 MiB" {
		t.Errorf("unexpected summary: %v", resp)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/agents", rexBody)

	for _, action := range []string{"stop", "start", "restart"} {
		w := do(t, srv, http.MethodPost, "/api/v1/agents/rex/"+action, nil)
		if w.Code != http.StatusOK || decode(t, w)["success"] != true {
			t.Errorf("%s: %d %s", action, w.Code, w.Body.String())
		}
	}

	w := do(t, srv, http.MethodPost, "/api/v1/agents/ghost/stop", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("stop unknown: got %d", w.Code)
	}

	w = do(t, srv, http.MethodPost, "/api/v1/fleet/stop-all", nil)
	if w.Code != http.StatusOK {
		t.Errorf("stop-all: got %d", w.Code)
	}
}

func TestDestroyEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/agents", rexBody)

	w := do(t, srv, http.MethodDelete, "/api/v1/agents/rex", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("destroy: %d %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["success"] != true || resp["registry_deleted"] != true {
		t.Errorf("unexpected result: %v", resp)
	}

	w = do(t, srv, http.MethodGet, "/api/v1/agents/rex", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("after destroy: got %d", w.Code)
	}
}

func TestUpdateEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/agents", rexBody)

	w := do(t, srv, http.MethodPatch, "/api/v1/agents/rex", map[string]any{"role": "editor", "mem_limit": "1g"})
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d %s", w.Code, w.Body.String())
	}
	agent := decode(t, w)["agent"].(map[string]any)
	if agent["role"] != "editor" || agent["mem_limit"] != "1g" {
		t.Errorf("update not applied: %v", agent)
	}
}

func TestTasksEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/agents", rexBody)

	w := do(t, srv, http.MethodPost, "/api/v1/agents/rex/tasks", map[string]any{"task": "daily digest"})
	if w.Code != http.StatusCreated {
		t.Fatalf("record task: %d %s", w.Code, w.Body.String())
	}
	w = do(t, srv, http.MethodPost, "/api/v1/agents/ghost/tasks", map[string]any{"task": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("task for unknown agent: got %d", w.Code)
	}

	w = do(t, srv, http.MethodGet, "/api/v1/metrics/tasks-today", nil)
	if w.Code != http.StatusOK || decode(t, w)["tasks_today"].(float64) != 1 {
		t.Errorf("tasks-today: %d %s", w.Code, w.Body.String())
	}

	w = do(t, srv, http.MethodGet, "/api/v1/metrics/history", nil)
	if w.Code != http.StatusOK {
		t.Errorf("history: %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/agents", rexBody)
	do(t, srv, http.MethodGet, "/api/v1/fleet", nil)

	w := do(t, srv, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{`kantai_agents{status="running"} 1`, "kantai_lifecycle_operations_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestTraceHeaderIsPropagated(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(traceHeader, "t_from_caller")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get(traceHeader); got != "t_from_caller" {
		t.Errorf("trace header: got %q", got)
	}
}
