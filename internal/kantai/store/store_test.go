package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/bdobrica/kantai/internal/kantai/errdefs"
	"github.com/bdobrica/kantai/internal/kantai/store"
)

const basePort = 42617

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kantai-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func rex() store.NewAgent {
	return store.NewAgent{
		Name:            "Rex",
		Emoji:           "🦖",
		Role:            "researcher",
		Provider:        "groq",
		Model:           "llama3.3-70b-versatile",
		Mode:            store.ModeDaemon,
		Autonomy:        "supervised",
		MemLimit:        "512m",
		CPULimit:        1.5,
		AllowedCommands: []string{"git", "ls"},
	}
}

func mustCreate(t *testing.T, s *store.Store, in store.NewAgent) *store.Agent {
	t.Helper()
	a, err := s.CreateAgent(context.Background(), in, basePort, nil)
	if err != nil {
		t.Fatalf("CreateAgent(%s): %v", in.Name, err)
	}
	return a
}

// --- ids ---

func TestNormalizeID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Rex", "rex"},
		{"  Research Bot  ", "research-bot"},
		{"ops__bot!!v2", "ops-bot-v2"},
		{"--edge--", "edge"},
		{"Ünïcode", "n-code"},
		{"!!!", ""},
		{strings.Repeat("a", 70), strings.Repeat("a", 63)},
	}
	for _, tc := range cases {
		if got := store.NormalizeID(tc.in); got != tc.want {
			t.Errorf("NormalizeID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCreateAgent_BlankIDIsValidationError(t *testing.T) {
	s := newTestStore(t)
	in := rex()
	in.Name = "!!!"

	_, err := s.CreateAgent(context.Background(), in, basePort, nil)
	if !errdefs.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// --- create ---

func TestCreateAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	created := mustCreate(t, s, rex())

	if created.ID != "rex" {
		t.Errorf("ID: got %q, want %q", created.ID, "rex")
	}
	if created.Port != basePort {
		t.Errorf("Port: got %d, want %d", created.Port, basePort)
	}
	if !created.Enabled {
		t.Error("new agents should be enabled")
	}
	if created.APIKeyName != store.APIKeyFleetDefault {
		t.Errorf("APIKeyName: got %q, want default", created.APIKeyName)
	}

	got, err := s.GetAgent(context.Background(), "rex")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Model != "llama3.3-70b-versatile" || got.Provider != "groq" {
		t.Errorf("provider/model not persisted: %+v", got)
	}
	if len(got.AllowedCommands) != 2 || got.AllowedCommands[0] != "git" || got.AllowedCommands[1] != "ls" {
		t.Errorf("AllowedCommands: got %v", got.AllowedCommands)
	}
	if got.CPULimit != 1.5 || got.MemLimit != "512m" {
		t.Errorf("limits not persisted: cpu=%v mem=%q", got.CPULimit, got.MemLimit)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestCreateAgent_DuplicateNormalizedID(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, rex())

	dup := rex()
	dup.Name = "  REX "
	_, err := s.CreateAgent(context.Background(), dup, basePort, nil)
	if !errdefs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	n, _ := s.AgentCount(context.Background())
	if n != 1 {
		t.Errorf("expected 1 agent after conflict, got %d", n)
	}
}

func TestCreateAgent_AssignsLowestFreePort(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		in := rex()
		in.Name = name
		mustCreate(t, s, in)
	}
	if _, err := s.DeleteAgent(ctx, "b"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}

	in := rex()
	in.Name = "d"
	d := mustCreate(t, s, in)
	if d.Port != basePort+1 {
		t.Errorf("expected freed port %d to be reused, got %d", basePort+1, d.Port)
	}
}

func TestCreateAgent_DisabledAgentsKeepTheirPort(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, rex())
	disabled := false
	if _, err := s.UpdateAgent(ctx, a.ID, store.AgentUpdate{Enabled: &disabled}); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}

	in := rex()
	in.Name = "Nova"
	b := mustCreate(t, s, in)
	if b.Port == a.Port {
		t.Fatalf("new agent reused port %d held by a disabled agent", a.Port)
	}
}

func TestCreateAgent_HookFailureRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errdefs.Artifact("write config", errors.New("disk full"))

	var hookPort int
	_, err := s.CreateAgent(ctx, rex(), basePort, func(id string, port int) error {
		hookPort = port
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if hookPort != basePort {
		t.Errorf("hook received port %d, want %d", hookPort, basePort)
	}
	if n, _ := s.AgentCount(ctx); n != 0 {
		t.Errorf("expected no agents after hook failure, got %d", n)
	}
}

func TestCreateAgent_ConcurrentCreatesGetDistinctPorts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := rex()
			in.Name = fmt.Sprintf("agent-%02d", i)
			_, err := s.CreateAgent(ctx, in, basePort, nil)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent CreateAgent: %v", err)
		}
	}

	taken, err := s.TakenPorts(ctx)
	if err != nil {
		t.Fatalf("TakenPorts: %v", err)
	}
	seen := map[int]bool{}
	for _, p := range taken {
		if seen[p] {
			t.Fatalf("port %d assigned twice", p)
		}
		seen[p] = true
	}
	if len(seen) != n {
		t.Errorf("expected %d distinct ports, got %d", n, len(seen))
	}
}

// --- read/update/delete ---

func TestGetAgent_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAgent(context.Background(), "nonexistent")
	if !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListAgents_CreationOrder(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		in := rex()
		in.Name = name
		mustCreate(t, s, in)
	}

	agents, err := s.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	var ids []string
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	if strings.Join(ids, ",") != "zeta,alpha,mid" {
		t.Errorf("expected creation order, got %v", ids)
	}
}

func TestUpdateAgent_MergesWhitelistedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, s, rex())

	soul := "You are Rex, a careful researcher."
	mem := "1g"
	got, err := s.UpdateAgent(ctx, a.ID, store.AgentUpdate{SoulContent: &soul, MemLimit: &mem})
	if err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	if got.SoulContent != soul || got.MemLimit != "1g" {
		t.Errorf("update not applied: %+v", got)
	}
	if got.Port != a.Port || got.ID != a.ID || got.Model != a.Model {
		t.Errorf("immutable fields changed: %+v", got)
	}
}

func TestUpdateAgent_NotFound(t *testing.T) {
	s := newTestStore(t)
	role := "x"
	_, err := s.UpdateAgent(context.Background(), "ghost", store.AgentUpdate{Role: &role})
	if !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, rex())

	deleted, err := s.DeleteAgent(ctx, "rex")
	if err != nil || !deleted {
		t.Fatalf("DeleteAgent: deleted=%v err=%v", deleted, err)
	}
	deleted, err = s.DeleteAgent(ctx, "rex")
	if err != nil || deleted {
		t.Fatalf("second DeleteAgent: deleted=%v err=%v", deleted, err)
	}
}

// --- audit ---

func TestWriteAudit_RedactsPayloadSecrets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WriteAudit(ctx, "t_1", "cli", "agents.create", "rex", "success",
		store.AuditPayload{"custom_api_key": "sk-live-123456", "port": 42617}, "")
	if err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}

	entries, err := s.GetAuditByTrace(ctx, "t_1")
	if err != nil {
		t.Fatalf("GetAuditByTrace: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if strings.Contains(entries[0].PayloadJSON.String, "sk-live-123456") {
		t.Errorf("payload leaked secret: %s", entries[0].PayloadJSON.String)
	}
	if entries[0].Target.String != "rex" || entries[0].ErrorMessage.Valid {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestGetAuditLog_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, action := range []string{"agents.create", "agents.stop", "agents.destroy"} {
		if err := s.WriteAudit(ctx, "t_x", "cli", action, "rex", "success", nil, ""); err != nil {
			t.Fatalf("WriteAudit: %v", err)
		}
	}
	entries, err := s.GetAuditLog(ctx, 2)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(entries) != 2 || entries[0].Action != "agents.destroy" {
		t.Errorf("unexpected audit order: %+v", entries)
	}
}
