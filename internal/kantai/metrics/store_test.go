package metrics_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bdobrica/kantai/internal/kantai/errdefs"
	"github.com/bdobrica/kantai/internal/kantai/metrics"
	appstore "github.com/bdobrica/kantai/internal/kantai/store"
)

func newTestDB(t *testing.T) *appstore.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kantai-metrics-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()
	s, err := appstore.New(f.Name())
	if err != nil {
		t.Fatalf("appstore.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func snap(agent string, at time.Time, mem float64) metrics.Snapshot {
	return metrics.Snapshot{AgentID: agent, TakenAt: at, MemUsageMiB: mem, MemLimitMiB: 512, CPUPercent: 1.5}
}

func TestAppendAndAllHistories(t *testing.T) {
	ms := metrics.NewStore(newTestDB(t), metrics.Options{})
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	if err := ms.Append(ctx, []metrics.Snapshot{snap("rex", base, 10), snap("nova", base, 20)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := ms.Append(ctx, []metrics.Snapshot{snap("rex", base.Add(5*time.Minute), 11)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	h, err := ms.AllHistories(ctx)
	if err != nil {
		t.Fatalf("AllHistories: %v", err)
	}
	if len(h["rex"]) != 2 || len(h["nova"]) != 1 {
		t.Fatalf("unexpected histories: %+v", h)
	}
	if h["rex"][0].MemUsageMiB != 10 || h["rex"][1].MemUsageMiB != 11 {
		t.Errorf("rex history not in insertion order: %+v", h["rex"])
	}
	if !h["rex"][1].TakenAt.Equal(base.Add(5 * time.Minute)) {
		t.Errorf("TakenAt = %v", h["rex"][1].TakenAt)
	}
}

func TestAppend_EnforcesRetentionPerAgent(t *testing.T) {
	ms := metrics.NewStore(newTestDB(t), metrics.Options{Retention: 3})
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		batch := []metrics.Snapshot{snap("rex", base.Add(time.Duration(i)*time.Minute), float64(i))}
		if i == 0 {
			batch = append(batch, snap("nova", base, 99))
		}
		if err := ms.Append(ctx, batch); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	h, err := ms.AllHistories(ctx)
	if err != nil {
		t.Fatalf("AllHistories: %v", err)
	}
	if len(h["rex"]) != 3 {
		t.Fatalf("rex: expected 3 snapshots, got %d", len(h["rex"]))
	}
	if h["rex"][0].MemUsageMiB != 2 || h["rex"][2].MemUsageMiB != 4 {
		t.Errorf("expected the newest 3 to survive: %+v", h["rex"])
	}
	if len(h["nova"]) != 1 {
		t.Errorf("nova's history must not be trimmed by rex's appends: %+v", h["nova"])
	}
}

func TestPrune(t *testing.T) {
	ms := metrics.NewStore(newTestDB(t), metrics.Options{})
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	if err := ms.Append(ctx, []metrics.Snapshot{
		snap("rex", base, 1),
		snap("rex", base.Add(time.Hour), 2),
		snap("gone", base, 3),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	n, err := ms.Prune(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pruned, got %d", n)
	}
	h, _ := ms.AllHistories(ctx)
	if len(h["rex"]) != 1 || len(h["gone"]) != 0 {
		t.Errorf("unexpected histories after prune: %+v", h)
	}
}

func TestTasksToday_UsesFleetTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	ms := metrics.NewStore(newTestDB(t), metrics.Options{Location: loc})
	ctx := context.Background()

	// 2026-05-01 00:30 local is 2026-04-30 21:30 UTC.
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, loc)
	entries := []time.Time{
		time.Date(2026, 5, 1, 0, 30, 0, 0, loc),   // today, early
		time.Date(2026, 5, 1, 23, 59, 0, 0, loc),  // today, late
		time.Date(2026, 4, 30, 23, 59, 0, 0, loc), // yesterday local, same UTC day as the first
		time.Date(2026, 5, 2, 0, 0, 0, 0, loc),    // tomorrow
	}
	for _, at := range entries {
		if _, err := ms.RecordTask(ctx, "rex", "daily digest", "", at); err != nil {
			t.Fatalf("RecordTask: %v", err)
		}
	}

	n, err := ms.TasksToday(ctx, now)
	if err != nil {
		t.Fatalf("TasksToday: %v", err)
	}
	if n != 2 {
		t.Errorf("TasksToday = %d, want 2", n)
	}
}

func TestRecordTask(t *testing.T) {
	ms := metrics.NewStore(newTestDB(t), metrics.Options{})
	ctx := context.Background()

	task, err := ms.RecordTask(ctx, "rex", "  summarize inbox ", "", time.Time{})
	if err != nil {
		t.Fatalf("RecordTask: %v", err)
	}
	if task.ID == "" || task.Status != "done" || task.Task != "summarize inbox" {
		t.Errorf("unexpected task: %+v", task)
	}
	if time.Since(task.FinishedAt) > time.Minute {
		t.Errorf("zero finishedAt should default to now, got %v", task.FinishedAt)
	}

	if _, err := ms.RecordTask(ctx, "rex", " ", "", time.Time{}); !errdefs.IsValidation(err) {
		t.Errorf("blank task: expected validation error, got %v", err)
	}
	if _, err := ms.RecordTask(ctx, "", "x", "", time.Time{}); !errdefs.IsValidation(err) {
		t.Errorf("blank agent: expected validation error, got %v", err)
	}
}
