// Package metrics records per-agent resource snapshots and the daily task
// log, and exports fleet gauges to Prometheus.
//
// Snapshots are append-only and keyed by agent id only, so an agent's history
// survives its destruction. Retention is explicit: each agent keeps at most
// Options.Retention snapshots (the oldest are dropped on append), and Prune
// removes everything older than a cut-off.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/kantai/internal/kantai/errdefs"
	"github.com/bdobrica/kantai/internal/kantai/store"
)

// DefaultRetention is one day of five-minute samples.
const DefaultRetention = 288

// Snapshot is one resource sample of one agent.
type Snapshot struct {
	AgentID     string    `json:"agent_id"`
	TakenAt     time.Time `json:"taken_at"`
	MemUsageMiB float64   `json:"mem_usage_mib"`
	MemLimitMiB float64   `json:"mem_limit_mib"`
	CPUPercent  float64   `json:"cpu_percent"`
}

// Task is one entry of the task log.
type Task struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Task       string    `json:"task"`
	Status     string    `json:"status"`
	FinishedAt time.Time `json:"finished_at"`
}

// Options configures a Store.
type Options struct {
	// Retention caps snapshots kept per agent. Zero uses DefaultRetention.
	Retention int
	// Location defines day boundaries for TasksToday. Nil means time.Local.
	Location *time.Location
}

// Store persists snapshots and the task log in the registry database.
type Store struct {
	db        *store.Store
	retention int
	loc       *time.Location
}

// NewStore creates a metrics Store.
func NewStore(db *store.Store, opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Store{db: db, retention: opts.Retention, loc: opts.Location}
}

// Location returns the fleet timezone used for day boundaries.
func (s *Store) Location() *time.Location {
	return s.loc
}

// Append writes snapshots and trims each affected agent's history to the
// retention cap, in one transaction.
func (s *Store) Append(ctx context.Context, snaps []Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metrics: begin: %w", err)
	}
	defer tx.Rollback()

	touched := map[string]bool{}
	for _, sn := range snaps {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO resource_snapshots (agent_id, taken_at, mem_usage_mib, mem_limit_mib, cpu_percent)
			VALUES (?, ?, ?, ?, ?)
		`, sn.AgentID, sn.TakenAt.UnixMilli(), sn.MemUsageMiB, sn.MemLimitMiB, sn.CPUPercent)
		if err != nil {
			return fmt.Errorf("metrics: insert snapshot for %s: %w", sn.AgentID, err)
		}
		touched[sn.AgentID] = true
	}

	for agentID := range touched {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM resource_snapshots
			WHERE agent_id = ? AND id NOT IN (
				SELECT id FROM resource_snapshots WHERE agent_id = ? ORDER BY id DESC LIMIT ?
			)
		`, agentID, agentID, s.retention)
		if err != nil {
			return fmt.Errorf("metrics: trim history for %s: %w", agentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metrics: commit: %w", err)
	}
	return nil
}

// AllHistories returns every agent's snapshots in insertion order.
func (s *Store) AllHistories(ctx context.Context) (map[string][]Snapshot, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT agent_id, taken_at, mem_usage_mib, mem_limit_mib, cpu_percent
		FROM resource_snapshots
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("metrics: query histories: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Snapshot)
	for rows.Next() {
		var sn Snapshot
		var takenAt int64
		if err := rows.Scan(&sn.AgentID, &takenAt, &sn.MemUsageMiB, &sn.MemLimitMiB, &sn.CPUPercent); err != nil {
			return nil, fmt.Errorf("metrics: scan snapshot: %w", err)
		}
		sn.TakenAt = time.UnixMilli(takenAt).UTC()
		out[sn.AgentID] = append(out[sn.AgentID], sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metrics: iterate snapshots: %w", err)
	}
	return out, nil
}

// Prune deletes snapshots taken before the cut-off and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.DB().ExecContext(ctx,
		`DELETE FROM resource_snapshots WHERE taken_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("metrics: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("metrics: prune rows: %w", err)
	}
	return n, nil
}

// RecordTask appends a finished task to the task log. A zero finishedAt
// means now.
func (s *Store) RecordTask(ctx context.Context, agentID, task, status string, finishedAt time.Time) (*Task, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errdefs.Validation("task agent id must not be empty")
	}
	if strings.TrimSpace(task) == "" {
		return nil, errdefs.Validation("task name must not be empty")
	}
	if status == "" {
		status = "done"
	}
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}
	t := &Task{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Task:       strings.TrimSpace(task),
		Status:     status,
		FinishedAt: finishedAt.UTC().Truncate(time.Millisecond),
	}
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO task_history (id, agent_id, task, status, finished_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.AgentID, t.Task, t.Status, t.FinishedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("metrics: record task: %w", err)
	}
	return t, nil
}

// TasksToday counts tasks finished on the same fleet-local calendar day as
// now.
func (s *Store) TasksToday(ctx context.Context, now time.Time) (int, error) {
	start, end := dayBounds(now, s.loc)
	var n int
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_history WHERE finished_at >= ? AND finished_at < ?
	`, start.UnixMilli(), end.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("metrics: count tasks: %w", err)
	}
	return n, nil
}

// dayBounds returns local midnight of now's day and of the following day.
// AddDate keeps DST days at their real length.
func dayBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
