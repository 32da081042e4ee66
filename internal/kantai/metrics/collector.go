package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/kantai/internal/kantai/runtime"
)

// Target is a running agent and the container the runtime matched it to.
// Container may differ from runtime.ContainerNameFor(AgentID) when the
// registry join fell back to the agent name.
type Target struct {
	AgentID   string
	Container string
}

// RunningLister reports which agents are currently classified running.
type RunningLister interface {
	RunningAgents(ctx context.Context) ([]Target, error)
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	// Timeout bounds each per-agent stats call. Defaults to 10s.
	Timeout time.Duration
	// Concurrency caps in-flight stats calls. Defaults to 8.
	Concurrency int
}

// Collector samples running agents into a Store.
type Collector struct {
	lister  RunningLister
	rt      runtime.Runtime
	store   *Store
	metrics *Metrics
	cfg     CollectorConfig
	now     func() time.Time
}

// NewCollector creates a Collector. metrics may be nil.
func NewCollector(lister RunningLister, rt runtime.Runtime, s *Store, m *Metrics, cfg CollectorConfig) *Collector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Collector{lister: lister, rt: rt, store: s, metrics: m, cfg: cfg, now: time.Now}
}

// CollectAll takes one snapshot of every running agent and returns how many
// were written. An agent whose stats call fails is skipped and logged; it
// never prevents the others from being sampled.
func (c *Collector) CollectAll(ctx context.Context) (int, error) {
	targets, err := c.lister.RunningAgents(ctx)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, nil
	}

	var (
		mu    sync.Mutex
		snaps []Snapshot
	)
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Concurrency)
	for _, tg := range targets {
		id, name := tg.AgentID, tg.Container
		if name == "" {
			name = runtime.ContainerNameFor(id)
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()

			start := time.Now()
			st, err := c.rt.Stats(callCtx, name)
			c.metrics.ObserveRuntimeCall("stats", time.Since(start))
			if err != nil {
				slog.Warn("metrics: stats failed", "agent", id, "container", name, "err", err)
				return nil
			}
			sn := Snapshot{
				AgentID:     id,
				TakenAt:     c.now().UTC(),
				MemUsageMiB: st.MemUsageMiB(),
				MemLimitMiB: st.MemLimitMiB(),
				CPUPercent:  st.CPUPercent,
			}
			mu.Lock()
			snaps = append(snaps, sn)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := c.store.Append(ctx, snaps); err != nil {
		return 0, err
	}
	for _, sn := range snaps {
		c.metrics.ObserveSnapshot(sn)
	}
	return len(snaps), nil
}

// Run collects every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("metrics collector starting", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("metrics collector stopping")
			return
		case <-ticker.C:
			n, err := c.CollectAll(ctx)
			if err != nil {
				slog.Warn("metrics: collection failed", "err", err)
				continue
			}
			slog.Debug("metrics: collected snapshots", "count", n)
		}
	}
}
