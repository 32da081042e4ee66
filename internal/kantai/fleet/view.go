package fleet

import (
	"context"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/kantai/common/trace"
	"github.com/bdobrica/kantai/internal/kantai/errdefs"
	"github.com/bdobrica/kantai/internal/kantai/metrics"
	"github.com/bdobrica/kantai/internal/kantai/runtime"
	"github.com/bdobrica/kantai/internal/kantai/schedule"
	"github.com/bdobrica/kantai/internal/kantai/store"
)

const (
	noValue          = "—"
	labelUnreachable = "Unreachable"
)

var statusLabels = map[runtime.Status]string{
	runtime.StatusRunning:    "Running",
	runtime.StatusStopped:    "Stopped",
	runtime.StatusRestarting: "Restarting",
}

// AgentView is one row of the fleet listing.
type AgentView struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Emoji         string  `json:"emoji"`
	Role          string  `json:"role"`
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	Mode          string  `json:"mode"`
	Status        string  `json:"status"`
	StatusLabel   string  `json:"status_label"`
	RAMUsage      string  `json:"ram_usage"`
	CPUPercent    float64 `json:"cpu_percent"`
	Uptime        string  `json:"uptime"`
	RestartCount  int     `json:"restart_count"`
	Port          int     `json:"port"`
	Running       bool    `json:"running"`
	Enabled       bool    `json:"enabled"`
	ScheduledJobs int     `json:"scheduled_jobs"`
	// Error carries a runtime failure for this agent only.
	Error string `json:"error,omitempty"`
}

// SummaryView is the fleet-wide aggregate.
type SummaryView struct {
	Total            int    `json:"total"`
	Running          int    `json:"running"`
	Stopped          int    `json:"stopped"`
	Restarting       int    `json:"restarting"`
	TotalRAM         string `json:"total_ram"`
	RuntimeAvailable bool   `json:"runtime_available"`
}

// View is a full fleet listing.
type View struct {
	Agents  []AgentView `json:"agents"`
	Summary SummaryView `json:"summary"`
}

// List reconciles the registry with the runtime. Runtime failures never fail
// the listing: an unreachable engine reports every agent stopped and
// unreachable, and a failed per-agent call is kept on that agent's row.
func (s *Service) List(ctx context.Context) (*View, error) {
	ctx, _ = trace.Ensure(ctx)
	log := trace.Logger(ctx)

	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	// One deadline covers every runtime call of the listing, so a hung
	// engine costs one RuntimeTimeout however many agents are running.
	rtCtx, cancel := context.WithTimeout(ctx, s.settings.RuntimeTimeout)
	defer cancel()

	available := true
	classified, listErr := s.classify(rtCtx, agents)
	if listErr != nil {
		available = false
		log.Warn("container runtime unavailable, reporting fleet as stopped", "err", s.redact(listErr))
	}

	details := s.probeRunning(rtCtx, classified)

	memUsage := make(map[string]string, len(details))
	for id, d := range details {
		if d.statsErr == nil {
			memUsage[id] = d.stats.MemUsage
		}
	}
	sum := runtime.Summarize(classified, memUsage)
	s.metrics.ObserveFleet(sum, available)

	jobs := s.assignJobs(ctx, agents)

	view := &View{
		Agents: make([]AgentView, len(agents)),
		Summary: SummaryView{
			Total:            sum.Total,
			Running:          sum.Running,
			Stopped:          sum.Stopped,
			Restarting:       sum.Restarting,
			TotalRAM:         sum.TotalRAM(),
			RuntimeAvailable: available,
		},
	}
	now := time.Now()
	for i, a := range agents {
		view.Agents[i] = buildAgentView(a, classified[i], details[a.ID], available, len(jobs[a.ID]), now)
	}
	return view, nil
}

// Summary returns only the aggregate of List.
func (s *Service) Summary(ctx context.Context) (SummaryView, error) {
	v, err := s.List(ctx)
	if err != nil {
		return SummaryView{}, err
	}
	return v.Summary, nil
}

// RunningAgents returns the agents classified running together with the
// container each was matched to. It is what the metrics collector samples.
func (s *Service) RunningAgents(ctx context.Context) ([]metrics.Target, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	classified, err := s.classify(ctx, agents)
	if err != nil {
		return nil, err
	}
	var out []metrics.Target
	for _, c := range classified {
		if c.Status == runtime.StatusRunning {
			out = append(out, metrics.Target{AgentID: c.ID, Container: containerFor(c)})
		}
	}
	return out, nil
}

// classify joins agents with the runtime's rows. When the runtime cannot be
// listed every agent is classified stopped and the list error is returned
// alongside.
func (s *Service) classify(ctx context.Context, agents []*store.Agent) ([]runtime.Classified, error) {
	var rows []runtime.ContainerRow
	err := s.call(ctx, "list", s.settings.RuntimeTimeout, func(ctx context.Context) error {
		var err error
		rows, err = s.rt.List(ctx)
		return err
	})
	if err != nil {
		rows = nil
	}
	members := make([]runtime.Member, len(agents))
	for i, a := range agents {
		members[i] = runtime.Member{ID: a.ID, Name: a.Name}
	}
	return runtime.Reconcile(members, rows, s.restartingSet()), err
}

func containerFor(c runtime.Classified) string {
	if c.Row != nil {
		return c.Row.Name
	}
	return runtime.ContainerNameFor(c.ID)
}

type agentDetail struct {
	stats    runtime.Stats
	statsErr error
	state    runtime.State
	stateErr error
}

// probeRunning fetches stats and state for running agents only. Every call
// is issued at once and shares ctx's deadline.
func (s *Service) probeRunning(ctx context.Context, classified []runtime.Classified) map[string]*agentDetail {
	out := make(map[string]*agentDetail)
	var g errgroup.Group
	for _, c := range classified {
		if c.Status != runtime.StatusRunning {
			continue
		}
		name := containerFor(c)
		d := &agentDetail{}
		out[c.ID] = d
		g.Go(func() error {
			d.statsErr = s.call(ctx, "stats", s.settings.RuntimeTimeout, func(ctx context.Context) error {
				var err error
				d.stats, err = s.rt.Stats(ctx, name)
				return err
			})
			return nil
		})
		g.Go(func() error {
			d.stateErr = s.call(ctx, "state", s.settings.RuntimeTimeout, func(ctx context.Context) error {
				var err error
				d.state, err = s.rt.State(ctx, name)
				return err
			})
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Service) assignJobs(ctx context.Context, agents []*store.Agent) map[string][]schedule.Job {
	if s.jobs == nil {
		return nil
	}
	jobs, err := s.jobs.Jobs(ctx)
	if err != nil {
		trace.Logger(ctx).Warn("failed to read schedule source", "err", err)
		return nil
	}
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return schedule.Assign(jobs, ids)
}

func buildAgentView(a *store.Agent, c runtime.Classified, d *agentDetail, available bool, jobs int, now time.Time) AgentView {
	v := AgentView{
		ID:            a.ID,
		Name:          a.Name,
		Emoji:         a.Emoji,
		Role:          a.Role,
		Provider:      a.Provider,
		Model:         a.Model,
		Mode:          a.Mode,
		Status:        string(c.Status),
		StatusLabel:   statusLabels[c.Status],
		RAMUsage:      noValue,
		Uptime:        noValue,
		Port:          a.Port,
		Running:       c.Status == runtime.StatusRunning,
		Enabled:       a.Enabled,
		ScheduledJobs: jobs,
	}
	if !available {
		v.StatusLabel = labelUnreachable
		return v
	}
	if d == nil {
		return v
	}

	if d.statsErr != nil {
		v.Error = d.statsErr.Error()
		if errdefs.IsRuntimeUnavailable(d.statsErr) {
			v.StatusLabel = labelUnreachable
		}
	} else {
		if d.stats.MemUsage != "" {
			v.RAMUsage = d.stats.MemUsage
		}
		v.CPUPercent = d.stats.CPUPercent
	}

	if d.stateErr == nil {
		v.RestartCount = d.state.RestartCount
		if !d.state.StartedAt.IsZero() {
			v.Uptime = units.HumanDuration(now.Sub(d.state.StartedAt))
		}
	} else if v.Error == "" {
		v.Error = d.stateErr.Error()
		if errdefs.IsRuntimeUnavailable(d.stateErr) {
			v.StatusLabel = labelUnreachable
		}
	}
	return v
}
