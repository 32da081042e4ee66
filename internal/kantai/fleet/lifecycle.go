package fleet

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/kantai/common/trace"
	"github.com/bdobrica/kantai/internal/kantai/errdefs"
	"github.com/bdobrica/kantai/internal/kantai/runtime"
	"github.com/bdobrica/kantai/internal/kantai/store"
)

// bulkConcurrency caps in-flight runtime calls of StartAll and StopAll.
const bulkConcurrency = 8

// Start starts an agent's container. When the container is gone (pruned by
// hand, engine reset) it is recreated from the definition and the config
// artifact already on disk.
func (s *Service) Start(ctx context.Context, id, actor string) ActionResult {
	return s.lifecycle(ctx, id, "start", actor, func(ctx context.Context, a *store.Agent) error {
		name := runtime.ContainerNameFor(a.ID)
		err := s.call(ctx, "start", s.settings.RuntimeTimeout, func(ctx context.Context) error {
			return s.rt.Start(ctx, name)
		})
		if !errdefs.IsNotFound(err) {
			return err
		}
		spec, specErr := s.runSpecFor(a)
		if specErr != nil {
			return specErr
		}
		trace.Logger(ctx).Info("container missing, recreating", "agent", a.ID)
		return s.call(ctx, "run", s.settings.RuntimeTimeout, func(ctx context.Context) error {
			return s.rt.Run(ctx, spec)
		})
	})
}

// Stop stops an agent's container gracefully.
func (s *Service) Stop(ctx context.Context, id, actor string) ActionResult {
	return s.lifecycle(ctx, id, "stop", actor, func(ctx context.Context, a *store.Agent) error {
		return s.call(ctx, "stop", s.settings.RuntimeTimeout+s.settings.StopGrace, func(ctx context.Context) error {
			return s.rt.Stop(ctx, runtime.ContainerNameFor(a.ID))
		})
	})
}

// Restart restarts an agent's container. The fleet view reports the agent
// as restarting until the call returns.
func (s *Service) Restart(ctx context.Context, id, actor string) ActionResult {
	return s.lifecycle(ctx, id, "restart", actor, func(ctx context.Context, a *store.Agent) error {
		s.markRestarting(a.ID, true)
		defer s.markRestarting(a.ID, false)
		return s.call(ctx, "restart", s.settings.RuntimeTimeout+s.settings.StopGrace, func(ctx context.Context) error {
			return s.rt.Restart(ctx, runtime.ContainerNameFor(a.ID))
		})
	})
}

// lifecycle queues behind other calls for id, loads the definition and runs
// fn, turning the outcome into an ActionResult.
func (s *Service) lifecycle(ctx context.Context, id, action, actor string, fn func(context.Context, *store.Agent) error) ActionResult {
	ctx, _ = trace.Ensure(ctx)
	res := ActionResult{AgentID: id, Action: action}

	release, err := s.queue.acquire(ctx, id)
	if err != nil {
		return res.fail(err, err.Error())
	}
	defer release()

	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		s.audit(ctx, actor, "agents."+action, id, nil, err)
		return res.fail(err, err.Error())
	}

	if err := fn(ctx, a); err != nil {
		res = res.fail(err, s.redact(err))
		trace.Logger(ctx).Warn("lifecycle action failed", "agent", id, "action", action, "err", res.Error)
	} else {
		res.Success = true
		trace.Logger(ctx).Info("lifecycle action done", "agent", id, "action", action)
	}
	s.metrics.RecordLifecycle(action, res.Success)
	s.audit(ctx, actor, "agents."+action, id, nil, res.Err)
	return res
}

func (s *Service) runSpecFor(a *store.Agent) (runtime.RunSpec, error) {
	configPath := s.gen.ConfigPath(a.ID)
	if _, err := os.Stat(configPath); err != nil {
		return runtime.RunSpec{}, errdefs.Artifact("stat config", err)
	}
	workspace, err := s.gen.GenerateWorkspace(a.ID, a.SoulContent, a.AgentsContent)
	if err != nil {
		return runtime.RunSpec{}, err
	}
	return runtime.RunSpec{
		Name:          runtime.ContainerNameFor(a.ID),
		AgentID:       a.ID,
		Image:         s.settings.Image,
		ConfigPath:    configPath,
		WorkspacePath: workspace,
		Port:          a.Port,
		MemLimit:      a.MemLimit,
		CPULimit:      a.CPULimit,
		Command:       s.settings.AgentCommand,
		Network:       s.settings.Network,
		Labels:        map[string]string{"kantai.mode": a.Mode},
	}, nil
}

func (s *Service) markRestarting(id string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.restarting[id]++
		return
	}
	if s.restarting[id]--; s.restarting[id] <= 0 {
		delete(s.restarting, id)
	}
}

func (s *Service) restartingSet() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.restarting))
	for id := range s.restarting {
		out[id] = true
	}
	return out
}

// StartAll starts every enabled agent. Disabled agents are skipped. Results
// are in registry order.
func (s *Service) StartAll(ctx context.Context, actor string) ([]ActionResult, error) {
	return s.bulk(ctx, true, func(ctx context.Context, id string) ActionResult {
		return s.Start(ctx, id, actor)
	})
}

// StopAll stops every agent.
func (s *Service) StopAll(ctx context.Context, actor string) ([]ActionResult, error) {
	return s.bulk(ctx, false, func(ctx context.Context, id string) ActionResult {
		return s.Stop(ctx, id, actor)
	})
}

func (s *Service) bulk(ctx context.Context, enabledOnly bool, fn func(context.Context, string) ActionResult) ([]ActionResult, error) {
	ctx, _ = trace.Ensure(ctx)
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, a := range agents {
		if enabledOnly && !a.Enabled {
			continue
		}
		ids = append(ids, a.ID)
	}

	results := make([]ActionResult, len(ids))
	var g errgroup.Group
	g.SetLimit(bulkConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = fn(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
