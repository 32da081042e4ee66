// Package fleet composes the registry, the config generator and the
// container runtime into the agent lifecycle: create, start, stop, restart,
// update and destroy, plus the reconciled fleet view.
//
// Lifecycle calls for one agent are queued behind each other; calls for
// different agents run concurrently. Every runtime call carries a timeout,
// and runtime failures come back as data (ActionResult, per-agent view
// fields) rather than aborting fleet-wide work.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/bdobrica/kantai/common/redact"
	"github.com/bdobrica/kantai/common/trace"
	"github.com/bdobrica/kantai/internal/kantai/errdefs"
	"github.com/bdobrica/kantai/internal/kantai/metrics"
	"github.com/bdobrica/kantai/internal/kantai/runtime"
	"github.com/bdobrica/kantai/internal/kantai/schedule"
	"github.com/bdobrica/kantai/internal/kantai/store"
	"github.com/bdobrica/kantai/internal/kantai/templates"
)

// Service runs lifecycle operations against the fleet.
type Service struct {
	store    *store.Store
	rt       runtime.Runtime
	gen      *templates.Generator
	metrics  *metrics.Metrics
	jobs     schedule.Source
	settings Settings

	queue *agentQueue

	mu         sync.Mutex
	restarting map[string]int
}

// Options carries the optional collaborators of a Service.
type Options struct {
	Metrics *metrics.Metrics
	Jobs    schedule.Source
}

// New creates a Service.
func New(s *store.Store, rt runtime.Runtime, gen *templates.Generator, settings Settings, opts Options) *Service {
	return &Service{
		store:      s,
		rt:         rt,
		gen:        gen,
		metrics:    opts.Metrics,
		jobs:       opts.Jobs,
		settings:   settings.withDefaults(),
		queue:      newAgentQueue(),
		restarting: make(map[string]int),
	}
}

// Settings returns the effective settings.
func (s *Service) Settings() Settings {
	return s.settings
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	// ID is optional; it defaults to the normalized Name.
	ID              string   `json:"id,omitempty"`
	Name            string   `json:"name"`
	Emoji           string   `json:"emoji,omitempty"`
	Role            string   `json:"role,omitempty"`
	Provider        string   `json:"provider,omitempty"`
	Model           string   `json:"model,omitempty"`
	APIKeyMode      string   `json:"api_key_mode,omitempty"`
	CustomAPIKey    string   `json:"custom_api_key,omitempty"`
	Autonomy        string   `json:"autonomy,omitempty"`
	Mode            string   `json:"mode,omitempty"`
	SoulContent     string   `json:"soul_content,omitempty"`
	AgentsContent   string   `json:"agents_content,omitempty"`
	MemLimit        string   `json:"mem_limit,omitempty"`
	CPULimit        float64  `json:"cpu_limit,omitempty"`
	// AllowedCommands lists bare program names ("git", "python3"), never
	// command lines with arguments.
	AllowedCommands []string `json:"allowed_commands,omitempty"`
}

// StartError is returned by Create when the container could not be started
// and the new definition was rolled back. Its message is the runtime's error
// text with secrets removed.
type StartError struct {
	msg string
	err error
}

func (e *StartError) Error() string { return e.msg }
func (e *StartError) Unwrap() error { return e.err }

// Create registers and starts a new agent.
//
// Order: validate, check the id is free, write the workspace, then in one
// registry transaction pick a port, write the config artifact for it and
// insert the definition. Only then is the container run. If run fails, the
// definition and config artifact are removed again and the runtime error is
// returned; the workspace stays.
func (s *Service) Create(ctx context.Context, req CreateRequest, actor string) (*store.Agent, error) {
	ctx, _ = trace.Ensure(ctx)
	log := trace.Logger(ctx)

	in, apiKey, err := s.prepare(req)
	if err != nil {
		s.audit(ctx, actor, "agents.create", req.Name, nil, err)
		return nil, err
	}
	id := in.ID

	release, err := s.queue.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	exists, err := s.store.AgentExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		err := errdefs.Conflict("agent %q already exists", id)
		s.audit(ctx, actor, "agents.create", id, nil, err)
		return nil, err
	}

	workspace, err := s.gen.GenerateWorkspace(id, in.SoulContent, in.AgentsContent)
	if err != nil {
		s.audit(ctx, actor, "agents.create", id, nil, err)
		return nil, err
	}

	var configPath string
	agent, err := s.store.CreateAgent(ctx, in, s.settings.BasePort, func(id string, port int) error {
		p, err := s.gen.GenerateConfig(id, templates.ConfigParams{
			Provider:        in.Provider,
			Model:           in.Model,
			APIKey:          apiKey,
			Autonomy:        in.Autonomy,
			AllowedCommands: in.AllowedCommands,
			GatewayPort:     port,
		})
		configPath = p
		return err
	})
	if err != nil {
		s.metrics.RecordLifecycle("create", false)
		s.audit(ctx, actor, "agents.create", id, nil, err)
		return nil, err
	}
	log.Info("agent registered", "agent", id, "port", agent.Port)

	runErr := s.call(ctx, "run", s.settings.RuntimeTimeout, func(ctx context.Context) error {
		return s.rt.Run(ctx, runtime.RunSpec{
			Name:          runtime.ContainerNameFor(id),
			AgentID:       id,
			Image:         s.settings.Image,
			ConfigPath:    configPath,
			WorkspacePath: workspace,
			Port:          agent.Port,
			MemLimit:      agent.MemLimit,
			CPULimit:      agent.CPULimit,
			Command:       s.settings.AgentCommand,
			Network:       s.settings.Network,
			Labels:        map[string]string{"kantai.mode": agent.Mode},
		})
	})
	if runErr != nil {
		msg := redact.String(runErr.Error(), apiKey, s.settings.FleetAPIKey)
		log.Warn("agent container failed to start, rolling back", "agent", id, "err", msg)
		s.rollbackCreate(ctx, id)
		startErr := &StartError{msg: msg, err: runErr}
		s.metrics.RecordLifecycle("create", false)
		s.audit(ctx, actor, "agents.create", id, store.AuditPayload{"port": agent.Port}, startErr)
		return nil, startErr
	}

	s.metrics.RecordLifecycle("create", true)
	s.audit(ctx, actor, "agents.create", id, store.AuditPayload{
		"port":         agent.Port,
		"provider":     agent.Provider,
		"model":        agent.Model,
		"api_key_name": agent.APIKeyName,
	}, nil)
	log.Info("agent created", "agent", id, "port", agent.Port)
	return agent, nil
}

// rollbackCreate undoes the registry insert and config artifact of a create
// whose container failed to start. It ignores ctx cancellation.
func (s *Service) rollbackCreate(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	log := trace.Logger(ctx)
	if _, err := s.store.DeleteAgent(ctx, id); err != nil {
		log.Error("rollback: failed to delete agent definition", "agent", id, "err", err)
	}
	if err := s.gen.RemoveConfig(id); err != nil {
		log.Warn("rollback: failed to remove config artifact", "agent", id, "err", err)
	}
}

// prepare validates a create request and fills in defaults. It returns the
// registry input and the API key to write into the config artifact.
func (s *Service) prepare(req CreateRequest) (store.NewAgent, string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return store.NewAgent{}, "", errdefs.Validation("name must not be empty")
	}
	in := store.NewAgent{
		ID:              req.ID,
		Name:            strings.TrimSpace(req.Name),
		Emoji:           req.Emoji,
		Role:            req.Role,
		Provider:        orDefault(req.Provider, s.settings.DefaultProvider),
		Model:           orDefault(req.Model, s.settings.DefaultModel),
		Mode:            orDefault(req.Mode, store.ModeDaemon),
		Autonomy:        orDefault(req.Autonomy, templates.AutonomySupervised),
		MemLimit:        strings.TrimSpace(req.MemLimit),
		CPULimit:        req.CPULimit,
		AllowedCommands: req.AllowedCommands,
		SoulContent:     req.SoulContent,
		AgentsContent:   req.AgentsContent,
	}
	if in.Mode != store.ModeDaemon && in.Mode != store.ModeGateway {
		return store.NewAgent{}, "", errdefs.Validation("mode %q must be daemon or gateway", in.Mode)
	}
	if err := validateLimits(in.MemLimit, in.CPULimit); err != nil {
		return store.NewAgent{}, "", err
	}

	var apiKey string
	switch orDefault(req.APIKeyMode, store.APIKeyFleetDefault) {
	case store.APIKeyFleetDefault:
		in.APIKeyName = store.APIKeyFleetDefault
		apiKey = s.settings.FleetAPIKey
	case store.APIKeyCustom:
		if strings.TrimSpace(req.CustomAPIKey) == "" {
			return store.NewAgent{}, "", errdefs.Validation("custom_api_key is required when api_key_mode is custom")
		}
		in.APIKeyName = store.APIKeyCustom
		apiKey = req.CustomAPIKey
	default:
		return store.NewAgent{}, "", errdefs.Validation("api_key_mode %q must be fleet_default or custom", req.APIKeyMode)
	}

	id, err := store.AgentIDFor(in)
	if err != nil {
		return store.NewAgent{}, "", err
	}
	in.ID = id

	// Validate what goes into the config artifact now, so a bad model or
	// command is rejected before any side effect. The real port is only
	// known inside the registry transaction.
	if err := templates.ValidateParams(id, templates.ConfigParams{
		Provider:        in.Provider,
		Model:           in.Model,
		APIKey:          apiKey,
		Autonomy:        in.Autonomy,
		AllowedCommands: in.AllowedCommands,
		GatewayPort:     s.settings.BasePort,
	}); err != nil {
		return store.NewAgent{}, "", err
	}
	return in, apiKey, nil
}

func validateLimits(memLimit string, cpuLimit float64) error {
	if memLimit != "" {
		if _, err := units.RAMInBytes(memLimit); err != nil {
			return errdefs.Validation("mem_limit %q is invalid", memLimit)
		}
	}
	if cpuLimit < 0 {
		return errdefs.Validation("cpu_limit must not be negative")
	}
	return nil
}

// UpdateRequest lists the mutable fields of an agent. Nil fields are left
// unchanged.
type UpdateRequest struct {
	Emoji         *string  `json:"emoji,omitempty"`
	Role          *string  `json:"role,omitempty"`
	MemLimit      *string  `json:"mem_limit,omitempty"`
	CPULimit      *float64 `json:"cpu_limit,omitempty"`
	SoulContent   *string  `json:"soul_content,omitempty"`
	AgentsContent *string  `json:"agents_content,omitempty"`
	Enabled       *bool    `json:"enabled,omitempty"`
}

// UpdateResult is the outcome of Update. Warnings carry best-effort steps
// that failed after the definition was saved.
type UpdateResult struct {
	Agent    *store.Agent `json:"agent"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Update merges req into the definition. Changed templates are rewritten in
// the workspace; changed limits are applied to a live container when there
// is one.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest, actor string) (*UpdateResult, error) {
	ctx, _ = trace.Ensure(ctx)
	log := trace.Logger(ctx)

	if req.MemLimit != nil {
		*req.MemLimit = strings.TrimSpace(*req.MemLimit)
		if err := validateLimits(*req.MemLimit, 0); err != nil {
			return nil, err
		}
	}
	if req.CPULimit != nil {
		if err := validateLimits("", *req.CPULimit); err != nil {
			return nil, err
		}
	}

	release, err := s.queue.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	agent, err := s.store.UpdateAgent(ctx, id, store.AgentUpdate{
		Emoji:         req.Emoji,
		Role:          req.Role,
		MemLimit:      req.MemLimit,
		CPULimit:      req.CPULimit,
		SoulContent:   req.SoulContent,
		AgentsContent: req.AgentsContent,
		Enabled:       req.Enabled,
	})
	if err != nil {
		s.audit(ctx, actor, "agents.update", id, nil, err)
		return nil, err
	}
	res := &UpdateResult{Agent: agent}

	if req.SoulContent != nil || req.AgentsContent != nil {
		if _, err := s.gen.GenerateWorkspace(id, agent.SoulContent, agent.AgentsContent); err != nil {
			res.Warnings = append(res.Warnings, "workspace not updated: "+err.Error())
		}
	}
	if req.MemLimit != nil || req.CPULimit != nil {
		err := s.call(ctx, "update", s.settings.RuntimeTimeout, func(ctx context.Context) error {
			return s.rt.UpdateResources(ctx, runtime.ContainerNameFor(id), agent.MemLimit, agent.CPULimit)
		})
		if err != nil && !errdefs.IsNotFound(err) {
			res.Warnings = append(res.Warnings, "limits not applied to container: "+s.redact(err))
		}
	}

	for _, w := range res.Warnings {
		log.Warn("agent update incomplete", "agent", id, "warning", w)
	}
	s.audit(ctx, actor, "agents.update", id, store.AuditPayload{"warnings": len(res.Warnings)}, nil)
	return res, nil
}

// Get returns one definition.
func (s *Service) Get(ctx context.Context, id string) (*store.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// Destroy removes the container and then the definition. The definition is
// deleted even when container removal fails, including when the runtime is
// unreachable; that failure is reported in the result.
func (s *Service) Destroy(ctx context.Context, id, actor string) ActionResult {
	ctx, _ = trace.Ensure(ctx)
	log := trace.Logger(ctx)
	res := ActionResult{AgentID: id, Action: "destroy"}

	release, err := s.queue.acquire(ctx, id)
	if err != nil {
		return res.fail(err, err.Error())
	}
	defer release()

	if _, err := s.store.GetAgent(ctx, id); err != nil {
		s.audit(ctx, actor, "agents.destroy", id, nil, err)
		return res.fail(err, err.Error())
	}

	removeErr := s.call(ctx, "remove", s.settings.RuntimeTimeout+s.settings.StopGrace, func(ctx context.Context) error {
		return s.rt.Remove(ctx, runtime.ContainerNameFor(id))
	})

	deleted, delErr := s.store.DeleteAgent(context.WithoutCancel(ctx), id)
	res.RegistryDeleted = deleted
	if err := s.gen.RemoveConfig(id); err != nil {
		log.Warn("failed to remove config artifact", "agent", id, "err", err)
	}
	s.metrics.ForgetAgent(id)

	var msgs []string
	if removeErr != nil {
		msgs = append(msgs, "container removal failed: "+s.redact(removeErr))
	}
	if delErr != nil {
		msgs = append(msgs, "registry delete failed: "+delErr.Error())
	}
	if len(msgs) > 0 {
		res = res.fail(errors.Join(removeErr, delErr), strings.Join(msgs, "; "))
	} else {
		res.Success = true
	}

	s.metrics.RecordLifecycle("destroy", res.Success)
	s.audit(ctx, actor, "agents.destroy", id, store.AuditPayload{"registry_deleted": deleted}, res.Err)
	log.Info("agent destroyed", "agent", id, "success", res.Success, "registry_deleted", deleted)
	return res
}

// --- helpers ---

// call runs fn with a timeout and records its duration.
func (s *Service) call(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	err := fn(ctx)
	s.metrics.ObserveRuntimeCall(op, time.Since(start))
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errdefs.IsRuntimeUnavailable(err) {
		err = errdefs.Unavailable(op, err)
	}
	return err
}

func (s *Service) redact(err error) string {
	return redact.String(err.Error(), s.settings.FleetAPIKey)
}

func (s *Service) audit(ctx context.Context, actor, action, target string, payload store.AuditPayload, opErr error) {
	result, msg := "success", ""
	if opErr != nil {
		result, msg = "error", redact.String(opErr.Error(), s.settings.FleetAPIKey)
	}
	if actor == "" {
		actor = "system"
	}
	if err := s.store.WriteAudit(context.WithoutCancel(ctx), trace.FromContext(ctx), actor, action, target, result, payload, msg); err != nil {
		trace.Logger(ctx).Warn("failed to write audit entry", "action", action, "err", err)
	}
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return strings.TrimSpace(s)
}

// ActionResult is the outcome of a lifecycle action.
type ActionResult struct {
	AgentID string `json:"agent_id"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	// RegistryDeleted is set by destroy when the definition was removed.
	RegistryDeleted bool `json:"registry_deleted,omitempty"`
	// Err is the underlying error for callers that classify it.
	Err error `json:"-"`
}

func (r ActionResult) fail(err error, msg string) ActionResult {
	r.Success = false
	r.Err = err
	r.Error = msg
	return r
}

// String formats a result for logs and the CLI.
func (r ActionResult) String() string {
	if r.Success {
		return fmt.Sprintf("%s %s: ok", r.Action, r.AgentID)
	}
	return fmt.Sprintf("%s %s: %s", r.Action, r.AgentID, r.Error)
}
