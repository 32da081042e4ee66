// Package docker provides the Docker Engine implementation of runtime.Runtime.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	cerrdefs "github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/bdobrica/kantai/common/redact"
	"github.com/bdobrica/kantai/common/version"
	"github.com/bdobrica/kantai/internal/kantai/errdefs"
	"github.com/bdobrica/kantai/internal/kantai/runtime"
)

const (
	labelManagedBy = "kantai.managed-by"
	labelAgentID   = "kantai.agent-id"
	labelPort      = "kantai.port"
	labelVersion   = "kantai.version"
	managedByValue = "kantai"

	// Mount points inside the agent container.
	configMountPath    = "/agent/config.yaml"
	workspaceMountPath = "/agent/workspace"

	defaultStopGrace = 10 * time.Second
)

// Options configures an Adapter.
type Options struct {
	// Network is the default network for new containers.
	Network string
	// StopGrace is how long Stop and Restart wait before killing.
	StopGrace time.Duration
}

// Adapter implements runtime.Runtime using the Docker Engine API.
type Adapter struct {
	client    *dockerclient.Client
	network   string
	stopGrace time.Duration
}

var _ runtime.Runtime = (*Adapter)(nil)

// New creates a Docker runtime adapter. The engine is located through
// DOCKER_HOST or the default socket path. No connection is made until the
// first call.
func New(opts Options) (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if opts.Network == "" {
		opts.Network = runtime.DefaultNetwork
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	return &Adapter{client: cli, network: opts.Network, stopGrace: opts.StopGrace}, nil
}

// Close releases the underlying client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Ping checks that the engine answers.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.client.Ping(ctx); err != nil {
		return classify("ping", "", err)
	}
	return nil
}

// EnsureNetwork creates the fleet network if it doesn't exist.
func (a *Adapter) EnsureNetwork(ctx context.Context) error {
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", a.network)),
	})
	if err != nil {
		return classify("list networks", "", err)
	}
	for _, n := range nets {
		if n.Name == a.network {
			return nil
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil && !cerrdefs.IsConflict(err) {
		return classify("create network", a.network, err)
	}
	return nil
}

// Run creates and starts an agent container. An existing container with the
// same name is accepted when it carries the same agent id and port; it is
// started if it was stopped.
func (a *Adapter) Run(ctx context.Context, spec runtime.RunSpec) error {
	if spec.Image == "" {
		return errdefs.Validation("image is required")
	}
	name := spec.Name
	if name == "" {
		name = runtime.ContainerNameFor(spec.AgentID)
	}
	networkName := spec.Network
	if networkName == "" {
		networkName = a.network
	}

	exposed, bindings, err := portBindings(spec.Port)
	if err != nil {
		return err
	}
	resources, err := resourcesFor(spec.MemLimit, spec.CPULimit)
	if err != nil {
		return err
	}

	env := envFor(spec)
	slog.Debug("creating agent container", "name", name, "image", spec.Image, "env", redact.Env(env))

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          env,
		Labels:       labelsFor(spec),
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		PortBindings:  bindings,
		Binds:         bindsFor(spec),
		Resources:     resources,
	}
	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, name)
	if err != nil {
		if !cerrdefs.IsConflict(err) {
			return classify("create container", name, err)
		}
		existing, ierr := a.client.ContainerInspect(ctx, name)
		if ierr != nil {
			return classify("inspect container", name, ierr)
		}
		if !matchesSpec(existing, spec) {
			return errdefs.Conflict("container %s already exists for a different agent or port", name)
		}
		if err := a.client.ContainerStart(ctx, existing.ID, container.StartOptions{}); err != nil {
			return classify("start container", name, err)
		}
		return nil
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Don't leave a created-but-never-started container holding the name.
		_ = a.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return classify("start container", name, err)
	}
	return nil
}

// Start starts an existing container.
func (a *Adapter) Start(ctx context.Context, name string) error {
	if err := a.client.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return classify("start container", name, err)
	}
	return nil
}

// Stop stops a container, killing it after the grace period.
func (a *Adapter) Stop(ctx context.Context, name string) error {
	timeout := int(a.stopGrace.Seconds())
	if err := a.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return classify("stop container", name, err)
	}
	return nil
}

// Restart stops and starts a container.
func (a *Adapter) Restart(ctx context.Context, name string) error {
	timeout := int(a.stopGrace.Seconds())
	if err := a.client.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return classify("restart container", name, err)
	}
	return nil
}

// Remove force-removes a container. A missing container is not an error.
func (a *Adapter) Remove(ctx context.Context, name string) error {
	err := a.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return classify("remove container", name, err)
	}
	return nil
}

// List returns every kantai-managed container.
func (a *Adapter) List(ctx context.Context) ([]runtime.ContainerRow, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, classify("list containers", "", err)
	}

	rows := make([]runtime.ContainerRow, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		rows = append(rows, runtime.ContainerRow{
			Name:    name,
			Status:  c.Status,
			Created: time.Unix(c.Created, 0).UTC(),
			AgentID: c.Labels[labelAgentID],
		})
	}
	return rows, nil
}

// Stats takes a single non-streaming sample.
func (a *Adapter) Stats(ctx context.Context, name string) (runtime.Stats, error) {
	resp, err := a.client.ContainerStats(ctx, name, false)
	if err != nil {
		return runtime.Stats{}, classify("container stats", name, err)
	}
	defer resp.Body.Close()

	var s types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		if ctx.Err() != nil {
			return runtime.Stats{}, errdefs.Unavailable("container stats "+name, ctx.Err())
		}
		return runtime.Stats{}, fmt.Errorf("decode stats for %s: %w", name, err)
	}
	return runtime.Stats{
		MemUsage:   memUsageText(s),
		CPUPercent: cpuPercent(s),
	}, nil
}

// State inspects a container.
func (a *Adapter) State(ctx context.Context, name string) (runtime.State, error) {
	inspect, err := a.client.ContainerInspect(ctx, name)
	if err != nil {
		return runtime.State{}, classify("inspect container", name, err)
	}
	return stateFromInspect(inspect), nil
}

// UpdateResources applies new limits to a live container.
func (a *Adapter) UpdateResources(ctx context.Context, name, memLimit string, cpuLimit float64) error {
	resources, err := resourcesFor(memLimit, cpuLimit)
	if err != nil {
		return err
	}
	if _, err := a.client.ContainerUpdate(ctx, name, container.UpdateConfig{Resources: resources}); err != nil {
		return classify("update container", name, err)
	}
	return nil
}

// --- helpers ---

// classify maps engine errors onto the fleet error taxonomy.
func classify(op, name string, err error) error {
	if name != "" {
		op = op + " " + name
	}
	switch {
	case dockerclient.IsErrConnectionFailed(err),
		errors.Is(err, context.DeadlineExceeded),
		cerrdefs.IsUnavailable(err),
		cerrdefs.IsDeadline(err):
		return errdefs.Unavailable(op, err)
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s: %w", errdefs.ErrNotFound, op, err)
	case cerrdefs.IsConflict(err):
		return fmt.Errorf("%w: %s: %w", errdefs.ErrConflict, op, err)
	case cerrdefs.IsInvalidParameter(err):
		return fmt.Errorf("%w: %s: %w", errdefs.ErrValidation, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func labelsFor(spec runtime.RunSpec) map[string]string {
	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelAgentID:   spec.AgentID,
		labelPort:      strconv.Itoa(spec.Port),
		labelVersion:   version.Get().Version,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	return labels
}

func envFor(spec runtime.RunSpec) []string {
	env := []string{
		"AGENT_ID=" + spec.AgentID,
		"KANTAI_CONFIG=" + configMountPath,
		"KANTAI_WORKSPACE=" + workspaceMountPath,
		"KANTAI_GATEWAY_PORT=" + strconv.Itoa(spec.Port),
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	return env
}

func bindsFor(spec runtime.RunSpec) []string {
	var binds []string
	if spec.ConfigPath != "" {
		binds = append(binds, spec.ConfigPath+":"+configMountPath+":ro")
	}
	if spec.WorkspacePath != "" {
		binds = append(binds, spec.WorkspacePath+":"+workspaceMountPath)
	}
	return binds
}

// portBindings publishes port/tcp on the same host port.
func portBindings(port int) (nat.PortSet, nat.PortMap, error) {
	if port <= 0 {
		return nil, nil, nil
	}
	p, err := nat.NewPort("tcp", strconv.Itoa(port))
	if err != nil {
		return nil, nil, errdefs.Validation("invalid port %d: %v", port, err)
	}
	return nat.PortSet{p: struct{}{}},
		nat.PortMap{p: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(port)}}},
		nil
}

// resourcesFor converts "512m"-style memory and fractional CPUs into engine
// resource limits. Swap is left unlimited so raising memory on a live
// container never trips the engine's memory <= swap check.
func resourcesFor(memLimit string, cpuLimit float64) (container.Resources, error) {
	var r container.Resources
	if strings.TrimSpace(memLimit) != "" {
		bytes, err := units.RAMInBytes(memLimit)
		if err != nil {
			return r, errdefs.Validation("invalid mem_limit %q: %v", memLimit, err)
		}
		r.Memory = bytes
		r.MemorySwap = -1
	}
	if cpuLimit < 0 {
		return r, errdefs.Validation("invalid cpu_limit %v", cpuLimit)
	}
	if cpuLimit > 0 {
		r.NanoCPUs = int64(cpuLimit * 1e9)
	}
	return r, nil
}

// matchesSpec reports whether an existing container is the one spec would
// create: same agent label and the same published port.
func matchesSpec(inspect types.ContainerJSON, spec runtime.RunSpec) bool {
	if inspect.Config == nil || inspect.Config.Labels[labelAgentID] != spec.AgentID {
		return false
	}
	if spec.Port <= 0 {
		return true
	}
	if inspect.ContainerJSONBase == nil || inspect.HostConfig == nil {
		return false
	}
	want := strconv.Itoa(spec.Port)
	for _, bindings := range inspect.HostConfig.PortBindings {
		for _, b := range bindings {
			if b.HostPort == want {
				return true
			}
		}
	}
	return false
}

func stateFromInspect(inspect types.ContainerJSON) runtime.State {
	var st runtime.State
	if inspect.ContainerJSONBase != nil {
		st.RestartCount = inspect.RestartCount
		if inspect.State != nil {
			st.Status = inspect.State.Status
			if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil && !t.IsZero() {
				st.StartedAt = t
			}
		}
	}
	return st
}

// memUsageText formats usage the way `docker stats` does: page cache is
// not counted as usage.
func memUsageText(s types.StatsJSON) string {
	usage := s.MemoryStats.Usage
	if v, ok := s.MemoryStats.Stats["total_inactive_file"]; ok && v < usage {
		usage -= v
	} else if v, ok := s.MemoryStats.Stats["inactive_file"]; ok && v < usage {
		usage -= v
	}
	return units.BytesSize(float64(usage)) + " / " + units.BytesSize(float64(s.MemoryStats.Limit))
}

func cpuPercent(s types.StatsJSON) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta <= 0 || sysDelta <= 0 || online == 0 {
		return 0
	}
	return cpuDelta / sysDelta * online * 100
}
