package runtime

import (
	"strings"
	"time"
)

// RunSpec describes a container to create for an agent.
type RunSpec struct {
	// Name is the container name, normally ContainerNameFor(AgentID).
	Name    string
	AgentID string
	Image   string
	// ConfigPath is the host path of the generated config artifact. It is
	// mounted read-only into the container.
	ConfigPath string
	// WorkspacePath is the host path of the agent workspace, mounted
	// read-write.
	WorkspacePath string
	// Port is the gateway port, published on the same host port.
	Port int
	// MemLimit uses docker notation ("512m", "1g"). Empty means unlimited.
	MemLimit string
	// CPULimit is a number of CPUs (1.5 = one and a half cores). Zero means
	// unlimited.
	CPULimit float64
	// Command overrides the image entrypoint arguments when non-empty.
	Command []string
	Env     map[string]string
	Labels  map[string]string
	// Network is the engine network to attach. Empty uses the adapter
	// default.
	Network string
}

// ContainerRow is one container as reported by List. It is never persisted.
type ContainerRow struct {
	Name string
	// Status is the engine's free-form status text, e.g. "Up 2 hours" or
	// "Exited (0) 3 minutes ago".
	Status  string
	Created time.Time
	// AgentID is the agent label on the container, when present.
	AgentID string
}

// Stats is a point-in-time resource sample.
type Stats struct {
	// MemUsage is formatted like the docker CLI: "12.1MiB / 64MiB".
	MemUsage   string
	CPUPercent float64
}

// MemUsageMiB returns the current usage half of MemUsage in MiB.
func (s Stats) MemUsageMiB() float64 {
	return ParseMemoryMiB(s.MemUsage)
}

// MemLimitMiB returns the limit half of MemUsage in MiB.
func (s Stats) MemLimitMiB() float64 {
	_, limit, ok := strings.Cut(s.MemUsage, "/")
	if !ok {
		return 0
	}
	return ParseMemoryMiB(limit)
}

// State is the engine's detailed view of one container.
type State struct {
	// Status is the engine state: "running", "exited", "restarting", ...
	Status       string
	RestartCount int
	StartedAt    time.Time
}

// DefaultNetwork is the engine network agents are attached to.
const DefaultNetwork = "kantai"

// ContainerPrefix prefixes every fleet container name.
const ContainerPrefix = "kantai-agent-"

// ContainerNameFor returns the container name for an agent ID.
func ContainerNameFor(agentID string) string {
	return ContainerPrefix + agentID
}
