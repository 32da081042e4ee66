package fleet

import (
	"time"

	"github.com/bdobrica/kantai/internal/kantai/runtime"
)

// Settings is the explicit configuration of the orchestration layer. It is
// assembled once at startup from the environment, flags and the config table
// and then passed in; the fleet reads no globals.
type Settings struct {
	// BasePort is the lowest host port handed to an agent.
	BasePort int
	// Image is the agent container image.
	Image string
	// Network is the container network agents join.
	Network string
	// FleetAPIKey is used by agents created with api_key_mode=fleet_default.
	FleetAPIKey string
	// DefaultProvider and DefaultModel fill in create requests that omit them.
	DefaultProvider string
	DefaultModel    string
	// RuntimeTimeout bounds every runtime call.
	RuntimeTimeout time.Duration
	// StopGrace is added to RuntimeTimeout for calls that stop a container.
	StopGrace time.Duration
	// Location is the fleet timezone.
	Location *time.Location
	// AgentCommand overrides the image command when non-empty.
	AgentCommand []string
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		BasePort:        42617,
		Image:           "ghcr.io/bdobrica/kantai-agent:latest",
		Network:         runtime.DefaultNetwork,
		DefaultProvider: "openrouter",
		DefaultModel:    "anthropic/claude-sonnet-4",
		RuntimeTimeout:  10 * time.Second,
		StopGrace:       10 * time.Second,
		Location:        time.Local,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.BasePort == 0 {
		s.BasePort = d.BasePort
	}
	if s.Image == "" {
		s.Image = d.Image
	}
	if s.Network == "" {
		s.Network = d.Network
	}
	if s.DefaultProvider == "" {
		s.DefaultProvider = d.DefaultProvider
	}
	if s.DefaultModel == "" {
		s.DefaultModel = d.DefaultModel
	}
	if s.RuntimeTimeout <= 0 {
		s.RuntimeTimeout = d.RuntimeTimeout
	}
	if s.StopGrace < 0 {
		s.StopGrace = 0
	}
	if s.Location == nil {
		s.Location = d.Location
	}
	return s
}
