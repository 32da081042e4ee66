package app

import (
	"strings"
	"time"

	"github.com/bdobrica/kantai/common/environment"
	"github.com/bdobrica/kantai/internal/kantai/config"
	"github.com/bdobrica/kantai/internal/kantai/fleet"
	"github.com/bdobrica/kantai/internal/kantai/metrics"
)

// Config holds application configuration.
type Config struct {
	DatabasePath string
	// DataDir holds generated configs (agents/<id>/) and workspaces
	// (workspaces/<id>/).
	DataDir string
	// HTTPAddr is the listen address of the API server. When empty the
	// server is disabled.
	HTTPAddr string
	// TemplatesDir is an optional directory whose templates shadow the
	// built-in ones.
	TemplatesDir string
	// ScheduleFile is an optional YAML export of the external scheduler's
	// jobs, used to count scheduled jobs per agent.
	ScheduleFile string

	LogLevel  string
	LogFormat string

	Fleet fleet.Settings

	// MetricsInterval is how often running agents are sampled. Zero
	// disables the built-in ticker; snapshots can still be taken on demand.
	MetricsInterval time.Duration
	// SnapshotRetention caps snapshots kept per agent.
	SnapshotRetention int
	// SnapshotMaxAge prunes snapshots older than this. Zero keeps them.
	SnapshotMaxAge time.Duration
	// StatsCacheTTL is how long a stats sample is reused.
	StatsCacheTTL time.Duration
	// EngineAttempts is how many times the engine is pinged at startup
	// before the runtime is reported unavailable.
	EngineAttempts int
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() *Config {
	d := fleet.DefaultSettings()
	return &Config{
		DatabasePath: environment.StringOr("KANTAI_DATABASE_PATH", "./kantai.db"),
		DataDir:      environment.StringOr("KANTAI_DATA_DIR", "./data"),
		HTTPAddr:     environment.StringOr("KANTAI_HTTP_ADDR", ":8080"),
		TemplatesDir: environment.StringOr("KANTAI_TEMPLATES_DIR", ""),
		ScheduleFile: environment.StringOr("KANTAI_SCHEDULE_FILE", ""),
		LogLevel:     environment.StringOr("KANTAI_LOG_LEVEL", "info"),
		LogFormat:    environment.StringOr("KANTAI_LOG_FORMAT", "text"),
		Fleet: fleet.Settings{
			BasePort:        environment.IntOr("KANTAI_BASE_PORT", d.BasePort),
			Image:           environment.StringOr("KANTAI_AGENT_IMAGE", d.Image),
			Network:         environment.StringOr("KANTAI_DOCKER_NETWORK", d.Network),
			FleetAPIKey:     environment.StringOr("KANTAI_FLEET_API_KEY", ""),
			DefaultProvider: environment.StringOr("KANTAI_DEFAULT_PROVIDER", d.DefaultProvider),
			DefaultModel:    environment.StringOr("KANTAI_DEFAULT_MODEL", d.DefaultModel),
			RuntimeTimeout:  environment.DurationOr("KANTAI_RUNTIME_TIMEOUT", d.RuntimeTimeout),
			StopGrace:       environment.DurationOr("KANTAI_STOP_GRACE", d.StopGrace),
			Location:        environment.LocationOr("KANTAI_TIMEZONE", d.Location),
			AgentCommand:    strings.Fields(environment.StringOr("KANTAI_AGENT_COMMAND", "")),
		},
		MetricsInterval:   environment.DurationOr("KANTAI_METRICS_INTERVAL", 5*time.Minute),
		SnapshotRetention: environment.IntOr("KANTAI_SNAPSHOT_RETENTION", metrics.DefaultRetention),
		SnapshotMaxAge:    environment.DurationOr("KANTAI_SNAPSHOT_MAX_AGE", 7*24*time.Hour),
		StatsCacheTTL:     environment.DurationOr("KANTAI_STATS_CACHE_TTL", 2*time.Second),
		EngineAttempts:    environment.IntOr("KANTAI_ENGINE_ATTEMPTS", 3),
	}
}

// ApplyOverrides layers the values persisted in the config table over c.
func (c *Config) ApplyOverrides(o config.Overrides) {
	if o.BasePort != 0 {
		c.Fleet.BasePort = o.BasePort
	}
	if o.Image != "" {
		c.Fleet.Image = o.Image
	}
	if o.DefaultProvider != "" {
		c.Fleet.DefaultProvider = o.DefaultProvider
	}
	if o.DefaultModel != "" {
		c.Fleet.DefaultModel = o.DefaultModel
	}
	if o.Timezone != nil {
		c.Fleet.Location = o.Timezone
	}
}
