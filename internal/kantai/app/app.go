// Package app wires the kantai fleet orchestrator together: registry,
// container runtime, config generator, metrics, and the HTTP API.
package app

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bdobrica/kantai/common/retry"
	"github.com/bdobrica/kantai/internal/kantai/config"
	"github.com/bdobrica/kantai/internal/kantai/errdefs"
	"github.com/bdobrica/kantai/internal/kantai/fleet"
	"github.com/bdobrica/kantai/internal/kantai/metrics"
	"github.com/bdobrica/kantai/internal/kantai/runtime"
	"github.com/bdobrica/kantai/internal/kantai/runtime/docker"
	"github.com/bdobrica/kantai/internal/kantai/schedule"
	"github.com/bdobrica/kantai/internal/kantai/store"
	"github.com/bdobrica/kantai/internal/kantai/templates"
)

// pruneInterval is how often snapshots older than SnapshotMaxAge are pruned.
const pruneInterval = time.Hour

// App is the kantai application.
type App struct {
	config       *Config
	store        *store.Store
	configStore  config.Store
	docker       *docker.Adapter
	runtime      runtime.Runtime
	fleet        *fleet.Service
	metricsStore *metrics.Store
	metrics      *metrics.Metrics
	collector    *metrics.Collector
	server       *Server
}

// New opens the registry, connects to the container engine and builds the
// fleet service. An unreachable engine is logged and tolerated: the fleet is
// then reported stopped until the engine comes back.
func New(cfg *Config) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	slog.Info("database initialized", "path", cfg.DatabasePath)

	configStore := config.New(st)
	overrides, err := config.LoadOverrides(context.Background(), configStore)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load config overrides: %w", err)
	}
	cfg.ApplyOverrides(overrides)

	adapter, err := docker.New(docker.Options{Network: cfg.Fleet.Network, StopGrace: cfg.Fleet.StopGrace})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create docker adapter: %w", err)
	}
	connectEngine(adapter, cfg.EngineAttempts, cfg.Fleet.RuntimeTimeout)

	rt, err := runtime.WithStatsCache(adapter, cfg.StatsCacheTTL)
	if err != nil {
		adapter.Close()
		st.Close()
		return nil, fmt.Errorf("failed to create stats cache: %w", err)
	}

	roots := []fs.FS{templates.Builtin()}
	if cfg.TemplatesDir != "" {
		roots = append([]fs.FS{os.DirFS(cfg.TemplatesDir)}, roots...)
		slog.Info("using template overrides", "dir", cfg.TemplatesDir)
	}
	gen := templates.NewGenerator(cfg.DataDir, templates.NewRegistry(roots...))

	var jobs schedule.Source
	if cfg.ScheduleFile != "" {
		jobs = schedule.FileSource{Path: cfg.ScheduleFile}
	}

	m := metrics.NewMetrics()
	svc := fleet.New(st, rt, gen, cfg.Fleet, fleet.Options{Metrics: m, Jobs: jobs})
	ms := metrics.NewStore(st, metrics.Options{
		Retention: cfg.SnapshotRetention,
		Location:  svc.Settings().Location,
	})
	collector := metrics.NewCollector(svc, rt, ms, m, metrics.CollectorConfig{
		Timeout: cfg.Fleet.RuntimeTimeout,
	})

	a := &App{
		config:       cfg,
		store:        st,
		configStore:  configStore,
		docker:       adapter,
		runtime:      rt,
		fleet:        svc,
		metricsStore: ms,
		metrics:      m,
		collector:    collector,
	}
	if cfg.HTTPAddr != "" {
		a.server = NewServer(cfg.HTTPAddr, Deps{
			Fleet:        svc,
			MetricsStore: ms,
			Metrics:      m,
			Status:       st,
		})
	}
	return a, nil
}

// connectEngine pings the engine and makes sure the fleet network exists.
func connectEngine(adapter *docker.Adapter, attempts int, timeout time.Duration) {
	ctx := context.Background()
	err := retry.Do(ctx, retry.Config{
		Name:           "docker ping",
		MaxAttempts:    attempts,
		AttemptTimeout: timeout,
		ShouldRetry:    errdefs.IsRuntimeUnavailable,
	}, adapter.Ping)
	if err != nil {
		slog.Warn("container engine unreachable; fleet will report agents as stopped", "err", err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := adapter.EnsureNetwork(callCtx); err != nil {
		slog.Warn("failed to ensure fleet network", "err", err)
	}
}

// Fleet returns the fleet service.
func (a *App) Fleet() *fleet.Service { return a.fleet }

// MetricsStore returns the snapshot and task log store.
func (a *App) MetricsStore() *metrics.Store { return a.metricsStore }

// Collector returns the snapshot collector.
func (a *App) Collector() *metrics.Collector { return a.collector }

// ConfigStore returns the persisted settings store.
func (a *App) ConfigStore() config.Store { return a.configStore }

// Run serves the API and runs the background loops until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.server != nil {
		if err := a.server.Start(ctx); err != nil {
			return err
		}
	}

	if a.config.MetricsInterval > 0 {
		go a.collector.Run(ctx, a.config.MetricsInterval)
	} else {
		slog.Info("metrics collector disabled")
	}
	if a.config.SnapshotMaxAge > 0 {
		go a.pruneLoop(ctx)
	}

	slog.Info("kantai is running", "agents_api", a.config.HTTPAddr)
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.metricsStore.Prune(ctx, time.Now().Add(-a.config.SnapshotMaxAge))
			if err != nil {
				slog.Warn("metrics: prune failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("metrics: pruned old snapshots", "count", n)
			}
		}
	}
}

// Stop releases every resource held by the application.
func (a *App) Stop() {
	if a.server != nil {
		slog.Info("stopping HTTP server")
		a.server.Stop()
	}
	if c, ok := a.runtime.(*runtime.CachedRuntime); ok {
		c.Close()
	}
	if err := a.docker.Close(); err != nil {
		slog.Warn("failed to close docker client", "err", err)
	}
	slog.Info("closing database")
	a.store.Close()
}
