package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bdobrica/kantai/internal/kantai/runtime"
)

// Metric names follow Prometheus conventions:
//   - Namespace: kantai
//   - Counter suffix: _total
//   - Histogram suffix: _seconds

// Metrics holds the Prometheus collectors of one process. All methods are
// safe on a nil receiver so components can run without metrics wired.
type Metrics struct {
	registry *prometheus.Registry

	agents           *prometheus.GaugeVec
	fleetMemoryMiB   prometheus.Gauge
	runtimeAvailable prometheus.Gauge
	agentMemoryMiB   *prometheus.GaugeVec
	agentCPUPercent  *prometheus.GaugeVec
	lifecycleOps     *prometheus.CounterVec
	runtimeCalls     *prometheus.HistogramVec
	snapshotsTotal   prometheus.Counter
	tasksTotal       prometheus.Counter
}

// NewMetrics registers the kantai collectors, plus the Go and process
// collectors, on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		agents: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kantai",
			Name:      "agents",
			Help:      "Number of registered agents by reconciled status",
		}, []string{"status"}),
		fleetMemoryMiB: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "kantai",
			Name:      "fleet_memory_mib",
			Help:      "Memory used by running agents, in MiB",
		}),
		runtimeAvailable: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "kantai",
			Name:      "runtime_available",
			Help:      "Whether the container runtime answered the last fleet listing (1) or not (0)",
		}),
		agentMemoryMiB: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kantai",
			Subsystem: "agent",
			Name:      "memory_mib",
			Help:      "Last sampled memory usage per agent, in MiB",
		}, []string{"agent"}),
		agentCPUPercent: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kantai",
			Subsystem: "agent",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage per agent, in percent of one core",
		}, []string{"agent"}),
		lifecycleOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kantai",
			Name:      "lifecycle_operations_total",
			Help:      "Lifecycle operations by action and result",
		}, []string{"action", "result"}), // result: success, failure
		runtimeCalls: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kantai",
			Name:      "runtime_call_duration_seconds",
			Help:      "Duration of container runtime calls",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"op"}),
		snapshotsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kantai",
			Name:      "snapshots_collected_total",
			Help:      "Resource snapshots written",
		}),
		tasksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kantai",
			Name:      "tasks_recorded_total",
			Help:      "Task log entries recorded",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveFleet records the outcome of a fleet listing.
func (m *Metrics) ObserveFleet(s runtime.Summary, available bool) {
	if m == nil {
		return
	}
	m.agents.WithLabelValues(string(runtime.StatusRunning)).Set(float64(s.Running))
	m.agents.WithLabelValues(string(runtime.StatusStopped)).Set(float64(s.Stopped))
	m.agents.WithLabelValues(string(runtime.StatusRestarting)).Set(float64(s.Restarting))
	m.fleetMemoryMiB.Set(s.TotalRAMMiB)
	if available {
		m.runtimeAvailable.Set(1)
	} else {
		m.runtimeAvailable.Set(0)
	}
}

// ObserveSnapshot records a collected snapshot.
func (m *Metrics) ObserveSnapshot(sn Snapshot) {
	if m == nil {
		return
	}
	m.agentMemoryMiB.WithLabelValues(sn.AgentID).Set(sn.MemUsageMiB)
	m.agentCPUPercent.WithLabelValues(sn.AgentID).Set(sn.CPUPercent)
	m.snapshotsTotal.Inc()
}

// ForgetAgent drops the per-agent series of a destroyed agent.
func (m *Metrics) ForgetAgent(agentID string) {
	if m == nil {
		return
	}
	m.agentMemoryMiB.DeleteLabelValues(agentID)
	m.agentCPUPercent.DeleteLabelValues(agentID)
}

// RecordLifecycle counts a lifecycle operation.
func (m *Metrics) RecordLifecycle(action string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.lifecycleOps.WithLabelValues(action, result).Inc()
}

// ObserveRuntimeCall records how long a runtime call took.
func (m *Metrics) ObserveRuntimeCall(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.runtimeCalls.WithLabelValues(op).Observe(d.Seconds())
}

// RecordTask counts a task log entry.
func (m *Metrics) RecordTask() {
	if m == nil {
		return
	}
	m.tasksTotal.Inc()
}
