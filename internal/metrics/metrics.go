// Package metrics exposes Prometheus instrumentation for the control plane.
package metrics

import (
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
)

// Metrics holds the control plane's Prometheus collectors.
type Metrics struct {
	HeartbeatsTotal         prometheus.Counter
	HeartbeatsRejectedTotal prometheus.Counter
	PushesTotal             *prometheus.CounterVec
	PushFailuresTotal       *prometheus.CounterVec
	SweepEvictionsTotal     prometheus.Counter
	LiveSessions            prometheus.Gauge
}

// New registers and returns the control plane collectors. Tests pass their
// own prometheus.NewRegistry() to avoid default-registry collisions.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcp_heartbeats_total",
			Help: "Heartbeats accepted from devices.",
		}),
		HeartbeatsRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcp_heartbeats_rejected_total",
			Help: "Heartbeats rejected (device not operable or unknown).",
		}),
		PushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcp_instance_pushes_total",
			Help: "Start/stop commands queued toward devices.",
		}, []string{"kind"}),
		PushFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcp_instance_push_failures_total",
			Help: "Commands dropped because no live session or queue full.",
		}, []string{"kind"}),
		SweepEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcp_sweep_evictions_total",
			Help: "Sessions evicted by the liveness sweep.",
		}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshcp_live_sessions",
			Help: "Currently connected device sessions.",
		}),
	}
	reg.MustRegister(
		m.HeartbeatsTotal,
		m.HeartbeatsRejectedTotal,
		m.PushesTotal,
		m.PushFailuresTotal,
		m.SweepEvictionsTotal,
		m.LiveSessions,
	)
	return m
}

// ProcessStats is a snapshot of the control plane's own resource usage,
// reported on the health endpoint.
type ProcessStats struct {
	PID           int32     `json:"pid"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryRSSMB   float64   `json:"memory_rss_mb"`
	Goroutines    int       `json:"goroutines"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

var startTime = time.Now()

// CollectProcessStats gathers self stats via gopsutil. Fields that fail to
// collect are left zero rather than failing the health check.
func CollectProcessStats() ProcessStats {
	stats := ProcessStats{
		PID:           int32(os.Getpid()),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: time.Since(startTime).Seconds(),
		Timestamp:     time.Now(),
	}
	proc, err := process.NewProcess(stats.PID)
	if err != nil {
		return stats
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryRSSMB = float64(mem.RSS) / (1024 * 1024)
	}
	return stats
}
