// Package worker provides background workers for the control plane.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/lattice-net/mesh-cp/internal/metrics"
	"github.com/lattice-net/mesh-cp/internal/session"
)

// SessionEvicter is the session table surface the sweep uses.
type SessionEvicter interface {
	// EvictStale removes sessions with no heartbeat since the deadline and
	// returns them.
	EvictStale(deadline time.Time) []*session.Session

	// Len returns the number of live sessions.
	Len() int
}

// ReachabilityMarker flips a device's reachability in the registry.
type ReachabilityMarker interface {
	SetReachability(ctx context.Context, deviceID string, online bool) error
}

// SweepConfig holds configuration for the liveness sweep.
type SweepConfig struct {
	// Interval between sweep runs.
	Interval time.Duration

	// Timeout is how long a session may go without a heartbeat before it is
	// declared dead.
	Timeout time.Duration
}

// DefaultSweepConfig returns sensible defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval: 15 * time.Second,
		Timeout:  90 * time.Second, // three missed 30s heartbeats
	}
}

// SweepWorker periodically evicts sessions whose heartbeats stopped and
// marks the devices offline. It is the only component allowed to declare a
// device unreachable absent an explicit disconnect.
type SweepWorker struct {
	table    SessionEvicter
	registry ReachabilityMarker
	config   SweepConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	stopCh   chan struct{}
}

// NewSweepWorker creates a liveness sweep worker.
func NewSweepWorker(table SessionEvicter, registry ReachabilityMarker, config SweepConfig, m *metrics.Metrics, logger *slog.Logger) *SweepWorker {
	return &SweepWorker{
		table:    table,
		registry: registry,
		config:   config,
		metrics:  m,
		logger:   logger.With("component", "sweep_worker"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep worker in a goroutine.
func (w *SweepWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *SweepWorker) Stop() {
	close(w.stopCh)
}

func (w *SweepWorker) run(ctx context.Context) {
	w.logger.Info("sweep worker started",
		"interval", w.config.Interval,
		"timeout", w.config.Timeout,
	)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sweep worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("sweep worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep pass. Exported for tests and for forced
// sweeps during shutdown.
func (w *SweepWorker) RunOnce(ctx context.Context) int {
	deadline := time.Now().Add(-w.config.Timeout)
	evicted := w.table.EvictStale(deadline)
	if len(evicted) == 0 {
		return 0
	}

	for _, sess := range evicted {
		if err := w.registry.SetReachability(ctx, sess.DeviceID, false); err != nil {
			w.logger.Warn("failed to mark swept device offline",
				"device_id", sess.DeviceID,
				"error", err,
			)
		}
		w.logger.Info("session evicted by liveness sweep",
			"device_id", sess.DeviceID,
			"session_id", sess.ID,
			"last_report", sess.LastReport(),
		)
	}

	if w.metrics != nil {
		w.metrics.SweepEvictionsTotal.Add(float64(len(evicted)))
		w.metrics.LiveSessions.Set(float64(w.table.Len()))
	}
	return len(evicted)
}
