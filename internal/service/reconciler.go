package service

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/lattice-net/mesh-cp/pkg/types"
)

// Heartbeat reconciliation.
//
// The loop is level-triggered: every heartbeat recomputes the full diff
// between the enabled instances in the store and the set the device reports
// running. Missed pushes, reordered heartbeats and device restarts all
// self-heal because the diff reappears until the device converges. Pushes
// are fire-and-forget; a failed enqueue is logged and retried implicitly on
// the next cycle.

// ProcessHeartbeat handles one report from a connected device. The returned
// error is the device's answer: nil means "accepted, converging",
// ErrDeviceNotOperable means "rejected, stop trying".
func (s *Service) ProcessHeartbeat(ctx context.Context, report types.HeartbeatReport) error {
	device, err := s.store.GetDevice(ctx, report.DeviceID)
	if err != nil {
		if s.metrics != nil {
			s.metrics.HeartbeatsRejectedTotal.Inc()
		}
		return err
	}
	if !device.Status.IsOperable() {
		if s.metrics != nil {
			s.metrics.HeartbeatsRejectedTotal.Inc()
		}
		return fmt.Errorf("%w: device %s is %s", types.ErrDeviceNotOperable, report.DeviceID, device.Status)
	}

	now := report.ReportedAt
	if now.IsZero() {
		now = time.Now()
	}

	// Liveness first. A heartbeat that arrives after the session was torn
	// down is logged and otherwise ignored for session state; the durable
	// update below still happens.
	if !s.sessions.Touch(report.DeviceID, report.RunningInstanceIDs, now) {
		s.logger.Debug("heartbeat without live session",
			"device_id", report.DeviceID,
		)
	}

	if err := s.store.UpdateDeviceHeartbeat(ctx, report.DeviceID, now, report.Hostname, report.ClientVersion); err != nil {
		return err
	}
	if device.Status == types.StatusOffline {
		if err := s.SetReachability(ctx, report.DeviceID, true); err != nil {
			s.logger.Warn("failed to mark heartbeating device online",
				"device_id", report.DeviceID, "error", err)
		}
	}

	s.resolveLocation(ctx, device, report.SourceAddr)

	// Desired state is read fresh from the store on every heartbeat so the
	// latest administrative edits always win.
	enabled, err := s.store.ListEnabledNetworkInstances(ctx, report.DeviceID)
	if err != nil {
		return err
	}

	toStart, toStop := diffInstances(enabled, report.RunningInstanceIDs)

	for _, inst := range toStart {
		s.pushRun(report.DeviceID, inst)
	}
	for _, instanceID := range toStop {
		s.pushStop(report.DeviceID, instanceID)
	}

	if s.metrics != nil {
		s.metrics.HeartbeatsTotal.Inc()
	}
	s.logger.Debug("heartbeat reconciled",
		"device_id", report.DeviceID,
		"reported", len(report.RunningInstanceIDs),
		"enabled", len(enabled),
		"to_start", len(toStart),
		"to_stop", len(toStop),
	)
	return nil
}

// diffInstances computes the corrective sets: enabled-but-not-running
// instances to start, running-but-not-enabled ids to stop. The sets are
// disjoint by construction.
func diffInstances(enabled []types.NetworkInstance, reported []string) (toStart []types.NetworkInstance, toStop []string) {
	running := make(map[string]bool, len(reported))
	for _, id := range reported {
		running[id] = true
	}

	enabledIDs := make(map[string]bool, len(enabled))
	for _, inst := range enabled {
		enabledIDs[inst.ID] = true
		if !running[inst.ID] {
			toStart = append(toStart, inst)
		}
	}
	for _, id := range reported {
		if !enabledIDs[id] {
			toStop = append(toStop, id)
		}
	}
	return toStart, toStop
}

// resolveLocation updates the device's stored location from its source
// address, best-effort: any failure leaves the previous location in place.
func (s *Service) resolveLocation(ctx context.Context, device *types.Device, sourceAddr string) {
	if s.geo == nil || sourceAddr == "" {
		return
	}
	ip := sourceAddr
	if host, _, err := net.SplitHostPort(sourceAddr); err == nil {
		ip = host
	}

	loc, err := s.geo.Resolve(ctx, ip)
	if err != nil {
		s.logger.Debug("geo resolution failed", "device_id", device.ID, "ip", ip, "error", err)
		return
	}
	if loc == nil {
		return
	}
	if device.Location != nil && *device.Location == *loc {
		return
	}
	if err := s.store.UpdateDeviceLocation(ctx, device.ID, *loc); err != nil {
		s.logger.Warn("failed to store device location", "device_id", device.ID, "error", err)
	}
}

// pushRun queues a start command on the device's current session, if any.
// Reports whether the command was queued; either way the next heartbeat's
// diff covers a miss.
func (s *Service) pushRun(deviceID string, inst types.NetworkInstance) bool {
	sess, ok := s.sessions.Get(deviceID)
	if !ok {
		s.logger.Debug("no live session for start push",
			"device_id", deviceID, "instance_id", inst.ID)
		s.countPushFailure(types.CommandRunInstance)
		return false
	}
	cfg := inst.Config
	queued := sess.Enqueue(types.Command{
		Kind:       types.CommandRunInstance,
		InstanceID: inst.ID,
		Config:     &cfg,
		IssuedAt:   time.Now(),
	})
	if !queued {
		s.logger.Warn("start push dropped, queue full or session closed",
			"device_id", deviceID, "instance_id", inst.ID)
		s.countPushFailure(types.CommandRunInstance)
		return false
	}
	if s.metrics != nil {
		s.metrics.PushesTotal.WithLabelValues(string(types.CommandRunInstance)).Inc()
	}
	s.logger.Info("start command queued", "device_id", deviceID, "instance_id", inst.ID)
	return true
}

// pushStop queues a stop command on the device's current session, if any.
func (s *Service) pushStop(deviceID, instanceID string) bool {
	sess, ok := s.sessions.Get(deviceID)
	if !ok {
		s.logger.Debug("no live session for stop push",
			"device_id", deviceID, "instance_id", instanceID)
		s.countPushFailure(types.CommandStopInstance)
		return false
	}
	queued := sess.Enqueue(types.Command{
		Kind:       types.CommandStopInstance,
		InstanceID: instanceID,
		IssuedAt:   time.Now(),
	})
	if !queued {
		s.logger.Warn("stop push dropped, queue full or session closed",
			"device_id", deviceID, "instance_id", instanceID)
		s.countPushFailure(types.CommandStopInstance)
		return false
	}
	if s.metrics != nil {
		s.metrics.PushesTotal.WithLabelValues(string(types.CommandStopInstance)).Inc()
	}
	s.logger.Info("stop command queued", "device_id", deviceID, "instance_id", instanceID)
	return true
}

func (s *Service) countPushFailure(kind types.CommandKind) {
	if s.metrics != nil {
		s.metrics.PushFailuresTotal.WithLabelValues(string(kind)).Inc()
	}
}
