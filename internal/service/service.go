// Package service contains the business logic for the control plane: the
// device registry state machine, the network instance controller and the
// heartbeat reconciler, composed into one explicitly constructed engine.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-net/mesh-cp/internal/metrics"
	"github.com/lattice-net/mesh-cp/internal/session"
	"github.com/lattice-net/mesh-cp/pkg/types"
)

// Store is the persistence surface the engine needs. *store.Store implements
// it; tests substitute an in-memory mock.
type Store interface {
	CreateOrganization(ctx context.Context, org *types.Organization) error
	GetOrganization(ctx context.Context, id string) (*types.Organization, error)
	RenameOrganization(ctx context.Context, id, name string) error
	ListOrganizations(ctx context.Context) ([]types.Organization, error)

	CreateDevice(ctx context.Context, d *types.Device) error
	GetDevice(ctx context.Context, id string) (*types.Device, error)
	GetDeviceBySerial(ctx context.Context, serial string) (*types.Device, error)
	ListDevicesByOrganization(ctx context.Context, orgID string) ([]types.Device, error)
	TransitionDeviceStatus(ctx context.Context, id string, from, to types.DeviceStatus) error
	SetDeviceOrganization(ctx context.Context, id, orgID string) error
	UpdateDeviceHeartbeat(ctx context.Context, id string, at time.Time, hostname, clientVersion string) error
	UpdateDeviceLocation(ctx context.Context, id string, loc types.Location) error
	SetDeviceAuthTokenHash(ctx context.Context, id, hash string) error
	GetDeviceAuthTokenHash(ctx context.Context, id string) (string, error)
	DeleteDevice(ctx context.Context, id string) error

	CreateNetworkInstance(ctx context.Context, inst *types.NetworkInstance, maxInstances int, addrPool netip.Prefix) error
	GetNetworkInstance(ctx context.Context, deviceID, instanceID string) (*types.NetworkInstance, error)
	ListNetworkInstances(ctx context.Context, deviceID string) ([]types.NetworkInstance, error)
	ListEnabledNetworkInstances(ctx context.Context, deviceID string) ([]types.NetworkInstance, error)
	ListNetworkInstancesForOrganization(ctx context.Context, orgID string) ([]types.NetworkInstance, error)
	SetNetworkInstanceEnabled(ctx context.Context, deviceID, instanceID string, enabled bool, expectedVersion int) (*types.NetworkInstance, error)
	DeleteNetworkInstance(ctx context.Context, deviceID, instanceID string) error
}

// GeoResolver maps an IP address to a coarse location, best-effort.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (*types.Location, error)
}

// Config tunes the engine.
type Config struct {
	// InstanceCap is the maximum number of network instances per device.
	InstanceCap int

	// VirtualAddrPool is the prefix virtual addresses are assigned from.
	VirtualAddrPool netip.Prefix
}

// DefaultConfig returns the single-instance deployment defaults.
func DefaultConfig() Config {
	return Config{
		InstanceCap:     1,
		VirtualAddrPool: netip.MustParsePrefix("10.144.0.0/24"),
	}
}

// Service is the control plane engine. It owns the session table and drives
// all lifecycle mutations through the store; construct one per process and
// pass it to the API and workers.
type Service struct {
	store    Store
	sessions *session.Table
	geo      GeoResolver
	metrics  *metrics.Metrics
	config   Config
	logger   *slog.Logger
}

// New creates the engine. geo may be nil when geo resolution is disabled.
func New(store Store, sessions *session.Table, geo GeoResolver, m *metrics.Metrics, config Config, logger *slog.Logger) *Service {
	if config.InstanceCap <= 0 {
		config.InstanceCap = 1
	}
	if !config.VirtualAddrPool.IsValid() {
		config.VirtualAddrPool = DefaultConfig().VirtualAddrPool
	}
	return &Service{
		store:    store,
		sessions: sessions,
		geo:      geo,
		metrics:  m,
		config:   config,
		logger:   logger,
	}
}

// Sessions exposes the session table to the gateway and the sweep worker.
func (s *Service) Sessions() *session.Table {
	return s.sessions
}

// Metrics exposes the metric set, nil when metrics are disabled.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// =============================================================================
// ORGANIZATION OPERATIONS
// =============================================================================

// CreateOrganization creates a new tenant.
func (s *Service) CreateOrganization(ctx context.Context, name string) (*types.Organization, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: organization name is required", types.ErrInvalidConfig)
	}
	org := &types.Organization{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	s.logger.Info("organization created", "org_id", org.ID, "name", name)
	return org, nil
}

// RenameOrganization updates a tenant's name.
func (s *Service) RenameOrganization(ctx context.Context, id, name string) error {
	if name == "" {
		return fmt.Errorf("%w: organization name is required", types.ErrInvalidConfig)
	}
	return s.store.RenameOrganization(ctx, id, name)
}

// ListOrganizations returns all tenants.
func (s *Service) ListOrganizations(ctx context.Context) ([]types.Organization, error) {
	return s.store.ListOrganizations(ctx)
}

// ListOrganizationDevices returns the organization's devices merged with
// live session state: durable rows from the store, connection and reported
// instances from the session table.
func (s *Service) ListOrganizationDevices(ctx context.Context, orgID string) ([]types.DeviceView, error) {
	if _, err := s.store.GetOrganization(ctx, orgID); err != nil {
		return nil, err
	}
	devices, err := s.store.ListDevicesByOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	views := make([]types.DeviceView, 0, len(devices))
	for _, d := range devices {
		view := types.DeviceView{Device: d}
		if sess, ok := s.sessions.Get(d.ID); ok {
			view.Connected = true
			connectedAt := sess.ConnectedAt
			view.ConnectedAt = &connectedAt
			if last := sess.LastReport(); !last.IsZero() {
				view.LastReportAt = &last
			}
			view.RunningInstanceIDs = sess.Running()
		}
		views = append(views, view)
	}
	return views, nil
}

// =============================================================================
// CONNECTION LIFECYCLE
// =============================================================================

// ConnectDevice admits a device connection: it verifies the device is known
// and operable, installs a session (atomically replacing any prior one) and
// marks the device reachable.
func (s *Service) ConnectDevice(ctx context.Context, deviceID string) (*session.Session, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.Status.IsOperable() {
		return nil, fmt.Errorf("%w: device %s is %s", types.ErrDeviceNotOperable, deviceID, device.Status)
	}

	sess := s.sessions.Open(deviceID)
	if s.metrics != nil {
		s.metrics.LiveSessions.Set(float64(s.sessions.Len()))
	}

	if err := s.SetReachability(ctx, deviceID, true); err != nil {
		// The session stays; reachability converges on the next heartbeat.
		s.logger.Warn("failed to mark device online", "device_id", deviceID, "error", err)
	}
	return sess, nil
}

// DisconnectDevice tears down a session if sessionID still owns the slot,
// then marks the device unreachable. A stale disconnect racing a reconnect
// is a no-op.
func (s *Service) DisconnectDevice(ctx context.Context, deviceID, sessionID string) {
	if !s.sessions.Close(deviceID, sessionID) {
		return
	}
	if s.metrics != nil {
		s.metrics.LiveSessions.Set(float64(s.sessions.Len()))
	}
	if err := s.SetReachability(ctx, deviceID, false); err != nil {
		s.logger.Warn("failed to mark device offline", "device_id", deviceID, "error", err)
	}
}

// DeleteDevice removes a device and everything attached to it. Instance rows
// cascade at the schema level; a live device additionally gets a stop command
// per instance before its session is torn down, best-effort.
func (s *Service) DeleteDevice(ctx context.Context, orgID, deviceID string) error {
	if _, err := s.deviceInOrg(ctx, orgID, deviceID); err != nil {
		return err
	}
	instances, err := s.store.ListNetworkInstances(ctx, deviceID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDevice(ctx, deviceID); err != nil {
		return err
	}

	// The row is gone; the live side is cleanup only.
	for _, inst := range instances {
		s.pushStop(deviceID, inst.ID)
	}
	if sess, ok := s.sessions.Get(deviceID); ok {
		s.sessions.Close(deviceID, sess.ID)
		if s.metrics != nil {
			s.metrics.LiveSessions.Set(float64(s.sessions.Len()))
		}
	}

	s.logger.Info("device deleted",
		"device_id", deviceID,
		"org_id", orgID,
		"instances", len(instances),
	)
	return nil
}
