// Package testutil provides shared test helpers and fixtures.
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-net/mesh-cp/pkg/types"
)

// NewTestLogger returns a logger that discards output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// FIXTURES
// =============================================================================

// DeviceOption customizes a fixture device.
type DeviceOption func(*types.Device)

// WithStatus sets the device status.
func WithStatus(status types.DeviceStatus) DeviceOption {
	return func(d *types.Device) { d.Status = status }
}

// WithOrganization assigns the device to an organization.
func WithOrganization(orgID string) DeviceOption {
	return func(d *types.Device) { d.OrganizationID = &orgID }
}

// WithSerial sets the serial number.
func WithSerial(serial string) DeviceOption {
	return func(d *types.Device) { d.SerialNumber = serial }
}

// FixtureDevice creates a device for tests. Default state is an approved,
// offline gateway with no organization.
func FixtureDevice(opts ...DeviceOption) *types.Device {
	now := time.Now()
	d := &types.Device{
		ID:            uuid.New().String(),
		Name:          "test-device",
		SerialNumber:  "SN-" + uuid.New().String()[:8],
		DeviceType:    types.DeviceTypeEdge,
		Status:        types.StatusOffline,
		Hostname:      "edge-01",
		ClientVersion: "2.4.1",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FixtureOrganization creates an organization for tests.
func FixtureOrganization(name string) *types.Organization {
	return &types.Organization{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now(),
	}
}

// InstanceOption customizes a fixture instance.
type InstanceOption func(*types.NetworkInstance)

// WithEnabled sets the enabled flag.
func WithEnabled(enabled bool) InstanceOption {
	return func(i *types.NetworkInstance) { i.Enabled = enabled }
}

// WithInstanceID sets the instance ID.
func WithInstanceID(id string) InstanceOption {
	return func(i *types.NetworkInstance) { i.ID = id }
}

// FixtureInstance creates an enabled network instance bound to the device.
func FixtureInstance(deviceID string, opts ...InstanceOption) *types.NetworkInstance {
	now := time.Now()
	inst := &types.NetworkInstance{
		ID:       uuid.New().String(),
		DeviceID: deviceID,
		Config: types.NetworkConfig{
			NetworkName:   "test-net",
			NetworkSecret: "s3cret",
			ListenerURLs:  []string{"tcp://0.0.0.0:11010"},
		},
		Enabled:        true,
		VirtualAddress: "10.144.0.1",
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, opt := range opts {
		opt(inst)
	}
	return inst
}

// FixtureHeartbeat creates a heartbeat report for the device.
func FixtureHeartbeat(deviceID string, running ...string) types.HeartbeatReport {
	return types.HeartbeatReport{
		DeviceID:           deviceID,
		ClientVersion:      "2.4.1",
		Hostname:           "edge-01",
		RunningInstanceIDs: running,
		SourceAddr:         "203.0.113.7:41920",
		ReportedAt:         time.Now(),
	}
}
