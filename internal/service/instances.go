package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lattice-net/mesh-cp/pkg/types"
)

// Network instance controller.
//
// Every operation is scoped to the caller's organization and gated on the
// device being operable. Mutations commit durably first; the live push is a
// separate best-effort step afterwards, so a push decision can never observe
// uncommitted state. If a session opens between commit and push check, the
// device's first heartbeat recomputes the diff, and since both paths are
// idempotent a double push is harmless.

// deviceInOrg loads a device and enforces organization scoping. Operations
// for one organization must never touch another organization's devices.
func (s *Service) deviceInOrg(ctx context.Context, orgID, deviceID string) (*types.Device, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.OrganizationID == nil || *device.OrganizationID != orgID {
		return nil, fmt.Errorf("%w: device %s, organization %s", types.ErrOrganizationScope, deviceID, orgID)
	}
	return device, nil
}

// RunNetworkInstance validates and persists a new enabled instance for the
// device, then pushes a start command if a session is live. Exceeding the
// per-device cap fails with ErrCapacityExceeded and writes nothing.
func (s *Service) RunNetworkInstance(ctx context.Context, orgID, deviceID string, config types.NetworkConfig) (*types.NetworkInstance, error) {
	device, err := s.deviceInOrg(ctx, orgID, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.Status.IsOperable() {
		return nil, fmt.Errorf("%w: device %s is %s", types.ErrDeviceNotOperable, deviceID, device.Status)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	inst := &types.NetworkInstance{
		ID:       uuid.New().String(),
		DeviceID: deviceID,
		Config:   config,
		Enabled:  true,
	}
	if err := s.store.CreateNetworkInstance(ctx, inst, s.config.InstanceCap, s.config.VirtualAddrPool); err != nil {
		return nil, err
	}

	s.logger.Info("network instance created",
		"device_id", deviceID,
		"instance_id", inst.ID,
		"network", config.NetworkName,
		"virtual_address", inst.VirtualAddress,
	)

	// Commit is durable; push only afterwards.
	s.pushRun(deviceID, *inst)
	return inst, nil
}

// RemoveNetworkInstance deletes an instance. The removal is durable whether
// or not the device is reachable; a live device additionally gets a stop
// command, an offline one simply never does (its leftover is unreachable
// server-side state on the device only).
func (s *Service) RemoveNetworkInstance(ctx context.Context, orgID, deviceID, instanceID string) error {
	if _, err := s.deviceInOrg(ctx, orgID, deviceID); err != nil {
		return err
	}
	if _, err := s.store.GetNetworkInstance(ctx, deviceID, instanceID); err != nil {
		return err
	}
	if err := s.store.DeleteNetworkInstance(ctx, deviceID, instanceID); err != nil {
		return err
	}

	s.logger.Info("network instance removed", "device_id", deviceID, "instance_id", instanceID)
	s.pushStop(deviceID, instanceID)
	return nil
}

// SetNetworkInstanceEnabled toggles an instance without deleting it,
// pushing the corresponding start or stop if the device is live.
// expectedVersion guards against concurrent admin edits; a mismatch fails
// with ErrConflict and the caller retries after re-reading.
func (s *Service) SetNetworkInstanceEnabled(ctx context.Context, orgID, deviceID, instanceID string, enabled bool, expectedVersion int) (*types.NetworkInstance, error) {
	if _, err := s.deviceInOrg(ctx, orgID, deviceID); err != nil {
		return nil, err
	}

	inst, err := s.store.SetNetworkInstanceEnabled(ctx, deviceID, instanceID, enabled, expectedVersion)
	if err != nil {
		return nil, err
	}

	s.logger.Info("network instance toggled",
		"device_id", deviceID,
		"instance_id", instanceID,
		"enabled", enabled,
	)

	if enabled {
		s.pushRun(deviceID, *inst)
	} else {
		s.pushStop(deviceID, instanceID)
	}
	return inst, nil
}

// ListNetworkInstances returns a device's instances, DB-backed only.
func (s *Service) ListNetworkInstances(ctx context.Context, orgID, deviceID string) ([]types.NetworkInstance, error) {
	if _, err := s.deviceInOrg(ctx, orgID, deviceID); err != nil {
		return nil, err
	}
	return s.store.ListNetworkInstances(ctx, deviceID)
}

// ListOrganizationInstances returns every instance across an organization's
// devices, DB-backed only.
func (s *Service) ListOrganizationInstances(ctx context.Context, orgID string) ([]types.NetworkInstance, error) {
	if _, err := s.store.GetOrganization(ctx, orgID); err != nil {
		return nil, err
	}
	return s.store.ListNetworkInstancesForOrganization(ctx, orgID)
}
