package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lattice-net/mesh-cp/pkg/types"
)

// Device status state machine:
//
//	pending  -> approved (offline) | rejected
//	approved -> online | offline | busy | maintenance | disabled
//	disabled -> offline (re-enable)
//	rejected -> pending (re-registration only)
//
// Every status write goes through transition(), which re-checks the current
// status with a compare-and-set at the store so concurrent writers cannot
// skip a state.

// RegisterDeviceRequest contains parameters for device registration.
type RegisterDeviceRequest struct {
	SerialNumber  string
	Name          string
	DeviceType    types.DeviceType
	Hostname      string
	ClientVersion string
}

// RegisterDevice registers a device by serial number. Registration is
// idempotent: a known serial returns the existing device id. A previously
// rejected device returns to pending for a fresh evaluation. Registration
// never auto-approves.
//
// The returned token authenticates the device on subsequent calls; only its
// bcrypt hash is stored, so each registration issues a fresh one.
func (s *Service) RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (*types.Device, string, error) {
	if req.SerialNumber == "" {
		return nil, "", fmt.Errorf("%w: serial_number is required", types.ErrInvalidConfig)
	}
	if req.DeviceType == "" {
		req.DeviceType = types.DeviceTypeEdge
	}

	device, err := s.store.GetDeviceBySerial(ctx, req.SerialNumber)
	if err != nil {
		return nil, "", err
	}

	if device == nil {
		device = &types.Device{
			ID:            uuid.New().String(),
			Name:          req.Name,
			SerialNumber:  req.SerialNumber,
			DeviceType:    req.DeviceType,
			Status:        types.StatusPending,
			Hostname:      req.Hostname,
			ClientVersion: req.ClientVersion,
		}
		if err := s.store.CreateDevice(ctx, device); err != nil {
			return nil, "", err
		}
		s.logger.Info("device registered", "device_id", device.ID, "serial", req.SerialNumber)
	} else if device.Status == types.StatusRejected {
		// A rejected device that comes back gets a fresh pending evaluation
		// on the same id.
		if err := s.transition(ctx, device, types.StatusPending, "re-registration"); err != nil {
			return nil, "", err
		}
		s.logger.Info("rejected device re-registered", "device_id", device.ID, "serial", req.SerialNumber)
	} else {
		s.logger.Debug("device re-registered", "device_id", device.ID, "status", device.Status)
	}

	token := uuid.New().String()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing auth token: %w", err)
	}
	if err := s.store.SetDeviceAuthTokenHash(ctx, device.ID, string(hash)); err != nil {
		return nil, "", err
	}

	return device, token, nil
}

// AuthenticateDevice verifies a device auth token against its stored hash.
func (s *Service) AuthenticateDevice(ctx context.Context, deviceID, token string) error {
	hash, err := s.store.GetDeviceAuthTokenHash(ctx, deviceID)
	if err != nil {
		return err
	}
	if hash == "" {
		return fmt.Errorf("%w: device %s has no auth token", types.ErrDeviceNotOperable, deviceID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return fmt.Errorf("%w: bad auth token for device %s", types.ErrDeviceNotOperable, deviceID)
	}
	return nil
}

// ApproveDevice moves a pending device into an organization. Only valid
// from pending; newly approved devices start offline until they connect.
func (s *Service) ApproveDevice(ctx context.Context, deviceID, orgID string) error {
	if _, err := s.store.GetOrganization(ctx, orgID); err != nil {
		return err
	}
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.Status != types.StatusPending {
		return fmt.Errorf("%w: approve requires pending, device %s is %s",
			types.ErrInvalidTransition, deviceID, device.Status)
	}
	if err := s.store.SetDeviceOrganization(ctx, deviceID, orgID); err != nil {
		return err
	}
	if err := s.transition(ctx, device, types.StatusOffline, "approved"); err != nil {
		return err
	}
	s.logger.Info("device approved", "device_id", deviceID, "org_id", orgID)
	return nil
}

// RejectDevice denies a pending registration.
func (s *Service) RejectDevice(ctx context.Context, deviceID string) error {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.Status != types.StatusPending {
		return fmt.Errorf("%w: reject requires pending, device %s is %s",
			types.ErrInvalidTransition, deviceID, device.Status)
	}
	if err := s.transition(ctx, device, types.StatusRejected, "rejected"); err != nil {
		return err
	}
	s.logger.Info("device rejected", "device_id", deviceID)
	return nil
}

// DisableDevice administratively disables an approved device. The engine
// stops pushing configuration until it is re-enabled.
func (s *Service) DisableDevice(ctx context.Context, deviceID string) error {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !device.Status.IsApproved() || device.Status == types.StatusDisabled {
		return fmt.Errorf("%w: disable requires an approved device, %s is %s",
			types.ErrInvalidTransition, deviceID, device.Status)
	}
	if err := s.transition(ctx, device, types.StatusDisabled, "disabled"); err != nil {
		return err
	}
	s.logger.Info("device disabled", "device_id", deviceID)
	return nil
}

// EnableDevice re-enables a disabled device, returning it to offline until
// it reconnects.
func (s *Service) EnableDevice(ctx context.Context, deviceID string) error {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.Status != types.StatusDisabled {
		return fmt.Errorf("%w: enable requires disabled, device %s is %s",
			types.ErrInvalidTransition, deviceID, device.Status)
	}
	if err := s.transition(ctx, device, types.StatusOffline, "re-enabled"); err != nil {
		return err
	}
	s.logger.Info("device re-enabled", "device_id", deviceID)
	return nil
}

// SetReachability flips a device between online and offline based on session
// table events. It is not an administrative operation: disabled devices are
// left untouched (no-op, not an error), non-approved devices are an error.
func (s *Service) SetReachability(ctx context.Context, deviceID string, online bool) error {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.Status == types.StatusDisabled {
		return nil
	}
	if !device.Status.IsApproved() {
		return fmt.Errorf("%w: reachability change on %s device %s",
			types.ErrInvalidTransition, device.Status, deviceID)
	}

	target := types.StatusOffline
	if online {
		target = types.StatusOnline
	}
	if device.Status == target {
		return nil
	}
	// Busy and maintenance survive offline/online flaps in one direction
	// only: going offline always wins, going online does not demote them.
	if online && (device.Status == types.StatusBusy || device.Status == types.StatusMaintenance) {
		return nil
	}
	return s.transition(ctx, device, target, "reachability")
}

// IsOperable reports whether configuration may be pushed to the device.
func (s *Service) IsOperable(ctx context.Context, deviceID string) (bool, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return device.Status.IsOperable(), nil
}

// transition writes a status change with a compare-and-set on the status the
// caller validated against. A lost race surfaces as ErrConflict; callers
// treat the device as having moved on and re-read if they care.
func (s *Service) transition(ctx context.Context, device *types.Device, to types.DeviceStatus, reason string) error {
	err := s.store.TransitionDeviceStatus(ctx, device.ID, device.Status, to)
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			s.logger.Warn("status transition lost race",
				"device_id", device.ID,
				"from", device.Status,
				"to", to,
				"reason", reason,
			)
		}
		return err
	}
	s.logger.Debug("device status changed",
		"device_id", device.ID,
		"from", device.Status,
		"to", to,
		"reason", reason,
	)
	device.Status = to
	return nil
}
