package types

import "errors"

// Sentinel errors for the control plane. Callers classify with errors.Is;
// the API layer maps them to HTTP status codes.
var (
	// ErrInvalidTransition - a device status change not allowed by the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDeviceNotOperable - a lifecycle operation or heartbeat hit a device
	// that is not approved or is disabled. Devices receiving this should stop
	// attempting to run networks.
	ErrDeviceNotOperable = errors.New("device not operable")

	// ErrNotFound - unknown device, instance or organization.
	ErrNotFound = errors.New("not found")

	// ErrCapacityExceeded - the per-device network instance cap would be exceeded.
	ErrCapacityExceeded = errors.New("instance capacity exceeded")

	// ErrConflict - a concurrent mutation won the optimistic version check.
	ErrConflict = errors.New("conflicting concurrent update")

	// ErrInvalidConfig - a network configuration failed structural validation.
	ErrInvalidConfig = errors.New("invalid network config")

	// ErrStoreUnavailable - durable store I/O failed; the operation was not applied.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrOrganizationScope - an operation referenced a device outside the
	// caller's organization.
	ErrOrganizationScope = errors.New("device not in organization")
)
