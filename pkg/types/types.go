// Package types defines the core domain types shared across the control plane.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for API transport
// 3. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"fmt"
	"net/url"
	"time"
)

// =============================================================================
// ORGANIZATION
// =============================================================================

// Organization is the tenant boundary. Every approved device belongs to
// exactly one organization; all administrative operations are scoped to one.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// DEVICE
// =============================================================================

// Device represents a remote agent that connects to the control plane and
// runs mesh network instances locally.
//
// Devices are created on first registration (pending) and move through the
// status state machine via the registry. The reconciler updates
// last_heartbeat and location as heartbeats arrive; it never changes status
// directly except through the registry's reachability transitions.
type Device struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	SerialNumber string       `json:"serial_number"`
	DeviceType   DeviceType   `json:"device_type"`
	Status       DeviceStatus `json:"status"`

	// OrganizationID is nil until an operator approves the device into an org.
	OrganizationID *string `json:"organization_id,omitempty"`

	Hostname      string     `json:"hostname,omitempty"`
	ClientVersion string     `json:"client_version,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Location      *Location  `json:"location,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceType classifies the hardware class of a device.
type DeviceType string

const (
	DeviceTypeEdge  DeviceType = "edge"
	DeviceTypeRobot DeviceType = "robot"
)

// DeviceStatus represents the lifecycle state of a device.
type DeviceStatus string

const (
	// StatusPending - registered, awaiting operator approval
	StatusPending DeviceStatus = "pending"
	// StatusRejected - registration denied; re-registration returns it to pending
	StatusRejected DeviceStatus = "rejected"
	// StatusOnline - approved and currently connected
	StatusOnline DeviceStatus = "online"
	// StatusOffline - approved, no live session
	StatusOffline DeviceStatus = "offline"
	// StatusBusy - approved, connected, executing work
	StatusBusy DeviceStatus = "busy"
	// StatusMaintenance - approved, temporarily taken out of rotation
	StatusMaintenance DeviceStatus = "maintenance"
	// StatusDisabled - administratively disabled; no configuration is pushed
	StatusDisabled DeviceStatus = "disabled"
)

// IsApproved reports whether the device has passed operator approval.
// Disabled devices remain approved; they are just not operable.
func (s DeviceStatus) IsApproved() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusBusy, StatusMaintenance, StatusDisabled:
		return true
	}
	return false
}

// IsOperable reports whether configuration may be pushed to the device.
func (s DeviceStatus) IsOperable() bool {
	return s.IsApproved() && s != StatusDisabled
}

// IsConnected reports whether the status implies a live session.
func (s DeviceStatus) IsConnected() bool {
	return s == StatusOnline || s == StatusBusy
}

// Location is a coarse geographic position resolved from a device's source
// address. Resolution is best-effort; all fields beyond Country may be empty.
type Location struct {
	Country string `json:"country"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
}

// =============================================================================
// NETWORK INSTANCE
// =============================================================================

// NetworkInstance is one desired mesh network configuration attached to a
// device. The device is expected to run every enabled instance it owns; the
// reconciler drives it toward that state on each heartbeat.
type NetworkInstance struct {
	ID       string        `json:"id"`
	DeviceID string        `json:"device_id"`
	Config   NetworkConfig `json:"config"`
	Enabled  bool          `json:"enabled"`

	// VirtualAddress is the mesh-internal address assigned at creation,
	// e.g. "10.144.0.7/24". Empty if the pool was exhausted.
	VirtualAddress string `json:"virtual_address,omitempty"`

	// Version is the optimistic concurrency token; every mutation bumps it.
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NetworkConfig is the schema-validated payload for a network instance.
// The control plane validates structure only; the mesh engine on the device
// interprets the contents.
type NetworkConfig struct {
	NetworkName   string   `json:"network_name"`
	NetworkSecret string   `json:"network_secret"`
	Peers         []string `json:"peers,omitempty"`
	ListenerURLs  []string `json:"listener_urls,omitempty"`

	// Extra carries engine-specific settings the control plane does not
	// interpret (relay policy, mtu, flags).
	Extra map[string]any `json:"extra,omitempty"`
}

// supported tunnel URL schemes for peers and listeners
var tunnelSchemes = map[string]bool{
	"tcp": true,
	"udp": true,
	"ws":  true,
	"wss": true,
}

// Validate checks the configuration structurally: required fields present,
// peer and listener URLs well-formed with a supported scheme.
func (c NetworkConfig) Validate() error {
	if c.NetworkName == "" {
		return fmt.Errorf("%w: network_name is required", ErrInvalidConfig)
	}
	if c.NetworkSecret == "" {
		return fmt.Errorf("%w: network_secret is required", ErrInvalidConfig)
	}
	for _, p := range c.Peers {
		if err := validateTunnelURL(p); err != nil {
			return fmt.Errorf("%w: peer %q: %v", ErrInvalidConfig, p, err)
		}
	}
	for _, l := range c.ListenerURLs {
		if err := validateTunnelURL(l); err != nil {
			return fmt.Errorf("%w: listener %q: %v", ErrInvalidConfig, l, err)
		}
	}
	return nil
}

func validateTunnelURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !tunnelSchemes[u.Scheme] {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// =============================================================================
// HEARTBEAT
// =============================================================================

// HeartbeatReport is the periodic report a connected device sends describing
// what it is currently running. Nothing here is persisted beyond the fields
// mirrored onto the device row and the session's cached reported set.
type HeartbeatReport struct {
	DeviceID           string   `json:"device_id"`
	ClientVersion      string   `json:"client_version"`
	Hostname           string   `json:"hostname"`
	RunningInstanceIDs []string `json:"running_instance_ids"`

	// SourceAddr is the remote address the report arrived from, used for
	// best-effort geo resolution.
	SourceAddr string `json:"source_addr,omitempty"`

	// ReportedAt orders reports from the same device when transports race.
	ReportedAt time.Time `json:"reported_at"`
}

// =============================================================================
// COMMANDS
// =============================================================================

// CommandKind distinguishes outbound device commands.
type CommandKind string

const (
	CommandRunInstance  CommandKind = "run_network_instance"
	CommandStopInstance CommandKind = "stop_network_instance"
)

// Command is one corrective instruction queued for a device. Run commands
// carry the full instance config so the device needs no follow-up fetch.
type Command struct {
	Kind       CommandKind    `json:"kind"`
	InstanceID string         `json:"instance_id"`
	Config     *NetworkConfig `json:"config,omitempty"`
	IssuedAt   time.Time      `json:"issued_at"`
}

// =============================================================================
// VIEWS
// =============================================================================

// DeviceView is the merged administrative view of a device: the durable row
// plus whatever the session table knows about the live connection.
type DeviceView struct {
	Device Device `json:"device"`

	Connected    bool       `json:"connected"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	LastReportAt *time.Time `json:"last_report_at,omitempty"`

	// RunningInstanceIDs is the device's last reported running set; only
	// meaningful while Connected.
	RunningInstanceIDs []string `json:"running_instance_ids,omitempty"`
}
