package types

import (
	"errors"
	"testing"
)

func TestDeviceStatusPredicates(t *testing.T) {
	tests := []struct {
		status    DeviceStatus
		approved  bool
		operable  bool
		connected bool
	}{
		{StatusPending, false, false, false},
		{StatusRejected, false, false, false},
		{StatusOnline, true, true, true},
		{StatusOffline, true, true, false},
		{StatusBusy, true, true, true},
		{StatusMaintenance, true, true, false},
		{StatusDisabled, true, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsApproved(); got != tt.approved {
				t.Errorf("IsApproved() = %v, want %v", got, tt.approved)
			}
			if got := tt.status.IsOperable(); got != tt.operable {
				t.Errorf("IsOperable() = %v, want %v", got, tt.operable)
			}
			if got := tt.status.IsConnected(); got != tt.connected {
				t.Errorf("IsConnected() = %v, want %v", got, tt.connected)
			}
		})
	}
}

func TestNetworkConfigValidate(t *testing.T) {
	valid := NetworkConfig{
		NetworkName:   "mesh-prod",
		NetworkSecret: "s3cret",
		Peers:         []string{"tcp://peer.example.com:11010", "wss://relay.example.com:443"},
		ListenerURLs:  []string{"udp://0.0.0.0:11010", "ws://0.0.0.0:11011"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*NetworkConfig)
	}{
		{"missing name", func(c *NetworkConfig) { c.NetworkName = "" }},
		{"missing secret", func(c *NetworkConfig) { c.NetworkSecret = "" }},
		{"http peer", func(c *NetworkConfig) { c.Peers = []string{"http://x.example.com"} }},
		{"schemeless peer", func(c *NetworkConfig) { c.Peers = []string{"peer.example.com:11010"} }},
		{"hostless listener", func(c *NetworkConfig) { c.ListenerURLs = []string{"tcp://"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNetworkConfigValidateMinimal(t *testing.T) {
	// Peers and listeners are optional; name and secret are not.
	cfg := NetworkConfig{NetworkName: "n", NetworkSecret: "s"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("minimal config rejected: %v", err)
	}
}
