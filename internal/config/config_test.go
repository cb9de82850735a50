package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Engine.InstanceCap != 1 {
		t.Errorf("default instance cap = %d, want 1", cfg.Engine.InstanceCap)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  port: 9090
engine:
  instance_cap: 3
  virtual_addr_pool: 10.200.0.0/16
sweep:
  interval: 30s
  timeout: 2m
rate_limit:
  heartbeats_per_minute: 30
  burst: 10
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Engine.InstanceCap != 3 {
		t.Errorf("instance cap = %d, want 3", cfg.Engine.InstanceCap)
	}
	if cfg.Sweep.Timeout != 2*time.Minute {
		t.Errorf("sweep timeout = %s, want 2m", cfg.Sweep.Timeout)
	}
	if got := cfg.AddrPool().String(); got != "10.200.0.0/16" {
		t.Errorf("addr pool = %s", got)
	}
	// Unset file fields keep their defaults.
	if cfg.RateLimit.HeartbeatsPerMinute != 30 || cfg.RateLimit.Burst != 10 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MESHCP_PORT", "7070")
	t.Setenv("MESHCP_INSTANCE_CAP", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Engine.InstanceCap != 5 {
		t.Errorf("instance cap = %d, want 5", cfg.Engine.InstanceCap)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"huge port", func(c *Config) { c.Server.Port = 70000 }},
		{"zero cap", func(c *Config) { c.Engine.InstanceCap = 0 }},
		{"bad pool", func(c *Config) { c.Engine.VirtualAddrPool = "not-a-prefix" }},
		{"zero sweep interval", func(c *Config) { c.Sweep.Interval = 0 }},
		{"timeout under interval", func(c *Config) {
			c.Sweep.Interval = time.Minute
			c.Sweep.Timeout = time.Second
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
