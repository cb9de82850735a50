// Package config handles control plane configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Environment variables (MESHCP_*)
// 2. Config file (YAML)
// 3. Defaults
//
// # Example Config File
//
//	server:
//	  port: 8080
//
//	database:
//	  url: postgres://localhost:5432/meshcp?sslmode=disable
//
//	redis:
//	  url: redis://localhost:6379/0
//
//	geo:
//	  service_url: https://geo.internal.example.com
//
//	engine:
//	  instance_cap: 1
//	  virtual_addr_pool: 10.144.0.0/24
//
//	sweep:
//	  interval: 15s
//	  timeout: 90s
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete control plane configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Geo       GeoConfig       `yaml:"geo"`
	Engine    EngineConfig    `yaml:"engine"`
	Sweep     SweepConfig     `yaml:"sweep"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port"`

	// JWTSigningKey verifies operator tokens on the admin API. Usually left
	// empty here and supplied through the secrets provider.
	JWTSigningKey string `yaml:"jwt_signing_key,omitempty"`
}

// DatabaseConfig defines the durable store connection.
type DatabaseConfig struct {
	// URL is the postgres connection string. Usually left empty here and
	// supplied through the secrets provider.
	URL string `yaml:"url,omitempty"`
}

// RedisConfig defines the optional Redis connection for the geo cache.
type RedisConfig struct {
	URL string `yaml:"url,omitempty"`
}

// GeoConfig defines the external geo service.
type GeoConfig struct {
	ServiceURL string `yaml:"service_url,omitempty"`
}

// EngineConfig tunes reconciliation.
type EngineConfig struct {
	InstanceCap     int    `yaml:"instance_cap"`
	VirtualAddrPool string `yaml:"virtual_addr_pool"`
}

// SweepConfig tunes the liveness sweep.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RateLimitConfig bounds per-device heartbeat rates.
type RateLimitConfig struct {
	// HeartbeatsPerMinute caps how often one device may heartbeat.
	HeartbeatsPerMinute int `yaml:"heartbeats_per_minute"`
	// Burst allows short catch-up bursts after reconnects.
	Burst int `yaml:"burst"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{URL: "postgres://localhost:5432/meshcp?sslmode=disable"},
		Engine: EngineConfig{
			InstanceCap:     1,
			VirtualAddrPool: "10.144.0.0/24",
		},
		Sweep: SweepConfig{
			Interval: 15 * time.Second,
			Timeout:  90 * time.Second,
		},
		RateLimit: RateLimitConfig{
			HeartbeatsPerMinute: 12,
			Burst:               6,
		},
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MESHCP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MESHCP_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("MESHCP_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("MESHCP_GEO_SERVICE_URL"); v != "" {
		cfg.Geo.ServiceURL = v
	}
	if v := os.Getenv("MESHCP_JWT_SIGNING_KEY"); v != "" {
		cfg.Server.JWTSigningKey = v
	}
	if v := os.Getenv("MESHCP_INSTANCE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.InstanceCap = n
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Engine.InstanceCap <= 0 {
		return fmt.Errorf("engine.instance_cap must be positive, got %d", c.Engine.InstanceCap)
	}
	if _, err := netip.ParsePrefix(c.Engine.VirtualAddrPool); err != nil {
		return fmt.Errorf("invalid engine.virtual_addr_pool: %w", err)
	}
	if c.Sweep.Interval <= 0 || c.Sweep.Timeout <= 0 {
		return fmt.Errorf("sweep interval and timeout must be positive")
	}
	if c.Sweep.Timeout < c.Sweep.Interval {
		return fmt.Errorf("sweep timeout %s shorter than interval %s", c.Sweep.Timeout, c.Sweep.Interval)
	}
	return nil
}

// AddrPool returns the parsed virtual address pool. Validate must have
// passed first.
func (c Config) AddrPool() netip.Prefix {
	return netip.MustParsePrefix(c.Engine.VirtualAddrPool)
}
