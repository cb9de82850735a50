// Package secrets supplies runtime credentials to the control plane.
//
// Two secrets are consumed at startup: the database URL and the JWT signing
// key for the admin API. The production backend is 1Password Connect; a
// plain environment-variable backend serves development and tests.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Well-known secret names.
const (
	SecretDatabaseURL   = "database_url"
	SecretJWTSigningKey = "jwt_signing_key"
)

// Provider retrieves named secrets.
type Provider interface {
	// Get returns the secret value, or "" with no error when the secret is
	// simply absent.
	Get(ctx context.Context, name string) (string, error)
}

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend selects "1password", "env" or "auto". "auto" (default) uses
	// 1Password when configured, otherwise env.
	Backend string

	// 1Password Connect settings, usually from the environment:
	// OP_CONNECT_HOST, OP_CONNECT_TOKEN, OP_VAULT_ID.
	OnePasswordHost  string
	OnePasswordToken string
	OnePasswordVault string
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	return Config{
		Backend:          getEnv("MESHCP_SECRETS_BACKEND", "auto"),
		OnePasswordHost:  os.Getenv("OP_CONNECT_HOST"),
		OnePasswordToken: os.Getenv("OP_CONNECT_TOKEN"),
		OnePasswordVault: os.Getenv("OP_VAULT_ID"),
	}
}

// NewProvider creates a Provider based on configuration.
func NewProvider(cfg Config, logger *slog.Logger) (Provider, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		return newOnePasswordProvider(cfg, logger)

	case "env":
		return EnvProvider{}, nil

	case "auto":
		if cfg.OnePasswordHost != "" && cfg.OnePasswordToken != "" {
			p, err := newOnePasswordProvider(cfg, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, falling back to environment",
					"error", err)
				return EnvProvider{}, nil
			}
			return p, nil
		}
		logger.Info("1Password Connect not configured, reading secrets from environment")
		return EnvProvider{}, nil

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

// EnvProvider reads secrets from MESHCP_SECRET_<NAME> environment variables.
type EnvProvider struct{}

// Get implements Provider.
func (EnvProvider) Get(_ context.Context, name string) (string, error) {
	return os.Getenv("MESHCP_SECRET_" + strings.ToUpper(name)), nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
