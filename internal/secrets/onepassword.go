package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// OnePasswordProvider reads secrets from a 1Password vault via the Connect
// API. Each secret is an item titled after the secret name with the value in
// a field labeled "value" (or the item's "password" field).
type OnePasswordProvider struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

func newOnePasswordProvider(cfg Config, logger *slog.Logger) (*OnePasswordProvider, error) {
	if cfg.OnePasswordHost == "" || cfg.OnePasswordToken == "" || cfg.OnePasswordVault == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token and vault are required")
	}

	client := connect.NewClientWithUserAgent(cfg.OnePasswordHost, cfg.OnePasswordToken, "meshcp-control-plane")

	return &OnePasswordProvider{
		client:  client,
		vaultID: cfg.OnePasswordVault,
		logger:  logger,
		cache:   make(map[string]string),
	}, nil
}

// Get implements Provider. Values are cached for the process lifetime;
// rotation requires a restart.
func (p *OnePasswordProvider) Get(_ context.Context, name string) (string, error) {
	p.mu.RLock()
	if v, ok := p.cache[name]; ok {
		p.mu.RUnlock()
		return v, nil
	}
	p.mu.RUnlock()

	items, err := p.client.GetItemsByTitle(name, p.vaultID)
	if err != nil {
		return "", fmt.Errorf("looking up secret %q: %w", name, err)
	}
	if len(items) == 0 {
		return "", nil
	}

	item, err := p.client.GetItem(items[0].ID, p.vaultID)
	if err != nil {
		return "", fmt.Errorf("fetching secret %q: %w", name, err)
	}

	value := fieldValue(item)
	if value == "" {
		return "", fmt.Errorf("secret %q has no value field", name)
	}

	p.mu.Lock()
	p.cache[name] = value
	p.mu.Unlock()
	return value, nil
}

func fieldValue(item *onepassword.Item) string {
	for _, f := range item.Fields {
		if f.Label == "value" {
			return f.Value
		}
	}
	for _, f := range item.Fields {
		if f.Purpose == onepassword.FieldPurposePassword {
			return f.Value
		}
	}
	return ""
}
