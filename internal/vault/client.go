package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/config"

	"github.com/hashicorp/vault/api"
)

// StoreCredentials holds the passwords of the governor's durable stores
type StoreCredentials struct {
	RedisPassword    string `json:"redis_password"`
	PostgresPassword string `json:"postgres_password"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  *StoreCredentials
}

// NewClient creates a new Vault client. A disabled config yields a client that
// only echoes configured values.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// IsEnabled reports whether secrets come from Vault
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// ResolveStoreCredentials returns store passwords from Vault. Values missing in
// Vault (or everything, when disabled) fall back to the given credentials.
func (c *Client) ResolveStoreCredentials(ctx context.Context, fallback StoreCredentials) (StoreCredentials, error) {
	if !c.config.Enabled {
		return fallback, nil
	}

	c.mu.RLock()
	if c.cache != nil {
		creds := *c.cache
		c.mu.RUnlock()
		return merge(creds, fallback), nil
	}
	c.mu.RUnlock()

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return fallback, fmt.Errorf("failed to read store credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return fallback, fmt.Errorf("store credentials not found at %s", c.secretPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return fallback, fmt.Errorf("invalid secret format")
	}

	creds := StoreCredentials{
		RedisPassword:    getString(data, "redis_password"),
		PostgresPassword: getString(data, "postgres_password"),
	}

	c.mu.Lock()
	c.cache = &creds
	c.mu.Unlock()

	return merge(creds, fallback), nil
}

// StoreCredentials writes store passwords to Vault
func (c *Client) StoreCredentials(ctx context.Context, creds StoreCredentials) error {
	if !c.config.Enabled {
		return fmt.Errorf("vault is disabled")
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"redis_password":    creds.RedisPassword,
			"postgres_password": creds.PostgresPassword,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cache = &creds
	c.mu.Unlock()
	return nil
}

// HealthCheck checks if Vault is reachable and unsealed
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// KV v2 data path
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func merge(creds, fallback StoreCredentials) StoreCredentials {
	if creds.RedisPassword == "" {
		creds.RedisPassword = fallback.RedisPassword
	}
	if creds.PostgresPassword == "" {
		creds.PostgresPassword = fallback.PostgresPassword
	}
	return creds
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
