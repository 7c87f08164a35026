package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/hashicorp/vault/api"

	"hedge-grid-bot/config"
)

// ErrKeyNotFound is returned when no credentials are stored for the network
var ErrKeyNotFound = errors.New("API key not found")

// APIKeyData represents the venue credentials stored in Vault
type APIKeyData struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Exchange  string `json:"exchange"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client reads venue credentials from a KV v2 secrets engine
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  map[string]*APIKeyData // network -> credentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
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
		cache:  make(map[string]*APIKeyData),
	}, nil
}

// GetAPIKey retrieves the credentials for mainnet or testnet
func (c *Client) GetAPIKey(ctx context.Context, isTestnet bool) (*APIKeyData, error) {
	network := networkName(isTestnet)
	c.mu.RLock()
	if cached, ok := c.cache[network]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(network))
	if err != nil {
		return nil, fmt.Errorf("failed to read API key from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, ErrKeyNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	apiKeyData := &APIKeyData{
		APIKey:    strings.TrimSpace(getString(data, "api_key")),
		SecretKey: strings.TrimSpace(getString(data, "secret_key")),
		Exchange:  getString(data, "exchange"),
		IsTestnet: getBool(data, "is_testnet"),
	}
	if apiKeyData.APIKey == "" || apiKeyData.SecretKey == "" {
		return nil, fmt.Errorf("%w: secret at %s is missing api_key or secret_key", ErrKeyNotFound, c.secretPath(network))
	}

	c.mu.Lock()
	c.cache[network] = apiKeyData
	c.mu.Unlock()

	return apiKeyData, nil
}

// StoreAPIKey writes credentials for the network of data
func (c *Client) StoreAPIKey(ctx context.Context, data APIKeyData) error {
	network := networkName(data.IsTestnet)
	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    data.APIKey,
			"secret_key": data.SecretKey,
			"exchange":   data.Exchange,
			"is_testnet": data.IsTestnet,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(network), secretData); err != nil {
		return fmt.Errorf("failed to store API key in vault: %w", err)
	}

	c.mu.Lock()
	c.cache[network] = &data
	c.mu.Unlock()
	return nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*APIKeyData)
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// secretPath returns the KV v2 data path for the network's credentials
func (c *Client) secretPath(network string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, network)
}

func networkName(isTestnet bool) string {
	if isTestnet {
		return "testnet"
	}
	return "mainnet"
}

// Helper functions
func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			return v == "true"
		case json.Number:
			n, _ := v.Int64()
			return n != 0
		}
	}
	return false
}

// ResolveCredentials fills the Binance keys in cfg from Vault when Vault is
// enabled. It returns the Vault client for health checks, or nil when Vault
// is disabled. Keys already present in cfg are left alone.
func ResolveCredentials(ctx context.Context, cfg *config.Config) (*Client, error) {
	if !cfg.VaultConfig.Enabled {
		return nil, nil
	}
	c, err := NewClient(cfg.VaultConfig)
	if err != nil {
		return nil, err
	}
	if cfg.BinanceConfig.APIKey != "" && cfg.BinanceConfig.SecretKey != "" {
		return c, nil
	}
	keys, err := c.GetAPIKey(ctx, cfg.BinanceConfig.TestNet)
	if err != nil {
		return nil, fmt.Errorf("failed to load API keys from vault: %w", err)
	}
	cfg.BinanceConfig.APIKey = keys.APIKey
	cfg.BinanceConfig.SecretKey = keys.SecretKey
	return c, nil
}
