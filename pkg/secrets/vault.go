package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"capstone-brain/backend/pkg/cache"
	"capstone-brain/backend/pkg/logger"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig holds configuration for the Vault client
type VaultConfig struct {
	Address    string
	Token      string
	Namespace  string
	Mount      string
	Path       string
	Timeout    time.Duration
	MaxRetries int
	CacheTTL   time.Duration
}

// kvReader is the part of the KV v2 API the manager uses
type kvReader interface {
	Get(ctx context.Context, secretPath string) (*vault.KVSecret, error)
}

// VaultManager reads secrets from a KV v2 mount and caches them for CacheTTL.
// Keys missing from Vault fall back to the environment.
type VaultManager struct {
	kv    kvReader
	path  string
	cache *cache.Cache
	log   *logger.Logger
}

// NewVaultManager creates a Vault-backed manager
func NewVaultManager(cfg VaultConfig, log *logger.Logger) (*VaultManager, error) {
	if cfg.Address == "" {
		return nil, ErrNoVaultAddress
	}
	if cfg.Token == "" {
		return nil, ErrNoVaultToken
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	vc := vault.DefaultConfig()
	vc.Address = cfg.Address
	if cfg.Timeout > 0 {
		vc.Timeout = cfg.Timeout
	}
	vc.MaxRetries = cfg.MaxRetries

	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	return newVaultManager(client.KVv2(cfg.Mount), cfg, log), nil
}

func newVaultManager(kv kvReader, cfg VaultConfig, log *logger.Logger) *VaultManager {
	return &VaultManager{
		kv:    kv,
		path:  cfg.Path,
		cache: cache.New(cache.Options{DefaultExpiration: cfg.CacheTTL}),
		log:   log,
	}
}

// GetSecret returns key from Vault, or from the environment when Vault does not have it
func (m *VaultManager) GetSecret(ctx context.Context, key string) (string, error) {
	if v, ok := m.cache.Get(key); ok {
		return v.(string), nil
	}

	value, err := m.fromVault(ctx, key)
	if errors.Is(err, ErrSecretNotFound) {
		m.log.Warn("secret not found in vault, falling back to environment", "key", key)
		value, err = fromEnvironment(key)
	}
	if err != nil {
		return "", err
	}

	m.cache.Set(key, value)
	return value, nil
}

func (m *VaultManager) GetSecretWithDefault(ctx context.Context, key, defaultValue string) string {
	value, err := m.GetSecret(ctx, key)
	if err != nil {
		m.log.Warn("failed to get secret, using default value", "key", key, "error", err.Error())
		return defaultValue
	}
	return value
}

func (m *VaultManager) fromVault(ctx context.Context, key string) (string, error) {
	secret, err := m.kv.Get(ctx, m.path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}

	value, ok := secret.Data[key].(string)
	if !ok || value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}
