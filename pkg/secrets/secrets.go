// Package secrets resolves sensitive settings from Vault with an
// environment fallback.
package secrets

import (
	"context"
	"errors"
	"os"
	"strings"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrNoVaultToken   = errors.New("no vault token provided")
	ErrNoVaultAddress = errors.New("no vault address provided")
)

// Manager provides access to secrets
type Manager interface {
	GetSecret(ctx context.Context, key string) (string, error)
	GetSecretWithDefault(ctx context.Context, key, defaultValue string) string
}

// EnvManager reads secrets from environment variables only
type EnvManager struct{}

func (EnvManager) GetSecret(_ context.Context, key string) (string, error) {
	return fromEnvironment(key)
}

func (m EnvManager) GetSecretWithDefault(ctx context.Context, key, defaultValue string) string {
	if v, err := m.GetSecret(ctx, key); err == nil {
		return v
	}
	return defaultValue
}

// envKey maps "jwt-secret" or "jwt.secret" to JWT_SECRET
func envKey(key string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}

func fromEnvironment(key string) (string, error) {
	value := os.Getenv(envKey(key))
	if value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}
